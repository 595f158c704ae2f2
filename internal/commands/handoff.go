package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// handoffCmd implements /handoff: an ephemeral read-only run writes a
// session handoff note into the workdir so the next session (or the next
// human) can pick up where this one left off.
func (h *Handler) handoffCmd(ctx context.Context, in transport.Inbound, rest string, reply func(string, ...any)) {
	dryRun := strings.Contains(rest, "--dry-run")
	commit := !strings.Contains(rest, "--no-commit")
	if strings.Contains(rest, "--commit") {
		commit = true
	}
	push := strings.Contains(rest, "--push") && !strings.Contains(rest, "--no-push")

	var workdir string
	h.store.Peek(in.ConvKey, func(s *state.Session) { workdir = s.Workdir })
	if workdir == "" {
		reply("set a workdir first (/workdir <abs>)")
		return
	}

	reply("Writing a handoff note...")
	go h.writeHandoff(in.ConvKey, in.ChannelID, workdir, dryRun, commit, push)
}

// Handoff is the hook the task runner calls after each task when
// auto-handoff is enabled.
func (h *Handler) Handoff(convKey, channelID string) {
	var workdir string
	h.store.Peek(convKey, func(s *state.Session) { workdir = s.Workdir })
	if workdir == "" {
		return
	}
	h.writeHandoff(convKey, channelID, workdir, false, h.cfg.Tasks.AutoCommit, false)
}

func (h *Handler) writeHandoff(convKey, channelID, workdir string, dryRun, commit, push bool) {
	ctx := context.Background()

	prompt := "Write a handoff note in markdown for whoever continues this work: what was the goal, " +
		"what is done, what is in flight, known problems, and the next three concrete steps. " +
		"Inspect the working directory read-only (git log and status included). Keep it under 60 lines."
	text, err := h.agents.RunEphemeral(ctx, convKey, workdir, prompt, true, nil)
	if err != nil {
		_, _ = h.t.SendMessage(ctx, channelID, fmt.Sprintf("handoff failed: %v", err))
		return
	}

	if dryRun {
		_ = transport.SendChunked(ctx, h.t, channelID, "Handoff (not written):\n\n"+text)
		return
	}

	path := filepath.Join(workdir, "HANDOFF.md")
	stamp := time.Now().UTC().Format("2006-01-02 15:04 UTC")
	body := fmt.Sprintf("# Handoff (%s)\n\n%s\n", stamp, strings.TrimSpace(text))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		_, _ = h.t.SendMessage(ctx, channelID, fmt.Sprintf("handoff write failed: %v", err))
		return
	}

	note := "Handoff written to " + path
	if commit {
		if _, err := h.git(ctx, workdir, "add", "HANDOFF.md"); err == nil {
			if _, err := h.git(ctx, workdir, "commit", "-m", "handoff: "+stamp); err == nil {
				note += ", committed"
				if push {
					if _, err := h.git(ctx, workdir, "push"); err == nil {
						note += " and pushed"
					} else {
						note += " (push failed)"
					}
				}
			}
		}
	}
	_, _ = h.t.SendMessage(ctx, channelID, note+".")
}
