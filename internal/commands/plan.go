package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/coderelay/internal/runner"
	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// plan implements /plan: an ephemeral read-only agent run drafts a plan,
// which is stored on disk and can later be queued as a task or applied as a
// full run.
func (h *Handler) plan(ctx context.Context, in transport.Inbound, rest string, reply func(string, ...any)) {
	sub, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(sub) {
	case "", "new":
		req := arg
		if sub == "" {
			req = rest
		}
		if strings.TrimSpace(req) == "" {
			reply("usage: /plan <request>")
			return
		}
		go h.draftPlan(in, req)
		reply("Drafting a plan...")
	case "list":
		var b strings.Builder
		h.store.Peek(in.ConvKey, func(s *state.Session) {
			for _, p := range s.Plans {
				fmt.Fprintf(&b, "%s (%s): %s\n", p.ID, p.CreatedAt.Format("Jan 2 15:04"), p.Title)
			}
		})
		if b.Len() == 0 {
			reply("No plans.")
		} else {
			reply("%s", strings.TrimRight(b.String(), "\n"))
		}
	case "show":
		p := h.findPlan(in.ConvKey, arg)
		if p == nil {
			reply("no such plan")
			return
		}
		data, err := os.ReadFile(p.Path)
		if err != nil {
			reply("cannot read plan: %v", err)
			return
		}
		reply("%s", string(data))
	case "queue":
		runNow := strings.Contains(arg, "--run")
		id := strings.TrimSpace(strings.ReplaceAll(arg, "--run", ""))
		p := h.findPlan(in.ConvKey, id)
		if p == nil {
			reply("no such plan")
			return
		}
		prompt := fmt.Sprintf("Implement the plan stored at %s. Read it first, then execute it step by step.", p.Path)
		if _, err := h.tasks.Add(in.ConvKey, prompt, "plan "+p.ID, ""); err != nil {
			reply("refused: %v", err)
			return
		}
		if runNow {
			_ = h.tasks.Start(in.ConvKey, in.ChannelID)
			reply("Plan %s queued and runner started.", p.ID)
		} else {
			reply("Plan %s queued as a task.", p.ID)
		}
	case "apply":
		confirmed := strings.Contains(arg, "--confirm")
		id := strings.TrimSpace(strings.ReplaceAll(arg, "--confirm", ""))
		p := h.findPlan(in.ConvKey, id)
		if p == nil {
			reply("no such plan")
			return
		}
		if !confirmed {
			reply("This runs the agent against the plan immediately. Re-run with --confirm to proceed:\n/plan apply %s --confirm", p.ID)
			return
		}
		data, err := os.ReadFile(p.Path)
		if err != nil {
			reply("cannot read plan: %v", err)
			return
		}
		h.agents.Enqueue(runner.Request{
			ConvKey:         in.ConvKey,
			ChannelID:       in.ChannelID,
			GuildID:         in.GuildID,
			IsDM:            in.IsDM,
			Prompt:          "Execute this plan:\n\n" + string(data),
			Reason:          "plan",
			DispatchActions: true,
		})
	default:
		reply("usage: /plan {<req> | new <req> | list | show <id|last> | queue <id|last> [--run] | apply <id|last> [--confirm]}")
	}
}

func (h *Handler) draftPlan(in transport.Inbound, request string) {
	ctx := context.Background()
	var workdir string
	h.store.Peek(in.ConvKey, func(s *state.Session) { workdir = s.Workdir })

	prompt := "Draft a concrete implementation plan (markdown, numbered steps, no code changes) for the following request. " +
		"Inspect the working directory read-only as needed.\n\nRequest: " + request
	text, err := h.agents.RunEphemeral(ctx, in.ConvKey, workdir, prompt, true, nil)
	if err != nil {
		_, _ = h.t.SendMessage(ctx, in.ChannelID, fmt.Sprintf("plan failed: %v", err))
		return
	}

	id := "p-" + uuid.NewString()[:8]
	dir := filepath.Join(h.cfg.StateDir, "plans", state.SanitizeConvKey(in.ConvKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_, _ = h.t.SendMessage(ctx, in.ChannelID, fmt.Sprintf("plan save failed: %v", err))
		return
	}
	path := filepath.Join(dir, id+".md")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		_, _ = h.t.SendMessage(ctx, in.ChannelID, fmt.Sprintf("plan save failed: %v", err))
		return
	}

	h.store.Mutate(in.ConvKey, func(s *state.Session) {
		s.Plans = append(s.Plans, &state.Plan{
			ID:        id,
			CreatedAt: time.Now().UTC(),
			Title:     firstWords(request, 10),
			Workdir:   workdir,
			Path:      path,
			Request:   request,
		})
	})

	preview := text
	if len(preview) > 1500 {
		preview = preview[:1500] + "\n…"
	}
	_ = transport.SendChunked(ctx, h.t, in.ChannelID,
		fmt.Sprintf("Plan %s saved.\n\n%s\n\nQueue it with /plan queue %s [--run].", id, preview, id))
}

// findPlan resolves "last", an id, or an empty selector (also last).
func (h *Handler) findPlan(convKey, sel string) *state.Plan {
	var found *state.Plan
	h.store.Peek(convKey, func(s *state.Session) {
		if len(s.Plans) == 0 {
			return
		}
		if sel == "" || strings.EqualFold(sel, "last") {
			found = s.Plans[len(s.Plans)-1]
			return
		}
		for _, p := range s.Plans {
			if p.ID == sel {
				found = p
				return
			}
		}
	})
	return found
}
