package commands

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// worktree implements /worktree over the session's git repo. New worktrees
// live under <stateDir>/worktrees/<repo-slug>/<name>.
func (h *Handler) worktree(ctx context.Context, in transport.Inbound, rest string, reply func(string, ...any)) {
	var workdir string
	h.store.Peek(in.ConvKey, func(s *state.Session) { workdir = s.Workdir })
	if workdir == "" {
		reply("set a workdir first (/workdir <abs>)")
		return
	}

	sub, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(sub) {
	case "list":
		out, err := h.git(ctx, workdir, "worktree", "list")
		if err != nil {
			reply("git worktree list failed: %v", err)
			return
		}
		reply("```\n%s\n```", strings.TrimSpace(out))
	case "new":
		h.worktreeNew(ctx, in, workdir, arg, reply)
	case "use":
		if arg == "" {
			reply("usage: /worktree use <name>")
			return
		}
		path := h.worktreePath(workdir, arg)
		if msg := h.setWorkdir(in.ConvKey, path); msg != "" {
			reply("%s", msg)
		}
	case "rm":
		force := strings.Contains(arg, "--force")
		name := strings.TrimSpace(strings.ReplaceAll(arg, "--force", ""))
		if name == "" {
			reply("usage: /worktree rm <name> [--force]")
			return
		}
		args := []string{"worktree", "remove"}
		if force {
			args = append(args, "--force")
		}
		args = append(args, h.worktreePath(workdir, name))
		if out, err := h.git(ctx, workdir, args...); err != nil {
			reply("remove failed: %v\n%s", err, out)
		} else {
			reply("Worktree %s removed.", name)
		}
	case "prune":
		if out, err := h.git(ctx, workdir, "worktree", "prune", "-v"); err != nil {
			reply("prune failed: %v", err)
		} else if strings.TrimSpace(out) == "" {
			reply("Nothing to prune.")
		} else {
			reply("```\n%s\n```", strings.TrimSpace(out))
		}
	default:
		reply("usage: /worktree {list | new <n> [--from <ref>] [--use] | use <n> | rm <n> [--force] | prune}")
	}
}

func (h *Handler) worktreeNew(ctx context.Context, in transport.Inbound, workdir, arg string, reply func(string, ...any)) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		reply("usage: /worktree new <name> [--from <ref>] [--use]")
		return
	}
	name := fields[0]
	ref := "HEAD"
	use := false
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "--from":
			if i+1 < len(fields) {
				ref = fields[i+1]
				i++
			}
		case "--use":
			use = true
		}
	}

	path := h.worktreePath(workdir, name)
	if out, err := h.git(ctx, workdir, "worktree", "add", "-b", name, path, ref); err != nil {
		reply("worktree add failed: %v\n%s", err, out)
		return
	}
	if use {
		h.store.Mutate(in.ConvKey, func(s *state.Session) { s.Workdir = path })
		reply("Worktree %s created at %s and selected.", name, path)
	} else {
		reply("Worktree %s created at %s.", name, path)
	}
}

// worktreePath derives the on-disk location for a named worktree of the
// repo containing workdir.
func (h *Handler) worktreePath(workdir, name string) string {
	slug := strings.ToLower(filepath.Base(workdir))
	return filepath.Join(h.cfg.StateDir, "worktrees", slug, name)
}

func (h *Handler) git(ctx context.Context, dir string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}
