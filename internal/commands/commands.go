// Package commands implements the chat-surface slash commands.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/coderelay/internal/agent"
	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/ingest"
	"github.com/nextlevelbuilder/coderelay/internal/interrupt"
	"github.com/nextlevelbuilder/coderelay/internal/jobs"
	"github.com/nextlevelbuilder/coderelay/internal/queue"
	"github.com/nextlevelbuilder/coderelay/internal/research"
	"github.com/nextlevelbuilder/coderelay/internal/runner"
	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/tasks"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// Handler routes slash commands to the relay's subsystems.
type Handler struct {
	cfg      *config.Config
	store    *state.Store
	t        transport.ChatTransport
	agents   *runner.Runner
	tasks    *tasks.Manager
	jobs     *jobs.Manager
	research *research.Manager
	asker    *interrupt.Asker
	ctxSrc   *ingest.ContextSource
	q        *queue.Conversations
}

// New wires the command handler.
func New(cfg *config.Config, store *state.Store, t transport.ChatTransport, agents *runner.Runner,
	tm *tasks.Manager, jm *jobs.Manager, rm *research.Manager, asker *interrupt.Asker,
	ctxSrc *ingest.ContextSource, q *queue.Conversations) *Handler {
	return &Handler{
		cfg: cfg, store: store, t: t, agents: agents,
		tasks: tm, jobs: jm, research: rm, asker: asker, ctxSrc: ctxSrc, q: q,
	}
}

// Handle executes in.Content when it is a slash command; reports whether it
// consumed the message.
func (h *Handler) Handle(ctx context.Context, in transport.Inbound) bool {
	content := strings.TrimSpace(in.Content)
	if !strings.HasPrefix(content, "/") {
		return false
	}
	name, rest, _ := strings.Cut(content[1:], " ")
	name = strings.ToLower(name)
	rest = strings.TrimSpace(rest)

	reply := func(format string, args ...any) {
		_ = transport.SendChunked(ctx, h.t, in.ChannelID, fmt.Sprintf(format, args...))
	}

	h.store.Mutate(in.ConvKey, func(s *state.Session) {
		s.LastChannelID = in.ChannelID
		s.LastGuildID = in.GuildID
	})

	switch name {
	case "help":
		reply("%s", helpText)
	case "status":
		reply("%s", h.statusText(in.ConvKey))
	case "ask":
		if rest == "" {
			reply("usage: /ask <question>")
			return true
		}
		go func() {
			if err := h.asker.Ask(context.Background(), in.ConvKey, in.ChannelID, in.MessageID, rest); err != nil {
				_, _ = h.t.SendMessage(context.Background(), in.ChannelID, err.Error())
			}
		}()
	case "inject":
		if rest == "" {
			reply("usage: /inject <instruction>")
			return true
		}
		h.inject(in, rest)
	case "reset":
		h.store.Mutate(in.ConvKey, func(s *state.Session) {
			s.AgentSessionID = ""
			s.ContextVersion = 0
		})
		reply("Session cleared; the next message starts a fresh agent session.")
	case "workdir":
		reply("%s", h.setWorkdir(in.ConvKey, rest))
	case "attach":
		if !agent.ValidSessionID(rest) {
			reply("invalid session id")
			return true
		}
		h.store.Mutate(in.ConvKey, func(s *state.Session) { s.AgentSessionID = rest })
		reply("Attached to session %s.", rest)
	case "upload":
		h.upload(ctx, in, rest, reply)
	case "context":
		if strings.EqualFold(rest, "reload") {
			v := h.ctxSrc.Bump()
			reply("Context reloaded (version %d); it will be re-injected on the next run.", v)
		} else {
			reply("Context version %d, %d files configured.", h.ctxSrc.Version(), len(h.cfg.Context.Files))
		}
	case "task":
		h.task(in, rest, reply)
	case "job":
		h.job(ctx, in, rest, reply)
	case "auto":
		h.auto(in.ConvKey, rest, reply)
	case "go":
		if rest == "" {
			reply("usage: /go <task>")
			return true
		}
		if _, err := h.tasks.Add(in.ConvKey, rest, "", ""); err != nil {
			reply("refused: %v", err)
			return true
		}
		if err := h.tasks.Start(in.ConvKey, in.ChannelID); err != nil && !h.tasks.Active(in.ConvKey) {
			reply("task queued but the runner did not start: %v", err)
		} else {
			reply("Task queued and runner started.")
		}
	case "research":
		h.researchCmd(ctx, in, rest, reply)
	case "overnight":
		h.overnight(ctx, in, rest, reply)
	case "plan":
		h.plan(ctx, in, rest, reply)
	case "worktree":
		h.worktree(ctx, in, rest, reply)
	case "handoff":
		h.handoffCmd(ctx, in, rest, reply)
	case "exp":
		h.exp(ctx, in, rest, reply)
	default:
		reply("Unknown command /%s. Try /help.", name)
	}
	return true
}

// inject preempts everything queued, stops the active child, and runs the
// new instruction.
func (h *Handler) inject(in transport.Inbound, instruction string) {
	h.q.Preempt(in.ConvKey)
	h.store.Mutate(in.ConvKey, func(s *state.Session) {
		s.TaskLoop.StopRequested = true
		if t := s.FindTask(s.TaskLoop.CurrentTaskID); t != nil && t.Status == state.TaskRunning {
			t.Status = state.TaskCanceled
		}
	})
	h.asker.ResumeIfPaused(in.ConvKey)
	h.agents.Supervisor().Terminate(in.ConvKey)

	h.agents.Enqueue(runner.Request{
		ConvKey:         in.ConvKey,
		ChannelID:       in.ChannelID,
		GuildID:         in.GuildID,
		ReplyToID:       in.MessageID,
		IsDM:            in.IsDM,
		Prompt:          instruction,
		Reason:          "inject",
		DispatchActions: true,
	})
}

func (h *Handler) setWorkdir(convKey, dir string) string {
	if dir == "" {
		var cur string
		h.store.Peek(convKey, func(s *state.Session) { cur = s.Workdir })
		if cur == "" {
			return "No workdir set. Usage: /workdir <absolute-path>"
		}
		return "Workdir: " + cur
	}
	if !filepath.IsAbs(dir) {
		return "workdir must be an absolute path"
	}
	dir = filepath.Clean(dir)
	if !h.cfg.PathAllowed(dir) {
		return "workdir is outside the allowed roots"
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "workdir does not exist or is not a directory"
	}
	h.store.Mutate(convKey, func(s *state.Session) { s.Workdir = dir })
	return "Workdir set to " + dir
}

func (h *Handler) upload(ctx context.Context, in transport.Inbound, path string, reply func(string, ...any)) {
	if path == "" {
		reply("usage: /upload <path>")
		return
	}
	var workdir string
	h.store.Peek(in.ConvKey, func(s *state.Session) { workdir = s.Workdir })
	candidates := []string{path}
	if !filepath.IsAbs(path) && workdir != "" {
		candidates = []string{filepath.Join(workdir, path)}
	}
	for _, c := range candidates {
		c = filepath.Clean(c)
		if !h.cfg.PathAllowed(c) {
			continue
		}
		data, err := os.ReadFile(c)
		if err != nil {
			continue
		}
		if err := h.t.SendFile(ctx, in.ChannelID, transport.FileAttachment{
			Name: filepath.Base(c), Data: data}, ""); err != nil {
			reply("upload failed: %v", err)
		}
		return
	}
	reply("cannot upload %s: not found under an allowed root", path)
}

func (h *Handler) task(in transport.Inbound, rest string, reply func(string, ...any)) {
	sub, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(sub) {
	case "add":
		if arg == "" {
			reply("usage: /task add <text>")
			return
		}
		t, err := h.tasks.Add(in.ConvKey, arg, "", "")
		if err != nil {
			reply("refused: %v", err)
			return
		}
		reply("Added %s.", t.ID)
	case "list":
		reply("%s", h.taskList(in.ConvKey))
	case "run":
		if err := h.tasks.Start(in.ConvKey, in.ChannelID); err != nil {
			reply("%v", err)
		} else {
			reply("Task runner started.")
		}
	case "stop":
		h.asker.ResumeIfPaused(in.ConvKey)
		h.tasks.Stop(in.ConvKey)
		reply("Stop requested; the current task will be canceled.")
	case "clear":
		which := "done"
		if arg == "all" {
			which = "all"
		}
		n := h.tasks.Clear(in.ConvKey, which)
		reply("Removed %d tasks.", n)
	default:
		reply("usage: /task {add <t> | list | run | stop | clear [done|all]}")
	}
}

func (h *Handler) taskList(convKey string) string {
	var b strings.Builder
	h.store.Peek(convKey, func(s *state.Session) {
		if len(s.Tasks) == 0 {
			b.WriteString("No tasks.")
			return
		}
		for _, t := range s.Tasks {
			fmt.Fprintf(&b, "%s [%s] %s\n", t.ID, t.Status, firstWords(t.Prompt, 12))
			if t.LastError != "" {
				fmt.Fprintf(&b, "    last error: %s\n", t.LastError)
			}
		}
		if s.TaskLoop.Running {
			fmt.Fprintf(&b, "Runner active (current: %s)\n", s.TaskLoop.CurrentTaskID)
		}
	})
	if b.Len() == 0 {
		return "No tasks."
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) job(ctx context.Context, in transport.Inbound, rest string, reply func(string, ...any)) {
	sub, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(sub) {
	case "list":
		var b strings.Builder
		h.store.Peek(in.ConvKey, func(s *state.Session) {
			for _, j := range s.Jobs {
				live, _ := h.jobs.Status(in.ConvKey, j.ID)
				fmt.Fprintf(&b, "%s [%s] started %s: %s\n",
					j.ID, live, j.StartedAt.Format("Jan 2 15:04"), firstWords(j.Command, 10))
			}
		})
		if b.Len() == 0 {
			reply("No jobs.")
		} else {
			reply("%s", strings.TrimRight(b.String(), "\n"))
		}
	case "logs":
		var job *state.Job
		h.store.Peek(in.ConvKey, func(s *state.Session) {
			if arg != "" {
				job = s.FindJob(arg)
			} else if len(s.Jobs) > 0 {
				job = s.Jobs[len(s.Jobs)-1]
			}
		})
		if job == nil {
			reply("no such job")
			return
		}
		data, err := os.ReadFile(job.LogPath)
		if err != nil {
			reply("cannot read log: %v", err)
			return
		}
		body := ingest.TruncateMode(string(data), "tail", 1500)
		reply("%s log tail:\n```\n%s\n```", job.ID, body)
	default:
		reply("usage: /job {list | logs [<id>]}")
	}
}

func (h *Handler) auto(convKey, rest string, reply func(string, ...any)) {
	fields := strings.Fields(strings.ToLower(rest))
	if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
		reply("usage: /auto {actions on|off | research on|off}")
		return
	}
	on := fields[1] == "on"
	switch fields[0] {
	case "actions":
		h.store.Mutate(convKey, func(s *state.Session) { s.Auto.Actions = on })
		reply("Relay actions %s for this conversation.", onOff(on))
	case "research":
		h.store.Mutate(convKey, func(s *state.Session) { s.Auto.Research = on })
		var err error
		if on {
			err = h.research.Resume(convKey)
		} else {
			err = h.research.Pause(convKey)
		}
		if err != nil {
			reply("note: %v", err)
		} else {
			reply("Auto research %s.", onOff(on))
		}
	default:
		reply("usage: /auto {actions on|off | research on|off}")
	}
}

func (h *Handler) researchCmd(ctx context.Context, in transport.Inbound, rest string, reply func(string, ...any)) {
	sub, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(sub) {
	case "start":
		root, err := h.research.Start(in.ConvKey, arg)
		if err != nil {
			reply("%v", err)
			return
		}
		reply("Research project created at %s. Auto stepping is on.", root)
	case "status":
		text, err := h.research.Status(in.ConvKey)
		if err != nil {
			reply("%v", err)
			return
		}
		reply("%s", text)
	case "run":
		if err := h.research.Resume(in.ConvKey); err != nil {
			reply("%v", err)
			return
		}
		go h.stepNow(in, false)
		reply("Auto stepping resumed; running a step now.")
	case "step":
		go h.stepNow(in, true)
		reply("Running one manager step.")
	case "pause":
		if err := h.research.Pause(in.ConvKey); err != nil {
			reply("%v", err)
		} else {
			reply("Auto stepping paused.")
		}
	case "stop":
		if err := h.research.StopBinding(in.ConvKey); err != nil {
			reply("%v", err)
		} else {
			reply("Research unbound; the project directory is untouched.")
		}
	case "note":
		if arg == "" {
			reply("usage: /research note <text>")
			return
		}
		if err := h.research.Note(in.ConvKey, arg); err != nil {
			reply("%v", err)
		} else {
			reply("Noted; the manager sees it on its next step.")
		}
	default:
		reply("usage: /research {start <goal> | status | run | step | pause | stop | note <text>}")
	}
}

func (h *Handler) stepNow(in transport.Inbound, manual bool) {
	if err := h.research.Step(context.Background(), in.ConvKey, in.ChannelID, manual); err != nil {
		_, _ = h.t.SendMessage(context.Background(), in.ChannelID, err.Error())
	}
}

func (h *Handler) overnight(ctx context.Context, in transport.Inbound, rest string, reply func(string, ...any)) {
	sub, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(sub) {
	case "start":
		root, err := h.research.Start(in.ConvKey, arg)
		if err != nil {
			reply("%v", err)
			return
		}
		_ = h.research.Note(in.ConvKey,
			"Overnight mode: work unattended, prefer safe incremental runs, and keep the rolling report current.")
		reply("Overnight run started in %s. Check back with /overnight status.", root)
	case "status":
		text, err := h.research.Status(in.ConvKey)
		if err != nil {
			reply("%v", err)
			return
		}
		reply("%s", text)
	case "stop":
		if err := h.research.Pause(in.ConvKey); err != nil {
			reply("%v", err)
		} else {
			reply("Overnight stepping paused.")
		}
	default:
		reply("usage: /overnight {start <goal> | status | stop}")
	}
}

func (h *Handler) statusText(convKey string) string {
	var b strings.Builder
	h.store.Peek(convKey, func(s *state.Session) {
		fmt.Fprintf(&b, "Provider: %s\n", h.cfg.Agent.Provider)
		if s.Workdir != "" {
			fmt.Fprintf(&b, "Workdir: %s\n", s.Workdir)
		}
		if s.AgentSessionID != "" {
			fmt.Fprintf(&b, "Session: %s\n", s.AgentSessionID)
		}
		if s.AgentRun.Status != "" {
			fmt.Fprintf(&b, "Run: %s (%s)\n", s.AgentRun.Status, s.AgentRun.Reason)
		}
		pending := s.PendingTaskCount()
		if pending > 0 || s.TaskLoop.Running {
			fmt.Fprintf(&b, "Tasks: %d pending, runner %s\n", pending, map[bool]string{true: "active", false: "idle"}[s.TaskLoop.Running])
		}
		running := 0
		for _, j := range s.Jobs {
			if j.Status == state.JobRunning {
				running++
			}
		}
		if running > 0 {
			fmt.Fprintf(&b, "Jobs: %d running of %d\n", running, len(s.Jobs))
		}
		if s.Research != nil && s.Research.Enabled {
			fmt.Fprintf(&b, "Research: %s\n", s.Research.ProjectRoot)
		}
		fmt.Fprintf(&b, "Auto: actions %s, research %s", onOff(s.Auto.Actions), onOff(s.Auto.Research))
	})
	if b.Len() == 0 {
		return "No session yet; send a message to start one."
	}
	return b.String()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		return strings.Join(fields[:n], " ") + "…"
	}
	return strings.Join(fields, " ")
}

const helpText = `Commands:
/status - session, tasks, jobs, research at a glance
/ask <q> - priority question; pauses the run, answers, resumes
/inject <i> - drop queued work and run this instead
/reset - forget the agent session
/workdir <abs> - set the working directory
/attach <sid> - attach to an existing agent session
/upload <path> - send a file from the workdir
/context [reload] - show or re-inject extra context
/task add|list|run|stop|clear - task queue and runner
/job list|logs [id] - background jobs
/plan <req>|list|show|queue|apply - plan first, act later
/worktree list|new|use|rm|prune - git worktrees
/handoff [--dry-run] - write a handoff note
/research start|status|run|step|pause|stop|note - research loop
/overnight start|status|stop - unattended overnight research
/auto actions|research on|off - per-conversation toggles
/go <task> - add a task and start the runner
/exp run|best|report - experiment helpers`
