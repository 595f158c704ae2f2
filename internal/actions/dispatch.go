package actions

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/jobs"
	"github.com/nextlevelbuilder/coderelay/internal/state"
)

// Env is the dispatch context for one message's actions.
type Env struct {
	ConvKey   string
	ChannelID string
	GuildID   string
	IsDM      bool
	Workdir   string
	// AutoEnabled is the per-conversation actions toggle.
	AutoEnabled bool
	// Research marks dispatch from the research manager, which bypasses the
	// chat-level gates (the manager has its own validator).
	Research   bool
	ResearchJR *state.JobResearch // attached to job_start in research mode
	RunID      string             // research run id exported to supervisor launches
}

// Dispatcher executes validated actions. Task hooks are wired by the gateway
// to avoid a dependency on the task runner.
type Dispatcher struct {
	cfg  *config.Config
	jobs *jobs.Manager

	EnqueueTask      func(convKey, prompt, description, sourceJobID string) error
	StartTaskRunner  func(convKey, channelID string) error
	TaskRunnerActive func(convKey string) bool
}

// NewDispatcher creates a dispatcher over the job manager.
func NewDispatcher(cfg *config.Config, jm *jobs.Manager) *Dispatcher {
	return &Dispatcher{cfg: cfg, jobs: jm}
}

// Dispatch runs each action in order and returns user-facing notes (one per
// action outcome, including refusals). Parse errors from the caller should be
// reported separately.
func (d *Dispatcher) Dispatch(ctx context.Context, env Env, acts []Action) []string {
	if len(acts) == 0 {
		return nil
	}
	if !env.Research {
		if note := d.gate(env, len(acts)); note != "" {
			return []string{note}
		}
		if len(acts) > d.cfg.Actions.MaxPerMessage {
			acts = acts[:d.cfg.Actions.MaxPerMessage]
		}
	}

	var notes []string
	for _, a := range acts {
		if !env.Research && !d.cfg.ActionAllowed(a.Type) {
			notes = append(notes, fmt.Sprintf("action %s is not on the allowlist", a.Type))
			continue
		}
		note := d.run(ctx, env, a)
		if note != "" {
			notes = append(notes, note)
		}
	}
	return notes
}

func (d *Dispatcher) gate(env Env, n int) string {
	if !d.cfg.Actions.Enabled {
		return "relay actions are disabled by configuration"
	}
	if d.cfg.Actions.DMOnly && !env.IsDM {
		return "relay actions only run in DMs"
	}
	if !env.AutoEnabled {
		return "relay actions are off for this conversation (/auto actions on)"
	}
	if n > d.cfg.Actions.MaxPerMessage {
		slog.Warn("truncating actions", "conv", env.ConvKey, "got", n, "max", d.cfg.Actions.MaxPerMessage)
	}
	return ""
}

func (d *Dispatcher) run(ctx context.Context, env Env, a Action) string {
	switch a.Type {
	case TypeJobStart:
		return d.jobStart(ctx, env, a)
	case TypeJobWatch:
		return d.jobWatch(env, a)
	case TypeJobStop:
		return d.jobStop(env)
	case TypeTaskAdd:
		if d.EnqueueTask == nil {
			return "task actions are not available"
		}
		if err := d.EnqueueTask(env.ConvKey, a.Prompt, a.Description, ""); err != nil {
			return "task_add refused: " + err.Error()
		}
		return "queued a task: " + firstWords(a.Prompt, 12)
	case TypeTaskRun:
		if d.StartTaskRunner == nil || d.TaskRunnerActive == nil {
			return "task actions are not available"
		}
		if d.TaskRunnerActive(env.ConvKey) {
			return "task runner is already active"
		}
		if err := d.StartTaskRunner(env.ConvKey, env.ChannelID); err != nil {
			return "task_run refused: " + err.Error()
		}
		return "started the task runner"
	}
	return ""
}

func (d *Dispatcher) jobStart(ctx context.Context, env Env, a Action) string {
	workdir := a.Workdir
	if workdir == "" {
		workdir = env.Workdir
	}

	command := a.Command
	watch := a.Watch
	if a.Supervisor != nil {
		var patch *state.WatchConfig
		command, patch = BuildSupervisorCommand(a.Supervisor, env.RunID)
		watch = mergeWatch(watch, patch)
	}

	if pattern, risky := WaitPatternRisk(command); risky {
		switch d.cfg.WaitPatternGuard {
		case "reject":
			return fmt.Sprintf("job_start rejected: the command polls pgrep -f %q and would match itself", pattern)
		case "warn":
			slog.Warn("wait-pattern self-match", "conv", env.ConvKey, "pattern", pattern)
		}
	}
	if pf := RunPreflight(ctx, a.Preflight, workdir); pf.Rejected {
		return "job_start rejected by preflight: " + strings.Join(pf.Failures, "; ")
	} else if len(pf.Failures) > 0 {
		slog.Warn("preflight warnings", "conv", env.ConvKey, "warnings", pf.Failures)
	}

	job, err := d.jobs.Start(ctx, env.ConvKey, jobs.StartRequest{
		Command:     command,
		Workdir:     workdir,
		Description: a.Description,
		Watch:       watch,
		Research:    env.ResearchJR,
		ChannelID:   env.ChannelID,
		GuildID:     env.GuildID,
	})
	if err != nil {
		return "job_start failed: " + err.Error()
	}
	return fmt.Sprintf("started job %s (pid %d)", job.ID, job.PID)
}

func (d *Dispatcher) jobWatch(env Env, a Action) string {
	var target *state.Job
	d.jobs.Peek(env.ConvKey, func(s *state.Session) {
		if j := s.LastRunningJob(); j != nil {
			target = j
		} else if len(s.Jobs) > 0 {
			target = s.Jobs[len(s.Jobs)-1]
		}
	})
	if target == nil {
		return "job_watch: no jobs in this conversation"
	}
	w := a.Watch
	if w == nil {
		w = &state.WatchConfig{}
	}
	if w.EverySec <= 0 {
		w.EverySec = 60
	}
	if w.TailLines <= 0 {
		w.TailLines = 20
	}
	id := target.ID
	d.jobs.MutateJob(env.ConvKey, id, func(j *state.Job) {
		j.Watch = w
	})
	d.jobs.StartWatcher(env.ConvKey, id, env.ChannelID)
	return "watching job " + id
}

func (d *Dispatcher) jobStop(env Env) string {
	var id string
	d.jobs.Peek(env.ConvKey, func(s *state.Session) {
		if j := s.LastRunningJob(); j != nil {
			id = j.ID
		}
	})
	if id == "" {
		return "job_stop: no running job"
	}
	if err := d.jobs.Stop(env.ConvKey, id); err != nil {
		return "job_stop failed: " + err.Error()
	}
	return "sent SIGTERM to job " + id
}

// BuildSupervisorCommand wraps a supervisor script launch so its streams
// land in gate files next to the state file, and returns the watch patch
// carrying the artifact and state-file gates.
func BuildSupervisorCommand(s *SupervisorSpec, runID string) (string, *state.WatchConfig) {
	dir := filepath.Dir(s.StateFile)
	var b strings.Builder
	b.WriteString("python3 ")
	b.WriteString(shellQuote(s.Script))
	for _, arg := range s.Args {
		b.WriteString(" ")
		b.WriteString(shellQuote(arg))
	}
	if runID != "" {
		b.WriteString(" --run-id ")
		b.WriteString(shellQuote(runID))
	}
	b.WriteString(" --state-file ")
	b.WriteString(shellQuote(s.StateFile))
	fmt.Fprintf(&b, " > %s 2> %s",
		shellQuote(filepath.Join(dir, "supervisor_stdout.log")),
		shellQuote(filepath.Join(dir, "supervisor_stderr.log")))

	patch := &state.WatchConfig{
		RequireFiles:            append(append([]string{}, s.RequireFiles...), s.StateFile),
		SupervisorMode:          "stage0_smoke_gate",
		SupervisorStateFile:     s.StateFile,
		SupervisorExpectStatus:  s.ExpectStatus,
		SupervisorCleanupPolicy: s.CleanupPolicy,
	}
	return b.String(), patch
}

// mergeWatch overlays the supervisor patch on a caller-provided watch; the
// patch wins for the gate fields and appends its required files.
func mergeWatch(base, patch *state.WatchConfig) *state.WatchConfig {
	if base == nil {
		base = &state.WatchConfig{}
	}
	if patch == nil {
		return base
	}
	base.RequireFiles = append(base.RequireFiles, patch.RequireFiles...)
	base.SupervisorMode = patch.SupervisorMode
	base.SupervisorStateFile = patch.SupervisorStateFile
	base.SupervisorExpectStatus = patch.SupervisorExpectStatus
	base.SupervisorCleanupPolicy = patch.SupervisorCleanupPolicy
	if base.EverySec <= 0 {
		base.EverySec = 60
	}
	if base.TailLines <= 0 {
		base.TailLines = 20
	}
	return base
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}();<>|&~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
		return strings.Join(fields, " ") + "…"
	}
	return strings.Join(fields, " ")
}
