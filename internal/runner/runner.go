// Package runner orchestrates one agent turn: status message, queueing,
// attachment ingest, context bootstrap, the retry ladder around the child
// supervisor, and delivery of the final reply with its markers resolved.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/actions"
	"github.com/nextlevelbuilder/coderelay/internal/agent"
	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/ingest"
	"github.com/nextlevelbuilder/coderelay/internal/markers"
	"github.com/nextlevelbuilder/coderelay/internal/progress"
	"github.com/nextlevelbuilder/coderelay/internal/queue"
	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/telemetry"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// Runner executes agent turns for conversations.
type Runner struct {
	cfg        *config.Config
	store      *state.Store
	sup        *agent.Supervisor
	queue      *queue.Conversations
	t          transport.ChatTransport
	ingester   *ingest.Ingester
	ctxSrc     *ingest.ContextSource
	snapshots  *progress.SnapshotBuffer
	dispatcher *actions.Dispatcher
}

// New wires a runner.
func New(cfg *config.Config, store *state.Store, sup *agent.Supervisor, q *queue.Conversations,
	t transport.ChatTransport, ing *ingest.Ingester, ctxSrc *ingest.ContextSource,
	snap *progress.SnapshotBuffer, disp *actions.Dispatcher) *Runner {
	return &Runner{
		cfg: cfg, store: store, sup: sup, queue: q, t: t,
		ingester: ing, ctxSrc: ctxSrc, snapshots: snap, dispatcher: disp,
	}
}

// Request describes one agent turn.
type Request struct {
	ConvKey   string
	ChannelID string
	GuildID   string
	ReplyToID string // user message to thread the status reply under
	IsDM      bool

	Prompt      string
	Attachments []transport.InboundAttachment
	Reason      string // "user", "task", "plan", "research"

	// DispatchActions routes relay-action blocks through the dispatcher.
	DispatchActions bool
	// OnDone, when set, receives the cleaned final text (or error) after
	// delivery; the task runner uses it to read markers.
	OnDone func(text string, err error)
}

// Label names the provider for status messages.
func (r *Runner) Label() string {
	if r.cfg.Agent.Provider == "claude" {
		return "Claude"
	}
	return "Codex"
}

// Queue returns the underlying per-conversation queue.
func (r *Runner) Queue() *queue.Conversations { return r.queue }

// Supervisor returns the child supervisor (for signal delivery).
func (r *Runner) Supervisor() *agent.Supervisor { return r.sup }

// Enqueue posts the status message, records the queued run, and submits the
// turn to the conversation's queue at the current epoch.
func (r *Runner) Enqueue(req Request) {
	ctx := context.Background()
	statusID := r.postStatus(ctx, req, fmt.Sprintf("Running %s...", r.Label()))

	now := time.Now().UTC()
	r.store.Mutate(req.ConvKey, func(s *state.Session) {
		s.LastChannelID = req.ChannelID
		s.LastGuildID = req.GuildID
		s.AgentRun = state.AgentRun{
			Status:           state.RunQueued,
			Provider:         r.cfg.Agent.Provider,
			Reason:           req.Reason,
			QueuedAt:         &now,
			PendingMessageID: statusID,
			ChannelID:        req.ChannelID,
			GuildID:          req.GuildID,
		}
	})

	epoch := r.queue.Epoch(req.ConvKey)
	r.queue.Submit(req.ConvKey, epoch,
		func() {
			text, err := r.execute(context.Background(), req, statusID)
			if req.OnDone != nil {
				req.OnDone(text, err)
			}
		},
		func() {
			r.skipped(req, statusID)
		})
}

// ExecuteInline runs the full turn synchronously. The caller is responsible
// for conversation-level serialization (the task runner and research manager
// submit themselves to the queue).
func (r *Runner) ExecuteInline(ctx context.Context, req Request) (string, error) {
	statusID := r.postStatus(ctx, req, fmt.Sprintf("Running %s...", r.Label()))
	now := time.Now().UTC()
	r.store.Mutate(req.ConvKey, func(s *state.Session) {
		s.AgentRun = state.AgentRun{
			Status:           state.RunQueued,
			Provider:         r.cfg.Agent.Provider,
			Reason:           req.Reason,
			QueuedAt:         &now,
			PendingMessageID: statusID,
			ChannelID:        req.ChannelID,
			GuildID:          req.GuildID,
		}
	})
	text, err := r.execute(ctx, req, statusID)
	if req.OnDone != nil {
		req.OnDone(text, err)
	}
	return text, err
}

// RunEphemeral invokes a stateless child with no status-message ceremony.
// Used by the planner, the handoff writer and the priority-question path.
func (r *Runner) RunEphemeral(ctx context.Context, convKey, workdir, prompt string, readOnly bool, onProgress func(string)) (string, error) {
	spec := agent.Spec{
		Provider:        agent.Provider(r.cfg.Agent.Provider),
		Prompt:          prompt,
		Workdir:         workdir,
		ConvKey:         convKey,
		Ephemeral:       true,
		SandboxReadOnly: readOnly,
		Timeout:         r.cfg.Agent.Timeout,
		OnProgress:      onProgress,
	}
	if spec.Provider == agent.ProviderClaude {
		spec.Model = r.cfg.RouteClaudeModel(prompt)
	}
	res, err := r.sup.Run(ctx, spec)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (r *Runner) postStatus(ctx context.Context, req Request, body string) string {
	var id string
	var err error
	if req.ReplyToID != "" {
		id, err = r.t.ReplyToMessage(ctx, req.ChannelID, req.ReplyToID, body)
	} else {
		id, err = r.t.SendMessage(ctx, req.ChannelID, body)
	}
	if err != nil {
		slog.Warn("status message post failed", "conv", req.ConvKey, "error", err)
	}
	return id
}

func (r *Runner) skipped(req Request, statusID string) {
	r.clearRun(req.ConvKey, "preempted")
	if statusID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.t.EditMessage(ctx, req.ChannelID, statusID, "Skipped (preempted by a newer instruction).")
	}
	if req.OnDone != nil {
		req.OnDone("", &agent.RunError{Kind: agent.KindPolicyDenied, Msg: "preempted before start"})
	}
}

func (r *Runner) clearRun(convKey, why string) {
	now := time.Now().UTC()
	r.store.Mutate(convKey, func(s *state.Session) {
		if why != "" {
			s.AgentRun.LastInterruptedAt = &now
			s.AgentRun.LastInterruptedWhy = why
		}
		s.AgentRun.Status = ""
		s.AgentRun.PendingMessageID = ""
	})
}

// execute is the turn body. It always clears the run record and stops the
// reporter before returning.
func (r *Runner) execute(ctx context.Context, req Request, statusID string) (text string, err error) {
	started := time.Now()
	ctx, span := telemetry.StartRun(ctx, req.ConvKey, r.cfg.Agent.Provider, req.Reason)
	defer span.End()

	now := time.Now().UTC()
	r.store.Mutate(req.ConvKey, func(s *state.Session) {
		s.AgentRun.Status = state.RunRunning
		s.AgentRun.StartedAt = &now
	})
	defer func() {
		r.clearRun(req.ConvKey, "")
	}()

	// Discord drops the typing indicator after ~10s, so keep it alive for
	// the duration of the run.
	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go func() {
		_ = r.t.Typing(typingCtx, req.ChannelID)
		tick := time.NewTicker(9 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-typingCtx.Done():
				return
			case <-tick.C:
				_ = r.t.Typing(typingCtx, req.ChannelID)
			}
		}
	}()

	rep := progress.NewReporter(r.cfg.Progress, r.t, req.ConvKey, req.ChannelID, statusID,
		r.Label(), r.cfg.Agent.Timeout, r.snapshots)
	stopped := false
	stopRep := func() {
		if !stopped {
			stopped = true
			rep.Stop()
		}
	}
	defer stopRep()

	var sess state.Session
	r.store.Peek(req.ConvKey, func(s *state.Session) { sess = *s })

	prompt, injectedContext, err := r.buildPrompt(ctx, req, &sess, rep)
	if err != nil {
		r.reportError(ctx, req, statusID, started, err)
		return "", err
	}

	res, err := r.invoke(ctx, req, &sess, prompt, rep)
	if err != nil {
		stopRep()
		r.reportError(ctx, req, statusID, started, err)
		return "", err
	}

	r.store.Mutate(req.ConvKey, func(s *state.Session) {
		if res.SessionID != "" && agent.ValidSessionID(res.SessionID) {
			s.AgentSessionID = res.SessionID
		}
		if injectedContext {
			s.ContextVersion = r.ctxSrc.Version()
		}
	})

	clean, uploads := markers.Uploads(res.Text)
	var acts []actions.Action
	var actErrs []error
	clean, acts, actErrs = actions.ParseText(clean, false)

	stopRep()

	if strings.TrimSpace(clean) == "" {
		clean = "(no reply text)"
	}
	if statusID != "" {
		if err := transport.EditThenSend(ctx, r.t, req.ChannelID, statusID, clean); err != nil {
			slog.Warn("final reply edit failed", "conv", req.ConvKey, "error", err)
			_ = transport.SendChunked(ctx, r.t, req.ChannelID, clean)
		}
	} else {
		_ = transport.SendChunked(ctx, r.t, req.ChannelID, clean)
	}

	r.emitUploads(ctx, req, sess.Workdir, uploads)

	for _, e := range actErrs {
		_, _ = r.t.SendMessage(ctx, req.ChannelID, "action error: "+e.Error())
	}
	if req.DispatchActions && len(acts) > 0 {
		var auto bool
		r.store.Peek(req.ConvKey, func(s *state.Session) { auto = s.Auto.Actions })
		notes := r.dispatcher.Dispatch(ctx, actions.Env{
			ConvKey:     req.ConvKey,
			ChannelID:   req.ChannelID,
			GuildID:     req.GuildID,
			IsDM:        req.IsDM,
			Workdir:     sess.Workdir,
			AutoEnabled: auto,
		}, acts)
		if len(notes) > 0 {
			_ = transport.SendChunked(ctx, r.t, req.ChannelID, strings.Join(notes, "\n"))
		}
	}

	if r.cfg.Progress.StatusSummary {
		_, _ = r.t.SendMessage(ctx, req.ChannelID,
			fmt.Sprintf("Run status: ok (duration %s)", time.Since(started).Round(time.Second)))
	}
	return clean, nil
}

// buildPrompt folds in ingested attachments and, when the session is behind
// the current context version, the runtime bootstrap block.
func (r *Runner) buildPrompt(ctx context.Context, req Request, sess *state.Session, rep *progress.Reporter) (string, bool, error) {
	prompt := req.Prompt

	if len(req.Attachments) > 0 {
		saved, notes, err := r.ingester.Ingest(ctx, req.ConvKey, req.Attachments)
		if err != nil {
			return "", false, &agent.RunError{Kind: agent.KindPolicyDenied,
				Msg: "attachment ingest failed", Err: err}
		}
		for _, n := range notes {
			rep.Note(n, progress.NoteOpts{Synthetic: true})
		}
		if block := ingest.PromptBlock(saved, r.cfg.Context.PerFileChars); block != "" {
			prompt = block + "\n" + prompt
		}
	}

	injected := false
	if sess.ContextVersion < r.ctxSrc.Version() {
		injected = true
		bootstrap := runtimeBlock
		if extra := r.ctxSrc.Render(); extra != "" {
			bootstrap += "\n\n" + extra
		}
		prompt = bootstrap + "\n\n" + prompt
		rep.Note("Injected runtime context", progress.NoteOpts{Synthetic: true})
	}
	return prompt, injected, nil
}

// invoke runs the child with the retry ladder: stale session, claude init
// exit, claude quota fallback, codex transients.
func (r *Runner) invoke(ctx context.Context, req Request, sess *state.Session, prompt string, rep *progress.Reporter) (*agent.Result, error) {
	provider := agent.Provider(r.cfg.Agent.Provider)
	spec := agent.Spec{
		Provider:   provider,
		Prompt:     prompt,
		SessionID:  sess.AgentSessionID,
		Workdir:    sess.Workdir,
		ConvKey:    req.ConvKey,
		UploadRoot: r.ingester.Root(),
		Timeout:    r.cfg.Agent.Timeout,
		OnProgress: func(note string) {
			rep.Note(note, progress.NoteOpts{Persist: true})
		},
	}
	if provider == agent.ProviderClaude {
		spec.Model = r.cfg.RouteClaudeModel(prompt)
	}

	res, err := r.sup.Run(ctx, spec)
	if err == nil {
		return res, nil
	}

	out := agent.ExitOutput(err)

	// Stale session: drop the id, preface the prompt, rerun once.
	if spec.SessionID != "" && agent.IsStaleSession(provider, out) {
		slog.Info("stale session, starting fresh", "conv", req.ConvKey)
		r.store.Mutate(req.ConvKey, func(s *state.Session) { s.AgentSessionID = "" })
		rep.Note("previous session could not be resumed; starting fresh", progress.NoteOpts{Synthetic: true})
		fresh := spec
		fresh.SessionID = ""
		fresh.Prompt = "Note: the previous session could not be resumed; this is a fresh session.\n\n" + prompt
		return r.sup.Run(ctx, fresh)
	}

	if provider == agent.ProviderClaude {
		if ee, ok := agent.AsExitError(err); ok &&
			agent.IsClaudeInitExit(ee.LastEventType, ee.LastEventSubtype, ee.ExitCode) {
			rep.Note("transient init exit, retrying", progress.NoteOpts{Synthetic: true})
			return r.sup.Run(ctx, spec)
		}
		if spec.Model != "" && spec.Model == r.cfg.Agent.ClaudeHeavyModel && agent.IsClaudeQuotaExhausted(out) {
			rep.Note("heavy model quota exhausted, falling back", progress.NoteOpts{Synthetic: true})
			fallback := spec
			fallback.Model = r.cfg.Agent.ClaudeLightModel
			return r.sup.Run(ctx, fallback)
		}
	}

	if provider == agent.ProviderCodex {
		if _, isExit := agent.AsExitError(err); isExit && agent.IsCodexTransient(out) {
			for attempt := 1; attempt <= r.cfg.Agent.TransientRetries; attempt++ {
				rep.Note(fmt.Sprintf("transient failure, retry %d/%d", attempt, r.cfg.Agent.TransientRetries),
					progress.NoteOpts{Synthetic: true})
				res, err = r.sup.Run(ctx, spec)
				if err == nil {
					return res, nil
				}
				if _, isExit := agent.AsExitError(err); !isExit || !agent.IsCodexTransient(agent.ExitOutput(err)) {
					break
				}
			}
		}
	}
	return nil, err
}

// emitUploads resolves each [[upload:]] path against the workdir, then the
// conversation upload dir, and sends allow-rooted hits as file attachments.
func (r *Runner) emitUploads(ctx context.Context, req Request, workdir string, uploads []string) {
	uploadDir := filepath.Join(r.ingester.Root(), state.SanitizeConvKey(req.ConvKey))
	for _, u := range uploads {
		p := r.resolveUpload(u, workdir, uploadDir)
		if p == "" {
			_, _ = r.t.SendMessage(ctx, req.ChannelID, fmt.Sprintf("upload refused: %s is not an allowed path", u))
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			_, _ = r.t.SendMessage(ctx, req.ChannelID, fmt.Sprintf("upload failed: %s: %v", u, err))
			continue
		}
		file := transport.FileAttachment{Name: filepath.Base(p), Data: data}
		if err := r.t.SendFile(ctx, req.ChannelID, file, ""); err != nil {
			slog.Warn("upload send failed", "conv", req.ConvKey, "path", p, "error", err)
		}
	}
}

func (r *Runner) resolveUpload(p, workdir, uploadDir string) string {
	candidates := []string{}
	if filepath.IsAbs(p) {
		candidates = append(candidates, filepath.Clean(p))
	} else {
		if workdir != "" {
			candidates = append(candidates, filepath.Join(workdir, p))
		}
		candidates = append(candidates, filepath.Join(uploadDir, p))
	}
	for _, c := range candidates {
		if !r.cfg.PathAllowed(c) {
			continue
		}
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c
		}
	}
	return ""
}

func (r *Runner) reportError(ctx context.Context, req Request, statusID string, started time.Time, err error) {
	kind := "error"
	if re, ok := agent.AsRunError(err); ok {
		kind = string(re.Kind)
	}
	body := fmt.Sprintf("The run failed (%s):\n```\n%s\n```", kind, err.Error())
	if statusID != "" {
		if e := transport.EditThenSend(ctx, r.t, req.ChannelID, statusID, body); e != nil {
			_ = transport.SendChunked(ctx, r.t, req.ChannelID, body)
		}
	} else {
		_ = transport.SendChunked(ctx, r.t, req.ChannelID, body)
	}
	if r.cfg.Progress.StatusSummary {
		_, _ = r.t.SendMessage(ctx, req.ChannelID,
			fmt.Sprintf("Run status: failed (duration %s, %s)", time.Since(started).Round(time.Second), kind))
	}
}

// runtimeBlock is injected once per context version so the agent knows how
// to talk back to the relay.
const runtimeBlock = `You are reached through a chat relay. Useful facts:
- Reply text is forwarded to the user verbatim (long replies are split).
- To attach a file to your reply, write [[upload:<path>]] on its own; the
  path resolves against the working directory, then the conversation's
  upload directory.
- To ask the relay to run background work, emit one block:
  [[relay-actions]]{"actions":[{"type":"job_start","command":"..."}]}[[/relay-actions]]
  Supported types: job_start, job_watch, job_stop, task_add, task_run.
- The user has slash commands (/status, /task, /job, /research and more);
  you do not need to explain them.`
