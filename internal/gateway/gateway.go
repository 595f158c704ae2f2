// Package gateway assembles the relay: it builds every subsystem, wires the
// cross-package hooks, and routes inbound Discord traffic to commands or
// agent runs.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/coderelay/internal/actions"
	"github.com/nextlevelbuilder/coderelay/internal/agent"
	"github.com/nextlevelbuilder/coderelay/internal/channels/discord"
	"github.com/nextlevelbuilder/coderelay/internal/commands"
	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/ingest"
	"github.com/nextlevelbuilder/coderelay/internal/interrupt"
	"github.com/nextlevelbuilder/coderelay/internal/jobs"
	"github.com/nextlevelbuilder/coderelay/internal/progress"
	"github.com/nextlevelbuilder/coderelay/internal/queue"
	"github.com/nextlevelbuilder/coderelay/internal/research"
	"github.com/nextlevelbuilder/coderelay/internal/runner"
	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/tasks"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// snapshotLines is how many recent progress lines each conversation keeps
// for the /ask interrupt prompt.
const snapshotLines = 40

// Gateway owns the wired subsystem graph for one relay process.
type Gateway struct {
	cfg      *config.Config
	store    *state.Store
	channel  *discord.Channel
	agents   *runner.Runner
	tasks    *tasks.Manager
	jobs     *jobs.Manager
	research *research.Manager
	asker    *interrupt.Asker
	commands *commands.Handler
	ctxSrc   *ingest.ContextSource
	queue    *queue.Conversations
}

// New builds and wires all subsystems. Nothing is started yet; Run does that.
func New(cfg *config.Config) (*Gateway, error) {
	store, err := state.Open(filepath.Join(cfg.StateDir, "sessions.json"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	ch, err := discord.New(cfg.Discord)
	if err != nil {
		return nil, err
	}

	sup := agent.NewSupervisor(cfg)
	q := queue.New()
	snapshots := progress.NewSnapshotBuffer(snapshotLines)
	ingester := ingest.New(cfg.Uploads, filepath.Join(cfg.StateDir, "uploads"))
	ctxSrc := ingest.NewContextSource(cfg.Context)

	jm := jobs.NewManager(cfg, store, ch)
	disp := actions.NewDispatcher(cfg, jm)
	agents := runner.New(cfg, store, sup, q, ch, ingester, ctxSrc, snapshots, disp)
	tm := tasks.NewManager(cfg, store, agents, ch)
	rm := research.NewManager(cfg, store, agents, disp, ch)
	asker := interrupt.New(cfg, store, agents, q, ch, snapshots)
	cmds := commands.New(cfg, store, ch, agents, tm, jm, rm, asker, ctxSrc, q)

	g := &Gateway{
		cfg:      cfg,
		store:    store,
		channel:  ch,
		agents:   agents,
		tasks:    tm,
		jobs:     jm,
		research: rm,
		asker:    asker,
		commands: cmds,
		ctxSrc:   ctxSrc,
		queue:    q,
	}

	// Cross-package hooks. These close the cycles the import graph cannot:
	// job watchers enqueue follow-up tasks, relay actions drive the task
	// runner, finished research jobs feed the registry, and the task loop
	// triggers handoff notes.
	jm.EnqueueTask = g.enqueueFollowupTask
	jm.ResearchJobDone = rm.JobFinalized
	disp.EnqueueTask = func(convKey, prompt, description, sourceJobID string) error {
		_, err := tm.Add(convKey, prompt, description, sourceJobID)
		return err
	}
	disp.StartTaskRunner = tm.Start
	disp.TaskRunnerActive = tm.Active
	tm.Handoff = cmds.Handoff
	ch.OnInbound = g.handleInbound

	return g, nil
}

// Run starts the transport and background loops and blocks until ctx is
// canceled, then shuts everything down in order.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.channel.Start(ctx); err != nil {
		return err
	}

	// Watchers for jobs that were still running when the previous process
	// died resume here, before any new traffic arrives.
	g.jobs.RecoverWatchers()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.research.AutoTick(egCtx)
		return nil
	})
	if g.cfg.Context.Watch {
		eg.Go(func() error {
			if err := g.ctxSrc.Watch(egCtx); err != nil {
				slog.Warn("context file watcher unavailable", "error", err)
			}
			return nil
		})
	}

	<-ctx.Done()
	slog.Info("gateway shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.jobs.StopAll()
	if err := g.channel.Stop(shutdownCtx); err != nil {
		slog.Warn("discord stop failed", "error", err)
	}
	_ = eg.Wait()
	if err := g.store.Flush(); err != nil {
		slog.Error("state flush failed", "error", err)
	}
	return nil
}

// handleInbound is the single entry point for user messages: post-restart
// notices first, then slash commands, then a full agent turn.
func (g *Gateway) handleInbound(in transport.Inbound) {
	ctx := context.Background()

	for _, n := range g.store.DrainNotices(in.ConvKey) {
		channelID := n.ChannelID
		if channelID == "" {
			channelID = in.ChannelID
		}
		msg := fmt.Sprintf("Note: a %s run (%s) was interrupted by a relay restart at %s.",
			n.Provider, n.Reason, n.At.Format("15:04 UTC"))
		if _, err := g.channel.SendMessage(ctx, channelID, msg); err != nil {
			slog.Warn("post-restart notice failed", "conv", in.ConvKey, "error", err)
		}
	}

	if g.commands.Handle(ctx, in) {
		return
	}

	g.agents.Enqueue(runner.Request{
		ConvKey:         in.ConvKey,
		ChannelID:       in.ChannelID,
		GuildID:         in.GuildID,
		ReplyToID:       in.MessageID,
		IsDM:            in.IsDM,
		Prompt:          in.Content,
		Attachments:     in.Attachments,
		Reason:          "user",
		DispatchActions: true,
	})
}

// enqueueFollowupTask is the job watcher's thenTask hook.
func (g *Gateway) enqueueFollowupTask(convKey, prompt, description, sourceJobID string, runNow bool) {
	if _, err := g.tasks.Add(convKey, prompt, description, sourceJobID); err != nil {
		slog.Warn("thenTask enqueue refused", "conv", convKey, "error", err)
		return
	}
	if !runNow {
		return
	}
	var channelID string
	g.store.Peek(convKey, func(s *state.Session) { channelID = s.LastChannelID })
	if channelID == "" {
		return
	}
	if err := g.tasks.Start(convKey, channelID); err != nil {
		slog.Debug("thenTask runner not started", "conv", convKey, "error", err)
	}
}
