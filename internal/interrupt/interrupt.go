// Package interrupt answers priority questions while a run is active by
// pausing the agent's process tree, consulting a stateless agent against a
// snapshot of the run, and resuming the tree afterwards. This path must
// never go through the conversation queue.
package interrupt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/ingest"
	"github.com/nextlevelbuilder/coderelay/internal/procutil"
	"github.com/nextlevelbuilder/coderelay/internal/progress"
	"github.com/nextlevelbuilder/coderelay/internal/queue"
	"github.com/nextlevelbuilder/coderelay/internal/runner"
	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// wallClockBudget bounds the whole question, pause included.
const wallClockBudget = 10 * time.Minute

const snapshotLogChars = 12_000

type pausedState struct {
	rootPID  int
	pids     []int
	pausedAt time.Time
}

// Asker serves /ask.
type Asker struct {
	cfg       *config.Config
	store     *state.Store
	agents    *runner.Runner
	q         *queue.Conversations
	t         transport.ChatTransport
	snapshots *progress.SnapshotBuffer

	mu       sync.Mutex
	inflight map[string]bool
	paused   map[string]pausedState
}

// New wires the asker.
func New(cfg *config.Config, store *state.Store, agents *runner.Runner, q *queue.Conversations,
	t transport.ChatTransport, snap *progress.SnapshotBuffer) *Asker {
	return &Asker{
		cfg: cfg, store: store, agents: agents, q: q, t: t, snapshots: snap,
		inflight: map[string]bool{},
		paused:   map[string]pausedState{},
	}
}

// ResumeIfPaused SIGCONTs a conversation's paused tree; used by /task stop
// and /inject so a paused child can actually receive its SIGTERM.
func (a *Asker) ResumeIfPaused(convKey string) {
	a.mu.Lock()
	ps, ok := a.paused[convKey]
	if ok {
		delete(a.paused, convKey)
	}
	a.mu.Unlock()
	if ok {
		if err := procutil.ResumeTree(ps.pids); err != nil {
			slog.Warn("resume after pause failed", "conv", convKey, "error", err)
		}
	}
}

// Ask answers one priority question. Returns an error only for refusals the
// caller should surface; transport problems are handled internally.
func (a *Asker) Ask(ctx context.Context, convKey, channelID, replyToID, question string) error {
	a.mu.Lock()
	if a.inflight[convKey] {
		a.mu.Unlock()
		return fmt.Errorf("another priority question is already in flight")
	}
	a.inflight[convKey] = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, convKey)
		a.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, wallClockBudget)
	defer cancel()

	statusID, err := a.t.ReplyToMessage(ctx, channelID, replyToID, "Handling priority question...")
	if err != nil {
		slog.Warn("priority question post failed", "conv", convKey, "error", err)
	}

	pausedHere := false
	if a.q.Busy(convKey) {
		if pid, ok := a.agents.Supervisor().ActivePID(convKey); ok {
			if perr := a.pause(convKey, pid); perr != nil {
				slog.Warn("pause failed, answering alongside the running child",
					"conv", convKey, "error", perr)
			} else {
				pausedHere = true
			}
		}
	}
	defer func() {
		if pausedHere {
			a.resume(ctx, convKey, channelID)
		}
	}()

	var sess state.Session
	a.store.Peek(convKey, func(s *state.Session) { sess = *s })

	prompt := a.buildPrompt(convKey, &sess, question)
	answer, runErr := a.agents.RunEphemeral(ctx, convKey, sess.Workdir, prompt, true, nil)
	if runErr != nil {
		answer = fmt.Sprintf("Could not answer the question:\n```\n%v\n```", runErr)
	}
	if strings.TrimSpace(answer) == "" {
		answer = "(no answer)"
	}
	if statusID != "" {
		if err := transport.EditThenSend(ctx, a.t, channelID, statusID, answer); err != nil {
			_ = transport.SendChunked(ctx, a.t, channelID, answer)
		}
	} else {
		_ = transport.SendChunked(ctx, a.t, channelID, answer)
	}
	return nil
}

func (a *Asker) pause(convKey string, rootPID int) error {
	pids, err := procutil.CollectTree(rootPID)
	if err != nil {
		return err
	}
	if err := procutil.PauseTree(pids); err != nil {
		// Partial pauses must not linger.
		_ = procutil.ResumeTree(pids)
		return err
	}
	a.mu.Lock()
	a.paused[convKey] = pausedState{rootPID: rootPID, pids: pids, pausedAt: time.Now()}
	a.mu.Unlock()
	slog.Info("paused agent tree", "conv", convKey, "root", rootPID, "procs", len(pids))
	return nil
}

func (a *Asker) resume(ctx context.Context, convKey, channelID string) {
	a.mu.Lock()
	ps, ok := a.paused[convKey]
	delete(a.paused, convKey)
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := procutil.ResumeTree(ps.pids); err != nil {
		slog.Error("resume failed", "conv", convKey, "root", ps.rootPID, "error", err)
		_, _ = a.t.SendMessage(ctx, channelID, fmt.Sprintf(
			"warning: could not resume the paused run (pid %d): %v. It may need a manual SIGCONT.",
			ps.rootPID, err))
		return
	}
	slog.Info("resumed agent tree", "conv", convKey, "root", ps.rootPID,
		"paused_for", time.Since(ps.pausedAt).Round(time.Second))
}

// buildPrompt assembles the run snapshot: progress lines, a jobs summary,
// and the best run-log candidate's head and tail.
func (a *Asker) buildPrompt(convKey string, sess *state.Session, question string) string {
	var b strings.Builder
	b.WriteString("You are answering a quick question about a run that is currently paused. ")
	b.WriteString("Use only the snapshot below plus read-only inspection of the working directory. Be concise.\n\n")

	lines := a.snapshots.Recent(convKey, 40)
	if len(lines) > 0 {
		b.WriteString("Recent progress:\n")
		for _, l := range lines {
			b.WriteString("- " + l + "\n")
		}
		b.WriteString("\n")
	}

	if len(sess.Jobs) > 0 {
		b.WriteString("Recent jobs:\n")
		jobs := sess.Jobs
		if len(jobs) > 5 {
			jobs = jobs[len(jobs)-5:]
		}
		for _, j := range jobs {
			fmt.Fprintf(&b, "- %s %s (started %s): %s\n",
				j.ID, j.Status, j.StartedAt.Format("15:04:05"), firstWords(j.Command, 10))
		}
		b.WriteString("\n")
	}

	if logPath := a.runLogCandidate(convKey, sess); logPath != "" {
		if data, err := os.ReadFile(logPath); err == nil {
			fmt.Fprintf(&b, "Run log (%s):\n```\n%s\n```\n\n",
				logPath, ingest.TruncateMode(string(data), "headtail", snapshotLogChars))
		}
	}

	b.WriteString("Question: " + question)
	return b.String()
}

var logPathRe = regexp.MustCompile(`(?:^|[\s"'(])(/[^\s"')]+\.log)`)

// runLogCandidate picks the most relevant log: an explicit job logPath, then
// a require-file that looks like a log, then any .log path mentioned in the
// progress text.
func (a *Asker) runLogCandidate(convKey string, sess *state.Session) string {
	if j := sess.LastRunningJob(); j != nil && j.LogPath != "" {
		if _, err := os.Stat(j.LogPath); err == nil {
			return j.LogPath
		}
	}
	for i := len(sess.Jobs) - 1; i >= 0; i-- {
		w := sess.Jobs[i].Watch
		if w == nil {
			continue
		}
		for _, f := range w.RequireFiles {
			if strings.HasSuffix(f, ".log") {
				if _, err := os.Stat(f); err == nil {
					return f
				}
			}
		}
	}
	for _, line := range a.snapshots.Recent(convKey, 40) {
		for _, m := range logPathRe.FindAllStringSubmatch(line, -1) {
			p := filepath.Clean(m[1])
			if a.cfg.PathAllowed(p) {
				if _, err := os.Stat(p); err == nil {
					return p
				}
			}
		}
	}
	return ""
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		return strings.Join(fields[:n], " ") + "…"
	}
	return strings.Join(fields, " ")
}
