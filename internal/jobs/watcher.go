package jobs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/procutil"
	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

const tailByteCap = 64 << 10

// watchState is the per-watcher bookkeeping that never needs persistence.
type watchState struct {
	lastSig        string
	lastSigChange  time.Time
	sawHeartbeat   bool
	degradedPosted bool
	lastHeartbeat  time.Time
	lastStaleAlert time.Time

	firstPostRe *regexp.Regexp
	firstPosted bool
}

// StartWatcher launches the tick loop for one job. Replaces any existing
// watcher for the same job id.
func (m *Manager) StartWatcher(convKey, jobID, channelID string) {
	m.mu.Lock()
	if cancel, ok := m.watchers[jobID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchers[jobID] = cancel
	m.mu.Unlock()

	go m.watch(ctx, convKey, jobID, channelID)
}

func (m *Manager) watch(ctx context.Context, convKey, jobID, channelID string) {
	defer func() {
		m.mu.Lock()
		delete(m.watchers, jobID)
		m.mu.Unlock()
	}()

	var job state.Job
	found := false
	m.store.Peek(convKey, func(s *state.Session) {
		if j := s.FindJob(jobID); j != nil {
			job = *j
			found = true
		}
	})
	if !found || job.Watch == nil {
		return
	}

	every := time.Duration(job.Watch.EverySec) * time.Second
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	ws := &watchState{lastSigChange: time.Now()}
	if job.Watch.FirstPostRegex != "" {
		re, err := regexp.Compile(job.Watch.FirstPostRegex)
		if err != nil {
			slog.Warn("bad firstPostRegex, posting unconditionally",
				"job", jobID, "regex", job.Watch.FirstPostRegex, "error", err)
		} else {
			ws.firstPostRe = re
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.tick(ctx, convKey, jobID, channelID, ws) {
				return
			}
		}
	}
}

// tick runs one observation; returns true when the job is finalized and the
// watcher should exit.
func (m *Manager) tick(ctx context.Context, convKey, jobID, channelID string, ws *watchState) bool {
	var job state.Job
	found := false
	var pendingTasks int
	m.store.Peek(convKey, func(s *state.Session) {
		if j := s.FindJob(jobID); j != nil {
			job = *j
			found = true
		}
		pendingTasks = s.PendingTaskCount()
	})
	if !found || job.Status != state.JobRunning {
		return true
	}

	if code, ok := readExitCode(job.ExitCodePath); ok {
		m.finalize(ctx, convKey, jobID, channelID, job, code)
		return true
	}

	tail := tailLines(job.LogPath, job.Watch.TailLines)
	sig := tailSignature(tail)
	changed := sig != "" && sig != ws.lastSig
	now := time.Now()
	if changed {
		ws.lastSig = sig
		ws.lastSigChange = now
		ws.sawHeartbeat = true
		hb := now.UTC()
		m.store.Mutate(convKey, func(s *state.Session) {
			if j := s.FindJob(jobID); j != nil {
				j.LastHeartbeatAt = &hb
			}
		})
		if firstPostReady(ws, tail) {
			m.postTail(ctx, channelID, job, tail, pendingTasks)
		}
	}

	if job.Watch.Long {
		m.visibilityGate(ctx, convKey, jobID, channelID, job, ws, changed, now)
	}
	m.staleGuard(ctx, channelID, job, ws, now)
	return false
}

// firstPostReady suppresses tail posts until a tail line matches the
// configured first-post regex. Once one matches, the gate stays open.
func firstPostReady(ws *watchState, tail []string) bool {
	if ws.firstPostRe == nil || ws.firstPosted {
		return true
	}
	for _, line := range tail {
		if ws.firstPostRe.MatchString(line) {
			ws.firstPosted = true
			return true
		}
	}
	return false
}

func (m *Manager) postTail(ctx context.Context, channelID string, job state.Job, tail []string, pendingTasks int) {
	elapsed := time.Since(job.StartedAt).Round(time.Second)
	body := strings.Join(tail, "\n")
	var msg string
	if job.Watch.Compact {
		msg = fmt.Sprintf("%s running %s | %d tasks pending | new output: %d lines, %d chars",
			job.ID, elapsed, pendingTasks, len(tail), len(body))
		if len(tail) > 0 {
			last := tail[len(tail)-1]
			if len(last) > 120 {
				last = last[:120] + "…"
			}
			msg += "\n> " + last
		}
	} else {
		msg = fmt.Sprintf("%s running %s\n```\n%s\n```", job.ID, elapsed, body)
	}
	m.post(ctx, channelID, msg)
}

// visibilityGate posts a one-shot degraded alert when a long watch never saw
// output inside the startup window, then periodic heartbeats afterwards.
func (m *Manager) visibilityGate(ctx context.Context, convKey, jobID, channelID string, job state.Job, ws *watchState, changed bool, now time.Time) {
	startupWindow := time.Duration(m.cfg.Jobs.StartupHeartbeatSec) * time.Second
	if !ws.sawHeartbeat && !ws.degradedPosted && now.Sub(job.StartedAt) > startupWindow {
		ws.degradedPosted = true
		m.store.Mutate(convKey, func(s *state.Session) {
			if j := s.FindJob(jobID); j != nil {
				j.VisibilityStatus = "degraded"
			}
		})
		m.post(ctx, channelID, fmt.Sprintf("%s has produced no output in %s; visibility degraded (it may still be working silently)", job.ID, startupWindow))
		return
	}
	beat := time.Duration(m.cfg.Jobs.HeartbeatEverySec) * time.Second
	if !changed && now.Sub(ws.lastHeartbeat) >= beat && ws.sawHeartbeat {
		ws.lastHeartbeat = now
		m.post(ctx, channelID, fmt.Sprintf("%s still running (%s elapsed, no new output)", job.ID, time.Since(job.StartedAt).Round(time.Second)))
	}
}

// staleGuard alerts when the log is frozen and the whole process tree is idle
// on both CPU and GPU for staleMinutes.
func (m *Manager) staleGuard(ctx context.Context, channelID string, job state.Job, ws *watchState, now time.Time) {
	staleFor := time.Duration(m.cfg.Jobs.StaleMinutes) * time.Minute
	if now.Sub(ws.lastSigChange) < staleFor {
		return
	}
	if now.Sub(ws.lastStaleAlert) < time.Duration(m.cfg.Jobs.AlertEveryMinutes)*time.Minute {
		return
	}
	pid, err := readPIDFile(job.PIDPath)
	if err != nil {
		return
	}
	tree, err := procutil.CollectTree(pid)
	if err != nil {
		return
	}
	cpu, err := procutil.TreeCPUPercent(tree)
	if err != nil {
		return
	}
	if cpu >= m.cfg.Jobs.StaleCPUPercent {
		return
	}
	if gpu, ok := procutil.MaxGPUPercent(); ok && gpu >= m.cfg.Jobs.StaleGPUPercent {
		return
	}
	ws.lastStaleAlert = now
	m.post(ctx, channelID, fmt.Sprintf("%s looks stalled: no log change for %s, cpu %.1f%%",
		job.ID, now.Sub(ws.lastSigChange).Round(time.Minute), cpu))
}

// finalize runs the artifact and supervisor gates, closes the job record,
// posts the closing message, and dispatches the follow-up task.
func (m *Manager) finalize(ctx context.Context, convKey, jobID, channelID string, job state.Job, exitCode int) {
	status := state.JobDone
	if exitCode != 0 {
		status = state.JobFailed
	}
	reason := fmt.Sprintf("exit %d", exitCode)
	thenTaskOK := true

	w := job.Watch
	gated := len(w.RequireFiles) > 0 && (m.cfg.Jobs.ArtifactGate || w.SupervisorMode != "")
	if gated {
		verdict, detail := m.artifactGate(ctx, job)
		switch verdict {
		case gateBlocked:
			status = state.JobBlocked
			reason = detail
			thenTaskOK = false
		case gateEnqueue:
			reason += "; " + detail
		case gateReady:
			if w.SupervisorMode != "" {
				if err := validateSupervisorState(w); err != nil {
					status = state.JobBlocked
					reason = err.Error()
					thenTaskOK = false
				}
			}
		}
	}

	now := time.Now().UTC()
	m.store.Mutate(convKey, func(s *state.Session) {
		if j := s.FindJob(jobID); j != nil {
			j.Status = status
			j.ExitCode = &exitCode
			j.ExitedAt = &now
			j.FinishedAt = &now
			j.AppendLifecycle(status, reason, "")
		}
	})

	metricsValid := true
	if job.Research != nil && m.ResearchJobDone != nil {
		metricsValid = m.ResearchJobDone(convKey, job, exitCode)
	}

	msg := fmt.Sprintf("%s finished: %s (%s) after %s", job.ID, status, reason, time.Since(job.StartedAt).Round(time.Second))
	if tail := tailLines(job.LogPath, 5); len(tail) > 0 {
		msg += "\n```\n" + strings.Join(tail, "\n") + "\n```"
	}
	m.post(ctx, channelID, msg)

	if w.ThenTask != "" && thenTaskOK && m.cfg.Jobs.ThenTaskCallback && m.EnqueueTask != nil && metricsValid {
		m.EnqueueTask(convKey, w.ThenTask, w.ThenTaskDesc, job.ID, w.RunTasks)
	}
	slog.Info("job finalized", "conv", convKey, "job", jobID, "status", status, "exit", exitCode)
}

type gateVerdict int

const (
	gateReady gateVerdict = iota
	gateBlocked
	gateEnqueue
)

// artifactGate polls until every required file exists or the ready timeout
// elapses. Paths outside the allow roots block immediately.
func (m *Manager) artifactGate(ctx context.Context, job state.Job) (gateVerdict, string) {
	w := job.Watch
	for _, f := range w.RequireFiles {
		if !m.cfg.PathAllowed(f) {
			return gateBlocked, fmt.Sprintf("required file %s is outside the allowed roots", f)
		}
	}

	poll := time.Duration(w.ReadyPollSec) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	timeout := time.Duration(w.ReadyTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)

	for {
		if missing := missingFiles(w.RequireFiles); len(missing) == 0 {
			return gateReady, ""
		} else if time.Now().After(deadline) {
			detail := fmt.Sprintf("required files missing after %s: %s", timeout, strings.Join(missing, ", "))
			if w.OnMissing == "enqueue" {
				return gateEnqueue, detail
			}
			return gateBlocked, detail
		}
		select {
		case <-ctx.Done():
			return gateBlocked, "watcher canceled while waiting for artifacts"
		case <-time.After(poll):
		}
	}
}

// validateSupervisorState checks the stage0 smoke gate: the state file must
// parse, its status must match, and the keep-manifest-only policy must have
// recorded the smoke-dir cleanup.
func validateSupervisorState(w *state.WatchConfig) error {
	data, err := os.ReadFile(w.SupervisorStateFile)
	if err != nil {
		return fmt.Errorf("supervisor state file unreadable: %v", err)
	}
	var doc struct {
		Status       string `json:"status"`
		SmokeCleanup struct {
			Action string `json:"action"`
		} `json:"smoke_cleanup"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("supervisor state file is not valid JSON: %v", err)
	}
	if doc.Status != w.SupervisorExpectStatus {
		return fmt.Errorf("supervisor status %q, expected %q", doc.Status, w.SupervisorExpectStatus)
	}
	if w.SupervisorCleanupPolicy == state.CleanupKeepManifestOnly &&
		doc.SmokeCleanup.Action != "deleted_smoke_run_dir_kept_manifest" {
		return fmt.Errorf("supervisor cleanup action %q does not match keep_manifest_only", doc.SmokeCleanup.Action)
	}
	return nil
}

func missingFiles(paths []string) []string {
	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}

// tailLines reads the last n lines of path, bounded by tailByteCap bytes.
func tailLines(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil
	}
	off := info.Size() - tailByteCap
	if off < 0 {
		off = 0
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if off > 0 && len(lines) > 1 {
		lines = lines[1:] // drop the partial first line
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func tailSignature(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	h := sha1.Sum([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h[:])
}

func (m *Manager) post(ctx context.Context, channelID, msg string) {
	if channelID == "" {
		return
	}
	if err := transport.SendChunked(ctx, m.t, channelID, msg); err != nil {
		slog.Warn("job post failed", "channel", channelID, "error", err)
	}
}
