// Package jobs runs detached, logged shell subprocesses and the periodic
// watchers that report on them.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/procutil"
	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// wrapper is the bash shim every job runs under. It records the leader pid,
// funnels both streams into the log, and guarantees an exit_code file on both
// normal and signaled termination. $1=pidfile $2=exitfile $3=logfile
// $4=workdir $5=command.
const wrapper = `
echo $$ > "$1"
cd "$4" || { echo 127 > "$2"; exit 127; }
child=
on_sig() {
  [ -n "$child" ] && kill -TERM "$child" 2>/dev/null
  wait "$child" 2>/dev/null
  echo $((128+$1)) > "$2"
  exit $((128+$1))
}
trap 'on_sig 15' TERM
trap 'on_sig 2' INT
bash -lc "$5" >> "$3" 2>&1 &
child=$!
wait "$child"
rc=$?
echo "$rc" > "$2"
exit "$rc"
`

// Manager starts, stops and watches jobs. The two hook fields are wired by
// the gateway; nil hooks disable the corresponding behavior.
type Manager struct {
	cfg   *config.Config
	store *state.Store
	t     transport.ChatTransport

	mu       sync.Mutex
	watchers map[string]context.CancelFunc // jobID -> stop

	// EnqueueTask appends a follow-up task after a watched job finishes.
	EnqueueTask func(convKey, prompt, description, sourceJobID string, runNow bool)
	// ResearchJobDone finalizes the registry record for a research-launched
	// job; it reports whether metrics were valid (re-kick the tick) or not.
	ResearchJobDone func(convKey string, job state.Job, exitCode int) bool
}

// NewManager creates a job manager.
func NewManager(cfg *config.Config, store *state.Store, t transport.ChatTransport) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		t:        t,
		watchers: map[string]context.CancelFunc{},
	}
}

// StartRequest describes one job launch.
type StartRequest struct {
	Command     string
	Workdir     string
	Description string
	Watch       *state.WatchConfig
	Research    *state.JobResearch
	ChannelID   string
	GuildID     string
}

// Start spawns the job detached and persists its record. The watcher, if
// requested, begins on the next tick.
func (m *Manager) Start(ctx context.Context, convKey string, req StartRequest) (state.Job, error) {
	cmd := strings.TrimSpace(req.Command)
	if cmd == "" {
		return state.Job{}, fmt.Errorf("empty job command")
	}
	if len(cmd) > m.cfg.Jobs.MaxCommandChars {
		return state.Job{}, fmt.Errorf("job command exceeds %d characters", m.cfg.Jobs.MaxCommandChars)
	}
	if req.Workdir == "" {
		return state.Job{}, fmt.Errorf("job needs a workdir; set one with /workdir first")
	}
	if !m.cfg.PathAllowed(req.Workdir) {
		return state.Job{}, fmt.Errorf("workdir %s is outside the allowed roots", req.Workdir)
	}
	clampWatch(req.Watch)

	id := newJobID()
	jobDir := filepath.Join(m.cfg.StateDir, "jobs", state.SanitizeConvKey(convKey), id)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return state.Job{}, fmt.Errorf("create job dir: %w", err)
	}

	job := state.Job{
		ID:           id,
		Command:      cmd,
		Description:  req.Description,
		Workdir:      req.Workdir,
		Status:       state.JobRunning,
		StartedAt:    time.Now().UTC(),
		JobDir:       jobDir,
		LogPath:      filepath.Join(jobDir, "job.log"),
		ExitCodePath: filepath.Join(jobDir, "exit_code"),
		PIDPath:      filepath.Join(jobDir, "pid"),
		Watch:        req.Watch,
		Research:     req.Research,
	}
	job.AppendLifecycle("queued", "accepted", "")

	proc := exec.Command("bash", "-c", wrapper, "coderelay-job",
		job.PIDPath, job.ExitCodePath, job.LogPath, job.Workdir, cmd)
	procutil.SetProcessGroup(proc)
	proc.Stdin = nil
	proc.Stdout = nil
	proc.Stderr = nil
	if err := proc.Start(); err != nil {
		return state.Job{}, fmt.Errorf("spawn job: %w", err)
	}
	job.PID = proc.Process.Pid
	// Detach: the wrapper owns the lifecycle from here.
	if err := proc.Process.Release(); err != nil {
		slog.Warn("job release failed", "job", id, "error", err)
	}
	job.AppendLifecycle("running", "spawned", fmt.Sprintf("pid %d", job.PID))

	m.store.Mutate(convKey, func(s *state.Session) {
		cp := job
		s.Jobs = append(s.Jobs, &cp)
	})

	if req.Watch != nil {
		m.StartWatcher(convKey, id, req.ChannelID)
	}
	slog.Info("job started", "conv", convKey, "job", id, "pid", job.PID)
	return job, nil
}

// Stop SIGTERMs the job's process group. The wrapper's trap writes the exit
// code, which the watcher (or a later /job status) picks up.
func (m *Manager) Stop(convKey, jobID string) error {
	var job *state.Job
	m.store.Peek(convKey, func(s *state.Session) {
		job = s.FindJob(jobID)
	})
	if job == nil {
		return fmt.Errorf("no job %s", jobID)
	}
	pid, err := readPIDFile(job.PIDPath)
	if err != nil {
		return fmt.Errorf("read pid for %s: %w", jobID, err)
	}
	if err := procutil.TerminateGroup(pid); err != nil {
		return fmt.Errorf("signal job %s (pid %d): %w", jobID, pid, err)
	}
	m.store.Mutate(convKey, func(s *state.Session) {
		if j := s.FindJob(jobID); j != nil {
			j.AppendLifecycle("stopping", "user requested stop", "")
		}
	})
	return nil
}

// Status inspects a job without mutating it. A running-status job whose
// leader is gone but whose exit-code file is absent reports "unknown".
func (m *Manager) Status(convKey, jobID string) (string, error) {
	var job *state.Job
	m.store.Peek(convKey, func(s *state.Session) {
		job = s.FindJob(jobID)
	})
	if job == nil {
		return "", fmt.Errorf("no job %s", jobID)
	}
	if job.Status != state.JobRunning {
		return job.Status, nil
	}
	if _, err := os.Stat(job.ExitCodePath); err == nil {
		return "exited", nil
	}
	pid, err := readPIDFile(job.PIDPath)
	if err != nil || !procutil.Alive(pid) {
		return "unknown", nil
	}
	return state.JobRunning, nil
}

// Peek exposes read access to the conversation's session for callers that
// only hold the job manager.
func (m *Manager) Peek(convKey string, fn func(*state.Session)) {
	m.store.Peek(convKey, fn)
}

// MutateJob edits one job record under the store lock.
func (m *Manager) MutateJob(convKey, jobID string, fn func(*state.Job)) {
	m.store.Mutate(convKey, func(s *state.Session) {
		if j := s.FindJob(jobID); j != nil {
			fn(j)
		}
	})
}

// RecoverWatchers restarts watchers for jobs that were running with a watch
// when the relay last shut down.
func (m *Manager) RecoverWatchers() {
	for convKey, jobList := range m.store.RecoverableJobs() {
		channelID := ""
		m.store.Peek(convKey, func(s *state.Session) {
			channelID = s.LastChannelID
		})
		for _, j := range jobList {
			slog.Info("recovering job watcher", "conv", convKey, "job", j.ID)
			m.StartWatcher(convKey, j.ID, channelID)
		}
	}
}

// StopAll cancels every watcher goroutine. Jobs themselves keep running.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.watchers {
		cancel()
		delete(m.watchers, id)
	}
}

// clampWatch fills in the defaults a sparse watch request omits. A watch with
// everySec 0 would otherwise feed time.NewTicker a zero interval.
func clampWatch(w *state.WatchConfig) {
	if w == nil {
		return
	}
	if w.EverySec <= 0 {
		w.EverySec = 60
	}
	if w.TailLines <= 0 {
		w.TailLines = 20
	}
	if w.OnMissing == "" {
		w.OnMissing = "block"
	}
}

func newJobID() string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("j-%s-%s", time.Now().UTC().Format("20060102-150405"), hex.EncodeToString(b[:]))
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("bad pid file %s", path)
	}
	return pid, nil
}

func readExitCode(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}
