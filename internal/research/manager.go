package research

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/coderelay/internal/actions"
	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/markers"
	"github.com/nextlevelbuilder/coderelay/internal/runner"
	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// Manager drives research projects bound to conversations.
type Manager struct {
	cfg        *config.Config
	store      *state.Store
	agents     *runner.Runner
	dispatcher *actions.Dispatcher
	t          transport.ChatTransport

	// auto-tick cool-down bookkeeping, shared between the loop and kick.
	tickMu   sync.Mutex
	lastTick map[string]time.Time
}

// NewManager wires the research manager.
func NewManager(cfg *config.Config, store *state.Store, agents *runner.Runner,
	disp *actions.Dispatcher, t transport.ChatTransport) *Manager {
	return &Manager{
		cfg: cfg, store: store, agents: agents, dispatcher: disp, t: t,
		lastTick: map[string]time.Time{},
	}
}

// Start scaffolds a project and binds the conversation to it.
func (m *Manager) Start(convKey, goal string) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", fmt.Errorf("research needs a goal")
	}
	var existing string
	m.store.Peek(convKey, func(s *state.Session) {
		if s.Research != nil && s.Research.Enabled {
			existing = s.Research.ProjectRoot
		}
	})
	if existing != "" {
		return "", fmt.Errorf("a research project is already bound: %s", existing)
	}

	convSlug := state.SanitizeConvKey(convKey)
	root, err := Scaffold(m.cfg.Research.ProjectsRoot, convSlug, goal)
	if err != nil {
		return "", err
	}
	m.store.Mutate(convKey, func(s *state.Session) {
		s.Research = &state.Research{
			Enabled:        true,
			ProjectRoot:    root,
			Slug:           filepath.Base(root),
			ManagerConvKey: convKey + "#research-mgr",
		}
	})
	// The manager's sub-session works inside the project root.
	m.store.Mutate(convKey+"#research-mgr", func(s *state.Session) {
		s.Workdir = root
	})
	return root, nil
}

// Note appends user feedback for the next planner prompt.
func (m *Manager) Note(convKey, text string) error {
	root, err := m.projectRoot(convKey)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	m.store.Mutate(convKey, func(s *state.Session) {
		if s.Research != nil {
			s.Research.LastNoteAt = &now
		}
	})
	return appendEvent(root, "user_feedback", map[string]any{"text": text})
}

// Pause stops the auto loop without unbinding the project.
func (m *Manager) Pause(convKey string) error {
	return m.editState(convKey, func(st *managerState) {
		st.AutoRun = false
	})
}

// Resume re-enables the auto loop and clears a blocked status.
func (m *Manager) Resume(convKey string) error {
	return m.editState(convKey, func(st *managerState) {
		st.AutoRun = true
		if st.Status == StatusBlocked {
			st.Status = StatusRunning
		}
	})
}

// StopBinding unbinds the conversation; the project directory remains.
func (m *Manager) StopBinding(convKey string) error {
	if err := m.editState(convKey, func(st *managerState) {
		st.AutoRun = false
	}); err != nil {
		return err
	}
	m.store.Mutate(convKey, func(s *state.Session) {
		if s.Research != nil {
			s.Research.Enabled = false
		}
	})
	return nil
}

// Status renders the project state for /research status.
func (m *Manager) Status(convKey string) (string, error) {
	root, err := m.projectRoot(convKey)
	if err != nil {
		return "", err
	}
	st, err := loadState(root)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", root)
	fmt.Fprintf(&b, "Goal: %s\n", st.Goal)
	fmt.Fprintf(&b, "Status: %s (auto: %v)\n", st.Status, st.AutoRun)
	fmt.Fprintf(&b, "Steps: %d/%d | Runs: %d/%d | Age: %s\n",
		st.Steps, m.cfg.Research.MaxSteps, st.Runs, m.cfg.Research.MaxRuns,
		time.Since(st.CreatedAt).Round(time.Minute))
	if st.Lease != nil && time.Now().Before(st.Lease.ExpiresAt) {
		fmt.Fprintf(&b, "Lease held by %s until %s\n", st.Lease.Holder, st.Lease.ExpiresAt.Format("15:04:05"))
	}
	if digest := tailFile(filepath.Join(root, "reports", "report_digest.md"), 600); digest != "" {
		fmt.Fprintf(&b, "\nRecent digest:\n%s\n", digest)
	}
	return b.String(), nil
}

// decision is the required shape of the planner's output block.
type decision struct {
	StepID         string            `json:"stepId"`
	ResearchUpdate string            `json:"research_update"`
	Actions        []json.RawMessage `json:"actions"`
}

// Step runs one manager step. manual=true (from /research step) is allowed
// even when the project is blocked.
func (m *Manager) Step(ctx context.Context, convKey, channelID string, manual bool) error {
	root, err := m.projectRoot(convKey)
	if err != nil {
		return err
	}
	st, err := loadState(root)
	if err != nil {
		return err
	}

	m.repairStale(root, st)

	if refuse := m.refusal(convKey, st, manual); refuse != "" {
		return fmt.Errorf("%s", refuse)
	}

	// Lease: exactly one step at a time, TTL-bounded so a crash cannot wedge
	// the project.
	if st.Lease != nil && time.Now().Before(st.Lease.ExpiresAt) {
		return fmt.Errorf("a manager step is already leased until %s", st.Lease.ExpiresAt.Format("15:04:05"))
	}
	st.Lease = &lease{
		Holder:    "relay",
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(m.cfg.Research.LeaseTTL),
	}
	stepID := fmt.Sprintf("s%04d", st.Steps+1)
	st.Inflight = append(st.Inflight, inflightStep{StepID: stepID, StartedAt: time.Now().UTC()})
	if err := saveState(root, st); err != nil {
		return err
	}
	release := func() {
		st.Lease = nil
		st.Inflight = removeInflight(st.Inflight, stepID)
		if err := saveState(root, st); err != nil {
			slog.Error("research state save failed", "root", root, "error", err)
		}
	}

	block := func(why string) error {
		st.Status = StatusBlocked
		st.AutoRun = false
		_ = appendDigest(root, "Blocked "+stepID, why)
		_ = appendEvent(root, "step_blocked", map[string]any{"stepId": stepID, "reason": why})
		release()
		return fmt.Errorf("research step blocked: %s", why)
	}

	var mgrKey string
	m.store.Peek(convKey, func(s *state.Session) { mgrKey = s.Research.ManagerConvKey })

	prompt := m.plannerPrompt(root, st, stepID)
	text, err := m.agents.ExecuteInline(ctx, runner.Request{
		ConvKey:   mgrKey,
		ChannelID: channelID,
		Prompt:    prompt,
		Reason:    "research",
	})
	if err != nil {
		return block(fmt.Sprintf("planner run failed: %v", err))
	}

	payload, ok := markers.ResearchDecisionBlock(text)
	if !ok {
		return block("planner reply did not carry exactly one research-decision block")
	}
	var dec decision
	if err := json.Unmarshal([]byte(markers.StripCodeFence(payload)), &dec); err != nil {
		return block(fmt.Sprintf("decision block is not valid JSON: %v", err))
	}
	if dec.StepID == "" || dec.Actions == nil {
		return block("decision block is missing stepId or actions")
	}

	hash := decisionHash(payload)
	for _, h := range st.DecisionHashes {
		if h == hash {
			// Idempotent no-op: the same decision was already applied.
			release()
			return nil
		}
	}

	wrapped, _ := json.Marshal(map[string]any{"actions": dec.Actions})
	acts, parseErrs := actions.ParseBlock(string(wrapped), true)
	if len(parseErrs) > 0 {
		msgs := make([]string, len(parseErrs))
		for i, e := range parseErrs {
			msgs[i] = e.Error()
		}
		return block("invalid actions: " + strings.Join(msgs, "; "))
	}

	for _, a := range acts {
		if applied(st.AppliedKeys, a.IdempotencyKey) {
			continue
		}
		if err := m.apply(ctx, convKey, channelID, root, st, a); err != nil {
			return block(fmt.Sprintf("action %s (%s) failed: %v", a.Type, a.IdempotencyKey, err))
		}
		st.AppliedKeys = append(st.AppliedKeys, a.IdempotencyKey)
	}

	st.Steps++
	st.DecisionHashes = append(st.DecisionHashes, hash)
	if dec.ResearchUpdate != "" {
		_ = appendDigest(root, "Step "+dec.StepID, dec.ResearchUpdate)
	}
	_ = appendEvent(root, "decision_applied", map[string]any{
		"stepId": dec.StepID, "hash": hash, "actions": len(acts)})
	release()
	return nil
}

// apply executes one validated research action.
func (m *Manager) apply(ctx context.Context, convKey, channelID, root string, st *managerState, a actions.Action) error {
	switch a.Type {
	case actions.TypeWriteReport:
		return writeReport(root, a.Content, a.Mode)
	case actions.TypeResearchPause:
		st.AutoRun = false
		return nil
	case actions.TypeResearchMarkDone:
		st.Status = StatusDone
		st.AutoRun = false
		return appendDigest(root, "Done", "The manager marked this project done.")
	case actions.TypeJobStart:
		return m.startRun(ctx, convKey, channelID, root, st, a)
	default:
		// Normal action types run through the dispatcher in research mode.
		notes := m.dispatcher.Dispatch(ctx, actions.Env{
			ConvKey:   convKey,
			ChannelID: channelID,
			Workdir:   root,
			Research:  true,
		}, []actions.Action{a})
		for _, n := range notes {
			if strings.Contains(n, "failed") || strings.Contains(n, "refused") {
				return fmt.Errorf("%s", n)
			}
		}
		return nil
	}
}

// startRun is job_start in research mode: a run id is allocated, RUN_ID and
// RUN_DIR are exported, and plain commands get their stdout captured in the
// run directory.
func (m *Manager) startRun(ctx context.Context, convKey, channelID, root string, st *managerState, a actions.Action) error {
	st.NextRunSeq++
	runID := fmt.Sprintf("r%04d", st.NextRunSeq)
	runDir := filepath.Join(root, "exp", "results", runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}

	jr := &state.JobResearch{
		ProjectRoot: root,
		RunID:       runID,
		RunDir:      runDir,
		StdoutPath:  filepath.Join(runDir, "stdout.log"),
		MetricsPath: filepath.Join(runDir, "metrics.json"),
	}

	env := actions.Env{
		ConvKey:    convKey,
		ChannelID:  channelID,
		Workdir:    root,
		Research:   true,
		ResearchJR: jr,
		RunID:      runID,
	}
	if a.Command != "" {
		a.Command = fmt.Sprintf("export RUN_ID=%s RUN_DIR=%s; { %s ; } > %s 2>&1",
			runID, runDir, a.Command, jr.StdoutPath)
	}
	if a.Watch == nil {
		a.Watch = &state.WatchConfig{EverySec: 60, TailLines: 20, Compact: true}
	}

	notes := m.dispatcher.Dispatch(ctx, env, []actions.Action{a})
	for _, n := range notes {
		if strings.Contains(n, "failed") || strings.Contains(n, "rejected") {
			return fmt.Errorf("%s", n)
		}
	}
	st.Runs++
	return appendEvent(root, "run_started", map[string]any{"runId": runID})
}

// repairStale expires dead leases and fails inflight steps older than the
// TTL, blocking the project so a human looks at it.
func (m *Manager) repairStale(root string, st *managerState) {
	changed := false
	if st.Lease != nil && time.Now().After(st.Lease.ExpiresAt) {
		slog.Warn("expiring stale research lease", "root", root, "holder", st.Lease.Holder)
		st.Lease = nil
		changed = true
	}
	var keep []inflightStep
	for _, in := range st.Inflight {
		if time.Since(in.StartedAt) > m.cfg.Research.InflightTTL {
			slog.Warn("failing stale research step", "root", root, "step", in.StepID)
			st.Status = StatusBlocked
			_ = appendDigest(root, "Blocked "+in.StepID, "step exceeded the inflight TTL and was abandoned")
			changed = true
			continue
		}
		keep = append(keep, in)
	}
	st.Inflight = keep
	if changed {
		if err := saveState(root, st); err != nil {
			slog.Error("research state save failed", "root", root, "error", err)
		}
	}
}

func (m *Manager) refusal(convKey string, st *managerState, manual bool) string {
	switch {
	case st.Status == StatusDone:
		return "the project is done"
	case st.Status == StatusBlocked && !manual:
		return "the project is blocked; use /research step to run manually"
	case st.Steps >= m.cfg.Research.MaxSteps:
		return fmt.Sprintf("step budget exhausted (%d)", m.cfg.Research.MaxSteps)
	case st.Runs >= m.cfg.Research.MaxRuns:
		return fmt.Sprintf("run budget exhausted (%d)", m.cfg.Research.MaxRuns)
	case time.Since(st.CreatedAt) > time.Duration(m.cfg.Research.MaxWallClockMins)*time.Minute:
		return "wall-clock budget exhausted"
	}
	var activeJob string
	m.store.Peek(convKey, func(s *state.Session) {
		for _, j := range s.Jobs {
			if j.Status == state.JobRunning && j.Research != nil {
				activeJob = j.ID
			}
		}
	})
	if activeJob != "" {
		return "research job " + activeJob + " is still running"
	}
	return ""
}

// plannerPrompt assembles project context for the next decision.
func (m *Manager) plannerPrompt(root string, st *managerState, stepID string) string {
	var b strings.Builder
	b.WriteString("You are the research manager for the project in your working directory. ")
	b.WriteString("Decide the single next step and reply with exactly one decision block:\n")
	b.WriteString("[[research-decision]]{\"stepId\":\"" + stepID + "\",\"research_update\":\"...\",\"actions\":[...]}[[/research-decision]]\n")
	b.WriteString("Each action needs a unique idempotencyKey. Allowed types: job_start, job_watch, job_stop, task_add, task_run, write_report, research_pause, research_mark_done.\n\n")

	fmt.Fprintf(&b, "Goal:\n%s\n\n", tailFile(filepath.Join(root, "idea", "goal.md"), 2000))
	if h := tailFile(filepath.Join(root, "idea", "hypotheses.yaml"), 2000); h != "" {
		fmt.Fprintf(&b, "Hypotheses:\n%s\n\n", h)
	}
	if reg := tailFile(filepath.Join(root, "exp", "registry.jsonl"), 3000); reg != "" {
		fmt.Fprintf(&b, "Run registry (most recent last):\n%s\n\n", reg)
	}
	if rep := tailFile(filepath.Join(root, "reports", "rolling_report.md"), 3000); rep != "" {
		fmt.Fprintf(&b, "Rolling report tail:\n%s\n\n", rep)
	}
	if fb := m.feedbackSince(root, st.LastFeedbackAt); fb != "" {
		fmt.Fprintf(&b, "New user feedback:\n%s\n\n", fb)
		st.LastFeedbackAt = time.Now().UTC()
	}
	fmt.Fprintf(&b, "Progress: step %d of %d, %d runs of %d.",
		st.Steps, m.cfg.Research.MaxSteps, st.Runs, m.cfg.Research.MaxRuns)
	return b.String()
}

// feedbackSince collects user_feedback events newer than since.
func (m *Manager) feedbackSince(root string, since time.Time) string {
	data, err := os.ReadFile(filepath.Join(root, "manager", "events.jsonl"))
	if err != nil {
		return ""
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var ev struct {
			Type string `json:"type"`
			At   string `json:"at"`
			Text string `json:"text"`
		}
		if json.Unmarshal([]byte(line), &ev) != nil || ev.Type != "user_feedback" {
			continue
		}
		at, err := time.Parse(time.RFC3339, ev.At)
		if err != nil || !at.After(since) {
			continue
		}
		out = append(out, "- "+ev.Text)
	}
	return strings.Join(out, "\n")
}

// ProjectRoot returns the bound project's root directory.
func (m *Manager) ProjectRoot(convKey string) (string, error) {
	return m.projectRoot(convKey)
}

func (m *Manager) projectRoot(convKey string) (string, error) {
	var root string
	m.store.Peek(convKey, func(s *state.Session) {
		if s.Research != nil && s.Research.Enabled {
			root = s.Research.ProjectRoot
		}
	})
	if root == "" {
		return "", fmt.Errorf("no research project bound; start one with /research start <goal>")
	}
	return root, nil
}

func (m *Manager) editState(convKey string, fn func(*managerState)) error {
	root, err := m.projectRoot(convKey)
	if err != nil {
		return err
	}
	st, err := loadState(root)
	if err != nil {
		return err
	}
	fn(st)
	return saveState(root, st)
}

func decisionHash(payload string) string {
	norm := strings.Join(strings.Fields(markers.StripCodeFence(payload)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func removeInflight(in []inflightStep, stepID string) []inflightStep {
	var out []inflightStep
	for _, s := range in {
		if s.StepID != stepID {
			out = append(out, s)
		}
	}
	return out
}

func applied(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
