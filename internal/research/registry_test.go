package research

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/state"
)

func testJob(t *testing.T, root, runID string) state.Job {
	t.Helper()
	runDir := filepath.Join(root, "exp", "results", runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return state.Job{
		ID:        "j-1",
		Status:    state.JobDone,
		StartedAt: time.Now().UTC(),
		Research: &state.JobResearch{
			ProjectRoot: root,
			RunID:       runID,
			RunDir:      runDir,
			MetricsPath: filepath.Join(runDir, "metrics.json"),
		},
	}
}

func TestJobFinalized_InvalidMetricsBlocksProject(t *testing.T) {
	root, err := Scaffold(t.TempDir(), "conv", "goal")
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(&config.Config{}, nil, nil, nil, nil)

	// No metrics.json in the run dir.
	if m.JobFinalized("conv", testJob(t, root, "r0001"), 0) {
		t.Error("missing metrics reported as valid")
	}

	st, err := loadState(root)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusBlocked || st.AutoRun {
		t.Errorf("state after invalid run = %+v", st)
	}

	digest, err := os.ReadFile(filepath.Join(root, "reports", "report_digest.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(digest), "Run r0001 invalid") {
		t.Errorf("digest does not name the invalid run: %q", digest)
	}

	registry, err := os.ReadFile(filepath.Join(root, "exp", "registry.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(registry), `"status":"invalid"`) {
		t.Errorf("registry row not marked invalid: %q", registry)
	}
}

func TestJobFinalized_ValidMetricsRecorded(t *testing.T) {
	root, err := Scaffold(t.TempDir(), "conv", "goal")
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(&config.Config{}, nil, nil, nil, nil)

	job := testJob(t, root, "r0002")
	if err := os.WriteFile(job.Research.MetricsPath, []byte(`{"loss":0.42}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if !m.JobFinalized("conv", job, 0) {
		t.Error("valid metrics reported as invalid")
	}

	registry, _ := os.ReadFile(filepath.Join(root, "exp", "registry.jsonl"))
	if !strings.Contains(string(registry), `"loss":0.42`) {
		t.Errorf("metrics missing from registry: %q", registry)
	}

	st, _ := loadState(root)
	if st.Status != StatusRunning {
		t.Errorf("valid run changed status to %q", st.Status)
	}
}

func TestTickCooldownIsPerManager(t *testing.T) {
	m1 := NewManager(&config.Config{}, nil, nil, nil, nil)
	m2 := NewManager(&config.Config{}, nil, nil, nil, nil)

	m1.lastTick["dm:1"] = time.Now()
	m2.kick("dm:1")
	if _, ok := m1.lastTick["dm:1"]; !ok {
		t.Error("kick on one manager cleared another's cool-down")
	}
	m1.kick("dm:1")
	if _, ok := m1.lastTick["dm:1"]; ok {
		t.Error("kick did not clear the cool-down")
	}
}
