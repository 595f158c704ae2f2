package research

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Tune the tokenizer", "tune-the-tokenizer"},
		{"  MiXeD CASE!! ", "mixed-case"},
		{"???", "project"},
		{strings.Repeat("long goal ", 10), "long-goal-long-goal-long-goal-long-goal-"[:40]},
	}
	for _, tt := range tests {
		got := slugify(tt.in)
		if got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if len(got) > 40 {
			t.Errorf("slug too long: %q", got)
		}
	}
}

func TestScaffold(t *testing.T) {
	root, err := Scaffold(t.TempDir(), "dm_123", "improve retrieval quality")
	if err != nil {
		t.Fatal(err)
	}

	for _, rel := range []string{
		"idea/goal.md",
		"idea/hypotheses.yaml",
		"exp/registry.jsonl",
		"exp/results",
		"reports/rolling_report.md",
		"reports/report_digest.md",
		"writing/REPORT.md",
		"manager/state.json",
		"manager/events.jsonl",
		"WORKING_MEMORY.md",
	} {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}

	goal, err := os.ReadFile(filepath.Join(root, "idea", "goal.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(goal), "improve retrieval quality") {
		t.Errorf("goal.md = %q", goal)
	}

	st, err := loadState(root)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusRunning || !st.AutoRun || st.Goal != "improve retrieval quality" {
		t.Errorf("state = %+v", st)
	}
}

func TestScaffold_PreservesExistingFiles(t *testing.T) {
	projectsRoot := t.TempDir()
	root, err := Scaffold(projectsRoot, "conv", "same goal")
	if err != nil {
		t.Fatal(err)
	}

	custom := filepath.Join(root, "idea", "goal.md")
	if err := os.WriteFile(custom, []byte("hand edited"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Re-scaffolding the same directory must not clobber user edits.
	for rel, content := range scaffoldFiles("same goal") {
		p := filepath.Join(root, rel)
		if _, err := os.Stat(p); err == nil {
			continue
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	data, _ := os.ReadFile(custom)
	if string(data) != "hand edited" {
		t.Errorf("goal.md clobbered: %q", data)
	}
}

func TestSaveAndLoadStateRoundTrip(t *testing.T) {
	root, err := Scaffold(t.TempDir(), "conv", "goal")
	if err != nil {
		t.Fatal(err)
	}

	st, err := loadState(root)
	if err != nil {
		t.Fatal(err)
	}
	st.Steps = 3
	st.NextRunSeq = 7
	st.DecisionHashes = append(st.DecisionHashes, "abc123")
	st.AppliedKeys = append(st.AppliedKeys, "k1")
	if err := saveState(root, st); err != nil {
		t.Fatal(err)
	}

	got, err := loadState(root)
	if err != nil {
		t.Fatal(err)
	}
	if got.Steps != 3 || got.NextRunSeq != 7 {
		t.Errorf("counters = %+v", got)
	}
	if len(got.DecisionHashes) != 1 || got.DecisionHashes[0] != "abc123" {
		t.Errorf("hashes = %v", got.DecisionHashes)
	}
	if len(got.AppliedKeys) != 1 || got.AppliedKeys[0] != "k1" {
		t.Errorf("keys = %v", got.AppliedKeys)
	}
}

func TestWriteReport(t *testing.T) {
	root, err := Scaffold(t.TempDir(), "conv", "goal")
	if err != nil {
		t.Fatal(err)
	}

	if err := writeReport(root, "first finding", "append"); err != nil {
		t.Fatal(err)
	}
	if err := writeReport(root, "second finding", "append"); err != nil {
		t.Fatal(err)
	}

	rolling, _ := os.ReadFile(filepath.Join(root, "reports", "rolling_report.md"))
	if !strings.Contains(string(rolling), "first finding") || !strings.Contains(string(rolling), "second finding") {
		t.Errorf("rolling = %q", rolling)
	}

	// The writing mirror always matches the rolling report.
	mirror, _ := os.ReadFile(filepath.Join(root, "writing", "REPORT.md"))
	if string(mirror) != string(rolling) {
		t.Error("mirror diverged from rolling report")
	}

	if err := writeReport(root, "only this", "replace"); err != nil {
		t.Fatal(err)
	}
	rolling, _ = os.ReadFile(filepath.Join(root, "reports", "rolling_report.md"))
	if string(rolling) != "only this" {
		t.Errorf("replace left %q", rolling)
	}
}

func TestAppendEventAndTailFile(t *testing.T) {
	root, err := Scaffold(t.TempDir(), "conv", "goal")
	if err != nil {
		t.Fatal(err)
	}

	if err := appendEvent(root, "run_started", map[string]any{"runId": "r0001"}); err != nil {
		t.Fatal(err)
	}
	events := filepath.Join(root, "manager", "events.jsonl")
	data, _ := os.ReadFile(events)
	if !strings.Contains(string(data), `"type":"run_started"`) || !strings.Contains(string(data), `"runId":"r0001"`) {
		t.Errorf("events = %q", data)
	}

	if got := tailFile(events, 10); len(got) > 10 {
		t.Errorf("tailFile over budget: %q", got)
	}
	if got := tailFile(filepath.Join(root, "nope"), 10); got != "" {
		t.Errorf("missing file tail = %q", got)
	}
}
