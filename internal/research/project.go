// Package research runs the unattended research loop: a scaffolded on-disk
// project, a planner/actor agent driven through strict decision blocks, and
// the registry that records every launched run.
package research

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Project statuses.
const (
	StatusRunning = "running"
	StatusBlocked = "blocked"
	StatusDone    = "done"
)

// managerState is manager/state.json. All mutation goes through saveState so
// writes stay atomic.
type managerState struct {
	Goal      string    `json:"goal"`
	Status    string    `json:"status"`
	AutoRun   bool      `json:"autoRun"`
	CreatedAt time.Time `json:"createdAt"`

	Steps      int `json:"steps"`
	Runs       int `json:"runs"`
	NextRunSeq int `json:"nextRunSeq"`

	DecisionHashes []string       `json:"decisionHashes,omitempty"`
	AppliedKeys    []string       `json:"appliedKeys,omitempty"`
	Lease          *lease         `json:"lease,omitempty"`
	Inflight       []inflightStep `json:"inflightSteps,omitempty"`
	LastFeedbackAt time.Time      `json:"lastFeedbackAt"`
}

type lease struct {
	Holder    string    `json:"holder"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type inflightStep struct {
	StepID    string    `json:"stepId"`
	StartedAt time.Time `json:"startedAt"`
}

// scaffoldFiles maps relative path to initial content. Only files that do
// not already exist are created.
func scaffoldFiles(goal string) map[string]string {
	stamp := time.Now().UTC().Format(time.RFC3339)
	return map[string]string{
		"idea/goal.md":            "# Goal\n\n" + goal + "\n",
		"idea/hypotheses.yaml":    "# One hypothesis per entry.\nhypotheses: []\n",
		"exp/registry.jsonl":      "",
		"reports/rolling_report.md": "# Rolling report\n\nStarted " + stamp + "\n",
		"reports/report_digest.md":  "# Digest\n",
		"writing/REPORT.md":         "# Report\n",
		"manager/events.jsonl":      "",
		"memory/handoff.md":         "",
		"WORKING_MEMORY.md":         "",
		"HANDOFF_LOG.md":            "",
		"HYPOTHESES.md":             "",
		"QUESTIONS.md":              "",
	}
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		s = "project"
	}
	return s
}

// Scaffold creates the project tree and the initial manager state. Existing
// files are left untouched so re-running is safe.
func Scaffold(projectsRoot, convSlug, goal string) (string, error) {
	stamp := time.Now().UTC().Format("20060102-150405")
	root := filepath.Join(projectsRoot, convSlug, stamp+"-"+slugify(goal))
	dirs := []string{"idea", "exp/results", "reports", "writing", "manager", "memory"}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return "", fmt.Errorf("scaffold %s: %w", d, err)
		}
	}
	for rel, content := range scaffoldFiles(goal) {
		p := filepath.Join(root, rel)
		if _, err := os.Stat(p); err == nil {
			continue
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("scaffold %s: %w", rel, err)
		}
	}

	st := &managerState{
		Goal:      goal,
		Status:    StatusRunning,
		AutoRun:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := saveState(root, st); err != nil {
		return "", err
	}
	return root, nil
}

func statePath(root string) string { return filepath.Join(root, "manager", "state.json") }

func loadState(root string) (*managerState, error) {
	data, err := os.ReadFile(statePath(root))
	if err != nil {
		return nil, fmt.Errorf("read research state: %w", err)
	}
	st := &managerState{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parse research state: %w", err)
	}
	return st, nil
}

func saveState(root string, st *managerState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(statePath(root)), "state-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), statePath(root))
}

// appendEvent writes one row to manager/events.jsonl.
func appendEvent(root, kind string, fields map[string]any) error {
	row := map[string]any{"type": kind, "at": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range fields {
		row[k] = v
	}
	return appendJSONL(filepath.Join(root, "manager", "events.jsonl"), row)
}

func appendJSONL(path string, row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// appendDigest adds one dated section to reports/report_digest.md.
func appendDigest(root, heading, body string) error {
	f, err := os.OpenFile(filepath.Join(root, "reports", "report_digest.md"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "\n## %s (%s)\n\n%s\n",
		heading, time.Now().UTC().Format("2006-01-02 15:04"), strings.TrimSpace(body))
	return err
}

// writeReport appends to or replaces the rolling report and mirrors the
// change into the legacy writing/REPORT.md.
func writeReport(root, content, mode string) error {
	rolling := filepath.Join(root, "reports", "rolling_report.md")
	if mode == "replace" {
		if err := os.WriteFile(rolling, []byte(content), 0o644); err != nil {
			return err
		}
	} else {
		f, err := os.OpenFile(rolling, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(f, "\n%s\n", strings.TrimSpace(content)); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	data, err := os.ReadFile(rolling)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, "writing", "REPORT.md"), data, 0o644)
}

// tailFile returns up to maxChars from the end of a file, "" when absent.
func tailFile(path string, maxChars int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) > maxChars {
		s = s[len(s)-maxChars:]
	}
	return strings.TrimSpace(s)
}
