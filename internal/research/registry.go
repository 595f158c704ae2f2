package research

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/state"
)

// JobFinalized is the post-job hook the watcher calls for research-launched
// jobs: it closes the registry record and reports whether metrics were valid
// (valid metrics re-kick the auto tick; invalid ones block the project).
func (m *Manager) JobFinalized(convKey string, job state.Job, exitCode int) bool {
	jr := job.Research
	if jr == nil {
		return true
	}

	row := map[string]any{
		"runId":      jr.RunID,
		"jobId":      job.ID,
		"exitCode":   exitCode,
		"finishedAt": time.Now().UTC().Format(time.RFC3339),
		"artifacts":  listArtifacts(jr.RunDir),
	}

	metrics, valid := readMetrics(jr.MetricsPath)
	if valid {
		row["metrics"] = metrics
	} else {
		row["status"] = "invalid"
	}

	if err := appendJSONL(filepath.Join(jr.ProjectRoot, "exp", "registry.jsonl"), row); err != nil {
		slog.Error("registry append failed", "project", jr.ProjectRoot, "run", jr.RunID, "error", err)
	}

	if !valid {
		if st, err := loadState(jr.ProjectRoot); err == nil {
			st.Status = StatusBlocked
			st.AutoRun = false
			_ = appendDigest(jr.ProjectRoot, "Run "+jr.RunID+" invalid",
				"metrics.json is missing or unparseable; the run result cannot be trusted and the project is blocked")
			if err := saveState(jr.ProjectRoot, st); err != nil {
				slog.Error("research state save failed", "root", jr.ProjectRoot, "error", err)
			}
		}
		return false
	}

	m.kick(convKey)
	return true
}

func readMetrics(path string) (map[string]any, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var metrics map[string]any
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, false
	}
	return metrics, true
}

func listArtifacts(runDir string) []string {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}
