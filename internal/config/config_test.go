package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Provider != "codex" {
		t.Errorf("provider = %q", cfg.Agent.Provider)
	}
	if cfg.Agent.CodexSandbox != "workspace-write" {
		t.Errorf("sandbox = %q", cfg.Agent.CodexSandbox)
	}
	if cfg.Agent.Timeout != time.Hour {
		t.Errorf("timeout = %s", cfg.Agent.Timeout)
	}
	if cfg.WaitPatternGuard != "warn" {
		t.Errorf("wait guard = %q", cfg.WaitPatternGuard)
	}
	if cfg.Actions.MaxPerMessage != 3 {
		t.Errorf("actions max = %d", cfg.Actions.MaxPerMessage)
	}
	if cfg.Research.LeaseTTL != 10*time.Minute {
		t.Errorf("lease ttl = %s", cfg.Research.LeaseTTL)
	}
	if len(cfg.AllowRoots) == 0 {
		t.Error("allow roots empty")
	}
}

func TestLoad_JSON5File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coderelay.json5")
	body := `{
  // comments are fine in config files
  agent: { provider: "claude", timeout: "30m" },
  wait_pattern_guard: "reject",
  state_dir: "` + dir + `",
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Provider != "claude" {
		t.Errorf("provider = %q", cfg.Agent.Provider)
	}
	if cfg.Agent.Timeout != 30*time.Minute {
		t.Errorf("timeout = %s", cfg.Agent.Timeout)
	}
	if cfg.WaitPatternGuard != "reject" {
		t.Errorf("guard = %q", cfg.WaitPatternGuard)
	}
	if cfg.Research.ProjectsRoot != filepath.Join(dir, "projects") {
		t.Errorf("projects root = %q", cfg.Research.ProjectsRoot)
	}
}

func TestLoad_Validation(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json5")
	if err := os.WriteFile(bad, []byte(`{agent:{provider:"gemini"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("unknown provider accepted")
	}

	badGuard := filepath.Join(dir, "guard.json5")
	if err := os.WriteFile(badGuard, []byte(`{wait_pattern_guard:"maybe"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(badGuard); err == nil {
		t.Error("invalid wait guard accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODERELAY_PROVIDER", "claude")
	t.Setenv("CODERELAY_TRANSIENT_RETRIES", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Provider != "claude" {
		t.Errorf("provider = %q", cfg.Agent.Provider)
	}
	// Clamped to the 0..3 band.
	if cfg.Agent.TransientRetries != 3 {
		t.Errorf("retries = %d", cfg.Agent.TransientRetries)
	}
}

func TestPathAllowed(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{AllowRoots: []string{root}}

	tests := []struct {
		path string
		want bool
	}{
		{root, true},
		{filepath.Join(root, "sub", "file.txt"), true},
		{root + "-sibling", false},
		{"/etc/passwd", false},
		{filepath.Join(root, "..", "escape"), false},
	}
	for _, tt := range tests {
		if got := cfg.PathAllowed(tt.path); got != tt.want {
			t.Errorf("PathAllowed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestRouteClaudeModel(t *testing.T) {
	cfg := &Config{
		Agent: AgentConfig{
			ClaudeHeavyModel: "heavy",
			ClaudeLightModel: "light",
			HeavyPromptChars: 100,
			HeavyKeywords:    []string{"refactor"},
		},
	}

	if got := cfg.RouteClaudeModel("quick question"); got != "light" {
		t.Errorf("short prompt = %q", got)
	}
	if got := cfg.RouteClaudeModel("please Refactor the parser"); got != "heavy" {
		t.Errorf("keyword prompt = %q", got)
	}
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'x'
	}
	if got := cfg.RouteClaudeModel(string(long)); got != "heavy" {
		t.Errorf("long prompt = %q", got)
	}

	cfg.Agent.ClaudeHeavyModel = ""
	if got := cfg.RouteClaudeModel("anything"); got != "light" {
		t.Errorf("no heavy model = %q", got)
	}
}

func TestActionAllowed(t *testing.T) {
	cfg := &Config{Actions: ActionsConfig{Allow: []string{"job_start", "task_add"}}}
	if !cfg.ActionAllowed("job_start") {
		t.Error("job_start should be allowed")
	}
	if cfg.ActionAllowed("job_stop") {
		t.Error("job_stop should be rejected")
	}
}
