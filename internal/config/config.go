package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Config is the immutable tunable set for the relay. Built once at startup
// from an optional JSON5 file merged with CODERELAY_* environment overrides;
// read-only for the lifetime of the process.
type Config struct {
	// Discord transport
	Discord DiscordConfig `json:"discord"`

	// Agents
	Agent AgentConfig `json:"agent"`

	// On-disk layout
	StateDir string `json:"state_dir"` // root for sessions.json, uploads/, jobs/, plans/, projects/

	// Policy
	AllowRoots       []string `json:"allow_roots"`        // workdirs/uploads/artifacts must resolve under one of these
	WaitPatternGuard string   `json:"wait_pattern_guard"` // "off", "warn", "reject"

	// Progress reporter
	Progress ProgressConfig `json:"progress"`

	// Jobs + watchers
	Jobs JobsConfig `json:"jobs"`

	// Tasks
	Tasks TasksConfig `json:"tasks"`

	// Relay actions
	Actions ActionsConfig `json:"actions"`

	// Research manager
	Research ResearchConfig `json:"research"`

	// Attachment ingest
	Uploads UploadsConfig `json:"uploads"`

	// Context bootstrap
	Context ContextConfig `json:"context"`

	// Telemetry (OTel). Disabled unless endpoint set.
	Telemetry TelemetryConfig `json:"telemetry"`

	Verbose bool `json:"-"`
}

// DiscordConfig configures the Discord channel.
// Token is env-only (never persisted to the config file).
type DiscordConfig struct {
	Token          string `json:"-"` // from CODERELAY_DISCORD_TOKEN only
	RequireMention *bool  `json:"require_mention,omitempty"`
}

// AgentConfig configures the child agent CLIs.
type AgentConfig struct {
	Provider string `json:"provider"` // "codex" or "claude"

	CodexBin         string   `json:"codex_bin"`
	CodexSandbox     string   `json:"codex_sandbox"`     // --sandbox mode, e.g. "workspace-write"
	CodexApproval    string   `json:"codex_approval"`    // approval_policy -c override
	CodexConfig      []string `json:"codex_config"`      // extra -c key=value overrides
	CodexSkipGit     bool     `json:"codex_skip_git"`    // --skip-git-repo-check
	TransientRetries int      `json:"transient_retries"` // codex transient retry max, clamped 0..3

	ClaudeBin          string   `json:"claude_bin"`
	ClaudeHeavyModel   string   `json:"claude_heavy_model"`
	ClaudeLightModel   string   `json:"claude_light_model"`
	ClaudePermMode     string   `json:"claude_permission_mode"`
	ClaudeAllowedTools []string `json:"claude_allowed_tools"`
	// Heavy-model routing: prompts longer than this or containing one of the
	// keywords route to the heavy model.
	HeavyPromptChars int      `json:"heavy_prompt_chars"`
	HeavyKeywords    []string `json:"heavy_keywords"`

	Timeout       time.Duration `json:"-"` // 0 disables the run timeout
	TimeoutStr    string        `json:"timeout,omitempty"`
	DebugCommands bool          `json:"debug_commands"` // show full command text in progress notes
}

// ProgressConfig tunes the status-message editor.
type ProgressConfig struct {
	MinEditMs     int  `json:"min_edit_ms"`
	HeartbeatMs   int  `json:"heartbeat_ms"`
	EditTimeoutMs int  `json:"edit_timeout_ms"`
	StallWarnMs   int  `json:"stall_warn_ms"`
	MaxLines      int  `json:"max_lines"`
	Milestones    bool `json:"milestones"` // post persistent milestone messages
	MilestoneMin  int  `json:"milestone_min_chars"`
	MilestoneMax  int  `json:"milestone_max_chars"`
	StatusSummary bool `json:"status_summary"` // trailing "Run status: ..." line
}

// JobsConfig tunes background jobs and their watchers.
type JobsConfig struct {
	MaxCommandChars     int     `json:"max_command_chars"`
	ArtifactGate        bool    `json:"artifact_gate"` // global requireFiles enforcement
	StartupHeartbeatSec int     `json:"startup_heartbeat_sec"`
	HeartbeatEverySec   int     `json:"heartbeat_every_sec"`
	StaleCPUPercent     float64 `json:"stale_cpu_percent"`
	StaleGPUPercent     float64 `json:"stale_gpu_percent"`
	StaleMinutes        int     `json:"stale_minutes"`
	AlertEveryMinutes   int     `json:"alert_every_minutes"`
	ThenTaskCallback    bool    `json:"then_task_callback"`
}

// TasksConfig tunes the task runner.
type TasksConfig struct {
	MaxPending    int    `json:"max_pending"`
	StopOnError   bool   `json:"stop_on_error"`
	AutoCommit    bool   `json:"auto_commit"`
	CommitPrefix  string `json:"commit_prefix"`
	RequireMarker bool   `json:"require_marker"` // strict mode: missing [[task:*]] marker = failed
	AutoHandoff   bool   `json:"auto_handoff"`
	LoopSummary   bool   `json:"loop_summary"`
}

// ActionsConfig gates the relay-action protocol.
type ActionsConfig struct {
	Enabled       bool     `json:"enabled"`
	DMOnly        bool     `json:"dm_only"`
	MaxPerMessage int      `json:"max_per_message"`
	Allow         []string `json:"allow"` // action type allowlist
}

// ResearchConfig tunes the research manager.
type ResearchConfig struct {
	ProjectsRoot     string        `json:"projects_root"` // default: <state_dir>/projects
	LeaseTTL         time.Duration `json:"-"`
	LeaseTTLStr      string        `json:"lease_ttl,omitempty"`
	InflightTTL      time.Duration `json:"-"`
	InflightTTLStr   string        `json:"inflight_ttl,omitempty"`
	TickCron         string        `json:"tick_cron"` // cron expression gating the auto tick
	TickCooldownSec  int           `json:"tick_cooldown_sec"`
	MaxSteps         int           `json:"max_steps"`
	MaxWallClockMins int           `json:"max_wall_clock_minutes"`
	MaxRuns          int           `json:"max_runs"`
}

// UploadsConfig tunes Discord attachment ingest.
type UploadsConfig struct {
	MaxFiles    int   `json:"max_files"`
	MaxBytes    int64 `json:"max_bytes"`
	ExtractZip  bool  `json:"extract_zip"`
	ZipEntryMax int64 `json:"zip_entry_max_bytes"`
}

// ContextConfig lists extra context files injected at bootstrap.
type ContextConfig struct {
	Files        []ContextFile `json:"files,omitempty"`
	PerFileChars int           `json:"per_file_chars"`
	TotalChars   int           `json:"total_chars"`
	Watch        bool          `json:"watch"` // fsnotify: re-inject on change
}

// ContextFile is one extra context file with its truncation mode.
type ContextFile struct {
	Path string `json:"path"`
	Mode string `json:"mode"` // "head", "tail", "headtail"
}

// TelemetryConfig configures the optional OTel exporter.
type TelemetryConfig struct {
	Endpoint string `json:"endpoint,omitempty"` // empty = disabled
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure bool   `json:"insecure,omitempty"`
}

// Load builds the Config from an optional JSON5 file plus environment
// overrides, applies defaults, and validates. path may be "" (env only).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Discord.Token = envStr("CODERELAY_DISCORD_TOKEN", cfg.Discord.Token)
	cfg.StateDir = envStr("CODERELAY_STATE_DIR", cfg.StateDir)
	cfg.Agent.Provider = envStr("CODERELAY_PROVIDER", cfg.Agent.Provider)
	cfg.Agent.CodexBin = envStr("CODERELAY_CODEX_BIN", cfg.Agent.CodexBin)
	cfg.Agent.ClaudeBin = envStr("CODERELAY_CLAUDE_BIN", cfg.Agent.ClaudeBin)
	cfg.Agent.TimeoutStr = envStr("CODERELAY_AGENT_TIMEOUT", cfg.Agent.TimeoutStr)
	cfg.WaitPatternGuard = envStr("CODERELAY_WAIT_PATTERN_GUARD", cfg.WaitPatternGuard)
	cfg.Telemetry.Endpoint = envStr("CODERELAY_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
	if v := os.Getenv("CODERELAY_ALLOW_ROOTS"); v != "" {
		cfg.AllowRoots = strings.Split(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("CODERELAY_TRANSIENT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.TransientRetries = n
		}
	}
	if v := os.Getenv("CODERELAY_TASKS_REQUIRE_MARKER"); v == "1" || v == "true" {
		cfg.Tasks.RequireMarker = true
	}
	if v := os.Getenv("CODERELAY_ACTIONS_ENABLED"); v != "" {
		cfg.Actions.Enabled = v == "1" || v == "true"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		home, _ := os.UserHomeDir()
		cfg.StateDir = filepath.Join(home, ".coderelay")
	}
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "codex"
	}
	if cfg.Agent.CodexBin == "" {
		cfg.Agent.CodexBin = "codex"
	}
	if cfg.Agent.ClaudeBin == "" {
		cfg.Agent.ClaudeBin = "claude"
	}
	if cfg.Agent.CodexSandbox == "" {
		cfg.Agent.CodexSandbox = "workspace-write"
	}
	if cfg.Agent.HeavyPromptChars == 0 {
		cfg.Agent.HeavyPromptChars = 1200
	}
	if len(cfg.Agent.HeavyKeywords) == 0 {
		cfg.Agent.HeavyKeywords = []string{"refactor", "implement", "debug", "design", "architecture"}
	}
	if cfg.Agent.TimeoutStr == "" {
		cfg.Agent.Timeout = time.Hour
	} else if d, err := time.ParseDuration(cfg.Agent.TimeoutStr); err == nil {
		cfg.Agent.Timeout = d
	}
	if cfg.Agent.TransientRetries < 0 {
		cfg.Agent.TransientRetries = 0
	}
	if cfg.Agent.TransientRetries > 3 {
		cfg.Agent.TransientRetries = 3
	}
	if cfg.WaitPatternGuard == "" {
		cfg.WaitPatternGuard = "warn"
	}
	if len(cfg.AllowRoots) == 0 {
		home, _ := os.UserHomeDir()
		cfg.AllowRoots = []string{home, os.TempDir()}
	}
	for i, r := range cfg.AllowRoots {
		if abs, err := filepath.Abs(r); err == nil {
			cfg.AllowRoots[i] = filepath.Clean(abs)
		}
	}

	p := &cfg.Progress
	defInt(&p.MinEditMs, 2500)
	defInt(&p.HeartbeatMs, 30_000)
	defInt(&p.EditTimeoutMs, 10_000)
	defInt(&p.StallWarnMs, 180_000)
	defInt(&p.MaxLines, 8)
	defInt(&p.MilestoneMin, 12)
	defInt(&p.MilestoneMax, 300)

	j := &cfg.Jobs
	defInt(&j.MaxCommandChars, 8000)
	defInt(&j.StartupHeartbeatSec, 120)
	defInt(&j.HeartbeatEverySec, 600)
	if j.StaleCPUPercent == 0 {
		j.StaleCPUPercent = 5
	}
	if j.StaleGPUPercent == 0 {
		j.StaleGPUPercent = 5
	}
	defInt(&j.StaleMinutes, 10)
	defInt(&j.AlertEveryMinutes, 30)

	defInt(&cfg.Tasks.MaxPending, 50)
	if cfg.Tasks.CommitPrefix == "" {
		cfg.Tasks.CommitPrefix = "task"
	}

	a := &cfg.Actions
	defInt(&a.MaxPerMessage, 3)
	if len(a.Allow) == 0 {
		a.Allow = []string{"job_start", "job_watch", "job_stop", "task_add", "task_run"}
	}

	r := &cfg.Research
	if r.ProjectsRoot == "" {
		r.ProjectsRoot = filepath.Join(cfg.StateDir, "projects")
	}
	if r.LeaseTTLStr == "" {
		r.LeaseTTL = 10 * time.Minute
	} else if d, err := time.ParseDuration(r.LeaseTTLStr); err == nil {
		r.LeaseTTL = d
	}
	if r.InflightTTLStr == "" {
		r.InflightTTL = 30 * time.Minute
	} else if d, err := time.ParseDuration(r.InflightTTLStr); err == nil {
		r.InflightTTL = d
	}
	if r.TickCron == "" {
		r.TickCron = "* * * * *"
	}
	defInt(&r.TickCooldownSec, 120)
	defInt(&r.MaxSteps, 50)
	defInt(&r.MaxWallClockMins, 12*60)
	defInt(&r.MaxRuns, 30)

	u := &cfg.Uploads
	defInt(&u.MaxFiles, 5)
	if u.MaxBytes == 0 {
		u.MaxBytes = 5 << 20
	}
	if u.ZipEntryMax == 0 {
		u.ZipEntryMax = 2 << 20
	}

	c := &cfg.Context
	defInt(&c.PerFileChars, 16_000)
	defInt(&c.TotalChars, 48_000)

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}

func (c *Config) validate() error {
	switch c.Agent.Provider {
	case "codex", "claude":
	default:
		return fmt.Errorf("invalid agent provider %q (want codex or claude)", c.Agent.Provider)
	}
	switch c.WaitPatternGuard {
	case "off", "warn", "reject":
	default:
		return fmt.Errorf("invalid wait_pattern_guard %q (want off, warn or reject)", c.WaitPatternGuard)
	}
	for _, root := range c.AllowRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("allow root %q is not absolute", root)
		}
	}
	return nil
}

// PathAllowed reports whether p (after Abs+Clean) is under one of the allow roots.
func (c *Config) PathAllowed(p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	for _, root := range c.AllowRoots {
		if abs == root || strings.HasPrefix(abs, root+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

// ActionAllowed reports whether an action type passes the allowlist.
func (c *Config) ActionAllowed(typ string) bool {
	for _, a := range c.Actions.Allow {
		if a == typ {
			return true
		}
	}
	return false
}

// RouteClaudeModel picks heavy vs light for a prompt. Empty result means
// let the CLI default decide.
func (c *Config) RouteClaudeModel(prompt string) string {
	if c.Agent.ClaudeHeavyModel == "" {
		return c.Agent.ClaudeLightModel
	}
	if len(prompt) >= c.Agent.HeavyPromptChars {
		return c.Agent.ClaudeHeavyModel
	}
	lower := strings.ToLower(prompt)
	for _, kw := range c.Agent.HeavyKeywords {
		if strings.Contains(lower, kw) {
			return c.Agent.ClaudeHeavyModel
		}
	}
	return c.Agent.ClaudeLightModel
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}
