package state

import "time"

// Document is the root of the persisted JSON state blob (sessions.json).
type Document struct {
	Sessions map[string]*Session `json:"sessions"`
}

// Session is all per-conversation state, keyed by conversation key
// (dm:<userId>, discord:<guildId>:channel:<cid>, discord:<guildId>:thread:<tid>).
// Created lazily on first message; never deleted in normal operation.
type Session struct {
	ConvKey          string `json:"convKey"`
	AgentSessionID   string `json:"agentSessionId,omitempty"` // opaque child CLI handle
	Workdir          string `json:"workdir,omitempty"`        // absolute, allow-rooted
	ContextVersion   int    `json:"contextVersion,omitempty"` // bootstrap version applied
	LastChannelID    string `json:"lastChannelId,omitempty"`
	LastGuildID      string `json:"lastGuildId,omitempty"`
	NextTaskSeq      int    `json:"nextTaskSeq,omitempty"`

	Tasks    []*Task   `json:"tasks,omitempty"`
	TaskLoop TaskLoop  `json:"taskLoop"`
	Plans    []*Plan   `json:"plans,omitempty"`
	Jobs     []*Job    `json:"jobs,omitempty"`
	Auto     Auto      `json:"auto"`
	Research *Research `json:"research,omitempty"`
	AgentRun AgentRun  `json:"agentRun"`
}

// Auto holds per-conversation feature toggles.
type Auto struct {
	Actions  bool `json:"actions"`
	Research bool `json:"research"`
}

// Task statuses.
const (
	TaskPending  = "pending"
	TaskRunning  = "running"
	TaskDone     = "done"
	TaskFailed   = "failed"
	TaskBlocked  = "blocked"
	TaskCanceled = "canceled"
)

// Task is one queued unit of work for the task runner.
type Task struct {
	ID          string     `json:"id"` // t-%04d, monotonic per session
	Description string     `json:"description,omitempty"`
	Prompt      string     `json:"prompt"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	LastResult  string     `json:"lastResult,omitempty"` // bounded preview
	SourceJobID string     `json:"sourceJobId,omitempty"`
}

// TaskLoop is the runner's in-flight marker; reset to idle on load.
type TaskLoop struct {
	Running       bool   `json:"running"`
	StopRequested bool   `json:"stopRequested"`
	CurrentTaskID string `json:"currentTaskId,omitempty"`
}

// Plan is one stored plan document.
type Plan struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Title     string    `json:"title"`
	Workdir   string    `json:"workdir"`
	Path      string    `json:"path"` // absolute path of stored markdown
	Request   string    `json:"request"`
}

// Job statuses.
const (
	JobRunning  = "running"
	JobDone     = "done"
	JobFailed   = "failed"
	JobCanceled = "canceled"
	JobBlocked  = "blocked"
)

// Job is a detached, logged shell subprocess tracked by the relay.
type Job struct {
	ID          string     `json:"id"` // j-YYYYMMDD-HHMMSS-rand
	Command     string     `json:"command"`
	Description string     `json:"description,omitempty"`
	Workdir     string     `json:"workdir"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	ExitedAt    *time.Time `json:"exitedAt,omitempty"`
	PID         int        `json:"pid,omitempty"` // last observed leader

	JobDir       string `json:"jobDir"`
	LogPath      string `json:"logPath"`
	ExitCodePath string `json:"exitCodePath"`
	PIDPath      string `json:"pidPath"`
	ExitCode     *int   `json:"exitCode,omitempty"`

	Watch *WatchConfig `json:"watch,omitempty"`

	Lifecycle        []LifecycleEvent `json:"lifecycle,omitempty"` // bounded append
	VisibilityStatus string           `json:"visibilityStatus,omitempty"` // "ok" or "degraded"
	LastHeartbeatAt  *time.Time       `json:"lastHeartbeatAt,omitempty"`

	Research *JobResearch `json:"research,omitempty"`
}

// LifecycleEvent records one job state transition.
type LifecycleEvent struct {
	State   string    `json:"state"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
	Details string    `json:"details,omitempty"`
}

// JobResearch links a job to the research run that launched it.
type JobResearch struct {
	ProjectRoot string `json:"projectRoot"`
	RunID       string `json:"runId"`
	RunDir      string `json:"runDir"`
	StdoutPath  string `json:"stdoutPath,omitempty"`
	MetricsPath string `json:"metricsPath,omitempty"`
}

// Supervisor cleanup policies for the stage0 smoke gate.
const (
	CleanupKeepAll          = "keep_all"
	CleanupKeepManifestOnly = "keep_manifest_only"
)

// WatchConfig configures the periodic observer of one job.
type WatchConfig struct {
	EverySec        int    `json:"everySec"`
	TailLines       int    `json:"tailLines"`
	ThenTask        string `json:"thenTask,omitempty"`
	ThenTaskDesc    string `json:"thenTaskDescription,omitempty"`
	RunTasks        bool   `json:"runTasks,omitempty"`
	RequireFiles    []string `json:"requireFiles,omitempty"`
	ReadyTimeoutSec int      `json:"readyTimeoutSec,omitempty"`
	ReadyPollSec    int      `json:"readyPollSec,omitempty"`
	OnMissing       string   `json:"onMissing,omitempty"` // "block" (default) or "enqueue"
	Long            bool     `json:"long,omitempty"`
	FirstPostRegex  string   `json:"firstPostRegex,omitempty"`
	Compact         bool     `json:"compact,omitempty"`

	SupervisorMode          string `json:"supervisorMode,omitempty"` // "stage0_smoke_gate"
	SupervisorStateFile     string `json:"supervisorStateFile,omitempty"`
	SupervisorExpectStatus  string `json:"supervisorExpectStatus,omitempty"`
	SupervisorCleanupPolicy string `json:"supervisorCleanupSmokePolicy,omitempty"`
}

// AgentRun statuses.
const (
	RunQueued  = "queued"
	RunRunning = "running"
)

// AgentRun tracks the lifecycle of the conversation's in-flight run.
// On load, queued/running flip to empty and a PostRestartNotice is appended.
type AgentRun struct {
	Status               string     `json:"status,omitempty"` // "", "queued", "running"
	Provider             string     `json:"provider,omitempty"`
	Reason               string     `json:"reason,omitempty"`
	QueuedAt             *time.Time `json:"queuedAt,omitempty"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	PendingMessageID     string     `json:"pendingMessageId,omitempty"`
	ChannelID            string     `json:"channelId,omitempty"`
	GuildID              string     `json:"guildId,omitempty"`
	LastInterruptedAt    *time.Time `json:"lastInterruptedAt,omitempty"`
	LastInterruptedWhy   string     `json:"lastInterruptedReason,omitempty"`
}

// Research binds a conversation to an on-disk research project.
type Research struct {
	Enabled        bool       `json:"enabled"`
	ProjectRoot    string     `json:"projectRoot"`
	Slug           string     `json:"slug"`
	ManagerConvKey string     `json:"managerConvKey"`
	LastNoteAt     *time.Time `json:"lastNoteAt,omitempty"`
}

// PostRestartNotice tells a conversation its prior run was interrupted.
type PostRestartNotice struct {
	ConvKey   string    `json:"convKey"`
	ChannelID string    `json:"channelId"`
	Provider  string    `json:"provider"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}
