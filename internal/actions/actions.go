// Package actions parses and executes the machine-readable action blocks an
// agent may embed in its reply. Parsing is deliberately strict: any unknown
// key on an action rejects that action outright, so a misremembered field
// name can never silently change meaning.
package actions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/coderelay/internal/markers"
	"github.com/nextlevelbuilder/coderelay/internal/state"
)

// Action types accepted in normal agent output.
const (
	TypeJobStart = "job_start"
	TypeJobWatch = "job_watch"
	TypeJobStop  = "job_stop"
	TypeTaskAdd  = "task_add"
	TypeTaskRun  = "task_run"
)

// Extra types accepted only from the research manager.
const (
	TypeWriteReport      = "write_report"
	TypeResearchPause    = "research_pause"
	TypeResearchMarkDone = "research_mark_done"
)

// allowedKeys is the per-type strict key set. "type" is implicit.
var allowedKeys = map[string]map[string]bool{
	TypeJobStart: {
		"command": true, "supervisor": true, "workdir": true, "description": true,
		"watch": true, "thenTask": true, "thenTaskDescription": true, "preflight": true,
	},
	TypeJobWatch: {"watch": true},
	TypeJobStop:  {},
	TypeTaskAdd:  {"prompt": true, "description": true},
	TypeTaskRun:  {},

	TypeWriteReport:      {"content": true, "mode": true},
	TypeResearchPause:    {},
	TypeResearchMarkDone: {},
}

// SupervisorSpec asks the relay to build the wrapped supervisor command
// instead of taking a raw shell command.
type SupervisorSpec struct {
	Script        string   `json:"script"`
	Args          []string `json:"args,omitempty"`
	StateFile     string   `json:"stateFile"`
	ExpectStatus  string   `json:"expectStatus"`
	CleanupPolicy string   `json:"cleanupSmokePolicy,omitempty"`
	RequireFiles  []string `json:"requireFiles,omitempty"`
}

// PreflightCheck is one pre-launch gate for job_start.
type PreflightCheck struct {
	PathExists    string  `json:"path_exists,omitempty"`
	CmdExitZero   string  `json:"cmd_exit_zero,omitempty"`
	MinFreeDiskGB float64 `json:"min_free_disk_gb,omitempty"`
	OnFail        string  `json:"onFail,omitempty"` // "reject" (default) or "warn"
}

// Action is one validated action ready for dispatch.
type Action struct {
	Type string

	// job_start
	Command      string
	Supervisor   *SupervisorSpec
	Workdir      string
	Description  string
	Watch        *state.WatchConfig
	Preflight    []PreflightCheck

	// task_add
	Prompt string

	// write_report
	Content string
	Mode    string // "append" (default) or "replace"

	// research mode only
	IdempotencyKey string
}

type rawAction map[string]json.RawMessage

// ParseText extracts every action block from assistant text and returns the
// cleaned text, the validated actions, and per-action parse errors.
func ParseText(text string, research bool) (string, []Action, []error) {
	clean, blocks := markers.RelayActionBlocks(text)
	var acts []Action
	var errs []error
	for _, block := range blocks {
		a, e := ParseBlock(block, research)
		acts = append(acts, a...)
		errs = append(errs, e...)
	}
	return clean, acts, errs
}

// ParseBlock parses one JSON payload (code fence already permitted).
func ParseBlock(payload string, research bool) ([]Action, []error) {
	payload = markers.StripCodeFence(payload)
	var top struct {
		Actions []json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal([]byte(payload), &top); err != nil {
		return nil, []error{fmt.Errorf("action block is not valid JSON: %w", err)}
	}
	if top.Actions == nil {
		return nil, []error{fmt.Errorf(`action block is missing the "actions" array`)}
	}

	var acts []Action
	var errs []error
	for i, raw := range top.Actions {
		a, err := parseOne(raw, research)
		if err != nil {
			errs = append(errs, fmt.Errorf("action %d: %w", i+1, err))
			continue
		}
		acts = append(acts, a)
	}
	return acts, errs
}

func parseOne(raw json.RawMessage, research bool) (Action, error) {
	var m rawAction
	if err := json.Unmarshal(raw, &m); err != nil {
		return Action{}, fmt.Errorf("not an object: %w", err)
	}

	var typ string
	if err := unmarshalField(m, "type", &typ); err != nil {
		return Action{}, fmt.Errorf(`bad "type": %w`, err)
	}
	typ = strings.ToLower(strings.TrimSpace(typ))
	allowed, ok := allowedKeys[typ]
	if !ok {
		return Action{}, fmt.Errorf("unknown action type %q", typ)
	}
	if !research && isResearchOnly(typ) {
		return Action{}, fmt.Errorf("action type %q is only valid in research mode", typ)
	}

	for k := range m {
		if k == "type" || allowed[k] {
			continue
		}
		if research && k == "idempotencyKey" {
			continue
		}
		return Action{}, fmt.Errorf("unknown key %q on %s", k, typ)
	}

	a := Action{Type: typ}
	if research {
		if err := unmarshalField(m, "idempotencyKey", &a.IdempotencyKey); err != nil {
			return Action{}, fmt.Errorf(`bad "idempotencyKey": %w`, err)
		}
		if a.IdempotencyKey == "" {
			return Action{}, fmt.Errorf("research actions require an idempotencyKey")
		}
	}

	switch typ {
	case TypeJobStart:
		if err := decodeJobStart(m, &a); err != nil {
			return Action{}, err
		}
	case TypeJobWatch:
		if raw, ok := m["watch"]; ok {
			a.Watch = &state.WatchConfig{}
			if err := json.Unmarshal(raw, a.Watch); err != nil {
				return Action{}, fmt.Errorf(`bad "watch": %w`, err)
			}
		}
	case TypeTaskAdd:
		if err := unmarshalField(m, "prompt", &a.Prompt); err != nil {
			return Action{}, fmt.Errorf(`bad "prompt": %w`, err)
		}
		if strings.TrimSpace(a.Prompt) == "" {
			return Action{}, fmt.Errorf("task_add requires a non-empty prompt")
		}
		_ = unmarshalField(m, "description", &a.Description)
	case TypeWriteReport:
		if err := unmarshalField(m, "content", &a.Content); err != nil {
			return Action{}, fmt.Errorf(`bad "content": %w`, err)
		}
		if a.Content == "" {
			return Action{}, fmt.Errorf("write_report requires content")
		}
		_ = unmarshalField(m, "mode", &a.Mode)
		switch a.Mode {
		case "", "append", "replace":
		default:
			return Action{}, fmt.Errorf("write_report mode must be append or replace")
		}
	}
	return a, nil
}

func decodeJobStart(m rawAction, a *Action) error {
	_ = unmarshalField(m, "command", &a.Command)
	if raw, ok := m["supervisor"]; ok {
		a.Supervisor = &SupervisorSpec{}
		if err := json.Unmarshal(raw, a.Supervisor); err != nil {
			return fmt.Errorf(`bad "supervisor": %w`, err)
		}
	}
	if (a.Command == "") == (a.Supervisor == nil) {
		return fmt.Errorf("job_start requires exactly one of command or supervisor")
	}
	if a.Supervisor != nil {
		if a.Supervisor.Script == "" || a.Supervisor.StateFile == "" || a.Supervisor.ExpectStatus == "" {
			return fmt.Errorf("supervisor requires script, stateFile and expectStatus")
		}
	}
	_ = unmarshalField(m, "workdir", &a.Workdir)
	_ = unmarshalField(m, "description", &a.Description)

	if raw, ok := m["watch"]; ok {
		a.Watch = &state.WatchConfig{}
		if err := json.Unmarshal(raw, a.Watch); err != nil {
			return fmt.Errorf(`bad "watch": %w`, err)
		}
	}

	// Agents often put thenTask at top level; migrate it into the watch.
	var thenTask, thenDesc string
	_ = unmarshalField(m, "thenTask", &thenTask)
	_ = unmarshalField(m, "thenTaskDescription", &thenDesc)
	if thenTask != "" {
		if a.Watch == nil {
			a.Watch = &state.WatchConfig{}
		}
		if a.Watch.ThenTask == "" {
			a.Watch.ThenTask = thenTask
			a.Watch.ThenTaskDesc = thenDesc
		}
	}

	if raw, ok := m["preflight"]; ok {
		if err := json.Unmarshal(raw, &a.Preflight); err != nil {
			return fmt.Errorf(`bad "preflight": %w`, err)
		}
		for i, c := range a.Preflight {
			set := 0
			if c.PathExists != "" {
				set++
			}
			if c.CmdExitZero != "" {
				set++
			}
			if c.MinFreeDiskGB > 0 {
				set++
			}
			if set != 1 {
				return fmt.Errorf("preflight check %d must set exactly one of path_exists, cmd_exit_zero, min_free_disk_gb", i+1)
			}
			switch c.OnFail {
			case "", "reject", "warn":
			default:
				return fmt.Errorf("preflight check %d: onFail must be reject or warn", i+1)
			}
		}
	}
	return nil
}

func isResearchOnly(typ string) bool {
	switch typ {
	case TypeWriteReport, TypeResearchPause, TypeResearchMarkDone:
		return true
	}
	return false
}

func unmarshalField(m rawAction, key string, dst any) error {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
