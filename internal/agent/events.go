package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// codexEvent is one NDJSON line from `codex exec --json`.
type codexEvent struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id,omitempty"`
	Item     *codexItem `json:"item,omitempty"`
	Message  string     `json:"message,omitempty"` // error events
}

type codexItem struct {
	Type      string `json:"type"` // agent_message, reasoning, command_execution, file_change, mcp_tool_call, web_search
	Text      string `json:"text,omitempty"`
	Command   string `json:"command,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Status    string `json:"status,omitempty"`
	Name      string `json:"name,omitempty"`  // tool name
	Query     string `json:"query,omitempty"` // web_search
}

// claudeEvent is one NDJSON line from `claude -p --output-format stream-json`.
type claudeEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Model     string          `json:"model,omitempty"`
}

type claudeMessage struct {
	Model   string               `json:"model,omitempty"`
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type     string          `json:"type"` // text, thinking, tool_use, tool_result
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
}

// summarizeCodex converts one codex event into a short English progress note.
// Empty string means "nothing worth telling the user".
func summarizeCodex(ev *codexEvent, debugCommands bool) string {
	switch ev.Type {
	case "thread.started":
		return "Session started"
	case "turn.started":
		return ""
	case "item.started", "item.updated", "item.completed":
		if ev.Item == nil {
			return ""
		}
		done := ev.Type == "item.completed"
		switch ev.Item.Type {
		case "command_execution":
			cmd := redactCommand(ev.Item.Command, debugCommands)
			if done {
				if ev.Item.ExitCode != nil && *ev.Item.ExitCode != 0 {
					return fmt.Sprintf("Ran %s (exit %d)", cmd, *ev.Item.ExitCode)
				}
				return "Ran " + cmd
			}
			return "Running " + cmd
		case "reasoning":
			if done && ev.Item.Text != "" {
				return "Thinking: " + firstLine(ev.Item.Text, 140)
			}
			return ""
		case "file_change":
			if done {
				return "Edited files"
			}
			return ""
		case "mcp_tool_call":
			if ev.Item.Name != "" {
				return "Tool: " + ev.Item.Name
			}
			return ""
		case "web_search":
			if ev.Item.Query != "" {
				return "Searching: " + firstLine(ev.Item.Query, 100)
			}
			return ""
		case "agent_message":
			if done && ev.Item.Text != "" {
				return "Drafting reply"
			}
			return ""
		}
	case "turn.completed":
		return ""
	case "error":
		if ev.Message != "" {
			return "Error: " + firstLine(ev.Message, 140)
		}
	}
	return ""
}

// summarizeClaude converts one claude stream event into progress notes.
func summarizeClaude(ev *claudeEvent, debugCommands bool) []string {
	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			return []string{"Session started"}
		}
	case "assistant":
		var msg claudeMessage
		if err := json.Unmarshal(ev.Message, &msg); err != nil {
			return nil
		}
		var notes []string
		for _, b := range msg.Content {
			switch b.Type {
			case "thinking":
				if b.Thinking != "" {
					notes = append(notes, "Thinking: "+firstLine(b.Thinking, 140))
				}
			case "tool_use":
				notes = append(notes, summarizeToolUse(b, debugCommands))
			}
		}
		return notes
	case "user":
		var msg claudeMessage
		if err := json.Unmarshal(ev.Message, &msg); err != nil {
			return nil
		}
		for _, b := range msg.Content {
			if b.Type == "tool_result" && b.IsError {
				return []string{"Tool failed"}
			}
		}
	}
	return nil
}

func summarizeToolUse(b claudeContentBlock, debugCommands bool) string {
	switch b.Name {
	case "Bash":
		var in struct {
			Command string `json:"command"`
		}
		_ = json.Unmarshal(b.Input, &in)
		return "Running " + redactCommand(in.Command, debugCommands)
	case "Read", "Write", "Edit":
		var in struct {
			FilePath string `json:"file_path"`
		}
		_ = json.Unmarshal(b.Input, &in)
		if in.FilePath != "" {
			return b.Name + " " + filepath.Base(in.FilePath)
		}
	case "Grep", "Glob":
		return "Searching files"
	case "WebSearch", "WebFetch":
		return "Searching the web"
	}
	if b.Name != "" {
		return "Tool: " + b.Name
	}
	return "Tool call"
}

// redactCommand reduces a shell command to its binary's basename unless the
// debug flag permits full text.
func redactCommand(cmd string, debug bool) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "a command"
	}
	if debug {
		return "`" + firstLine(cmd, 200) + "`"
	}
	fields := strings.Fields(cmd)
	bin := filepath.Base(fields[0])
	// skip over env-var assignments
	for _, f := range fields {
		if !strings.Contains(f, "=") {
			bin = filepath.Base(f)
			break
		}
	}
	return "`" + bin + "`"
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
