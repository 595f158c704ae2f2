package agent

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsRunError(t *testing.T) {
	re := &RunError{Kind: KindTransient, Msg: "stream disconnected"}
	wrapped := fmt.Errorf("run failed: %w", re)

	got, ok := AsRunError(wrapped)
	if !ok || got.Kind != KindTransient {
		t.Errorf("AsRunError(wrapped) = %v, %v", got, ok)
	}
	if _, ok := AsRunError(errors.New("plain")); ok {
		t.Error("plain error must not unwrap to RunError")
	}
}

func TestIsStaleSession(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
		output   string
		want     bool
	}{
		{"codex no conversation", ProviderCodex, "error: No conversation found with session ID abc", true},
		{"codex resume failure", ProviderCodex, "failed to resume session: gone", true},
		{"claude session not found", ProviderClaude, "session not found", true},
		{"codex marker on claude output", ProviderClaude, "failed to resume session", false},
		{"unrelated failure", ProviderCodex, "permission denied", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStaleSession(tt.provider, tt.output); got != tt.want {
				t.Errorf("IsStaleSession(%s, %q) = %v, want %v", tt.provider, tt.output, got, tt.want)
			}
		})
	}
}

func TestIsCodexTransient(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"empty output exit", "   \n", true},
		{"stream disconnected", "ERROR: Stream Disconnected before completion", true},
		{"502", "unexpected status 502 Bad Gateway", true},
		{"send failure", "error sending request for url", true},
		{"real failure", "compilation failed: syntax error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCodexTransient(tt.output); got != tt.want {
				t.Errorf("IsCodexTransient(%q) = %v, want %v", tt.output, got, tt.want)
			}
		})
	}
}

func TestIsClaudeInitExit(t *testing.T) {
	if !IsClaudeInitExit("system", "init", 1) {
		t.Error("init-at-exit with nonzero code should match")
	}
	if IsClaudeInitExit("system", "init", 0) {
		t.Error("clean exit is not the init bug")
	}
	if IsClaudeInitExit("result", "", 1) {
		t.Error("result-at-exit is a normal failure")
	}
}

func TestIsClaudeQuotaExhausted(t *testing.T) {
	for _, out := range []string{
		"API Error: quota exceeded for opus",
		"rate limit reached for model claude-opus",
		"You have hit your usage limit.",
	} {
		if !IsClaudeQuotaExhausted(out) {
			t.Errorf("should classify as quota: %q", out)
		}
	}
	if IsClaudeQuotaExhausted("syntax error in main.go") {
		t.Error("unrelated failure classified as quota")
	}
}

func TestValidSessionID(t *testing.T) {
	tests := []struct {
		sid  string
		want bool
	}{
		{"0198a8c1-7e02-7bb3", true},
		{"thread_ABC.123", true},
		{"", false},
		{"has space", false},
		{"path/../traversal", false},
	}
	for _, tt := range tests {
		if got := ValidSessionID(tt.sid); got != tt.want {
			t.Errorf("ValidSessionID(%q) = %v, want %v", tt.sid, got, tt.want)
		}
	}
}
