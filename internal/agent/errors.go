package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a run failure for retry and reporting policy.
type Kind string

const (
	KindPolicyDenied Kind = "policy_denied" // never retried, surfaced verbatim
	KindTransient    Kind = "transient"     // retried per provider policy
	KindStaleSession Kind = "stale_session" // session id cleared, one rerun
	KindTimeout      Kind = "timeout"       // wall clock exceeded, terminal
	KindExit         Kind = "exit"          // nonzero exit, classified by the runner
	KindSpawn        Kind = "spawn"         // process never started
)

// RunError is the typed failure of one child invocation.
type RunError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *RunError) Unwrap() error { return e.Err }

// AsRunError unwraps err into a *RunError when possible.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Stale-session marker strings, documented per backend. Matched against the
// child's combined stderr/stdout tail.
var staleMarkers = map[Provider][]string{
	ProviderCodex: {
		"No conversation found with session ID",
		"conversation not found",
		"failed to resume session",
	},
	ProviderClaude: {
		"No conversation found with session ID",
		"session not found",
	},
}

// IsStaleSession reports whether the failure output names an unresumable session.
func IsStaleSession(p Provider, output string) bool {
	for _, m := range staleMarkers[p] {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

// codex transient runtime patterns: network, proxy, empty exit 1, 5xx.
var codexTransient = []string{
	"stream disconnected",
	"connection reset",
	"connection refused",
	"unexpected status 502",
	"unexpected status 503",
	"unexpected status 504",
	"error sending request",
	"proxy",
	"timed out waiting for response",
}

// IsCodexTransient reports whether a codex failure should be retried.
// An exit 1 with no output at all is also treated as transient.
func IsCodexTransient(output string) bool {
	if strings.TrimSpace(output) == "" {
		return true
	}
	lower := strings.ToLower(output)
	for _, m := range codexTransient {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsClaudeInitExit reports the known bogus init-at-exit transient: the CLI
// emits {"type":"system","subtype":"init"} as its final event and exits
// nonzero. Retried once with identical args.
func IsClaudeInitExit(lastEventType, lastEventSubtype string, exitCode int) bool {
	return exitCode != 0 && lastEventType == "system" && lastEventSubtype == "init"
}

// IsClaudeQuotaExhausted reports heavy-model quota exhaustion; the runner
// retries once with the fallback model.
func IsClaudeQuotaExhausted(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "quota") ||
		strings.Contains(lower, "rate limit reached for model") ||
		strings.Contains(lower, "usage limit")
}
