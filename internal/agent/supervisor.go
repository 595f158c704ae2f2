// Package agent supervises the child agent CLIs (codex exec, claude -p),
// parses their streaming NDJSON output, and converts events into
// human-readable progress notes.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/procutil"
)

// Provider selects the child CLI backend.
type Provider string

const (
	ProviderCodex  Provider = "codex"
	ProviderClaude Provider = "claude"
)

// sessionIDRe validates child-reported session ids before they are persisted
// or used as path components (same pattern /attach accepts).
var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidSessionID reports whether sid is safe to store.
func ValidSessionID(sid string) bool { return sessionIDRe.MatchString(sid) }

// Spec describes one child invocation.
type Spec struct {
	Provider  Provider
	Prompt    string
	SessionID string // resume when non-empty
	Workdir   string
	Model     string // claude model override ("" = routed/default)
	ConvKey   string

	// Ephemeral runs are stateless: codex --ephemeral, claude fresh session.
	Ephemeral bool
	// SandboxReadOnly forces --sandbox read-only (priority-question path).
	SandboxReadOnly bool

	UploadRoot string
	ExtraEnv   []string
	Timeout    time.Duration // 0 disables

	// OnProgress receives one short English note per interesting event.
	// Must never block.
	OnProgress func(note string)
}

// Result is a successful child run.
type Result struct {
	SessionID string
	Text      string
	Model     string
}

// child tracks one live process for cross-cutting signal delivery.
type child struct {
	pid       int
	cmd       *exec.Cmd
	startedAt time.Time
}

// Supervisor spawns and tracks agent children, at most one per conversation.
type Supervisor struct {
	cfg    *config.Config
	active sync.Map // convKey → *child

	// OnDivergence is called when the parsed final-result text and the last
	// assistant text both exist and disagree (telemetry only).
	OnDivergence func(convKey string, resultLen, assistantLen int)
}

// NewSupervisor builds a Supervisor over the given config.
func NewSupervisor(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// ActivePID returns the leader PID of the conversation's running child.
func (s *Supervisor) ActivePID(convKey string) (int, bool) {
	if v, ok := s.active.Load(convKey); ok {
		return v.(*child).pid, true
	}
	return 0, false
}

// Terminate SIGTERMs the conversation's active child group; after a 5s grace
// it SIGKILLs. Returns false when no child is active.
func (s *Supervisor) Terminate(convKey string) bool {
	v, ok := s.active.Load(convKey)
	if !ok {
		return false
	}
	c := v.(*child)
	slog.Info("terminating agent child", "conv", convKey, "pid", c.pid)
	_ = procutil.TerminateGroup(c.pid)
	go func(pid int) {
		time.Sleep(5 * time.Second)
		if procutil.Alive(pid) {
			_ = procutil.KillGroup(pid)
		}
	}(c.pid)
	return true
}

// Run invokes the child CLI per spec and blocks until it exits.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (*Result, error) {
	bin, argv := s.buildArgv(spec)

	cmd := exec.Command(bin, argv...)
	cmd.Dir = spec.Workdir
	cmd.Env = s.buildEnv(spec)
	procutil.SetProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &RunError{Kind: KindSpawn, Msg: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &RunError{Kind: KindSpawn, Msg: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &RunError{Kind: KindSpawn, Msg: fmt.Sprintf("start %s", bin), Err: err}
	}

	c := &child{pid: cmd.Process.Pid, cmd: cmd, startedAt: time.Now()}
	s.active.Store(spec.ConvKey, c)
	defer s.active.Delete(spec.ConvKey)

	slog.Debug("agent child started",
		"provider", spec.Provider, "conv", spec.ConvKey, "pid", c.pid, "resume", spec.SessionID != "")

	// Timeout escalation: SIGTERM, then SIGKILL after 5s. 0 disables.
	timedOut := make(chan struct{})
	var timer *time.Timer
	if spec.Timeout > 0 {
		timer = time.AfterFunc(spec.Timeout, func() {
			close(timedOut)
			_ = procutil.TerminateGroup(c.pid)
			time.Sleep(5 * time.Second)
			if procutil.Alive(c.pid) {
				_ = procutil.KillGroup(c.pid)
			}
		})
		defer timer.Stop()
	}

	// Cancellation from ctx also tears the child down.
	ctxDone := make(chan struct{})
	defer close(ctxDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = procutil.TerminateGroup(c.pid)
		case <-ctxDone:
		}
	}()

	stderrTail := newTailBuffer(40)
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			stderrTail.add(sc.Text())
		}
	}()

	parse := s.parseStream(spec, stdout)

	waitErr := cmd.Wait()
	<-parse.done

	select {
	case <-timedOut:
		return nil, &RunError{Kind: KindTimeout,
			Msg: fmt.Sprintf("agent run exceeded %s", spec.Timeout)}
	default:
	}

	if waitErr != nil {
		exitCode := -1
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		tail := strings.TrimSpace(stderrTail.join() + "\n" + parse.rawTail.join())
		re := &RunError{Kind: KindExit,
			Msg: fmt.Sprintf("%s exited %d: %s", spec.Provider, exitCode, lastChars(tail, 800)),
			Err: waitErr}
		// Carry classification inputs for the runner's retry ladder.
		re.Msg = strings.TrimSpace(re.Msg)
		return nil, &exitError{RunError: re, Output: tail,
			ExitCode: exitCode, LastEventType: parse.lastEventType, LastEventSubtype: parse.lastEventSubtype}
	}

	return parse.result(spec, s)
}

// exitError decorates RunError with the raw output the retry ladder inspects.
type exitError struct {
	*RunError
	Output           string
	ExitCode         int
	LastEventType    string
	LastEventSubtype string
}

func (e *exitError) Unwrap() error { return e.RunError }

// AsExitError unwraps a nonzero-exit failure.
func AsExitError(err error) (*exitError, bool) {
	if ee, ok := err.(*exitError); ok {
		return ee, true
	}
	return nil, false
}

// ExitOutput returns the classification output of an exit failure, or "".
func ExitOutput(err error) string {
	if ee, ok := AsExitError(err); ok {
		return ee.Output
	}
	return ""
}

// parseState accumulates the stream parse.
type parseState struct {
	done chan struct{}

	mu               sync.Mutex
	sessionID        string
	model            string
	finalResult      string // provider "result" text
	lastAssistant    string // last assistant/agent_message text
	rawTail          *tailBuffer
	lastEventType    string
	lastEventSubtype string
	sawEvent         bool
}

func (s *Supervisor) parseStream(spec Spec, stdout io.Reader) *parseState {
	ps := &parseState{done: make(chan struct{}), rawTail: newTailBuffer(40)}

	go func() {
		defer close(ps.done)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "{") {
				ps.rawTail.add(line)
				continue
			}
			switch spec.Provider {
			case ProviderCodex:
				s.consumeCodexLine(spec, ps, line)
			case ProviderClaude:
				s.consumeClaudeLine(spec, ps, line)
			}
		}
		if err := sc.Err(); err != nil {
			slog.Warn("agent stdout read error", "conv", spec.ConvKey, "error", err)
		}
	}()

	return ps
}

func (s *Supervisor) consumeCodexLine(spec Spec, ps *parseState, line string) {
	var ev codexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		ps.rawTail.add(line)
		return
	}

	ps.mu.Lock()
	ps.sawEvent = true
	ps.lastEventType = ev.Type
	if ev.ThreadID != "" && ValidSessionID(ev.ThreadID) {
		ps.sessionID = ev.ThreadID
	}
	if ev.Type == "item.completed" && ev.Item != nil && ev.Item.Type == "agent_message" && ev.Item.Text != "" {
		ps.lastAssistant = ev.Item.Text
		ps.finalResult = ev.Item.Text
	}
	ps.mu.Unlock()

	if note := summarizeCodex(&ev, s.cfg.Agent.DebugCommands); note != "" && spec.OnProgress != nil {
		spec.OnProgress(note)
	}
}

func (s *Supervisor) consumeClaudeLine(spec Spec, ps *parseState, line string) {
	var ev claudeEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		ps.rawTail.add(line)
		return
	}

	ps.mu.Lock()
	ps.sawEvent = true
	ps.lastEventType = ev.Type
	ps.lastEventSubtype = ev.Subtype
	if ev.SessionID != "" && ValidSessionID(ev.SessionID) {
		ps.sessionID = ev.SessionID
	}
	switch ev.Type {
	case "assistant":
		var msg claudeMessage
		if json.Unmarshal(ev.Message, &msg) == nil {
			if msg.Model != "" {
				ps.model = msg.Model
			}
			var text strings.Builder
			for _, b := range msg.Content {
				if b.Type == "text" && b.Text != "" {
					if text.Len() > 0 {
						text.WriteString("\n")
					}
					text.WriteString(b.Text)
				}
			}
			if text.Len() > 0 {
				ps.lastAssistant = text.String()
			}
		}
	case "result":
		if ev.Result != "" {
			ps.finalResult = ev.Result
		}
	}
	ps.mu.Unlock()

	for _, note := range summarizeClaude(&ev, s.cfg.Agent.DebugCommands) {
		if note != "" && spec.OnProgress != nil {
			spec.OnProgress(note)
		}
	}
}

// result resolves the final text. When the final-result text and the last
// assistant text both exist and diverge, the longer wins and a divergence
// telemetry record is emitted; neither source is silently dropped.
func (ps *parseState) result(spec Spec, s *Supervisor) (*Result, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	text := ps.finalResult
	if ps.lastAssistant != "" && ps.finalResult != "" && ps.lastAssistant != ps.finalResult {
		if len(ps.lastAssistant) > len(ps.finalResult) {
			text = ps.lastAssistant
		}
		slog.Warn("agent final text divergence",
			"conv", spec.ConvKey,
			"result_len", len(ps.finalResult),
			"assistant_len", len(ps.lastAssistant))
		if s.OnDivergence != nil {
			s.OnDivergence(spec.ConvKey, len(ps.finalResult), len(ps.lastAssistant))
		}
	}
	if text == "" {
		text = ps.lastAssistant
	}
	if text == "" {
		// Zero agent messages: the non-JSON stdout tail if any, else a sentinel.
		if tail := ps.rawTail.join(); strings.TrimSpace(tail) != "" {
			text = strings.TrimSpace(tail)
		} else {
			text = "No response"
		}
	}

	return &Result{SessionID: ps.sessionID, Text: text, Model: ps.model}, nil
}

// buildArgv constructs the provider argv per the documented shapes.
func (s *Supervisor) buildArgv(spec Spec) (string, []string) {
	switch spec.Provider {
	case ProviderClaude:
		return s.cfg.Agent.ClaudeBin, s.claudeArgv(spec)
	default:
		return s.cfg.Agent.CodexBin, s.codexArgv(spec)
	}
}

func (s *Supervisor) codexArgv(spec Spec) []string {
	a := s.cfg.Agent
	sandbox := a.CodexSandbox
	if spec.SandboxReadOnly {
		sandbox = "read-only"
	}

	// Shared flags: -c overrides. Approval policy is an override, not a flag.
	var shared []string
	if a.CodexApproval != "" {
		shared = append(shared, "-c", "approval_policy="+a.CodexApproval)
	}
	for _, kv := range a.CodexConfig {
		shared = append(shared, "-c", kv)
	}

	argv := []string{"exec"}
	switch {
	case spec.Ephemeral:
		argv = append(argv, shared...)
		if sandbox != "" {
			argv = append(argv, "--sandbox", sandbox)
		}
		argv = append(argv, "--ephemeral", "--json", spec.Prompt)
	case spec.SessionID != "":
		// --sandbox must precede the resume keyword.
		if sandbox != "" {
			argv = append(argv, "--sandbox", sandbox)
		}
		argv = append(argv, "resume", spec.SessionID)
		if a.CodexSkipGit {
			argv = append(argv, "--skip-git-repo-check")
		}
		argv = append(argv, shared...)
		argv = append(argv, "--json", spec.Prompt)
	default:
		if a.CodexSkipGit {
			argv = append(argv, "--skip-git-repo-check")
		}
		if spec.Workdir != "" {
			argv = append(argv, "--cd", spec.Workdir)
		}
		if sandbox != "" {
			argv = append(argv, "--sandbox", sandbox)
		}
		argv = append(argv, shared...)
		argv = append(argv, "--json", spec.Prompt)
	}
	return argv
}

func (s *Supervisor) claudeArgv(spec Spec) []string {
	a := s.cfg.Agent
	argv := []string{"-p", "--output-format", "stream-json", "--verbose"}

	model := spec.Model
	if model == "" {
		model = s.cfg.RouteClaudeModel(spec.Prompt)
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	if a.ClaudePermMode != "" {
		argv = append(argv, "--permission-mode", a.ClaudePermMode)
	}
	if len(a.ClaudeAllowedTools) > 0 {
		// one comma-joined token
		argv = append(argv, "--allowedTools", strings.Join(a.ClaudeAllowedTools, ","))
	}
	if spec.SessionID != "" && !spec.Ephemeral {
		argv = append(argv, "--resume", spec.SessionID)
	}
	// -- prevents the variadic prompt from absorbing later flags.
	argv = append(argv, "--", spec.Prompt)
	return argv
}

// buildEnv strips the host's CLAUDECODE* variables (prevents nested CLI
// sessions from inheriting wrong credentials) and injects the upload root.
func (s *Supervisor) buildEnv(spec Spec) []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLAUDECODE") {
			continue
		}
		env = append(env, kv)
	}
	if spec.UploadRoot != "" {
		env = append(env, "CODERELAY_UPLOAD_ROOT="+spec.UploadRoot)
	}
	env = append(env, spec.ExtraEnv...)
	return env
}

// tailBuffer keeps the last n lines.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	n     int
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) join() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
