package agent

import (
	"reflect"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/coderelay/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{
			Provider:     "codex",
			CodexBin:     "codex",
			ClaudeBin:    "claude",
			CodexSandbox: "workspace-write",
		},
	}
}

func TestCodexArgv_Fresh(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.CodexSkipGit = true
	s := NewSupervisor(cfg)

	argv := s.codexArgv(Spec{Prompt: "hello", Workdir: "/tmp/w"})
	want := []string{"exec", "--skip-git-repo-check", "--cd", "/tmp/w",
		"--sandbox", "workspace-write", "--json", "hello"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("argv = %v\nwant  %v", argv, want)
	}
}

func TestCodexArgv_Resume(t *testing.T) {
	s := NewSupervisor(testConfig())
	argv := s.codexArgv(Spec{Prompt: "continue", SessionID: "sess-1"})

	// --sandbox must precede the resume keyword.
	sandboxAt, resumeAt := -1, -1
	for i, a := range argv {
		switch a {
		case "--sandbox":
			sandboxAt = i
		case "resume":
			resumeAt = i
		}
	}
	if sandboxAt < 0 || resumeAt < 0 || sandboxAt > resumeAt {
		t.Errorf("sandbox/resume order wrong: %v", argv)
	}
	if argv[resumeAt+1] != "sess-1" {
		t.Errorf("resume target = %q in %v", argv[resumeAt+1], argv)
	}
	if argv[len(argv)-1] != "continue" || argv[len(argv)-2] != "--json" {
		t.Errorf("tail = %v", argv[len(argv)-2:])
	}
}

func TestCodexArgv_Ephemeral(t *testing.T) {
	s := NewSupervisor(testConfig())
	argv := s.codexArgv(Spec{Prompt: "q", Ephemeral: true, SandboxReadOnly: true})

	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "--ephemeral") {
		t.Errorf("missing --ephemeral: %v", argv)
	}
	if !strings.Contains(joined, "--sandbox read-only") {
		t.Errorf("read-only sandbox not forced: %v", argv)
	}
	if strings.Contains(joined, "resume") {
		t.Errorf("ephemeral run must not resume: %v", argv)
	}
}

func TestCodexArgv_ConfigOverrides(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.CodexApproval = "never"
	cfg.Agent.CodexConfig = []string{"model=o3"}
	s := NewSupervisor(cfg)

	joined := strings.Join(s.codexArgv(Spec{Prompt: "x"}), " ")
	if !strings.Contains(joined, "-c approval_policy=never") {
		t.Errorf("approval override missing: %s", joined)
	}
	if !strings.Contains(joined, "-c model=o3") {
		t.Errorf("config override missing: %s", joined)
	}
}

func TestClaudeArgv(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.ClaudePermMode = "acceptEdits"
	cfg.Agent.ClaudeAllowedTools = []string{"Bash", "Edit"}
	s := NewSupervisor(cfg)

	argv := s.claudeArgv(Spec{Prompt: "do the thing", SessionID: "c-9", Model: "claude-light"})
	joined := strings.Join(argv, " ")

	for _, want := range []string{
		"-p", "--output-format stream-json", "--verbose",
		"--model claude-light",
		"--permission-mode acceptEdits",
		"--allowedTools Bash,Edit",
		"--resume c-9",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q: %s", want, joined)
		}
	}
	// The prompt is protected by the -- separator and comes last.
	if argv[len(argv)-1] != "do the thing" || argv[len(argv)-2] != "--" {
		t.Errorf("tail = %v", argv[len(argv)-2:])
	}
}

func TestClaudeArgv_EphemeralSkipsResume(t *testing.T) {
	s := NewSupervisor(testConfig())
	argv := s.claudeArgv(Spec{Prompt: "q", SessionID: "c-9", Ephemeral: true})
	if strings.Contains(strings.Join(argv, " "), "--resume") {
		t.Errorf("ephemeral run resumed a session: %v", argv)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(3)
	for _, l := range []string{"1", "2", "3", "4", "5"} {
		tb.add(l)
	}
	if got := tb.join(); got != "3\n4\n5" {
		t.Errorf("join = %q", got)
	}
}

func TestLastChars(t *testing.T) {
	if got := lastChars("abcdef", 3); got != "…def" {
		t.Errorf("got %q", got)
	}
	if got := lastChars("ab", 3); got != "ab" {
		t.Errorf("got %q", got)
	}
}
