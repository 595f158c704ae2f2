package actions

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/coderelay/internal/state"
)

func TestBuildSupervisorCommand(t *testing.T) {
	spec := &SupervisorSpec{
		Script:       "/exp/supervisor.py",
		Args:         []string{"--stage", "smoke test"},
		StateFile:    "/exp/run/state.json",
		ExpectStatus: "smoke_passed",
		RequireFiles: []string{"/exp/run/metrics.json"},
	}
	cmd, patch := BuildSupervisorCommand(spec, "r0003")

	for _, want := range []string{
		"python3 /exp/supervisor.py",
		"--stage 'smoke test'",
		"--run-id r0003",
		"--state-file /exp/run/state.json",
		"> /exp/run/supervisor_stdout.log",
		"2> /exp/run/supervisor_stderr.log",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command missing %q:\n%s", want, cmd)
		}
	}

	if patch.SupervisorMode != "stage0_smoke_gate" {
		t.Errorf("mode = %q", patch.SupervisorMode)
	}
	if patch.SupervisorExpectStatus != "smoke_passed" {
		t.Errorf("expectStatus = %q", patch.SupervisorExpectStatus)
	}
	// The state file itself is always a required artifact.
	found := false
	for _, f := range patch.RequireFiles {
		if f == "/exp/run/state.json" {
			found = true
		}
	}
	if !found {
		t.Errorf("state file not in requireFiles: %v", patch.RequireFiles)
	}
}

func TestBuildSupervisorCommand_NoRunID(t *testing.T) {
	cmd, _ := BuildSupervisorCommand(&SupervisorSpec{
		Script: "s.py", StateFile: "/d/st.json", ExpectStatus: "ok",
	}, "")
	if strings.Contains(cmd, "--run-id") {
		t.Errorf("run-id flag leaked into %q", cmd)
	}
}

func TestMergeWatch(t *testing.T) {
	base := &state.WatchConfig{EverySec: 30, RequireFiles: []string{"a.txt"}}
	patch := &state.WatchConfig{
		RequireFiles:           []string{"st.json"},
		SupervisorMode:         "stage0_smoke_gate",
		SupervisorStateFile:    "st.json",
		SupervisorExpectStatus: "ok",
	}
	got := mergeWatch(base, patch)

	if got.EverySec != 30 {
		t.Errorf("EverySec overwritten: %d", got.EverySec)
	}
	if got.TailLines != 20 {
		t.Errorf("TailLines default missing: %d", got.TailLines)
	}
	if len(got.RequireFiles) != 2 {
		t.Errorf("RequireFiles = %v", got.RequireFiles)
	}
	if got.SupervisorMode != "stage0_smoke_gate" {
		t.Errorf("mode = %q", got.SupervisorMode)
	}

	if got := mergeWatch(nil, nil); got == nil {
		t.Error("nil base must still produce a watch")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
