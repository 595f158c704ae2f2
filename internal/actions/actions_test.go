package actions

import (
	"context"
	"strings"
	"testing"
)

func TestParseBlock_JobStart(t *testing.T) {
	block := `{"actions":[{"type":"job_start","command":"make train","workdir":"/tmp/w","description":"training"}]}`
	acts, errs := ParseBlock(block, false)
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	if len(acts) != 1 {
		t.Fatalf("got %d actions", len(acts))
	}
	a := acts[0]
	if a.Type != TypeJobStart || a.Command != "make train" || a.Workdir != "/tmp/w" {
		t.Errorf("parsed = %+v", a)
	}
}

func TestParseBlock_RejectsUnknownKey(t *testing.T) {
	block := `{"actions":[{"type":"job_start","command":"ls","cwd":"/tmp"}]}`
	acts, errs := ParseBlock(block, false)
	if len(acts) != 0 {
		t.Errorf("action with unknown key must be rejected, got %+v", acts)
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), `"cwd"`) {
		t.Errorf("errs = %v", errs)
	}
}

func TestParseBlock_JobStartExactlyOneOf(t *testing.T) {
	tests := []struct {
		name  string
		block string
		ok    bool
	}{
		{
			name:  "neither",
			block: `{"actions":[{"type":"job_start","description":"x"}]}`,
		},
		{
			name: "both",
			block: `{"actions":[{"type":"job_start","command":"ls",` +
				`"supervisor":{"script":"s.py","stateFile":"st.json","expectStatus":"ok"}}]}`,
		},
		{
			name:  "command only",
			block: `{"actions":[{"type":"job_start","command":"ls"}]}`,
			ok:    true,
		},
		{
			name: "supervisor only",
			block: `{"actions":[{"type":"job_start",` +
				`"supervisor":{"script":"s.py","stateFile":"st.json","expectStatus":"ok"}}]}`,
			ok: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acts, errs := ParseBlock(tt.block, false)
			if tt.ok && (len(errs) != 0 || len(acts) != 1) {
				t.Errorf("want 1 action, got acts=%v errs=%v", acts, errs)
			}
			if !tt.ok && len(acts) != 0 {
				t.Errorf("want rejection, got %+v", acts)
			}
		})
	}
}

func TestParseBlock_SupervisorRequiredFields(t *testing.T) {
	block := `{"actions":[{"type":"job_start","supervisor":{"script":"s.py","stateFile":"st.json"}}]}`
	acts, errs := ParseBlock(block, false)
	if len(acts) != 0 || len(errs) != 1 {
		t.Fatalf("acts=%v errs=%v", acts, errs)
	}
	if !strings.Contains(errs[0].Error(), "expectStatus") {
		t.Errorf("err = %v", errs[0])
	}
}

func TestParseBlock_ThenTaskMigratesIntoWatch(t *testing.T) {
	block := `{"actions":[{"type":"job_start","command":"make eval",` +
		`"thenTask":"summarize the eval results","thenTaskDescription":"eval summary"}]}`
	acts, errs := ParseBlock(block, false)
	if len(errs) != 0 || len(acts) != 1 {
		t.Fatalf("acts=%v errs=%v", acts, errs)
	}
	w := acts[0].Watch
	if w == nil || w.ThenTask != "summarize the eval results" || w.ThenTaskDesc != "eval summary" {
		t.Errorf("watch = %+v", w)
	}
}

func TestParseBlock_ThenTaskDoesNotOverrideWatch(t *testing.T) {
	block := `{"actions":[{"type":"job_start","command":"make eval",` +
		`"watch":{"thenTask":"from watch"},"thenTask":"from top level"}]}`
	acts, errs := ParseBlock(block, false)
	if len(errs) != 0 || len(acts) != 1 {
		t.Fatalf("acts=%v errs=%v", acts, errs)
	}
	if acts[0].Watch.ThenTask != "from watch" {
		t.Errorf("thenTask = %q", acts[0].Watch.ThenTask)
	}
}

func TestParseBlock_Preflight(t *testing.T) {
	tests := []struct {
		name    string
		check   string
		wantErr string
	}{
		{"path exists", `{"path_exists":"/tmp"}`, ""},
		{"warn mode", `{"cmd_exit_zero":"true","onFail":"warn"}`, ""},
		{"no field", `{}`, "exactly one"},
		{"two fields", `{"path_exists":"/tmp","min_free_disk_gb":5}`, "exactly one"},
		{"bad onFail", `{"path_exists":"/tmp","onFail":"ignore"}`, "onFail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := `{"actions":[{"type":"job_start","command":"ls","preflight":[` + tt.check + `]}]}`
			acts, errs := ParseBlock(block, false)
			if tt.wantErr == "" {
				if len(errs) != 0 || len(acts) != 1 {
					t.Errorf("acts=%v errs=%v", acts, errs)
				}
				return
			}
			if len(acts) != 0 || len(errs) != 1 || !strings.Contains(errs[0].Error(), tt.wantErr) {
				t.Errorf("acts=%v errs=%v, want error containing %q", acts, errs, tt.wantErr)
			}
		})
	}
}

func TestParseBlock_ResearchMode(t *testing.T) {
	// Research-only types are rejected outside research mode.
	if acts, _ := ParseBlock(`{"actions":[{"type":"write_report","content":"x"}]}`, false); len(acts) != 0 {
		t.Errorf("write_report accepted outside research mode: %+v", acts)
	}

	// Research mode requires an idempotencyKey on every action.
	if acts, errs := ParseBlock(`{"actions":[{"type":"job_stop"}]}`, true); len(acts) != 0 {
		t.Errorf("missing idempotencyKey accepted: %+v (errs=%v)", acts, errs)
	}

	acts, errs := ParseBlock(
		`{"actions":[{"type":"write_report","content":"findings","mode":"replace","idempotencyKey":"k1"}]}`, true)
	if len(errs) != 0 || len(acts) != 1 {
		t.Fatalf("acts=%v errs=%v", acts, errs)
	}
	if acts[0].IdempotencyKey != "k1" || acts[0].Mode != "replace" {
		t.Errorf("parsed = %+v", acts[0])
	}
}

func TestParseBlock_TopLevelShape(t *testing.T) {
	for _, payload := range []string{`not json`, `{"noActions":true}`, `[]`} {
		acts, errs := ParseBlock(payload, false)
		if len(acts) != 0 || len(errs) == 0 {
			t.Errorf("payload %q: acts=%v errs=%v", payload, acts, errs)
		}
	}
}

func TestParseText_MixedErrorsKeepGoodActions(t *testing.T) {
	text := "doing it\n[[relay-actions]]\n" +
		`{"actions":[{"type":"task_add","prompt":"fix the test"},{"type":"nope"}]}` +
		"\n[[/relay-actions]]"
	clean, acts, errs := ParseText(text, false)
	if clean != "doing it" {
		t.Errorf("clean = %q", clean)
	}
	if len(acts) != 1 || acts[0].Prompt != "fix the test" {
		t.Errorf("acts = %+v", acts)
	}
	if len(errs) != 1 {
		t.Errorf("errs = %v", errs)
	}
}

func TestWaitPatternRisk(t *testing.T) {
	tests := []struct {
		name    string
		command string
		risky   bool
	}{
		{
			name:    "self matching loop",
			command: `while pgrep -f "train.py" >/dev/null; do sleep 30; done; python train.py`,
			risky:   true,
		},
		{
			name:    "pattern does not match command",
			command: `while pgrep -f "other_process" >/dev/null; do sleep 30; done`,
			risky:   false,
		},
		{
			name:    "pgrep without loop",
			command: `pgrep -f "train.py"; python train.py`,
			risky:   false,
		},
		{
			name:    "unquoted pattern",
			command: `until pgrep -f trainer.py; do sleep 5; done # relaunch trainer.py`,
			risky:   true,
		},
		{
			name:    "no pgrep",
			command: `for i in 1 2 3; do echo $i; done`,
			risky:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pattern, risky := WaitPatternRisk(tt.command)
			if risky != tt.risky {
				t.Errorf("risky = %v (pattern %q), want %v", risky, pattern, tt.risky)
			}
		})
	}
}

func TestRunPreflight(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	res := RunPreflight(ctx, []PreflightCheck{{PathExists: dir}}, dir)
	if res.Rejected || len(res.Failures) != 0 {
		t.Errorf("existing path rejected: %+v", res)
	}

	res = RunPreflight(ctx, []PreflightCheck{{PathExists: dir + "/nope"}}, dir)
	if !res.Rejected {
		t.Errorf("missing path not rejected: %+v", res)
	}

	res = RunPreflight(ctx, []PreflightCheck{{CmdExitZero: "false", OnFail: "warn"}}, dir)
	if res.Rejected || len(res.Failures) != 1 || !strings.HasPrefix(res.Failures[0], "warning:") {
		t.Errorf("warn check: %+v", res)
	}
}
