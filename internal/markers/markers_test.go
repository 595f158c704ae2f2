package markers

import (
	"strings"
	"testing"
)

func TestExtract_Uploads(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantClean string
		wantPaths []string
	}{
		{
			name:      "single upload",
			text:      "Here is the chart.\n[[upload:/tmp/plot.png]]",
			wantClean: "Here is the chart.",
			wantPaths: []string{"/tmp/plot.png"},
		},
		{
			name:      "multiple uploads keep order",
			text:      "[[upload:a.txt]] middle [[upload:b.txt]]",
			wantClean: "middle",
			wantPaths: []string{"a.txt", "b.txt"},
		},
		{
			name:      "path with spaces trimmed",
			text:      "[[upload:  /tmp/out.log ]]",
			wantClean: "",
			wantPaths: []string{"/tmp/out.log"},
		},
		{
			name:      "no markers",
			text:      "plain reply",
			wantClean: "plain reply",
			wantPaths: nil,
		},
		{
			name:      "newline inside brackets is not a marker",
			text:      "[[upload:/tmp/a\n.png]]",
			wantClean: "[[upload:/tmp/a\n.png]]",
			wantPaths: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clean, paths := Uploads(tt.text)
			if clean != tt.wantClean {
				t.Errorf("clean = %q, want %q", clean, tt.wantClean)
			}
			if len(paths) != len(tt.wantPaths) {
				t.Fatalf("paths = %v, want %v", paths, tt.wantPaths)
			}
			for i := range paths {
				if paths[i] != tt.wantPaths[i] {
					t.Errorf("paths[%d] = %q, want %q", i, paths[i], tt.wantPaths[i])
				}
			}
		})
	}
}

func TestTaskOutcome(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"done only", "all set [[task:done]]", OutcomeDone},
		{"blocked only", "stuck [[task:blocked]]", OutcomeBlocked},
		{"blocked wins over done", "[[task:done]] but also [[task:blocked]]", OutcomeBlocked},
		{"case insensitive", "[[TASK:DONE]]", OutcomeDone},
		{"no marker", "just text", OutcomeNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clean, outcome := TaskOutcome(tt.text)
			if outcome != tt.want {
				t.Errorf("outcome = %q, want %q", outcome, tt.want)
			}
			if strings.Contains(strings.ToLower(clean), "[[task:") {
				t.Errorf("marker left in cleaned text: %q", clean)
			}
		})
	}
}

func TestRelayActionBlocks(t *testing.T) {
	text := "Starting now.\n[[relay-actions]]\n{\"actions\":[{\"type\":\"job_stop\"}]}\n[[/relay-actions]]\nDone."
	clean, blocks := RelayActionBlocks(text)

	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if !strings.Contains(blocks[0], `"job_stop"`) {
		t.Errorf("payload = %q", blocks[0])
	}
	if strings.Contains(clean, "relay-actions") {
		t.Errorf("block not stripped from clean text: %q", clean)
	}
	if !strings.Contains(clean, "Starting now.") || !strings.Contains(clean, "Done.") {
		t.Errorf("surrounding text lost: %q", clean)
	}
}

func TestRelayActionBlocks_CodeFenced(t *testing.T) {
	text := "[[relay-actions]]\n```json\n{\"actions\":[]}\n```\n[[/relay-actions]]"
	_, blocks := RelayActionBlocks(text)
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if blocks[0] != `{"actions":[]}` {
		t.Errorf("fence not stripped: %q", blocks[0])
	}
}

func TestResearchDecisionBlock(t *testing.T) {
	one := "[[research-decision]]{\"stepId\":\"s0001\"}[[/research-decision]]"
	payload, ok := ResearchDecisionBlock(one)
	if !ok || !strings.Contains(payload, "s0001") {
		t.Fatalf("single block: ok=%v payload=%q", ok, payload)
	}

	if _, ok := ResearchDecisionBlock("no block here"); ok {
		t.Error("missing block should not be ok")
	}

	two := one + "\n" + one
	if _, ok := ResearchDecisionBlock(two); ok {
		t.Error("two blocks must fail closed")
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", `{"a":1}`, `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"json tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"json5 tag", "```json5\n{a:1}\n```", `{a:1}`},
		{"surrounding whitespace", "  ```\n{}\n```  ", "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripCodeFence(tt.in); got != tt.want {
				t.Errorf("StripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtract_TidiesBlankRuns(t *testing.T) {
	text := "before\n\n[[upload:/tmp/x]]\n\n\nafter"
	clean, _ := Extract(text)
	if strings.Contains(clean, "\n\n\n") {
		t.Errorf("blank run survived: %q", clean)
	}
	if !strings.HasPrefix(clean, "before") || !strings.HasSuffix(clean, "after") {
		t.Errorf("content lost: %q", clean)
	}
}
