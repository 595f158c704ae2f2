package commands

import (
	"strings"
	"testing"
)

func TestParseKV(t *testing.T) {
	kv := parseKV("metric=loss order=min  lr=0.01 malformed =nokey")
	want := map[string]string{"metric": "loss", "order": "min", "lr": "0.01"}
	if len(kv) != len(want) {
		t.Fatalf("kv = %v", kv)
	}
	for k, v := range want {
		if kv[k] != v {
			t.Errorf("kv[%q] = %q, want %q", k, kv[k], v)
		}
	}
	if len(parseKV("")) != 0 {
		t.Error("empty input should parse to nothing")
	}
}

func TestRenderKV(t *testing.T) {
	out := renderKV(map[string]string{"epochs": "3"})
	if out != "epochs=3" {
		t.Errorf("single pair = %q", out)
	}

	out = renderKV(map[string]string{"a": "1", "b": "2"})
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=2") {
		t.Errorf("pairs missing: %q", out)
	}
	if len(strings.Fields(out)) != 2 {
		t.Errorf("field count: %q", out)
	}
}

func TestFirstWords(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"one two three", 5, "one two three"},
		{"one two three four", 2, "one two…"},
		{"  spaced   out  ", 3, "spaced out"},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := firstWords(tt.in, tt.n); got != tt.want {
			t.Errorf("firstWords(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestOnOff(t *testing.T) {
	if onOff(true) != "on" || onOff(false) != "off" {
		t.Error("onOff mapping wrong")
	}
}
