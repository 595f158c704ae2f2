package ingest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/coderelay/internal/config"
)

func TestLooksBinary(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"empty", nil, false},
		{"plain text", []byte("hello world\nsecond line\n"), false},
		{"tabs and cr are text", []byte("a\tb\r\nc"), false},
		{"nul byte", []byte("abc\x00def"), true},
		{"mostly control bytes", bytes.Repeat([]byte{0x01, 'a'}, 20), true},
		{"sparse control bytes", append(bytes.Repeat([]byte("text"), 20), 0x02), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksBinary(tt.data); got != tt.want {
				t.Errorf("LooksBinary = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTruncateMode(t *testing.T) {
	s := "0123456789"

	tests := []struct {
		name string
		mode string
		max  int
		want string
	}{
		{"under limit untouched", "head", 20, s},
		{"zero max untouched", "tail", 0, s},
		{"head", "head", 4, "0123"},
		{"tail", "tail", 4, "6789"},
		{"unknown mode is head", "sideways", 4, "0123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateMode(s, tt.mode, tt.max); got != tt.want {
				t.Errorf("TruncateMode(%q, %d) = %q, want %q", tt.mode, tt.max, got, tt.want)
			}
		})
	}
}

func TestTruncateMode_HeadTail(t *testing.T) {
	long := strings.Repeat("a", 50) + strings.Repeat("z", 50)
	got := TruncateMode(long, "headtail", 40)
	if len(got) > 40 {
		t.Errorf("len = %d", len(got))
	}
	if !strings.Contains(got, "[truncated]") {
		t.Errorf("marker missing: %q", got)
	}
	if !strings.HasPrefix(got, "a") || !strings.HasSuffix(got, "z") {
		t.Errorf("both ends not kept: %q", got)
	}
}

func TestPromptBlock(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(textPath, []byte("remember this\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	saved := []Saved{
		{Name: "notes.txt", Path: textPath, Size: 14},
		{Name: "model.bin", Path: filepath.Join(dir, "model.bin"), Size: 9999, Binary: true},
	}
	block := PromptBlock(saved, 1000)

	if !strings.Contains(block, textPath) {
		t.Errorf("path listing missing: %q", block)
	}
	if !strings.Contains(block, "remember this") {
		t.Errorf("small text not inlined: %q", block)
	}
	if strings.Contains(block, "Contents of model.bin") {
		t.Errorf("binary file inlined: %q", block)
	}

	if PromptBlock(nil, 1000) != "" {
		t.Error("empty input should render nothing")
	}
}

func TestPromptBlock_SizeGate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 100)), 0o644); err != nil {
		t.Fatal(err)
	}
	block := PromptBlock([]Saved{{Name: "big.txt", Path: path, Size: 100}}, 50)
	if strings.Contains(block, "Contents of big.txt") {
		t.Errorf("oversized file inlined: %q", block)
	}
}

func TestSanitizeComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"weird name!.txt", "weird_name_.txt"},
		{"...", ""},
		{"dm:123", "dm_123"},
	}
	for _, tt := range tests {
		if got := sanitizeComponent(tt.in); got != tt.want {
			t.Errorf("sanitizeComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContextSourceVersioning(t *testing.T) {
	c := NewContextSource(testContextConfig(nil))
	if c.Version() != 1 {
		t.Errorf("fresh version = %d, want 1", c.Version())
	}
	if v := c.Bump(); v != 2 || c.Version() != 2 {
		t.Errorf("after bump: %d / %d", v, c.Version())
	}
}

func TestContextSourceRender(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.md")
	if err := os.WriteFile(a, []byte("alpha content"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing.md")

	c := NewContextSource(testContextConfig([]string{a, missing}))
	out := c.Render()

	if !strings.Contains(out, "alpha content") {
		t.Errorf("file content missing: %q", out)
	}
	if !strings.Contains(out, "unavailable") {
		t.Errorf("missing file not noted: %q", out)
	}

	empty := NewContextSource(testContextConfig(nil))
	if empty.Render() != "" {
		t.Error("no files should render empty")
	}
}

func TestContextSourceRender_TotalBudget(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, name := range []string{"one.md", "two.md"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(strings.Repeat(string(rune('a'+i)), 300)), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	cfg := testContextConfig(paths)
	cfg.PerFileChars = 300
	cfg.TotalChars = 400
	out := NewContextSource(cfg).Render()

	if !strings.Contains(out, "aaa") {
		t.Errorf("first file missing: %q", out)
	}
	if strings.Count(out, "b") > 150 {
		t.Errorf("second file not cut by the total budget (%d b's)", strings.Count(out, "b"))
	}
}

func testContextConfig(paths []string) (cfg config.ContextConfig) {
	for _, p := range paths {
		cfg.Files = append(cfg.Files, config.ContextFile{Path: p, Mode: "head"})
	}
	cfg.PerFileChars = 16000
	cfg.TotalChars = 48000
	return cfg
}
