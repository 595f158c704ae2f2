package jobs

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// recordingTransport captures posted messages for watcher tests.
type recordingTransport struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingTransport) SendMessage(_ context.Context, _, content string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, content)
	return "m1", nil
}

func (r *recordingTransport) EditMessage(context.Context, string, string, string) error {
	return nil
}

func (r *recordingTransport) ReplyToMessage(ctx context.Context, channelID, _, content string) (string, error) {
	return r.SendMessage(ctx, channelID, content)
}

func (r *recordingTransport) FetchChannelMessage(context.Context, string, string) (string, error) {
	return "", nil
}

func (r *recordingTransport) SendFile(context.Context, string, transport.FileAttachment, string) error {
	return nil
}

func (r *recordingTransport) Typing(context.Context, string) error { return nil }

func (r *recordingTransport) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.sent...)
}

func testManager(t *testing.T) (*Manager, *state.Store, *recordingTransport) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	rt := &recordingTransport{}
	cfg := &config.Config{}
	cfg.Jobs.StaleMinutes = 60
	cfg.Jobs.AlertEveryMinutes = 60
	return NewManager(cfg, store, rt), store, rt
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTailLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.log")

	tests := []struct {
		name    string
		content string
		n       int
		want    []string
	}{
		{
			name:    "last two of five",
			content: "a\nb\nc\nd\ne\n",
			n:       2,
			want:    []string{"d", "e"},
		},
		{
			name:    "fewer lines than requested",
			content: "only\n",
			n:       10,
			want:    []string{"only"},
		},
		{
			name:    "no trailing newline",
			content: "x\ny",
			n:       2,
			want:    []string{"x", "y"},
		},
		{
			name:    "empty file",
			content: "",
			n:       5,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeFile(t, path, tt.content)
			got := tailLines(path, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}

	if got := tailLines(filepath.Join(dir, "missing.log"), 5); got != nil {
		t.Errorf("missing file: got %v", got)
	}
}

func TestTailLines_DropsPartialFirstLineOnBigFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.log")

	var b strings.Builder
	for i := 0; i < 5000; i++ {
		b.WriteString("line with some padding to cross the byte cap quickly\n")
	}
	b.WriteString("final\n")
	writeFile(t, path, b.String())

	got := tailLines(path, 3)
	if len(got) != 3 {
		t.Fatalf("got %d lines", len(got))
	}
	if got[2] != "final" {
		t.Errorf("last line = %q", got[2])
	}
	for _, l := range got {
		if l != "final" && l != "line with some padding to cross the byte cap quickly" {
			t.Errorf("partial line leaked through: %q", l)
		}
	}
}

func TestTailSignature(t *testing.T) {
	a := tailSignature([]string{"x", "y"})
	b := tailSignature([]string{"x", "y"})
	c := tailSignature([]string{"x", "z"})
	if a != b {
		t.Error("same lines, different signatures")
	}
	if a == c {
		t.Error("different lines, same signature")
	}
	if tailSignature(nil) != "" {
		t.Error("empty tail should have empty signature")
	}
}

func TestValidateSupervisorState(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")

	w := &state.WatchConfig{
		SupervisorStateFile:    stateFile,
		SupervisorExpectStatus: "smoke_passed",
	}

	tests := []struct {
		name    string
		content string
		cleanup string
		wantErr string
	}{
		{
			name:    "status matches",
			content: `{"status":"smoke_passed"}`,
		},
		{
			name:    "status mismatch",
			content: `{"status":"failed"}`,
			wantErr: "expected",
		},
		{
			name:    "not json",
			content: `not json`,
			wantErr: "valid JSON",
		},
		{
			name:    "keep manifest policy satisfied",
			content: `{"status":"smoke_passed","smoke_cleanup":{"action":"deleted_smoke_run_dir_kept_manifest"}}`,
			cleanup: state.CleanupKeepManifestOnly,
		},
		{
			name:    "keep manifest policy violated",
			content: `{"status":"smoke_passed","smoke_cleanup":{"action":"kept_everything"}}`,
			cleanup: state.CleanupKeepManifestOnly,
			wantErr: "keep_manifest_only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeFile(t, stateFile, tt.content)
			w.SupervisorCleanupPolicy = tt.cleanup
			err := validateSupervisorState(w)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	w.SupervisorStateFile = filepath.Join(dir, "missing.json")
	if err := validateSupervisorState(w); err == nil {
		t.Error("missing state file must fail")
	}
}

func TestClampWatch(t *testing.T) {
	clampWatch(nil)

	sparse := &state.WatchConfig{ThenTask: "summarize the results"}
	clampWatch(sparse)
	if sparse.EverySec != 60 || sparse.TailLines != 20 || sparse.OnMissing != "block" {
		t.Errorf("defaults not applied: %+v", sparse)
	}

	set := &state.WatchConfig{EverySec: 5, TailLines: 3, OnMissing: "enqueue"}
	clampWatch(set)
	if set.EverySec != 5 || set.TailLines != 3 || set.OnMissing != "enqueue" {
		t.Errorf("explicit values clobbered: %+v", set)
	}
}

func TestWatch_SparseWatchConfigDoesNotPanic(t *testing.T) {
	m, store, _ := testManager(t)
	store.Mutate("dm:1", func(s *state.Session) {
		s.Jobs = append(s.Jobs, &state.Job{
			ID:        "j-1",
			Status:    state.JobRunning,
			StartedAt: time.Now().UTC(),
			Watch:     &state.WatchConfig{ThenTask: "summarize"},
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		m.watch(ctx, "dm:1", "j-1", "ch-1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit")
	}
}

func TestFirstPostReady(t *testing.T) {
	ws := &watchState{firstPostRe: regexp.MustCompile(`^epoch \d+`)}
	if firstPostReady(ws, []string{"loading data", "warmup"}) {
		t.Error("posted before the first matching line")
	}
	if !firstPostReady(ws, []string{"warmup done", "epoch 1 loss=0.52"}) {
		t.Error("matching line did not open the gate")
	}
	// Once open, the gate stays open.
	if !firstPostReady(ws, []string{"unrelated output"}) {
		t.Error("gate closed again after matching")
	}

	if !firstPostReady(&watchState{}, []string{"anything"}) {
		t.Error("no regex should mean no gating")
	}
}

func TestTick_FirstPostGateAndHeartbeat(t *testing.T) {
	m, store, rt := testManager(t)
	dir := t.TempDir()
	logPath := filepath.Join(dir, "job.log")
	writeFile(t, logPath, "loading data\n")

	store.Mutate("dm:1", func(s *state.Session) {
		s.Jobs = append(s.Jobs, &state.Job{
			ID:        "j-1",
			Status:    state.JobRunning,
			StartedAt: time.Now().UTC(),
			LogPath:   logPath,
			Watch:     &state.WatchConfig{EverySec: 1, TailLines: 20, FirstPostRegex: "^ready"},
		})
	})

	ws := &watchState{lastSigChange: time.Now(), firstPostRe: regexp.MustCompile("^ready")}
	if m.tick(context.Background(), "dm:1", "j-1", "ch-1", ws) {
		t.Fatal("job finalized unexpectedly")
	}
	if got := rt.messages(); len(got) != 0 {
		t.Errorf("posted before the gate opened: %q", got)
	}
	var hb *time.Time
	store.Peek("dm:1", func(s *state.Session) { hb = s.FindJob("j-1").LastHeartbeatAt })
	if hb == nil {
		t.Error("heartbeat not stamped on output change")
	}

	writeFile(t, logPath, "loading data\nready to serve\n")
	if m.tick(context.Background(), "dm:1", "j-1", "ch-1", ws) {
		t.Fatal("job finalized unexpectedly")
	}
	got := rt.messages()
	if len(got) != 1 || !strings.Contains(got[0], "ready to serve") {
		t.Errorf("gate did not open on the matching line: %q", got)
	}
}

func TestMissingFiles(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present")
	writeFile(t, present, "x")
	absent := filepath.Join(dir, "absent")

	got := missingFiles([]string{present, absent})
	if len(got) != 1 || got[0] != absent {
		t.Errorf("missing = %v", got)
	}
	if got := missingFiles(nil); len(got) != 0 {
		t.Errorf("nil input: %v", got)
	}
}
