package transport

import (
	"context"
	"strings"
	"testing"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   int // chunk count
	}{
		{"short text single chunk", "hello", 20, 1},
		{"exact limit single chunk", strings.Repeat("a", 20), 20, 1},
		{"split needed", strings.Repeat("a", 45), 20, 3},
		{"empty", "", 20, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Chunk(tt.text, tt.maxLen)
			if len(chunks) != tt.want {
				t.Fatalf("got %d chunks %q, want %d", len(chunks), chunks, tt.want)
			}
			if strings.Join(chunks, "") != tt.text {
				t.Errorf("chunks do not reassemble: %q", chunks)
			}
			for i, c := range chunks {
				if len(c) > tt.maxLen {
					t.Errorf("chunk %d over limit: %d chars", i, len(c))
				}
			}
		})
	}
}

func TestChunk_PrefersNewlineBoundary(t *testing.T) {
	// The newline sits past the halfway point, so the split lands after it.
	text := strings.Repeat("a", 15) + "\n" + strings.Repeat("b", 15)
	chunks := Chunk(text, 20)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %q", chunks)
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Errorf("first chunk should end at the newline: %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("b", 15) {
		t.Errorf("second chunk = %q", chunks[1])
	}
}

func TestChunk_IgnoresEarlyNewline(t *testing.T) {
	// Newline before the halfway point is not a useful boundary.
	text := "ab\n" + strings.Repeat("c", 25)
	chunks := Chunk(text, 20)
	if len(chunks) != 2 || len(chunks[0]) != 20 {
		t.Errorf("chunks = %q", chunks)
	}
}

// fakeTransport records calls for the delivery helpers.
type fakeTransport struct {
	sent   []string
	edits  []string
	editID string
	nextID int
}

func (f *fakeTransport) SendMessage(_ context.Context, _, content string) (string, error) {
	f.sent = append(f.sent, content)
	f.nextID++
	return "m" + strings.Repeat("x", f.nextID), nil
}

func (f *fakeTransport) EditMessage(_ context.Context, _, messageID, content string) error {
	f.editID = messageID
	f.edits = append(f.edits, content)
	return nil
}

func (f *fakeTransport) ReplyToMessage(ctx context.Context, channelID, _, content string) (string, error) {
	return f.SendMessage(ctx, channelID, content)
}

func (f *fakeTransport) FetchChannelMessage(context.Context, string, string) (string, error) {
	return "", nil
}

func (f *fakeTransport) SendFile(context.Context, string, FileAttachment, string) error {
	return nil
}

func (f *fakeTransport) Typing(context.Context, string) error { return nil }

func TestSendChunked(t *testing.T) {
	ft := &fakeTransport{}
	long := strings.Repeat("line\n", 900) // ~4500 chars, 3 messages
	if err := SendChunked(context.Background(), ft, "ch", long); err != nil {
		t.Fatal(err)
	}
	if len(ft.sent) != 3 {
		t.Errorf("sent %d messages", len(ft.sent))
	}
	if strings.Join(ft.sent, "") != long {
		t.Error("content lost in chunking")
	}
}

func TestEditThenSend(t *testing.T) {
	ft := &fakeTransport{}
	long := strings.Repeat("x", MaxMessageLen+10)
	if err := EditThenSend(context.Background(), ft, "ch", "status-1", long); err != nil {
		t.Fatal(err)
	}
	if ft.editID != "status-1" || len(ft.edits) != 1 {
		t.Errorf("edit calls: id=%q edits=%d", ft.editID, len(ft.edits))
	}
	if len(ft.sent) != 1 || len(ft.sent[0]) != 10 {
		t.Errorf("follow-ups: %q", ft.sent)
	}

	// Empty content still resolves the status message.
	ft2 := &fakeTransport{}
	if err := EditThenSend(context.Background(), ft2, "ch", "status-2", ""); err != nil {
		t.Fatal(err)
	}
	if len(ft2.edits) != 1 || ft2.edits[0] != "(empty)" {
		t.Errorf("empty edit = %q", ft2.edits)
	}
}
