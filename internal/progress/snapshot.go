package progress

import "sync"

// SnapshotBuffer keeps a bounded per-conversation ring of cleaned progress
// lines for the priority-question path. Kept separate from the Reporter so
// snapshots survive across runs.
type SnapshotBuffer struct {
	mu    sync.Mutex
	max   int
	rings map[string][]string
}

// NewSnapshotBuffer creates a buffer keeping up to max lines per conversation.
func NewSnapshotBuffer(max int) *SnapshotBuffer {
	if max <= 0 {
		max = 200
	}
	return &SnapshotBuffer{max: max, rings: map[string][]string{}}
}

// Add appends a line to the conversation's ring.
func (b *SnapshotBuffer) Add(convKey, line string) {
	if line == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := append(b.rings[convKey], line)
	if len(ring) > b.max {
		ring = ring[len(ring)-b.max:]
	}
	b.rings[convKey] = ring
}

// Recent returns up to n most recent lines, oldest first.
func (b *SnapshotBuffer) Recent(convKey string, n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.rings[convKey]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]string, n)
	copy(out, ring[len(ring)-n:])
	return out
}
