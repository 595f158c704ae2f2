package progress

import (
	"fmt"
	"reflect"
	"testing"
)

func TestSnapshotBuffer_AddAndRecent(t *testing.T) {
	b := NewSnapshotBuffer(5)
	for i := 1; i <= 3; i++ {
		b.Add("dm:1", fmt.Sprintf("line %d", i))
	}
	b.Add("dm:1", "")
	b.Add("dm:2", "other conversation")

	got := b.Recent("dm:1", 10)
	want := []string{"line 1", "line 2", "line 3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Recent = %v, want %v", got, want)
	}

	if got := b.Recent("dm:1", 2); !reflect.DeepEqual(got, []string{"line 2", "line 3"}) {
		t.Errorf("Recent(2) = %v", got)
	}
	if got := b.Recent("dm:3", 5); len(got) != 0 {
		t.Errorf("unknown conversation = %v", got)
	}
}

func TestSnapshotBuffer_RingBound(t *testing.T) {
	b := NewSnapshotBuffer(3)
	for i := 1; i <= 10; i++ {
		b.Add("dm:1", fmt.Sprintf("line %d", i))
	}
	got := b.Recent("dm:1", 0)
	want := []string{"line 8", "line 9", "line 10"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ring = %v, want %v", got, want)
	}
}

func TestSnapshotBuffer_DefaultMax(t *testing.T) {
	b := NewSnapshotBuffer(0)
	if b.max != 200 {
		t.Errorf("default max = %d", b.max)
	}
}
