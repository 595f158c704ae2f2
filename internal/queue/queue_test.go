package queue

import (
	"sync"
	"testing"
	"time"
)

func TestSubmit_RunsInOrder(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		last := i == 4
		q.Submit("conv", q.Epoch("conv"), func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if last {
				close(done)
			}
		}, nil)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestPreempt_SkipsQueuedItems(t *testing.T) {
	q := New()
	release := make(chan struct{})
	started := make(chan struct{})
	ran := make(chan string, 8)

	// First item blocks the drain loop so the second stays queued.
	q.Submit("conv", q.Epoch("conv"), func() {
		close(started)
		<-release
		ran <- "first"
	}, nil)
	<-started

	q.Submit("conv", q.Epoch("conv"), func() { ran <- "second" }, func() { ran <- "second-skipped" })

	q.Preempt("conv")

	// Submitted after the bump: runs normally.
	q.Submit("conv", q.Epoch("conv"), func() { ran <- "third" }, func() { ran <- "third-skipped" })

	close(release)

	want := []string{"first", "second-skipped", "third"}
	for _, w := range want {
		select {
		case got := <-ran:
			if got != w {
				t.Fatalf("got %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestBusyAndPending(t *testing.T) {
	q := New()

	if q.Busy("conv") || q.Pending("conv") != 0 {
		t.Fatal("fresh conversation should be idle")
	}

	release := make(chan struct{})
	started := make(chan struct{})
	finished := make(chan struct{})

	q.Submit("conv", q.Epoch("conv"), func() {
		close(started)
		<-release
	}, nil)
	<-started

	if !q.Busy("conv") {
		t.Error("Busy = false while item executes")
	}

	q.Submit("conv", q.Epoch("conv"), func() { close(finished) }, nil)
	if q.Pending("conv") != 1 {
		t.Errorf("Pending = %d, want 1", q.Pending("conv"))
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	// Busy clears once the drain loop finishes the last item.
	deadline := time.Now().Add(2 * time.Second)
	for q.Busy("conv") {
		if time.Now().After(deadline) {
			t.Fatal("Busy stuck true after drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEpochsAreIndependentPerConversation(t *testing.T) {
	q := New()
	before := q.Epoch("a")
	q.Preempt("b")
	if q.Epoch("a") != before {
		t.Error("preempting b must not touch a's epoch")
	}
	if q.Epoch("b") != before+1 {
		t.Errorf("b epoch = %d, want %d", q.Epoch("b"), before+1)
	}
}
