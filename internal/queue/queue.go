// Package queue serializes agent work per conversation.
//
// Each conversation key owns a FIFO drained by a single worker goroutine, so
// user messages reach the agent in arrival order. Every item carries the
// epoch observed at submission; Preempt bumps the epoch, which routes all
// still-queued items to their skip handler instead of running them. The
// priority-question path deliberately bypasses this queue.
package queue

import (
	"sync"
)

// Item is one unit of queued work.
type item struct {
	epoch     uint64
	run       func()
	onSkipped func()
}

type convQueue struct {
	items   []item
	running bool
	busy    bool // an item is executing right now
	epoch   uint64
}

// Conversations is the per-key serial executor.
type Conversations struct {
	mu     sync.Mutex
	queues map[string]*convQueue
}

// New creates an empty executor.
func New() *Conversations {
	return &Conversations{queues: map[string]*convQueue{}}
}

func (c *Conversations) get(key string) *convQueue {
	q, ok := c.queues[key]
	if !ok {
		q = &convQueue{}
		c.queues[key] = q
	}
	return q
}

// Epoch returns the conversation's current queue epoch. Submitters capture it
// before enqueueing so a later Preempt can invalidate them.
func (c *Conversations) Epoch(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(key).epoch
}

// Preempt invalidates everything queued before this moment and returns the
// new epoch. Items already executing are unaffected (signal them separately).
func (c *Conversations) Preempt(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.get(key)
	q.epoch++
	return q.epoch
}

// Busy reports whether an item is executing for the conversation right now.
func (c *Conversations) Busy(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[key]
	return ok && q.busy
}

// Pending returns the number of queued-but-not-started items.
func (c *Conversations) Pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[key]
	if !ok {
		return 0
	}
	return len(q.items)
}

// Submit enqueues run behind everything already queued for key. epoch is the
// value captured from Epoch at submission time; when it no longer matches at
// pop time, onSkipped runs instead (may be nil).
func (c *Conversations) Submit(key string, epoch uint64, run func(), onSkipped func()) {
	c.mu.Lock()
	q := c.get(key)
	q.items = append(q.items, item{epoch: epoch, run: run, onSkipped: onSkipped})
	if !q.running {
		q.running = true
		go c.drain(key, q)
	}
	c.mu.Unlock()
}

// SubmitNow is Submit with the current epoch.
func (c *Conversations) SubmitNow(key string, run func(), onSkipped func()) {
	c.mu.Lock()
	q := c.get(key)
	q.items = append(q.items, item{epoch: q.epoch, run: run, onSkipped: onSkipped})
	if !q.running {
		q.running = true
		go c.drain(key, q)
	}
	c.mu.Unlock()
}

func (c *Conversations) drain(key string, q *convQueue) {
	for {
		c.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			c.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		skipped := it.epoch != q.epoch
		if !skipped {
			q.busy = true
		}
		c.mu.Unlock()

		if skipped {
			if it.onSkipped != nil {
				it.onSkipped()
			}
			continue
		}

		it.run()

		c.mu.Lock()
		q.busy = false
		c.mu.Unlock()
	}
}
