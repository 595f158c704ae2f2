// Package progress owns the single "status message" a run edits in chat:
// throttled content edits, forced heartbeats, stall warnings, and optional
// persistent milestone posts.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// low-signal prefixes never worth a persistent milestone post.
var milestoneDropPrefixes = []string{
	"Session started",
	"Drafting reply",
	"Searching files",
	"Tool call",
	"Running `",
	"Ran `",
}

// NoteOpts qualifies one progress line.
type NoteOpts struct {
	Synthetic bool // generated by the relay, not the agent stream
	Persist   bool // candidate for a persistent milestone post
}

// Reporter drives one status message for one agent run.
// Note never suspends; all transport I/O happens on the editor goroutine.
type Reporter struct {
	cfg       config.ProgressConfig
	t         transport.ChatTransport
	convKey   string
	channelID string
	messageID string
	label     string // "Codex" / "Claude"
	timeout   time.Duration
	snapshots *SnapshotBuffer

	editLimiter      *rate.Limiter
	milestoneLimiter *rate.Limiter
	thinkingLimiter  *rate.Limiter

	mu           sync.Mutex
	ring         []string // recent lines, ~3x visible cap
	dirty        bool
	lastRealNote time.Time
	stallWarned  bool
	startedAt    time.Time

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewReporter starts the editor goroutine for an existing status message.
func NewReporter(cfg config.ProgressConfig, t transport.ChatTransport, convKey, channelID, messageID, label string, timeout time.Duration, snapshots *SnapshotBuffer) *Reporter {
	r := &Reporter{
		cfg:       cfg,
		t:         t,
		convKey:   convKey,
		channelID: channelID,
		messageID: messageID,
		label:     label,
		timeout:   timeout,
		snapshots: snapshots,

		editLimiter:      rate.NewLimiter(rate.Every(time.Duration(cfg.MinEditMs)*time.Millisecond), 1),
		milestoneLimiter: rate.NewLimiter(rate.Every(45*time.Second), 1),
		thinkingLimiter:  rate.NewLimiter(rate.Every(90*time.Second), 1),

		lastRealNote: time.Now(),
		startedAt:    time.Now(),
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go r.loop()
	return r
}

// Note records one progress line. Never blocks.
func (r *Reporter) Note(text string, opts NoteOpts) {
	text = cleanLine(text)
	if text == "" {
		return
	}

	r.mu.Lock()
	cap := r.cfg.MaxLines * 3
	r.ring = append(r.ring, text)
	if len(r.ring) > cap {
		r.ring = r.ring[len(r.ring)-cap:]
	}
	r.dirty = true
	if !opts.Synthetic {
		r.lastRealNote = time.Now()
		r.stallWarned = false
	}
	r.mu.Unlock()

	if r.snapshots != nil && !opts.Synthetic {
		r.snapshots.Add(r.convKey, text)
	}

	if opts.Persist && r.cfg.Milestones {
		r.maybePostMilestone(text)
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Stop flushes a final edit and shuts the editor down.
func (r *Reporter) Stop() {
	close(r.stop)
	<-r.done
}

// MessageID returns the status message id the reporter owns.
func (r *Reporter) MessageID() string { return r.messageID }

func (r *Reporter) loop() {
	defer close(r.done)

	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatMs) * time.Millisecond)
	defer heartbeat.Stop()
	stallCheck := time.NewTicker(15 * time.Second)
	defer stallCheck.Stop()

	for {
		select {
		case <-r.stop:
			r.edit(true)
			return
		case <-heartbeat.C:
			r.edit(true)
		case <-stallCheck.C:
			r.checkStall()
		case <-r.notify:
			if r.editLimiter.Allow() {
				r.edit(false)
			}
		}
	}
}

// checkStall injects a synthetic "no new agent events" line after stallWarnMs
// of silence from the agent stream.
func (r *Reporter) checkStall() {
	r.mu.Lock()
	silent := time.Since(r.lastRealNote)
	warned := r.stallWarned
	r.mu.Unlock()

	warnAfter := time.Duration(r.cfg.StallWarnMs) * time.Millisecond
	if silent >= warnAfter && !warned {
		r.mu.Lock()
		r.stallWarned = true
		r.mu.Unlock()
		mins := int(silent.Minutes())
		if mins < 1 {
			mins = 1
		}
		r.Note(fmt.Sprintf("no new agent events for %dm", mins), NoteOpts{Synthetic: true})
	}
}

// edit renders and pushes the status message. force bypasses the dirty check
// (heartbeat and final flush).
func (r *Reporter) edit(force bool) {
	r.mu.Lock()
	if !r.dirty && !force {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	body := r.renderLocked()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.EditTimeoutMs)*time.Millisecond)
	defer cancel()

	if err := r.t.EditMessage(ctx, r.channelID, r.messageID, body); err != nil {
		// Transport errors never fail the run; progress is just suppressed.
		slog.Warn("status edit failed", "conv", r.convKey, "error", err)
	}
}

func (r *Reporter) renderLocked() string {
	elapsed := time.Since(r.startedAt).Round(time.Second)
	lastEvent := time.Since(r.lastRealNote).Round(time.Second)

	timeoutStr := "off"
	if r.timeout > 0 {
		timeoutStr = r.timeout.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Running %s... (elapsed %s | timeout %s | updated %s | last event %s ago)\n",
		r.label, elapsed, timeoutStr, time.Now().Format("15:04:05"), lastEvent)

	visible := r.ring
	if len(visible) > r.cfg.MaxLines {
		visible = visible[len(visible)-r.cfg.MaxLines:]
	}
	for _, line := range visible {
		b.WriteString("• ")
		b.WriteString(runewidth.Truncate(line, 160, "…"))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// maybePostMilestone posts a persistent message for high-signal lines, with
// separate rate limits for milestone lines and orchestrator "Thinking:"
// lines, and back-off that grows with runtime.
func (r *Reporter) maybePostMilestone(line string) {
	for _, p := range milestoneDropPrefixes {
		if strings.HasPrefix(line, p) {
			return
		}
	}
	if len(line) < r.cfg.MilestoneMin {
		return
	}
	if len(line) > r.cfg.MilestoneMax {
		line = line[:r.cfg.MilestoneMax] + "…"
	}

	limiter := r.milestoneLimiter
	if strings.HasPrefix(line, "Thinking:") {
		limiter = r.thinkingLimiter
	}
	// Adaptive back-off: past 30 minutes of runtime, halve the posting rate.
	if time.Since(r.startedAt) > 30*time.Minute {
		if !limiter.AllowN(time.Now(), 2) {
			return
		}
	} else if !limiter.Allow() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.EditTimeoutMs)*time.Millisecond)
	defer cancel()
	if _, err := r.t.SendMessage(ctx, r.channelID, line); err != nil {
		slog.Warn("milestone post failed", "conv", r.convKey, "error", err)
	}
}

func cleanLine(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
