// Package tasks owns the per-conversation task queue and the loop that feeds
// queued prompts back into the agent one at a time.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/markers"
	"github.com/nextlevelbuilder/coderelay/internal/runner"
	"github.com/nextlevelbuilder/coderelay/internal/state"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// Manager adds tasks and drives the per-conversation loop.
type Manager struct {
	cfg    *config.Config
	store  *state.Store
	agents *runner.Runner
	t      transport.ChatTransport

	mu     sync.Mutex
	active map[string]bool // convKey -> loop goroutine running

	// Handoff, when set and auto-handoff is enabled, writes a handoff note
	// after each completed task.
	Handoff func(convKey, channelID string)
}

// NewManager wires the task manager.
func NewManager(cfg *config.Config, store *state.Store, agents *runner.Runner, t transport.ChatTransport) *Manager {
	return &Manager{cfg: cfg, store: store, agents: agents, t: t, active: map[string]bool{}}
}

// Add appends a pending task, refusing when the queue is full.
func (m *Manager) Add(convKey, prompt, description, sourceJobID string) (state.Task, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return state.Task{}, fmt.Errorf("empty task prompt")
	}
	var pending int
	m.store.Peek(convKey, func(s *state.Session) { pending = s.PendingTaskCount() })
	if pending >= m.cfg.Tasks.MaxPending {
		return state.Task{}, fmt.Errorf("task queue is full (%d pending)", pending)
	}

	task := state.Task{
		ID:          m.store.NextTaskID(convKey),
		Description: description,
		Prompt:      prompt,
		Status:      state.TaskPending,
		CreatedAt:   time.Now().UTC(),
		SourceJobID: sourceJobID,
	}
	m.store.Mutate(convKey, func(s *state.Session) {
		cp := task
		s.Tasks = append(s.Tasks, &cp)
	})
	return task, nil
}

// Active reports whether the conversation's loop is running.
func (m *Manager) Active(convKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[convKey]
}

// Start launches the loop goroutine; refuses when already running.
func (m *Manager) Start(convKey, channelID string) error {
	m.mu.Lock()
	if m.active[convKey] {
		m.mu.Unlock()
		return fmt.Errorf("task runner is already active")
	}
	m.active[convKey] = true
	m.mu.Unlock()

	m.store.Mutate(convKey, func(s *state.Session) {
		s.TaskLoop.Running = true
		s.TaskLoop.StopRequested = false
	})
	go m.loop(convKey, channelID)
	return nil
}

// Stop requests a graceful stop and SIGTERMs the active child so the current
// task actually ends.
func (m *Manager) Stop(convKey string) {
	m.store.Mutate(convKey, func(s *state.Session) {
		s.TaskLoop.StopRequested = true
	})
	m.agents.Supervisor().Terminate(convKey)
}

// Clear removes finished or all non-running tasks; returns the count removed.
func (m *Manager) Clear(convKey, which string) int {
	removed := 0
	m.store.Mutate(convKey, func(s *state.Session) {
		var keep []*state.Task
		for _, t := range s.Tasks {
			drop := false
			switch which {
			case "all":
				drop = t.Status != state.TaskRunning
			default: // "done"
				drop = t.Status == state.TaskDone || t.Status == state.TaskCanceled
			}
			if drop {
				removed++
			} else {
				keep = append(keep, t)
			}
		}
		s.Tasks = keep
	})
	return removed
}

func (m *Manager) loop(convKey, channelID string) {
	defer func() {
		m.mu.Lock()
		delete(m.active, convKey)
		m.mu.Unlock()
		m.store.Mutate(convKey, func(s *state.Session) {
			s.TaskLoop = state.TaskLoop{}
		})
	}()

	ran, failed := 0, 0
	for {
		var task *state.Task
		var stop bool
		m.store.Mutate(convKey, func(s *state.Session) {
			stop = s.TaskLoop.StopRequested
			if stop {
				return
			}
			if t := s.FirstPendingTask(); t != nil {
				now := time.Now().UTC()
				t.Status = state.TaskRunning
				t.StartedAt = &now
				t.Attempts++
				s.TaskLoop.CurrentTaskID = t.ID
				cp := *t
				task = &cp
			}
		})
		if stop || task == nil {
			break
		}

		outcome, text, err := m.runOne(convKey, channelID, task)
		ran++

		var stopRequested bool
		m.store.Peek(convKey, func(s *state.Session) { stopRequested = s.TaskLoop.StopRequested })

		now := time.Now().UTC()
		status := state.TaskDone
		var lastErr string
		switch {
		case err != nil && stopRequested:
			status = state.TaskCanceled
			lastErr = err.Error()
		case err != nil:
			status = state.TaskFailed
			lastErr = err.Error()
			failed++
		case outcome == markers.OutcomeBlocked:
			status = state.TaskBlocked
		case outcome == markers.OutcomeNone && m.cfg.Tasks.RequireMarker:
			status = state.TaskFailed
			lastErr = "reply carried no completion marker"
			failed++
		}

		m.store.Mutate(convKey, func(s *state.Session) {
			if t := s.FindTask(task.ID); t != nil {
				t.Status = status
				t.FinishedAt = &now
				t.LastError = lastErr
				t.LastResult = preview(text, 500)
			}
			s.TaskLoop.CurrentTaskID = ""
		})

		if status == state.TaskDone && m.cfg.Tasks.AutoCommit {
			m.autoCommit(convKey, task)
		}
		if m.cfg.Tasks.AutoHandoff && m.Handoff != nil {
			m.Handoff(convKey, channelID)
		}
		if status == state.TaskBlocked {
			break
		}
		if status == state.TaskFailed && m.cfg.Tasks.StopOnError {
			break
		}
		if status == state.TaskCanceled {
			break
		}
	}

	if m.cfg.Tasks.LoopSummary && ran > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = m.t.SendMessage(ctx, channelID,
			fmt.Sprintf("Task loop finished: %d run, %d failed.", ran, failed))
	}
}

// runOne executes one task through the conversation queue and reads its
// completion marker. A missing marker counts as done under the lenient
// default.
func (m *Manager) runOne(convKey, channelID string, task *state.Task) (string, string, error) {
	wrapped := fmt.Sprintf("[TASK %s]\n%s\n\nWhen finished: summarize what you did. If you are blocked, include [[task:blocked]]; otherwise include [[task:done]].",
		task.ID, task.Prompt)

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	m.agents.Queue().SubmitNow(convKey, func() {
		text, err := m.agents.ExecuteInline(context.Background(), runner.Request{
			ConvKey:         convKey,
			ChannelID:       channelID,
			Prompt:          wrapped,
			Reason:          "task",
			DispatchActions: true,
		})
		done <- outcome{text, err}
	}, func() {
		done <- outcome{"", fmt.Errorf("task %s preempted before start", task.ID)}
	})
	res := <-done
	if res.err != nil {
		return markers.OutcomeNone, "", res.err
	}
	_, out := markers.TaskOutcome(res.text)
	if out == markers.OutcomeNone {
		out = markers.OutcomeDone
		if m.cfg.Tasks.RequireMarker {
			out = markers.OutcomeNone
		}
	}
	return out, res.text, nil
}

// autoCommit stages everything in the workdir and commits when the staged
// diff is non-empty. Never pushes.
func (m *Manager) autoCommit(convKey string, task *state.Task) {
	var workdir string
	m.store.Peek(convKey, func(s *state.Session) { workdir = s.Workdir })
	if workdir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := exec.CommandContext(ctx, "git", "-C", workdir, "add", "-A").Run(); err != nil {
		slog.Warn("auto-commit stage failed", "conv", convKey, "error", err)
		return
	}
	// diff --cached --quiet exits 1 when there is something to commit.
	if err := exec.CommandContext(ctx, "git", "-C", workdir, "diff", "--cached", "--quiet").Run(); err == nil {
		return
	}
	subject := fmt.Sprintf("%s: %s", m.cfg.Tasks.CommitPrefix, task.ID)
	if task.Description != "" {
		subject += " " + preview(task.Description, 60)
	}
	if err := exec.CommandContext(ctx, "git", "-C", workdir, "commit", "-m", subject).Run(); err != nil {
		slog.Warn("auto-commit failed", "conv", convKey, "task", task.ID, "error", err)
	}
}

func preview(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
