package state

import (
	"log/slog"
	"time"
)

// normalize repairs a freshly loaded document so that nothing looks in-flight
// after a restart, and returns the post-restart notices owed to users.
// Diagnostics are logged rather than silently repaired.
func normalize(doc *Document) []PostRestartNotice {
	var notices []PostRestartNotice
	now := time.Now().UTC()

	for key, sess := range doc.Sessions {
		if sess.ConvKey == "" {
			sess.ConvKey = key
		}

		// Running tasks are demoted: nothing survives the process.
		for _, t := range sess.Tasks {
			if t.Status == TaskRunning {
				slog.Info("state: demoting running task after restart", "conv", key, "task", t.ID)
				t.Status = TaskPending
				t.LastError = "interrupted by restart"
				t.StartedAt = nil
			}
		}

		// The task loop is always idle at startup.
		if sess.TaskLoop.Running || sess.TaskLoop.StopRequested || sess.TaskLoop.CurrentTaskID != "" {
			slog.Info("state: resetting task loop after restart", "conv", key)
			sess.TaskLoop = TaskLoop{}
		}

		// Queued/running agent runs become notices.
		if sess.AgentRun.Status == RunQueued || sess.AgentRun.Status == RunRunning {
			slog.Info("state: agent run interrupted by restart", "conv", key, "status", sess.AgentRun.Status)
			notices = append(notices, PostRestartNotice{
				ConvKey:   key,
				ChannelID: sess.AgentRun.ChannelID,
				Provider:  sess.AgentRun.Provider,
				Reason:    sess.AgentRun.Reason,
				At:        now,
			})
			sess.AgentRun.LastInterruptedAt = &now
			sess.AgentRun.LastInterruptedWhy = "relay restart"
			sess.AgentRun.Status = ""
			sess.AgentRun.PendingMessageID = ""
		}

		// Jobs keep their running status: the exit-code file on disk is the
		// source of truth and the re-instated watcher will resolve them. Only
		// shape problems are repaired here.
		for _, j := range sess.Jobs {
			if j.Watch != nil {
				if j.Watch.EverySec < 1 {
					j.Watch.EverySec = 1
				}
				if j.Watch.TailLines < 1 {
					j.Watch.TailLines = 1
				}
				if j.Watch.OnMissing == "" {
					j.Watch.OnMissing = "block"
				}
			}
			if j.VisibilityStatus == "" {
				j.VisibilityStatus = "ok"
			}
		}
	}

	return notices
}
