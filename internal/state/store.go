package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store owns the in-memory state document and mirrors it to disk through a
// serialized save chain: at most one writer in flight, pending requests
// coalesce into a single trailing save. Write path is temp file + rename.
type Store struct {
	mu   sync.RWMutex
	doc  *Document
	path string

	saveMu      sync.Mutex
	saving      bool
	savePending bool

	// Post-restart notices collected by the load normalizer, drained by the
	// gateway on the first message of each affected conversation.
	noticeMu sync.Mutex
	notices  []PostRestartNotice
}

// Open loads (or initializes) the state document at path.
// A file that fails to parse falls back to an empty document; partial writes
// cannot occur thanks to the rename discipline.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{path: path, doc: &Document{Sessions: map[string]*Session{}}}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read state: %w", err)
		}
		return s, nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("state file unparseable, starting empty", "path", path, "error", err)
		return s, nil
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]*Session{}
	}
	s.doc = &doc
	s.notices = normalize(&doc)
	return s, nil
}

// Session returns the session for key, creating it if needed.
// The returned pointer must only be mutated through Mutate.
func (s *Store) Session(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionLocked(key)
}

func (s *Store) sessionLocked(key string) *Session {
	if sess, ok := s.doc.Sessions[key]; ok {
		return sess
	}
	sess := &Session{ConvKey: key, Auto: Auto{Actions: true}}
	s.doc.Sessions[key] = sess
	return sess
}

// Peek runs fn with read access to the session for key, or returns false if
// the session does not exist.
func (s *Store) Peek(key string, fn func(*Session)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.doc.Sessions[key]
	if !ok {
		return false
	}
	fn(sess)
	return true
}

// Mutate runs fn under the write lock against the session for key (created if
// absent) and schedules a save.
func (s *Store) Mutate(key string, fn func(*Session)) {
	s.mu.Lock()
	fn(s.sessionLocked(key))
	s.mu.Unlock()
	s.Save()
}

// Each runs fn for every session under the read lock.
func (s *Store) Each(fn func(key string, sess *Session)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, sess := range s.doc.Sessions {
		fn(k, sess)
	}
}

// DrainNotices returns and clears post-restart notices for a conversation.
func (s *Store) DrainNotices(convKey string) []PostRestartNotice {
	s.noticeMu.Lock()
	defer s.noticeMu.Unlock()
	var out, keep []PostRestartNotice
	for _, n := range s.notices {
		if n.ConvKey == convKey {
			out = append(out, n)
		} else {
			keep = append(keep, n)
		}
	}
	s.notices = keep
	return out
}

// RecoverableJobs returns jobs that were running at load time with a known
// channel, so the gateway can re-instate their watchers.
func (s *Store) RecoverableJobs() map[string][]*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string][]*Job{}
	for key, sess := range s.doc.Sessions {
		if sess.LastChannelID == "" {
			continue
		}
		for _, j := range sess.Jobs {
			if j.Status == JobRunning && j.Watch != nil {
				out[key] = append(out[key], j)
			}
		}
	}
	return out
}

// Save schedules an asynchronous persist. Concurrent calls coalesce: one
// writer in flight, at most one pending behind it.
func (s *Store) Save() {
	s.saveMu.Lock()
	if s.saving {
		s.savePending = true
		s.saveMu.Unlock()
		return
	}
	s.saving = true
	s.saveMu.Unlock()

	go s.saveLoop()
}

func (s *Store) saveLoop() {
	for {
		if err := s.writeOnce(); err != nil {
			slog.Error("state save failed", "path", s.path, "error", err)
		}

		s.saveMu.Lock()
		if !s.savePending {
			s.saving = false
			s.saveMu.Unlock()
			return
		}
		s.savePending = false
		s.saveMu.Unlock()
	}
}

// Flush persists synchronously. Used at shutdown and in tests.
func (s *Store) Flush() error {
	return s.writeOnce()
}

func (s *Store) writeOnce() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// NextTaskID allocates the next monotonic task id (t-0001, t-0002, ...) for a
// session and schedules a save.
func (s *Store) NextTaskID(convKey string) string {
	var id string
	s.Mutate(convKey, func(sess *Session) {
		sess.NextTaskSeq++
		id = fmt.Sprintf("t-%04d", sess.NextTaskSeq)
	})
	return id
}

// SanitizeConvKey makes a conversation key safe as a path component.
func SanitizeConvKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// AppendLifecycle records a bounded job lifecycle transition.
func (j *Job) AppendLifecycle(state, reason, details string) {
	const maxEvents = 50
	j.Lifecycle = append(j.Lifecycle, LifecycleEvent{
		State: state, At: time.Now().UTC(), Reason: reason, Details: details,
	})
	if len(j.Lifecycle) > maxEvents {
		j.Lifecycle = j.Lifecycle[len(j.Lifecycle)-maxEvents:]
	}
}

// FindJob returns the job with id, or nil.
func (sess *Session) FindJob(id string) *Job {
	for _, j := range sess.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// LastRunningJob returns the most recent running job, else the most recent
// job, else nil.
func (sess *Session) LastRunningJob() *Job {
	for i := len(sess.Jobs) - 1; i >= 0; i-- {
		if sess.Jobs[i].Status == JobRunning {
			return sess.Jobs[i]
		}
	}
	if n := len(sess.Jobs); n > 0 {
		return sess.Jobs[n-1]
	}
	return nil
}

// FindTask returns the task with id, or nil.
func (sess *Session) FindTask(id string) *Task {
	for _, t := range sess.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// FirstPendingTask returns the first pending task, or nil.
func (sess *Session) FirstPendingTask() *Task {
	for _, t := range sess.Tasks {
		if t.Status == TaskPending {
			return t
		}
	}
	return nil
}

// PendingTaskCount counts pending tasks.
func (sess *Session) PendingTaskCount() int {
	n := 0
	for _, t := range sess.Tasks {
		if t.Status == TaskPending {
			n++
		}
	}
	return n
}
