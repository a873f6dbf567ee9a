// Package status persists the single background-task status record. The file
// lives in a shared runtime area and is world-readable: the web UI polls it,
// and any sibling worker process of the manager observes the same record.
package status

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/oalterg/pinextcloudflaredeploy/internal/fsatomic"
)

const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateSuccess = "success"
	StateError   = "error"
)

// TaskStatus mirrors the JSON contract consumed by the dashboard poller.
type TaskStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	LogType string `json:"log_type"`
}

// Default is the record reported when nothing has ever run.
func Default() TaskStatus {
	return TaskStatus{Status: StateIdle, Message: "", LogType: "setup"}
}

// Store reads and writes the status file with atomic replacement. When the
// file cannot be persisted (full disk, permissions) the store degrades to an
// in-process copy so the current process stays operable.
type Store struct {
	path   string
	logger zerolog.Logger

	mu       sync.Mutex
	fallback *TaskStatus
}

func New(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "status-store").Logger(),
	}
}

func (s *Store) Path() string { return s.path }

// Write persists st durably and atomically. On failure the record is kept in
// memory only; readers in other processes will not see it, which is the
// documented degraded mode.
func (s *Store) Write(st TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fsatomic.SaveJSON(s.path, st, 0o644); err != nil {
		s.logger.Warn().Err(err).Msg("status persist failed; keeping in-memory copy only")
		s.fallback = &st
		return
	}
	s.fallback = nil
}

// Read returns the persisted record. A missing or unparseable file is "no
// status": the in-memory fallback is used when one exists, otherwise the
// idle default. Parse failures are never propagated.
func (s *Store) Read() TaskStatus {
	var st TaskStatus
	ok, err := fsatomic.LoadJSON(s.path, &st)
	if err == nil && ok && st.Status != "" {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return *s.fallback
	}
	return Default()
}

// ReconcileStartup runs once before the server accepts requests. A persisted
// "running" state cannot be live across a restart, so it is rewritten as a
// crash artifact. The log channel is kept so the operator lands on the right
// log.
func (s *Store) ReconcileStartup() {
	st := s.Read()
	if st.Status != StateRunning {
		return
	}
	s.logger.Warn().Str("log_type", st.LogType).Msg("stale running status found at startup")
	s.Write(TaskStatus{
		Status:  StateError,
		Message: "Stale task from previous run detected.",
		LogType: st.LogType,
	})
}
