// Package tasks serializes the appliance's destructive shell operations
// (setup, backup, restore, drive formatting, tunnel redeploy, upgrades).
// Exactly one task runs at a time; its lifecycle is published through the
// status store so pollers and sibling processes observe
// idle -> running -> success|error -> idle in order.
package tasks

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/oalterg/pinextcloudflaredeploy/internal/status"
)

// ErrTaskRunning is returned by Submit while another task is in flight.
// Callers surface it as a 409 and let the UI poll and retry.
var ErrTaskRunning = errors.New("a task is already running")

var (
	submitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appliance_tasks_submitted_total",
		Help: "Task submissions by outcome of the admission check.",
	}, []string{"outcome"})
	completed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appliance_tasks_completed_total",
		Help: "Finished tasks by result.",
	}, []string{"result"})
)

// Runner admits at most one task and runs it as an external process on a
// background goroutine. There is no cancellation and no timeout: a hung
// command stays "running" until the next restart, where the status store's
// startup reconciliation flags it.
type Runner struct {
	status *status.Store
	logDir string
	logger zerolog.Logger

	// grace is how long a terminal status stays visible before auto-idle.
	grace time.Duration

	mu sync.Mutex
}

func NewRunner(st *status.Store, logDir string, logger zerolog.Logger) *Runner {
	return &Runner{
		status: st,
		logDir: logDir,
		logger: logger.With().Str("component", "task-runner").Logger(),
		grace:  10 * time.Second,
	}
}

// SetGracePeriod overrides the auto-idle delay. Used by tests.
func (r *Runner) SetGracePeriod(d time.Duration) { r.grace = d }

// LogPath returns the append-only log file for a channel.
func (r *Runner) LogPath(logType string) string {
	return filepath.Join(r.logDir, logType+".log")
}

// Submit starts argv as a background task on the given log channel. The
// admission check and the transition to running happen under one lock, so two
// near-simultaneous submissions cannot both be accepted. Rejection has no
// side effects. The command is opaque: quoting and argument construction are
// the caller's responsibility.
func (r *Runner) Submit(name string, argv []string, logType string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	r.mu.Lock()
	if st := r.status.Read(); st.Status == status.StateRunning {
		r.mu.Unlock()
		submitted.WithLabelValues("rejected").Inc()
		return ErrTaskRunning
	}
	r.status.Write(status.TaskStatus{
		Status:  status.StateRunning,
		Message: name + " in progress...",
		LogType: logType,
	})
	r.mu.Unlock()
	submitted.WithLabelValues("accepted").Inc()

	id := uuid.NewString()
	r.logger.Info().Str("task", name).Str("run_id", id).Str("log_type", logType).Strs("argv", argv).Msg("task started")
	go r.run(name, argv, logType, id)
	return nil
}

func (r *Runner) run(name string, argv []string, logType, id string) {
	err := r.execute(argv, logType)

	terminal := status.TaskStatus{Status: status.StateSuccess, Message: name + " completed successfully.", LogType: logType}
	switch {
	case err == nil:
		completed.WithLabelValues("success").Inc()
		r.logger.Info().Str("task", name).Str("run_id", id).Msg("task succeeded")
	default:
		var exitErr *exec.ExitError
		terminal.Status = status.StateError
		if errors.As(err, &exitErr) {
			// Diagnostics stay in the channel log; the status message is
			// deliberately terse.
			terminal.Message = name + " failed. Check logs."
		} else {
			terminal.Message = err.Error()
		}
		completed.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Str("task", name).Str("run_id", id).Msg("task failed")
	}
	r.status.Write(terminal)

	// Give pollers a window to observe the terminal state, then downgrade to
	// idle unless a newer task has already taken over.
	time.Sleep(r.grace)
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.status.Read(); st.Status != status.StateRunning {
		r.status.Write(status.TaskStatus{Status: status.StateIdle, Message: "", LogType: logType})
	}
}

// execute runs argv with stdout and stderr appended to the channel's log
// file. Only the exit status is interpreted: zero is success, anything else
// failure.
func (r *Runner) execute(argv []string, logType string) error {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(r.LogPath(logType), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	return cmd.Run()
}
