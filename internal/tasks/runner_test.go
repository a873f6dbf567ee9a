//go:build !windows

package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oalterg/pinextcloudflaredeploy/internal/status"
)

func newRunner(t *testing.T, grace time.Duration) (*Runner, *status.Store) {
	t.Helper()
	dir := t.TempDir()
	st := status.New(filepath.Join(dir, "task_status.json"), zerolog.Nop())
	r := NewRunner(st, filepath.Join(dir, "logs"), zerolog.Nop())
	r.SetGracePeriod(grace)
	return r, st
}

func waitFor(t *testing.T, st *status.Store, timeout time.Duration, cond func(status.TaskStatus) bool) status.TaskStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s := st.Read(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v; last status %+v", timeout, st.Read())
	return status.TaskStatus{}
}

func TestSubmitSuccessThenAutoIdle(t *testing.T) {
	r, st := newRunner(t, 50*time.Millisecond)
	if err := r.Submit("Quick Task", []string{"/bin/sh", "-c", "true"}, "setup"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := waitFor(t, st, 5*time.Second, func(s status.TaskStatus) bool {
		return s.Status == status.StateSuccess
	})
	if got.Message != "Quick Task completed successfully." {
		t.Fatalf("message %q", got.Message)
	}
	if got.LogType != "setup" {
		t.Fatalf("log type %q", got.LogType)
	}
	waitFor(t, st, 5*time.Second, func(s status.TaskStatus) bool {
		return s.Status == status.StateIdle
	})
}

func TestSubmitFailure(t *testing.T) {
	r, st := newRunner(t, 50*time.Millisecond)
	if err := r.Submit("Doomed Task", []string{"/bin/sh", "-c", "exit 3"}, "backup"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := waitFor(t, st, 5*time.Second, func(s status.TaskStatus) bool {
		return s.Status == status.StateError
	})
	if got.Message != "Doomed Task failed. Check logs." {
		t.Fatalf("message %q", got.Message)
	}
}

func TestSubmitLaunchError(t *testing.T) {
	r, st := newRunner(t, 50*time.Millisecond)
	if err := r.Submit("Ghost", []string{"/nonexistent/binary"}, "setup"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := waitFor(t, st, 5*time.Second, func(s status.TaskStatus) bool {
		return s.Status == status.StateError
	})
	// Launch failures surface the error text, not the generic message.
	if got.Message == "Ghost failed. Check logs." || got.Message == "" {
		t.Fatalf("message %q", got.Message)
	}
}

func TestMutualExclusion(t *testing.T) {
	r, st := newRunner(t, 50*time.Millisecond)
	if err := r.Submit("Full Backup", []string{"/bin/sh", "-c", "sleep 0.4"}, "backup"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := r.Submit("Data-Only Backup", []string{"/bin/sh", "-c", "true"}, "backup"); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("second submit: want ErrTaskRunning, got %v", err)
	}
	// Rejection must be side-effect-free: the running task's status stands.
	if got := st.Read(); got.Status != status.StateRunning || got.Message != "Full Backup in progress..." {
		t.Fatalf("status after rejection: %+v", got)
	}

	waitFor(t, st, 5*time.Second, func(s status.TaskStatus) bool {
		return s.Status == status.StateIdle
	})
	if err := r.Submit("Third", []string{"/bin/sh", "-c", "true"}, "backup"); err != nil {
		t.Fatalf("third submit after idle: %v", err)
	}
}

func TestTerminalStatusHoldsUntilGraceElapses(t *testing.T) {
	r, st := newRunner(t, 300*time.Millisecond)
	if err := r.Submit("Quick", []string{"/bin/sh", "-c", "true"}, "setup"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, st, 5*time.Second, func(s status.TaskStatus) bool {
		return s.Status == status.StateSuccess
	})
	// Well inside the grace window the terminal state must still be visible.
	time.Sleep(100 * time.Millisecond)
	if got := st.Read(); got.Status != status.StateSuccess {
		t.Fatalf("terminal status gone early: %+v", got)
	}
	waitFor(t, st, 5*time.Second, func(s status.TaskStatus) bool {
		return s.Status == status.StateIdle
	})
}

func TestAutoIdleDoesNotClobberNewTask(t *testing.T) {
	r, st := newRunner(t, 200*time.Millisecond)
	if err := r.Submit("First", []string{"/bin/sh", "-c", "true"}, "setup"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, st, 5*time.Second, func(s status.TaskStatus) bool {
		return s.Status == status.StateSuccess
	})
	// A new task arrives inside the first task's grace window.
	if err := r.Submit("Second", []string{"/bin/sh", "-c", "sleep 0.6"}, "backup"); err != nil {
		t.Fatalf("submit during grace: %v", err)
	}
	// When the first task's grace elapses it must not downgrade the running
	// second task.
	time.Sleep(300 * time.Millisecond)
	if got := st.Read(); got.Status != status.StateRunning || got.Message != "Second in progress..." {
		t.Fatalf("auto-idle clobbered new task: %+v", got)
	}
	waitFor(t, st, 5*time.Second, func(s status.TaskStatus) bool {
		return s.Status == status.StateIdle
	})
}

func TestOutputGoesToChannelLog(t *testing.T) {
	r, st := newRunner(t, 10*time.Millisecond)
	if err := r.Submit("Loud", []string{"/bin/sh", "-c", "echo out-marker; echo err-marker 1>&2"}, "restore"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, st, 5*time.Second, func(s status.TaskStatus) bool {
		return s.Status != status.StateRunning
	})
	data, err := os.ReadFile(r.LogPath("restore"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "out-marker") || !strings.Contains(string(data), "err-marker") {
		t.Fatalf("log missing output: %q", data)
	}
}

func TestSubmitEmptyCommand(t *testing.T) {
	r, st := newRunner(t, 10*time.Millisecond)
	if err := r.Submit("Empty", nil, "setup"); err == nil {
		t.Fatal("want error for empty argv")
	}
	if got := st.Read(); got.Status != status.StateIdle {
		t.Fatalf("empty submit changed status: %+v", got)
	}
}
