package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/oalterg/pinextcloudflaredeploy/internal/tasks"
	"github.com/oalterg/pinextcloudflaredeploy/pkg/httpx"
)

func writeJSON(w http.ResponseWriter, v any) {
	httpx.WriteJSON(w, v)
}

// submitTask hands a long-running operation to the task runner and writes
// the standard response: 409 on admission conflict, otherwise
// {"status":"started"}.
func (s *Server) submitTask(w http.ResponseWriter, name string, argv []string, logType string) {
	err := s.runner.Submit(name, argv, logType)
	switch {
	case errors.Is(err, tasks.ErrTaskRunning):
		httpx.WriteTypedError(w, http.StatusConflict, "task.running", "Task running")
	case err != nil:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, map[string]string{"status": "started"})
	}
}

// shellQuote single-quotes s for safe interpolation into a /bin/sh -c
// script. Handlers own quoting; the task runner treats commands as opaque.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// isAlnum reports whether s is non-empty ASCII letters and digits only. Used
// to keep user-supplied docker service names out of shell syntax.
func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
