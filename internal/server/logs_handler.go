package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oalterg/pinextcloudflaredeploy/pkg/shell"
)

const logTailLines = 100

var logChannels = map[string]bool{"setup": true, "backup": true, "restore": true, "update": true}

// GET /api/logs/{channel}
//
// Known channels map to the append-only task log files; anything else is
// treated as a docker compose service name.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if logChannels[channel] {
		lines, err := tailFile(s.runner.LogPath(channel), logTailLines)
		if err != nil {
			_, _ = io.WriteString(w, "Log file empty or not found.")
			return
		}
		_, _ = w.Write(lines)
		return
	}

	if !isAlnum(channel) {
		_, _ = io.WriteString(w, "Invalid service name.")
		return
	}
	res, err := shell.Run(r.Context(), 30*time.Second,
		"docker", "compose", "-f", s.cfg.ComposeFile, "logs", "--tail=100", channel)
	if err != nil {
		_, _ = io.WriteString(w, "Failed to fetch docker logs. Service might not be running.")
		return
	}
	_, _ = w.Write(res.Stdout)
	_, _ = w.Write(res.Stderr)
}

// tailFile returns the last n lines of path without reading the whole file:
// task logs grow unbounded between rotations.
func tailFile(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	// Read at most 256 KiB from the end; more than enough for n lines of
	// shell output.
	const window = 256 * 1024
	offset := info.Size() - window
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty log")
	}

	trimmed := bytes.TrimRight(data, "\n")
	idx := len(trimmed)
	for i := 0; i < n && idx > 0; i++ {
		j := bytes.LastIndexByte(trimmed[:idx], '\n')
		if j < 0 {
			idx = 0
			break
		}
		idx = j
	}
	if idx > 0 {
		idx++ // skip the newline itself
	}
	return append(trimmed[idx:], '\n'), nil
}
