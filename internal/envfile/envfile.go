// Package envfile reads and mutates the flat KEY=VALUE environment files the
// appliance stack is driven by: the read-write live config (.env, sourced by
// the shell scripts and docker compose) and the read-only factory config
// provisioned at manufacture time.
package envfile

import (
	"errors"
	"os"
	"strings"

	"github.com/oalterg/pinextcloudflaredeploy/internal/fsatomic"
)

// Store is bound to one env file. Reads tolerate a missing or malformed file;
// writes are atomic replacements so shell scripts sourcing the file never see
// a torn state.
type Store struct {
	path string
}

func New(path string) *Store { return &Store{path: path} }

func (s *Store) Path() string { return s.path }

// Load parses the file into a map. A missing file is an empty config, not an
// error. Lines without '=' are skipped; the last occurrence of a key wins.
func (s *Store) Load() (map[string]string, error) {
	config := map[string]string{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return config, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		config[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return config, nil
}

// Get returns the value for key, or def when the key is absent or the file
// cannot be read.
func (s *Store) Get(key, def string) string {
	config, _ := s.Load()
	if v, ok := config[key]; ok {
		return v
	}
	return def
}

// Set upserts key in place, preserving line order. The value is written
// single-quoted with embedded quotes escaped, so content like $, backticks or
// spaces survives being sourced by a shell. Repeating a Set with the same
// value leaves the file byte-for-byte unchanged.
func (s *Store) Set(key, value string) error {
	return s.rewrite(func(lines []string) []string {
		entry := key + "=" + quote(value)
		for i, line := range lines {
			if strings.HasPrefix(line, key+"=") {
				lines[i] = entry
				return lines
			}
		}
		return append(lines, entry)
	})
}

// Unset removes the key's line. Removing an absent key is a no-op.
func (s *Store) Unset(key string) error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return s.rewrite(func(lines []string) []string {
		out := lines[:0]
		for _, line := range lines {
			if strings.HasPrefix(line, key+"=") {
				continue
			}
			out = append(out, line)
		}
		return out
	})
}

// rewrite applies fn to the file's lines and replaces the file atomically
// under an advisory lock. The file holds generated admin passwords, so it is
// created owner-only.
func (s *Store) rewrite(fn func(lines []string) []string) error {
	return fsatomic.WithLock(s.path, func() error {
		var lines []string
		data, err := os.ReadFile(s.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if len(data) > 0 {
			lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		}
		lines = fn(lines)
		content := strings.Join(lines, "\n")
		if content != "" {
			content += "\n"
		}
		return fsatomic.SaveBytes(s.path, []byte(content), 0o600)
	})
}

// quote wraps value in single quotes, escaping embedded single quotes the
// POSIX way ('\''), so the file stays safe to source.
func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// unquote strips one matching pair of surrounding quotes and, for
// single-quoted values, reverses the '\'' escape. Unquoted values pass
// through unchanged.
func unquote(value string) string {
	if len(value) >= 2 {
		switch {
		case value[0] == '\'' && value[len(value)-1] == '\'':
			return strings.ReplaceAll(value[1:len(value)-1], `'\''`, "'")
		case value[0] == '"' && value[len(value)-1] == '"':
			return value[1 : len(value)-1]
		}
	}
	return value
}
