//go:build !windows

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/oalterg/pinextcloudflaredeploy/internal/credentials"
	"github.com/oalterg/pinextcloudflaredeploy/internal/status"
)

func TestSetupStartFlow(t *testing.T) {
	s, _ := testServer(t)
	h := s.Router()
	cookie := login(t, h, "factory-pw")

	rec := doJSON(t, h, http.MethodPost, "/api/setup/start", `{}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("setup start: %d %s", rec.Code, rec.Body.String())
	}

	// The one-time credential was published as part of setup start.
	rec = doJSON(t, h, http.MethodGet, "/api/setup/credentials", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: %d %s", rec.Code, rec.Body.String())
	}
	var cred credentials.Credential
	if err := json.Unmarshal(rec.Body.Bytes(), &cred); err != nil {
		t.Fatal(err)
	}
	if cred.Username != "admin" || len(cred.Password) != 16 {
		t.Fatalf("credential %+v", cred)
	}
	// Fan-out happened before the task started.
	if got := s.env.Get("MANAGER_PASSWORD", ""); got != cred.Password {
		t.Fatalf("MANAGER_PASSWORD=%q, credential password %q", got, cred.Password)
	}

	// Burn-after-reading.
	rec = doJSON(t, h, http.MethodGet, "/api/setup/credentials", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second claim: %d", rec.Code)
	}

	waitTask(t, s.status, func(st status.TaskStatus) bool { return st.Status == status.StateIdle })
}

func TestSetupStartRejectedWhenComplete(t *testing.T) {
	s, cfg := testServer(t)
	if err := os.WriteFile(cfg.SetupMarker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.env.Set("MANAGER_PASSWORD", "admin-pw"); err != nil {
		t.Fatal(err)
	}
	h := s.Router()
	cookie := login(t, h, "admin-pw")

	rec := doJSON(t, h, http.MethodPost, "/api/setup/start", `{}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("setup start after completion: %d", rec.Code)
	}
}

func TestConcurrentBackupSubmissions(t *testing.T) {
	s, _ := testServer(t)
	h := s.Router()
	cookie := login(t, h, "factory-pw")

	rec := doJSON(t, h, http.MethodPost, "/api/backup/now", `{"strategy":"full"}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("first backup: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/backup/now", `{"strategy":"data_only"}`, cookie)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second backup while running: %d", rec.Code)
	}

	// After completion and the grace window a new task is admitted again.
	waitTask(t, s.status, func(st status.TaskStatus) bool { return st.Status == status.StateIdle })
	rec = doJSON(t, h, http.MethodPost, "/api/backup/now", `{"strategy":"full"}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("third backup after idle: %d", rec.Code)
	}
	waitTask(t, s.status, func(st status.TaskStatus) bool { return st.Status == status.StateIdle })
}

func TestBackupConfigRoundTrip(t *testing.T) {
	s, cfg := testServer(t)
	h := s.Router()
	cookie := login(t, h, "factory-pw")

	rec := doJSON(t, h, http.MethodPost, "/api/backup/config",
		`{"retention":"4","hour":"2","minute":"30","day_week":"1","day_month":"*"}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("config save: %d %s", rec.Code, rec.Body.String())
	}

	data, err := os.ReadFile(cfg.CronFile)
	if err != nil {
		t.Fatalf("cron file: %v", err)
	}
	if !strings.Contains(string(data), "30 2 * * 1 root") {
		t.Fatalf("cron content %q", data)
	}
	if got := s.env.Get("BACKUP_RETENTION", ""); got != "4" {
		t.Fatalf("BACKUP_RETENTION=%q", got)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/backup/config", "", cookie)
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["hour"] != "2" || got["minute"] != "30" || got["day_week"] != "1" {
		t.Fatalf("config read back %v", got)
	}
}

func TestBackupConfigRejectsInvalidSchedule(t *testing.T) {
	s, cfg := testServer(t)
	h := s.Router()
	cookie := login(t, h, "factory-pw")

	rec := doJSON(t, h, http.MethodPost, "/api/backup/config", `{"hour":"99"}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid schedule accepted: %d", rec.Code)
	}
	if _, err := os.Stat(cfg.CronFile); !os.IsNotExist(err) {
		t.Fatal("cron file written despite invalid schedule")
	}
}

func TestRestoreRejectsPathTraversal(t *testing.T) {
	s, _ := testServer(t)
	h := s.Router()
	cookie := login(t, h, "factory-pw")

	for _, name := range []string{"", "../etc/passwd", "a/b.tar.gz"} {
		rec := doJSON(t, h, http.MethodPost, "/api/restore", `{"filename":"`+name+`"}`, cookie)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("filename %q: %d", name, rec.Code)
		}
	}
}

func TestDriveValidation(t *testing.T) {
	s, _ := testServer(t)
	h := s.Router()
	cookie := login(t, h, "factory-pw")

	for _, path := range []string{"", "/dev/mmcblk0", "/dev/sda; rm -rf /", "sda"} {
		rec := doJSON(t, h, http.MethodPost, "/api/drives/format", `{"path":"`+path+`"}`, cookie)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("drive path %q: %d", path, rec.Code)
		}
	}
}

func TestListBackups(t *testing.T) {
	s, cfg := testServer(t)
	h := s.Router()
	cookie := login(t, h, "factory-pw")

	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"nc_full_2026-01-01_00-00-00.tar.gz",
		"nc_data_only_2026-02-01_00-00-00.tar.gz",
		"notes.txt",
	} {
		if err := os.WriteFile(cfg.BackupDir+"/"+name, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/api/backups", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var got []map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 archives, got %v", got)
	}
	// Newest (name-descending) first; data_only flagged by type.
	if got[0]["name"] != "nc_data_only_2026-02-01_00-00-00.tar.gz" || got[0]["type"] != "Data Only" {
		t.Fatalf("first entry %v", got[0])
	}
	if got[1]["type"] != "Full System" {
		t.Fatalf("second entry %v", got[1])
	}
}

func TestManagerCheckUpdate(t *testing.T) {
	s, cfg := testServer(t)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#!/bin/sh\necho v2\n"))
	}))
	defer remote.Close()
	s.cfg.UpdateURL = remote.URL

	h := s.Router()
	cookie := login(t, h, "factory-pw")

	// No installed script: update available.
	rec := doJSON(t, h, http.MethodGet, "/api/manager/check_update", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("check: %d %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["available"] != true {
		t.Fatalf("missing script should report available: %v", got)
	}

	// Identical content: up to date.
	if err := os.WriteFile(cfg.ProvisionScript, []byte("#!/bin/sh\necho v2\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/manager/check_update", "", cookie)
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["available"] != false {
		t.Fatalf("identical script should be up to date: %v", got)
	}

	// Diverged content: available again.
	if err := os.WriteFile(cfg.ProvisionScript, []byte("#!/bin/sh\necho v1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/manager/check_update", "", cookie)
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["available"] != true {
		t.Fatalf("diverged script should report available: %v", got)
	}
}

func TestLogsTail(t *testing.T) {
	s, cfg := testServer(t)
	h := s.Router()

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		t.Fatal(err)
	}
	var lines []string
	for i := 0; i < 150; i++ {
		lines = append(lines, "line")
	}
	lines[49] = "cut-line"
	lines[50] = "first-visible"
	lines[149] = "last-line"
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(cfg.LogDir+"/setup.log", []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/logs/setup", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs: %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "last-line") {
		t.Fatal("tail missing newest line")
	}
	if !strings.Contains(body, "first-visible") {
		t.Fatal("tail shorter than 100 lines")
	}
	if strings.Contains(body, "cut-line") {
		t.Fatal("tail longer than 100 lines")
	}
	if got := strings.Count(strings.TrimRight(body, "\n"), "\n") + 1; got != 100 {
		t.Fatalf("tail returned %d lines, want 100", got)
	}
}
