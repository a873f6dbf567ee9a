package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/oalterg/pinextcloudflaredeploy/internal/fsatomic"
	"github.com/oalterg/pinextcloudflaredeploy/pkg/httpx"
	"github.com/oalterg/pinextcloudflaredeploy/pkg/shell"
)

// GET /api/backup/stats
func (s *Server) handleBackupStats(w http.ResponseWriter, r *http.Request) {
	target, _ := shell.Output(r.Context(), 10*time.Second, "findmnt", "-n", "-o", "TARGET", s.cfg.BackupDir)
	if target != s.cfg.BackupDir {
		writeJSON(w, map[string]any{"mounted": false, "free_gb": 0, "total_gb": 0, "percent": 0})
		return
	}
	u, err := disk.Usage(s.cfg.BackupDir)
	if err != nil {
		writeJSON(w, map[string]any{"mounted": false, "error": "Disk check failed"})
		return
	}
	writeJSON(w, map[string]any{
		"mounted":  true,
		"free_gb":  math.Round(float64(u.Free)/(1<<30)*100) / 100,
		"total_gb": math.Round(float64(u.Total)/(1<<30)*100) / 100,
		"used_gb":  math.Round(float64(u.Used)/(1<<30)*100) / 100,
		"percent":  math.Round(u.UsedPercent*10) / 10,
	})
}

type backupConfig struct {
	Retention string `json:"retention"`
	Hour      string `json:"hour"`
	Minute    string `json:"minute"`
	DayWeek   string `json:"day_week"`
	DayMonth  string `json:"day_month"`
}

func (c *backupConfig) applyDefaults() {
	if c.Retention == "" {
		c.Retention = "8"
	}
	if c.Hour == "" {
		c.Hour = "3"
	}
	if c.Minute == "" {
		c.Minute = "0"
	}
	if c.DayWeek == "" {
		c.DayWeek = "*"
	}
	if c.DayMonth == "" {
		c.DayMonth = "*"
	}
}

// GET /api/backup/config
func (s *Server) handleBackupConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, backupConfig{
		Retention: s.env.Get("BACKUP_RETENTION", "8"),
		Hour:      s.env.Get("BACKUP_HOUR", "3"),
		Minute:    s.env.Get("BACKUP_MINUTE", "0"),
		DayWeek:   s.env.Get("BACKUP_DAY_WEEK", "*"),
		DayMonth:  s.env.Get("BACKUP_DAY_MONTH", "*"),
	})
}

// POST /api/backup/config
//
// Persists the schedule to the env file (so the provisioning scripts see it)
// and regenerates the cron.d entry. The schedule is validated as a real cron
// expression before anything is written.
func (s *Server) handleBackupConfigSet(w http.ResponseWriter, r *http.Request) {
	var body backupConfig
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "backup.invalid_request", "Invalid request body")
		return
	}
	body.applyDefaults()

	// Cron field order: minute hour day-of-month month day-of-week.
	schedule := fmt.Sprintf("%s %s %s * %s", body.Minute, body.Hour, body.DayMonth, body.DayWeek)
	if _, err := cron.ParseStandard(schedule); err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "backup.invalid_schedule", "Invalid schedule: "+err.Error())
		return
	}

	updates := map[string]string{
		"BACKUP_RETENTION": body.Retention,
		"BACKUP_HOUR":      body.Hour,
		"BACKUP_MINUTE":    body.Minute,
		"BACKUP_DAY_WEEK":  body.DayWeek,
		"BACKUP_DAY_MONTH": body.DayMonth,
	}
	for key, value := range updates {
		if err := s.env.Set(key, value); err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "Could not persist backup settings")
			return
		}
	}

	cronLine := fmt.Sprintf("%s root %s --backup >> %s 2>&1\n",
		schedule, s.cfg.ApplianceBin, s.runner.LogPath("backup"))
	content := "# Generated by Appliance Manager\n" + cronLine
	if err := fsatomic.SaveBytes(s.cfg.CronFile, []byte(content), 0o644); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not write cron file")
		return
	}
	writeJSON(w, map[string]string{"status": "success"})
}

// POST /api/backup/now
func (s *Server) handleBackupNow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var name string
	var argv []string
	if body.Strategy == "data_only" {
		dataDir := s.env.Get("NEXTCLOUD_DATA_DIR", "/home/admin/nextcloud")
		filename := filepath.Join(s.cfg.BackupDir,
			"nc_data_only_"+time.Now().Format("2006-01-02_15-04-05")+".tar.gz")
		script := fmt.Sprintf(
			"echo 'Starting Data-Only Backup...'; "+
				"tar -czf %s -C %s .; "+
				"echo 'Data-Only Backup Complete: %s'",
			shellQuote(filename), shellQuote(dataDir), shellQuote(filename))
		name = "Data-Only Backup"
		argv = []string{"/bin/sh", "-c", script}
	} else {
		name = "Full System Backup"
		argv = []string{s.cfg.ApplianceBin, "--backup"}
	}

	s.submitTask(w, name, argv, "backup")
}

type backupArchive struct {
	Name string `json:"name"`
	Size string `json:"size"`
	Type string `json:"type"`
}

// GET /api/backups
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups := []backupArchive{}
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		writeJSON(w, backups)
		return
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		kind := "Full System"
		if strings.Contains(entry.Name(), "data_only") {
			kind = "Data Only"
		}
		backups = append(backups, backupArchive{
			Name: entry.Name(),
			Size: fmt.Sprintf("%.2f MB", float64(info.Size())/(1024*1024)),
			Type: kind,
		})
	}
	// Timestamped names, so newest first is a reverse name sort.
	sort.Slice(backups, func(i, j int) bool { return backups[i].Name > backups[j].Name })
	writeJSON(w, backups)
}

// POST /api/restore
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filename string `json:"filename"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Filename == "" || body.Filename != filepath.Base(body.Filename) {
		httpx.WriteTypedError(w, http.StatusBadRequest, "restore.invalid", "Invalid backup filename")
		return
	}
	fullPath := filepath.Join(s.cfg.BackupDir, body.Filename)

	var name string
	var argv []string
	if strings.Contains(body.Filename, "data_only") {
		dataDir := s.env.Get("NEXTCLOUD_DATA_DIR", "/home/admin/nextcloud")
		script := fmt.Sprintf(
			"echo 'Restoring Data Only...'; "+
				"tar -xzf %s -C %s; "+
				"docker compose -f %s exec -u www-data nextcloud php occ files:scan --all",
			shellQuote(fullPath), shellQuote(dataDir), shellQuote(s.cfg.ComposeFile))
		name = "Data Restore"
		argv = []string{"/bin/sh", "-c", script}
	} else {
		name = "Full Restore"
		argv = []string{s.cfg.ApplianceBin, "--restore", fullPath, "--no-prompt"}
	}

	s.submitTask(w, name, argv, "restore")
}
