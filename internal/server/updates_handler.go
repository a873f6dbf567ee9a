package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/oalterg/pinextcloudflaredeploy/internal/tasks"
	"github.com/oalterg/pinextcloudflaredeploy/pkg/httpx"
	"github.com/oalterg/pinextcloudflaredeploy/pkg/shell"
)

// POST /api/maintenance/mode
//
// Synchronous: toggling occ maintenance mode takes a few seconds, not
// minutes, so it does not go through the task runner.
func (s *Server) handleMaintenanceMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	flag := "--off"
	if body.Mode == "on" {
		flag = "--on"
	}
	_, err := shell.Run(r.Context(), 60*time.Second,
		"docker", "compose", "-f", s.cfg.ComposeFile,
		"exec", "-u", "www-data", "nextcloud", "php", "occ", "maintenance:mode", flag)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not toggle maintenance mode")
		return
	}
	writeJSON(w, map[string]string{"status": "success"})
}

// POST /api/upgrade
//
// Standard package updates plus a compose pull/up. No dist-upgrade.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	script := "export DEBIAN_FRONTEND=noninteractive; " +
		"echo 'Starting System Update...'; " +
		"apt-get update; " +
		"apt-get upgrade -y; " +
		"echo 'Updating Docker Containers...'; " +
		"cd " + shellQuote(s.cfg.InstallDir) + " && docker compose pull && docker compose up -d"

	s.submitTask(w, "System Upgrade", []string{"/bin/sh", "-c", script}, "setup")
}

// GET /api/manager/check_update
//
// Compares the published provision script against the installed copy by
// content hash; there is no version channel, the script is the release.
func (s *Server) handleCheckManagerUpdate(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.cfg.UpdateURL, nil)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not fetch update")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		httpx.WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Update server returned %d", resp.StatusCode))
		return
	}
	remoteHash, err := hashReader(resp.Body)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not fetch update")
		return
	}

	localHash, err := hashFile(s.cfg.ProvisionScript)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, map[string]any{"available": true, "message": "Current script missing"})
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if remoteHash != localHash {
		writeJSON(w, map[string]any{"available": true, "message": "New version available"})
		return
	}
	writeJSON(w, map[string]any{"available": false, "message": "Manager is up to date"})
}

// POST /api/manager/update
//
// Re-runs the provisioner with the factory identity. The script restarts
// this service at the end; the resulting stale "running" status is corrected
// by the startup reconciliation after the restart.
func (s *Server) handleManagerUpdate(w http.ResponseWriter, r *http.Request) {
	factory, err := s.factory.Load()
	if err != nil || len(factory) == 0 {
		httpx.WriteTypedError(w, http.StatusInternalServerError, "update.no_factory_config",
			"Factory config missing, cannot re-provision safely")
		return
	}

	args := []string{
		factory["NEWT_ID"],
		factory["NEWT_SECRET"],
		factory["NC_DOMAIN"],
		factory["HA_DOMAIN"],
		factory["PANGOLIN_ENDPOINT"],
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}

	script := "echo 'Updating Device Manager...'; " +
		"curl -fsSL " + shellQuote(s.cfg.UpdateURL) + " -o " + shellQuote(s.cfg.ProvisionScript) + "; " +
		"chmod +x " + shellQuote(s.cfg.ProvisionScript) + "; " +
		"bash " + shellQuote(s.cfg.ProvisionScript) + " " + strings.Join(quoted, " ") + "; " +
		"systemctl restart appliance-manager"

	err = s.runner.Submit("Manager Update", []string{"/bin/sh", "-c", script}, "update")
	switch {
	case errors.Is(err, tasks.ErrTaskRunning):
		httpx.WriteTypedError(w, http.StatusConflict, "task.running", "Task running")
	case err != nil:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, map[string]string{
			"status":  "started",
			"message": "Manager updating. Service will restart momentarily.",
		})
	}
}

func hashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashReader(f)
}
