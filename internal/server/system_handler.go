package server

import (
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"

	"github.com/oalterg/pinextcloudflaredeploy/pkg/shell"
)

// composeManifest is the slice of docker-compose.yml the status view needs:
// just the service names.
type composeManifest struct {
	Services map[string]any `yaml:"services"`
}

func (s *Server) composeServices() []string {
	data, err := os.ReadFile(s.cfg.ComposeFile)
	if err != nil {
		return nil
	}
	var m composeManifest
	if yaml.Unmarshal(data, &m) != nil {
		return nil
	}
	names := make([]string, 0, len(m.Services))
	for name := range m.Services {
		names = append(names, name)
	}
	return names
}

// GET /api/status
//
// Live view of the compose stack plus host resource usage. Each probe
// degrades independently; the endpoint stays useful when docker is down.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}

	// Seed every declared service as stopped ("missing" when the compose
	// file itself is unreadable), then overlay live state.
	tracked := map[string]bool{"nextcloud": true, "db": true, "homeassistant": true}
	for name := range tracked {
		out[name] = "missing"
	}
	for _, name := range s.composeServices() {
		if tracked[name] {
			out[name] = "stopped"
		}
	}
	tunnelStatus := "stopped"

	res, err := shell.Run(r.Context(), 20*time.Second,
		"docker", "compose", "-f", s.cfg.ComposeFile,
		"ps", "--format", "{{.Service}}:{{.State}}:{{.Health}}")
	if err == nil {
		for _, line := range strings.Split(string(res.Stdout), "\n") {
			parts := strings.Split(line, ":")
			if len(parts) < 2 {
				continue
			}
			svc, state := parts[0], parts[1]
			health := ""
			if len(parts) > 2 {
				health = parts[2]
			}

			st := "stopped"
			if strings.Contains(state, "running") {
				st = "running"
			}
			if strings.Contains(health, "unhealthy") {
				st = "unhealthy"
			} else if strings.Contains(health, "starting") {
				st = "starting"
			}

			if tracked[svc] {
				out[svc] = st
			}
			// Either tunnel client counts: newt (Pangolin) or cloudflared-*.
			if (svc == "newt" || strings.HasPrefix(svc, "cloudflared")) && st == "running" {
				tunnelStatus = "running"
			}
		}
	}
	out["tunnel"] = tunnelStatus

	out["maintenance_mode"] = s.maintenanceMode(r)

	if l, err := load.Avg(); err == nil {
		out["cpu_load"] = math.Round(l.Load1*100) / 100
	}
	if v, err := mem.VirtualMemory(); err == nil {
		usedMB := v.Used / (1024 * 1024)
		totalMB := v.Total / (1024 * 1024)
		out["ram_percent"] = math.Round(v.UsedPercent*10) / 10
		out["ram_text"] = strconv.FormatUint(usedMB, 10) + "MB / " + strconv.FormatUint(totalMB, 10) + "MB"
	}
	if u, err := disk.Usage("/"); err == nil {
		out["root_total_gb"] = math.Round(float64(u.Total)/(1<<30)*10) / 10
		out["root_free_gb"] = math.Round(float64(u.Free)/(1<<30)*10) / 10
		out["root_percent"] = math.Round(u.UsedPercent*10) / 10
	}

	writeJSON(w, out)
}

func (s *Server) maintenanceMode(r *http.Request) string {
	res, err := shell.Run(r.Context(), 30*time.Second,
		"docker", "compose", "-f", s.cfg.ComposeFile,
		"exec", "-u", "www-data", "nextcloud", "php", "occ", "maintenance:mode")
	if err != nil {
		return "unknown"
	}
	if strings.Contains(string(res.Stdout), "enabled") {
		return "enabled"
	}
	return "disabled"
}
