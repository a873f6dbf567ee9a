package server

import (
	"encoding/json"
	"net/http"

	"github.com/oalterg/pinextcloudflaredeploy/internal/status"
	"github.com/oalterg/pinextcloudflaredeploy/pkg/httpx"
)

// submitTunnelUpdate queues the stack redeploy that applies the env changes
// the handler just wrote.
func (s *Server) submitTunnelUpdate(w http.ResponseWriter, name string) {
	s.submitTask(w, name, []string{s.cfg.ApplianceBin, "--update-tunnels"}, "setup")
}

func (s *Server) guardTask(w http.ResponseWriter) bool {
	if s.status.Read().Status == status.StateRunning {
		httpx.WriteTypedError(w, http.StatusConflict, "task.running", "Task running")
		return false
	}
	return true
}

// POST /api/tunnel
//
// Switches to (or reconfigures) Pangolin mode: Cloudflare tokens are cleared
// so the deploy scripts pick the Pangolin path.
func (s *Server) handleTunnelPangolin(w http.ResponseWriter, r *http.Request) {
	if !s.guardTask(w) {
		return
	}
	var body struct {
		Action   string `json:"action"`
		Endpoint string `json:"endpoint"`
		ID       string `json:"id"`
		Secret   string `json:"secret"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.clearCloudflareTokens(); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not update configuration")
		return
	}

	var err error
	if body.Action == "revert" {
		err = s.applyFactoryTunnel(false)
	} else {
		err = s.setAll(map[string]string{
			"PANGOLIN_ENDPOINT": body.Endpoint,
			"NEWT_ID":           body.ID,
			"NEWT_SECRET":       body.Secret,
		})
	}
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not update configuration")
		return
	}
	s.submitTunnelUpdate(w, "Update Tunnel (Pangolin)")
}

// POST /api/tunnel/cloudflare
//
// Pangolin vars are left in place deliberately: the deploy scripts prefer
// Cloudflare tokens when present, which keeps a later revert clean.
func (s *Server) handleTunnelCloudflare(w http.ResponseWriter, r *http.Request) {
	if !s.guardTask(w) {
		return
	}
	var body struct {
		Domain  string `json:"domain"`
		Service string `json:"service"`
		Token   string `json:"token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Token == "" || body.Service == "" {
		httpx.WriteTypedError(w, http.StatusBadRequest, "tunnel.invalid", "Missing token or service definition")
		return
	}

	var err error
	switch body.Service {
	case "nc":
		err = s.setAll(map[string]string{
			"NEXTCLOUD_TRUSTED_DOMAINS": body.Domain,
			"CF_TOKEN_NC":               body.Token,
		})
	case "ha":
		err = s.setAll(map[string]string{
			"HA_TRUSTED_DOMAINS": body.Domain,
			"CF_TOKEN_HA":        body.Token,
		})
	default:
		httpx.WriteTypedError(w, http.StatusBadRequest, "tunnel.invalid", "Unknown service")
		return
	}
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not update configuration")
		return
	}
	s.submitTunnelUpdate(w, "Update Tunnel (Cloudflare)")
}

// POST /api/tunnel/revert
func (s *Server) handleTunnelRevert(w http.ResponseWriter, r *http.Request) {
	if !s.guardTask(w) {
		return
	}
	if err := s.clearCloudflareTokens(); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not update configuration")
		return
	}
	if err := s.applyFactoryTunnel(true); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not update configuration")
		return
	}
	s.submitTunnelUpdate(w, "Revert to Factory Settings")
}

func (s *Server) clearCloudflareTokens() error {
	if err := s.env.Unset("CF_TOKEN_NC"); err != nil {
		return err
	}
	return s.env.Unset("CF_TOKEN_HA")
}

// applyFactoryTunnel restores the manufacture-time Pangolin credentials, and
// optionally the factory domains as well.
func (s *Server) applyFactoryTunnel(withDomains bool) error {
	factory, err := s.factory.Load()
	if err != nil {
		return err
	}
	updates := map[string]string{
		"PANGOLIN_ENDPOINT": factory["PANGOLIN_ENDPOINT"],
		"NEWT_ID":           factory["NEWT_ID"],
		"NEWT_SECRET":       factory["NEWT_SECRET"],
	}
	if withDomains {
		updates["NEXTCLOUD_TRUSTED_DOMAINS"] = factory["NC_DOMAIN"]
		updates["HA_TRUSTED_DOMAINS"] = factory["HA_DOMAIN"]
	}
	return s.setAll(updates)
}

func (s *Server) setAll(updates map[string]string) error {
	for key, value := range updates {
		if err := s.env.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}
