package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/oalterg/pinextcloudflaredeploy/internal/credentials"
	"github.com/oalterg/pinextcloudflaredeploy/pkg/httpx"
)

// GET /api/task_status
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status.Read())
}

// POST /api/setup/start
//
// Generates the admin credential set (idempotent across retries), publishes
// the one-time hand-off record, then kicks off the headless stack deploy.
func (s *Server) handleSetupStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.IsSetupComplete() {
		httpx.WriteTypedError(w, http.StatusBadRequest, "setup.already_complete", "Setup already complete")
		return
	}

	password, err := s.creds.GenerateIfAbsent()
	if err != nil {
		s.logger.Error().Err(err).Msg("credential bootstrap failed")
		httpx.WriteError(w, http.StatusInternalServerError, "Could not provision credentials")
		return
	}
	cred := credentials.Credential{
		Username:    "admin",
		Password:    password,
		Domain:      s.env.Get("MANAGER_DOMAIN", s.factory.Get("NC_DOMAIN", "")),
		GeneratedAt: time.Now().UTC(),
	}
	if err := s.creds.Publish(cred); err != nil {
		s.logger.Error().Err(err).Msg("could not publish one-time credential")
		httpx.WriteError(w, http.StatusInternalServerError, "Could not provision credentials")
		return
	}

	s.submitTask(w, "Initial Setup", []string{s.cfg.ApplianceBin, "--headless"}, "setup")
}

// GET /api/setup/credentials
//
// Burn-after-reading: the first successful claim deletes the record, every
// later call is a 404.
func (s *Server) handleClaimCredentials(w http.ResponseWriter, r *http.Request) {
	cred, err := s.creds.Claim()
	if errors.Is(err, credentials.ErrNotFound) {
		httpx.WriteTypedError(w, http.StatusNotFound, "credentials.claimed", "Credential already claimed or never issued")
		return
	}
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not read credential")
		return
	}
	writeJSON(w, cred)
}

// DELETE /api/setup/credentials — explicit client acknowledgement.
func (s *Server) handleBurnCredentials(w http.ResponseWriter, r *http.Request) {
	if err := s.creds.Burn(); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not delete credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
