package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/hkdf"

	"github.com/oalterg/pinextcloudflaredeploy/pkg/httpx"
)

const sessionCookieName = "hb_session"

// openPaths bypass authentication in every setup state: the dashboard needs
// to poll task status and logs while the operator is still locked out, and
// the one-time credential claim is by definition unauthenticated.
var openPaths = []string{
	"/api/health",
	"/api/auth/login",
	"/api/task_status",
	"/api/logs/",
	"/api/setup/credentials",
	"/metrics",
}

type session struct {
	Mode     string    `json:"mode"` // "factory" or "admin"
	IssuedAt time.Time `json:"iat"`
}

type sessionCodec struct {
	sc *securecookie.SecureCookie
}

// newSessionCodec derives the cookie keys from the master password so all
// worker processes agree on them. Before bootstrap there is no password yet;
// per-boot random keys are fine then, since only factory-mode setup sessions
// exist that early.
func newSessionCodec(masterPassword string) *sessionCodec {
	var hashKey, blockKey []byte
	if masterPassword != "" {
		kdf := hkdf.New(sha256.New, []byte(masterPassword), []byte("homebrain-session-v1"), nil)
		hashKey = make([]byte, 32)
		blockKey = make([]byte, 32)
		_, _ = io.ReadFull(kdf, hashKey)
		_, _ = io.ReadFull(kdf, blockKey)
	} else {
		hashKey = securecookie.GenerateRandomKey(32)
		blockKey = securecookie.GenerateRandomKey(32)
	}
	return &sessionCodec{sc: securecookie.New(hashKey, blockKey)}
}

func (c *sessionCodec) write(w http.ResponseWriter, s session) error {
	encoded, err := c.sc.Encode(sessionCookieName, s)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((12 * time.Hour).Seconds()),
	})
	return nil
}

func (c *sessionCodec) read(r *http.Request) (session, bool) {
	ck, err := r.Cookie(sessionCookieName)
	if err != nil {
		return session{}, false
	}
	var s session
	if err := c.sc.Decode(sessionCookieName, ck.Value, &s); err != nil {
		return session{}, false
	}
	return s, true
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// requireAuth is the gate every request passes. Allow-listed paths go
// through untouched; everything else needs a valid session cookie.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range openPaths {
			if r.URL.Path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(r.URL.Path, p)) {
				next.ServeHTTP(w, r)
				return
			}
		}
		if _, ok := s.session.read(r); !ok {
			httpx.WriteTypedError(w, http.StatusUnauthorized, "auth.required", "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// expectedPassword picks the credential the gate verifies against: the
// factory password until first-time setup completes, the admin (manager)
// password afterwards.
func (s *Server) expectedPassword() (password, mode string) {
	if !s.cfg.IsSetupComplete() {
		return s.factory.Get("FACTORY_PASSWORD", ""), "factory"
	}
	return s.env.Get("MANAGER_PASSWORD", ""), "admin"
}

// POST /api/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "auth.invalid_request", "Invalid request body")
		return
	}
	expected, mode := s.expectedPassword()
	if expected == "" || subtle.ConstantTimeCompare([]byte(body.Password), []byte(expected)) != 1 {
		httpx.WriteTypedError(w, http.StatusUnauthorized, "auth.invalid_credentials", "Invalid password")
		return
	}
	if err := s.session.write(w, session{Mode: mode, IssuedAt: time.Now().UTC()}); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not create session")
		return
	}
	writeJSON(w, map[string]any{"ok": true, "mode": mode})
}

// POST /api/auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}
