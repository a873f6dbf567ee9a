package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oalterg/pinextcloudflaredeploy/internal/config"
	"github.com/oalterg/pinextcloudflaredeploy/internal/credentials"
	"github.com/oalterg/pinextcloudflaredeploy/internal/envfile"
	"github.com/oalterg/pinextcloudflaredeploy/internal/status"
	"github.com/oalterg/pinextcloudflaredeploy/internal/tasks"
)

func Logger(cfg config.Config) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.Logger.Level(cfg.LogLevel).With().Timestamp().Logger()
	return &logger
}

// Server wires the config stores, the status store and the task runner into
// the HTTP surface.
type Server struct {
	cfg     config.Config
	logger  zerolog.Logger
	env     *envfile.Store
	factory *envfile.Store
	status  *status.Store
	runner  *tasks.Runner
	creds   *credentials.Bootstrap
	session *sessionCodec
}

func New(cfg config.Config) *Server {
	logger := *Logger(cfg)
	env := envfile.New(cfg.EnvFile)
	st := status.New(cfg.StatusFile, logger)
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		env:     env,
		factory: envfile.New(cfg.FactoryConfig),
		status:  st,
		runner:  tasks.NewRunner(st, cfg.LogDir, logger),
		creds:   credentials.New(env, cfg.CredentialFile),
	}
	s.session = newSessionCodec(env.Get("MASTER_PASSWORD", ""))
	return s
}

// Status exposes the status store for startup reconciliation.
func (s *Server) Status() *status.Store { return s.status }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(&s.logger))

	// Dev CORS for the dashboard dev server
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	r.Use(s.requireAuth)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "setup_complete": s.cfg.IsSetupComplete()})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/logout", s.handleLogout)

	r.Get("/api/task_status", s.handleTaskStatus)
	r.Get("/api/logs/{channel}", s.handleLogs)

	r.Post("/api/setup/start", s.handleSetupStart)
	r.Get("/api/setup/credentials", s.handleClaimCredentials)
	r.Delete("/api/setup/credentials", s.handleBurnCredentials)

	r.Get("/api/status", s.handleSystemStatus)

	r.Get("/api/drives", s.handleListDrives)
	r.Post("/api/drives/format", s.handleFormatDrive)
	r.Post("/api/drives/mount", s.handleMountDrive)

	r.Get("/api/backup/stats", s.handleBackupStats)
	r.Get("/api/backup/config", s.handleBackupConfigGet)
	r.Post("/api/backup/config", s.handleBackupConfigSet)
	r.Post("/api/backup/now", s.handleBackupNow)
	r.Get("/api/backups", s.handleListBackups)
	r.Post("/api/restore", s.handleRestore)

	r.Post("/api/tunnel", s.handleTunnelPangolin)
	r.Post("/api/tunnel/cloudflare", s.handleTunnelCloudflare)
	r.Post("/api/tunnel/revert", s.handleTunnelRevert)

	r.Post("/api/maintenance/mode", s.handleMaintenanceMode)
	r.Post("/api/upgrade", s.handleUpgrade)
	r.Get("/api/manager/check_update", s.handleCheckManagerUpdate)
	r.Post("/api/manager/update", s.handleManagerUpdate)

	return r
}
