package main

import (
	"fmt"
	"net/http"

	"github.com/oalterg/pinextcloudflaredeploy/internal/config"
	"github.com/oalterg/pinextcloudflaredeploy/internal/envfile"
	"github.com/oalterg/pinextcloudflaredeploy/internal/migrate"
	"github.com/oalterg/pinextcloudflaredeploy/internal/server"
)

func main() {
	cfg := config.FromEnv()
	logger := server.Logger(cfg)

	env := envfile.New(cfg.EnvFile)
	factory := envfile.New(cfg.FactoryConfig)
	if err := migrate.Run(env, factory, cfg.FactoryConfig, *logger); err != nil {
		logger.Warn().Err(err).Msg("environment migration failed; continuing with current config")
	}

	srv := server.New(cfg)
	// A "running" status on disk at this point is a crash artifact from a
	// previous process; flag it before anyone can poll.
	srv.Status().ReconcileStartup()

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	logger.Info().Msgf("appliance-manager listening on http://%s", addr)

	if err := http.ListenAndServe(addr, srv.Router()); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
