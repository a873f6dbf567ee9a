// Package migrate upgrades environment files left by earlier appliance
// releases. Runs once at startup, before the server accepts requests.
package migrate

import (
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/oalterg/pinextcloudflaredeploy/internal/envfile"
)

// Run applies all pending migrations to the live env file. Each migration is
// idempotent; a fully migrated config is a no-op.
func Run(env, factory *envfile.Store, factoryPath string, logger zerolog.Logger) error {
	log := logger.With().Str("component", "migrate").Logger()

	config, err := env.Load()
	if err != nil {
		return err
	}

	// Pre-Pangolin releases only knew per-service domains. Derive the base
	// domain from the Nextcloud one and record it in the factory config too,
	// so a factory reset keeps working.
	if _, ok := config["PANGOLIN_DOMAIN"]; !ok {
		legacy := config["NEXTCLOUD_TRUSTED_DOMAINS"]
		if legacy == "" {
			legacy = factory.Get("NC_DOMAIN", "")
		}
		if legacy != "" {
			base := strings.TrimPrefix(legacy, "nc.")
			log.Info().Str("domain", base).Msg("deriving pangolin domain from legacy config")
			if err := env.Set("PANGOLIN_DOMAIN", base); err != nil {
				return err
			}
			if err := env.Set("MANAGER_DOMAIN", base); err != nil {
				return err
			}
			if err := appendFactoryEntry(factoryPath, "PANGOLIN_DOMAIN", base); err != nil {
				log.Warn().Err(err).Msg("could not persist derived domain to factory config")
			}
		}
	}

	// Releases before the manager login reused the Nextcloud admin password.
	// Adopt it as the master password instead of generating a second secret.
	if config["MANAGER_PASSWORD"] == "" && config["NEXTCLOUD_ADMIN_PASSWORD"] != "" {
		log.Info().Msg("consolidating manager password from nextcloud admin password")
		ncPass := config["NEXTCLOUD_ADMIN_PASSWORD"]
		if err := env.Set("MANAGER_PASSWORD", ncPass); err != nil {
			return err
		}
		if err := env.Set("MASTER_PASSWORD", ncPass); err != nil {
			return err
		}
	}

	return nil
}

// appendFactoryEntry appends a KEY=VALUE line to the factory config. The
// factory file is owned by the provisioning image; the manager only ever
// appends recovery values, never rewrites it.
func appendFactoryEntry(path, key, value string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("\n" + key + "=" + value + "\n")
	return err
}
