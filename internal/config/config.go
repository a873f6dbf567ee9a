package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
)

// Config carries the daemon's runtime settings and the file-system contract
// shared with the provisioning shell scripts. Defaults match the appliance
// image; every path can be overridden through HB_* environment variables,
// which tests rely on.
type Config struct {
	Port     int
	LogLevel zerolog.Level

	// InstallDir is the appliance repo checkout holding .env, the compose
	// file and the setup-complete marker.
	InstallDir    string
	EnvFile       string
	FactoryConfig string
	ComposeFile   string
	SetupMarker   string

	// StatusFile lives in a shared runtime area so sibling processes and the
	// UI poller read the same record.
	StatusFile     string
	CredentialFile string

	LogDir    string
	BackupDir string
	CronFile  string

	// ApplianceBin is the CLI the daemon shells out to for setup, backup,
	// restore and tunnel redeploys.
	ApplianceBin    string
	ProvisionScript string
	UpdateURL       string
}

func FromEnv() Config {
	port := 80
	if v := os.Getenv("HB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			port = p
		}
	}

	level := zerolog.InfoLevel
	if v := os.Getenv("HB_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			level = l
		}
	}

	installDir := envOr("HB_INSTALL_DIR", "/opt/homebrain")
	logDir := envOr("HB_LOG_DIR", "/var/log/homebrain")
	runDir := envOr("HB_RUN_DIR", "/run/homebrain")

	return Config{
		Port:            port,
		LogLevel:        level,
		InstallDir:      installDir,
		EnvFile:         filepath.Join(installDir, ".env"),
		FactoryConfig:   envOr("HB_FACTORY_CONFIG", "/boot/firmware/factory_config.txt"),
		ComposeFile:     filepath.Join(installDir, "docker-compose.yml"),
		SetupMarker:     filepath.Join(installDir, ".setup_complete"),
		StatusFile:      filepath.Join(runDir, "task_status.json"),
		CredentialFile:  filepath.Join(runDir, "one_time_credential.json"),
		LogDir:          logDir,
		BackupDir:       envOr("HB_BACKUP_DIR", "/mnt/backup"),
		CronFile:        envOr("HB_CRON_FILE", "/etc/cron.d/homebrain-backup"),
		ApplianceBin:    envOr("HB_APPLIANCE_BIN", "/usr/local/sbin/homebrain"),
		ProvisionScript: filepath.Join(installDir, "provision.sh"),
		UpdateURL:       envOr("HB_UPDATE_URL", "https://raw.githubusercontent.com/oalterg/pinextcloudflaredeploy/main/provision.sh"),
	}
}

// IsSetupComplete reports whether first-time setup has finished, from the
// marker file the setup script drops.
func (c Config) IsSetupComplete() bool {
	_, err := os.Stat(c.SetupMarker)
	return err == nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
