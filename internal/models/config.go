// Package models contains the data structures used throughout nextcloud-backup.
package models

import (
	"path/filepath"
	"time"
)

// AppConfig holds the complete settings for the utility.
type AppConfig struct {
	ProfileDir string
	Container  ContainerSettings
	Instance   InstanceSettings
	Restore    RestoreSettings
	Telegram   *TelegramConfig // nil if not configured
}

// ContainerSettings holds container runtime CLI settings.
type ContainerSettings struct {
	Runtime      string        // CLI binary, "docker" (default) or "podman"
	ProbeTimeout time.Duration // per-call timeout for probes
}

// InstanceSettings identifies the Nextcloud instance that is backed up by default.
type InstanceSettings struct {
	AppContainer string
	DBContainer  string // optional, derived from dbhost when empty
}

// RestoreSettings holds defaults for provisioning restored instances.
type RestoreSettings struct {
	AppImage          string
	MariaDBImage      string
	PostgresImage     string
	AppPort           int
	WorkDir           string // parent of ./nextcloud-data and ./db-data
	ReadinessAttempts int
	ReadinessInterval time.Duration
	WebUser           string
}

// HistoryPath returns the path of the history database.
func (c AppConfig) HistoryPath() string {
	return filepath.Join(c.ProfileDir, "backup_history.sqlite")
}

// SchedulePath returns the path of the persisted schedule spec.
func (c AppConfig) SchedulePath() string {
	return filepath.Join(c.ProfileDir, "schedule_config.json")
}

// LogDir returns the directory holding rotating log files.
func (c AppConfig) LogDir() string {
	return filepath.Join(c.ProfileDir, "logs")
}

// LogFile returns the active log file path.
func (c AppConfig) LogFile() string {
	return filepath.Join(c.LogDir(), "nextcloud-backup.log")
}

// ComposeDir returns the directory for generated composition manifests.
func (c AppConfig) ComposeDir() string {
	return filepath.Join(c.ProfileDir, "compose")
}
