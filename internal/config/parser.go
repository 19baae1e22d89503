// Package config provides settings file parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. NCBACKUP_CONTAINER_RUNTIME.
const EnvPrefix = "NCBACKUP"

// DefaultProfileDirName is created under the user's home directory.
const DefaultProfileDirName = ".nextcloud-backup"

// Parser handles settings file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new settings parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Parser{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("container.runtime", "docker")
	v.SetDefault("container.probe_timeout", 5*time.Second)
	v.SetDefault("instance.app_container", "nextcloud-app")
	v.SetDefault("restore.app_image", "nextcloud:stable")
	v.SetDefault("restore.mariadb_image", "mariadb:10.11")
	v.SetDefault("restore.postgres_image", "postgres:15")
	v.SetDefault("restore.app_port", 8080)
	v.SetDefault("restore.readiness_attempts", 8)
	v.SetDefault("restore.readiness_interval", 2*time.Second)
	v.SetDefault("restore.web_user", "www-data")
}

// Load reads settings from path. A missing file at the default location is
// not an error: defaults and environment overrides still apply.
func (p *Parser) Load(path, profileDir string) (*models.AppConfig, error) {
	if profileDir == "" {
		profileDir = p.v.GetString("profile_dir")
	}
	if profileDir == "" {
		dir, err := DefaultProfileDir()
		if err != nil {
			return nil, err
		}
		profileDir = dir
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(profileDir, "config.yaml")
	}

	p.v.SetConfigFile(path)
	if err := p.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), !explicit && os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return p.parse(profileDir)
}

// LoadReader loads settings from a YAML string (useful for testing).
func (p *Parser) LoadReader(content, profileDir string) (*models.AppConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse(profileDir)
}

func (p *Parser) parse(profileDir string) (*models.AppConfig, error) {
	cfg := &models.AppConfig{
		ProfileDir: p.expandEnv(profileDir),
	}

	cfg.Container = models.ContainerSettings{
		Runtime:      p.v.GetString("container.runtime"),
		ProbeTimeout: p.v.GetDuration("container.probe_timeout"),
	}

	validRuntimes := map[string]bool{"docker": true, "podman": true}
	if !validRuntimes[filepath.Base(cfg.Container.Runtime)] {
		return nil, fmt.Errorf("container.runtime must be one of: docker, podman")
	}
	if cfg.Container.ProbeTimeout <= 0 {
		cfg.Container.ProbeTimeout = 5 * time.Second
	}

	cfg.Instance = models.InstanceSettings{
		AppContainer: p.v.GetString("instance.app_container"),
		DBContainer:  p.v.GetString("instance.db_container"),
	}

	cfg.Restore = models.RestoreSettings{
		AppImage:          p.v.GetString("restore.app_image"),
		MariaDBImage:      p.v.GetString("restore.mariadb_image"),
		PostgresImage:     p.v.GetString("restore.postgres_image"),
		AppPort:           p.v.GetInt("restore.app_port"),
		WorkDir:           p.expandEnv(p.v.GetString("restore.work_dir")),
		ReadinessAttempts: p.v.GetInt("restore.readiness_attempts"),
		ReadinessInterval: p.v.GetDuration("restore.readiness_interval"),
		WebUser:           p.v.GetString("restore.web_user"),
	}

	if cfg.Restore.AppPort <= 0 || cfg.Restore.AppPort > 65535 {
		return nil, fmt.Errorf("restore.app_port must be between 1 and 65535")
	}
	if cfg.Restore.ReadinessAttempts <= 0 {
		cfg.Restore.ReadinessAttempts = 8
	}
	if cfg.Restore.WorkDir == "" {
		cfg.Restore.WorkDir = filepath.Join(cfg.ProfileDir, "instances")
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram.bot_token") || p.v.IsSet("telegram.chat_id") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// DefaultProfileDir returns ~/.nextcloud-backup.
func DefaultProfileDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, DefaultProfileDirName), nil
}

// Validate performs validation on the loaded settings.
func Validate(cfg *models.AppConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.ProfileDir == "" {
		return fmt.Errorf("profile directory is required")
	}

	if cfg.Container.Runtime == "" {
		return fmt.Errorf("container.runtime is required")
	}

	if cfg.Instance.AppContainer == "" {
		return fmt.Errorf("instance.app_container is required")
	}

	return nil
}

// EnsureProfileDirs creates the profile directory tree.
func EnsureProfileDirs(cfg *models.AppConfig) error {
	for _, dir := range []string{cfg.ProfileDir, cfg.LogDir(), cfg.ComposeDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
