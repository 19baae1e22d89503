package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_LoadReader_Defaults(t *testing.T) {
	parser := NewParser()
	cfg, err := parser.LoadReader("", "/profile")

	require.NoError(t, err)
	assert.Equal(t, "/profile", cfg.ProfileDir)
	assert.Equal(t, "docker", cfg.Container.Runtime)
	assert.Equal(t, 5*time.Second, cfg.Container.ProbeTimeout)
	assert.Equal(t, "nextcloud-app", cfg.Instance.AppContainer)
	assert.Equal(t, "nextcloud:stable", cfg.Restore.AppImage)
	assert.Equal(t, "mariadb:10.11", cfg.Restore.MariaDBImage)
	assert.Equal(t, "postgres:15", cfg.Restore.PostgresImage)
	assert.Equal(t, 8080, cfg.Restore.AppPort)
	assert.Equal(t, 8, cfg.Restore.ReadinessAttempts)
	assert.Equal(t, "www-data", cfg.Restore.WebUser)
	assert.Equal(t, filepath.Join("/profile", "instances"), cfg.Restore.WorkDir)
	assert.Nil(t, cfg.Telegram)
}

func TestParser_LoadReader_FullConfig(t *testing.T) {
	yaml := `
container:
  runtime: podman
  probe_timeout: 10s

instance:
  app_container: cloud
  db_container: cloud-db

restore:
  app_image: "nextcloud:29"
  app_port: 9090
  work_dir: /srv/nextcloud
  readiness_attempts: 3
  readiness_interval: 500ms

telegram:
  bot_token: "123456:ABC"
  chat_id: "-100123456789"
`
	parser := NewParser()
	cfg, err := parser.LoadReader(yaml, "/profile")

	require.NoError(t, err)
	assert.Equal(t, "podman", cfg.Container.Runtime)
	assert.Equal(t, 10*time.Second, cfg.Container.ProbeTimeout)
	assert.Equal(t, "cloud", cfg.Instance.AppContainer)
	assert.Equal(t, "cloud-db", cfg.Instance.DBContainer)
	assert.Equal(t, "nextcloud:29", cfg.Restore.AppImage)
	assert.Equal(t, 9090, cfg.Restore.AppPort)
	assert.Equal(t, "/srv/nextcloud", cfg.Restore.WorkDir)
	assert.Equal(t, 3, cfg.Restore.ReadinessAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Restore.ReadinessInterval)

	require.NotNil(t, cfg.Telegram)
	assert.Equal(t, "123456:ABC", cfg.Telegram.BotToken)
	assert.Equal(t, "-100123456789", cfg.Telegram.ChatID)
}

func TestParser_LoadReader_InvalidRuntime(t *testing.T) {
	yaml := `
container:
  runtime: lxc
`
	_, err := NewParser().LoadReader(yaml, "/profile")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "container.runtime must be one of")
}

func TestParser_LoadReader_InvalidPort(t *testing.T) {
	yaml := `
restore:
  app_port: 70000
`
	_, err := NewParser().LoadReader(yaml, "/profile")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore.app_port")
}

func TestParser_LoadReader_TelegramMissingChatID(t *testing.T) {
	yaml := `
telegram:
  bot_token: "123456:ABC"
`
	_, err := NewParser().LoadReader(yaml, "/profile")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.chat_id is required")
}

func TestParser_LoadReader_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "from-env")

	yaml := `
telegram:
  bot_token: "${TEST_BOT_TOKEN}"
  chat_id: "42"
`
	cfg, err := NewParser().LoadReader(yaml, "/profile")

	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.BotToken)
}

func TestParser_Load_MissingDefaultFile(t *testing.T) {
	profile := t.TempDir()

	cfg, err := NewParser().Load("", profile)

	require.NoError(t, err)
	assert.Equal(t, profile, cfg.ProfileDir)
	assert.Equal(t, filepath.Join(profile, "backup_history.sqlite"), cfg.HistoryPath())
	assert.Equal(t, filepath.Join(profile, "schedule_config.json"), cfg.SchedulePath())
	assert.Equal(t, filepath.Join(profile, "logs", "nextcloud-backup.log"), cfg.LogFile())
}

func TestParser_Load_MissingExplicitFile(t *testing.T) {
	_, err := NewParser().Load(filepath.Join(t.TempDir(), "nope.yaml"), t.TempDir())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestParser_Load_File(t *testing.T) {
	profile := t.TempDir()
	content := "instance:\n  app_container: from-file\n"
	require.NoError(t, os.WriteFile(filepath.Join(profile, "config.yaml"), []byte(content), 0o600))

	cfg, err := NewParser().Load("", profile)

	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Instance.AppContainer)
}

func TestParser_Load_EnvOverride(t *testing.T) {
	t.Setenv("NCBACKUP_INSTANCE_APP_CONTAINER", "env-app")

	cfg, err := NewParser().Load("", t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, "env-app", cfg.Instance.AppContainer)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *models.AppConfig
		wantErr string
	}{
		{"nil", nil, "configuration is nil"},
		{"no profile", &models.AppConfig{}, "profile directory is required"},
		{
			"no runtime",
			&models.AppConfig{ProfileDir: "/p"},
			"container.runtime is required",
		},
		{
			"no app container",
			&models.AppConfig{ProfileDir: "/p", Container: models.ContainerSettings{Runtime: "docker"}},
			"instance.app_container is required",
		},
		{
			"valid",
			&models.AppConfig{
				ProfileDir: "/p",
				Container:  models.ContainerSettings{Runtime: "docker"},
				Instance:   models.InstanceSettings{AppContainer: "nc"},
			},
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnsureProfileDirs(t *testing.T) {
	cfg := &models.AppConfig{ProfileDir: filepath.Join(t.TempDir(), "profile")}

	require.NoError(t, EnsureProfileDirs(cfg))

	for _, dir := range []string{cfg.ProfileDir, cfg.LogDir(), cfg.ComposeDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
