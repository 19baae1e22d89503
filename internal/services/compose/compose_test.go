package compose

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_SQLiteHasOnlyApp(t *testing.T) {
	stack, err := Plan(models.DatabaseProfile{Kind: models.DBKindSQLite}, Options{
		AppContainer: "nc-app",
		DBContainer:  "nc-db",
		WorkDir:      "/srv/restore",
	})

	require.NoError(t, err)
	assert.Nil(t, stack.DB)
	assert.Empty(t, stack.App.Links)
	assert.Equal(t, DefaultAppImage, stack.App.Image)
	assert.Equal(t, map[int]int{8080: 80}, stack.App.Ports)
	assert.Equal(t, map[string]string{"/srv/restore/nextcloud-data": "/var/www/html"}, stack.App.Mounts)

	f := stack.Manifest("/srv/restore")
	require.Len(t, f.Services, 1)
	assert.Equal(t, []string{"./nextcloud-data:/var/www/html"}, f.Services["app"].Volumes)
}

func TestPlan_WithDatabase(t *testing.T) {
	tests := []struct {
		name      string
		profile   models.DatabaseProfile
		wantImage string
		wantMount string
		wantEnv   string
	}{
		{
			name:      "postgres",
			profile:   models.DatabaseProfile{Kind: models.DBKindPostgres, Name: "nextcloud_db", User: "nc", Password: "pw"},
			wantImage: "postgres:15",
			wantMount: "/var/lib/postgresql/data",
			wantEnv:   "POSTGRES_DB",
		},
		{
			name:      "mysql uses mariadb image",
			profile:   models.DatabaseProfile{Kind: models.DBKindMySQL, Name: "nc", User: "nc", Password: "pw"},
			wantImage: "mariadb:10.11",
			wantMount: "/var/lib/mysql",
			wantEnv:   "MYSQL_DATABASE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stack, err := Plan(tt.profile, Options{AppContainer: "app", DBContainer: "db", AppPort: 9090, WorkDir: "/w"})

			require.NoError(t, err)
			require.NotNil(t, stack.DB)
			assert.Equal(t, tt.wantImage, stack.DB.Image)
			assert.Equal(t, tt.wantMount, stack.DB.Mounts["/w/db-data"])
			assert.Equal(t, tt.profile.Name, stack.DB.Env[tt.wantEnv])
			assert.Equal(t, []string{"db"}, stack.App.Links)
			assert.Equal(t, map[int]int{9090: 80}, stack.App.Ports)

			f := stack.Manifest("/w")
			require.Len(t, f.Services, 2)
			assert.Equal(t, []string{"db"}, f.Services["app"].DependsOn)
			assert.Equal(t, []string{"9090:80"}, f.Services["app"].Ports)
		})
	}
}

func TestDBEnv_MySQL(t *testing.T) {
	tests := []struct {
		name string
		user string
		want map[string]string
	}{
		{"regular user", "nextcloud", map[string]string{
			"MYSQL_DATABASE":      "nextcloud",
			"MYSQL_USER":          "nextcloud",
			"MYSQL_PASSWORD":      "pw",
			"MYSQL_ROOT_PASSWORD": "pw",
		}},
		{"root only sets the root password", "root", map[string]string{
			"MYSQL_DATABASE":      "nextcloud",
			"MYSQL_ROOT_PASSWORD": "pw",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := models.DatabaseProfile{Kind: models.DBKindMariaDB, Name: "nextcloud", User: tt.user, Password: "pw"}

			assert.Equal(t, tt.want, DBEnv(p))
		})
	}
}

func TestPlan_Errors(t *testing.T) {
	_, err := Plan(models.DatabaseProfile{Kind: models.DBKindUnknown}, Options{AppContainer: "a"})
	assert.ErrorIs(t, err, models.ErrUnsupportedDBKind)

	_, err = Plan(models.DatabaseProfile{Kind: models.DBKindPostgres}, Options{AppContainer: "a"})
	assert.Error(t, err)

	_, err = Plan(models.DatabaseProfile{Kind: models.DBKindSQLite}, Options{})
	assert.Error(t, err)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	stack, err := Plan(models.DatabaseProfile{Kind: models.DBKindMariaDB, Name: "nc", User: "u", Password: "p"},
		Options{AppContainer: "nc-app", DBContainer: "nc-db", WorkDir: "/w"})
	require.NoError(t, err)

	path, err := WriteFile(filepath.Join(dir, "compose"), stack, "/w", time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))

	require.NoError(t, err)
	assert.Equal(t, "docker-compose-20260304_050607.yml", filepath.Base(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	parsed, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "mariadb:10.11", parsed.Services["db"].Image)
	assert.Equal(t, "nc-db", parsed.Services["db"].ContainerName)
	assert.Equal(t, []string{"./db-data:/var/lib/mysql"}, parsed.Services["db"].Volumes)
	assert.Equal(t, "nc-db", parsed.Services["app"].Environment["MYSQL_HOST"])
}
