package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecStore(t *testing.T) {
	store := NewSpecStore(filepath.Join(t.TempDir(), "profile", "schedule_config.json"))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoSpec)

	spec := testSpec(t.TempDir())
	require.NoError(t, store.Save(spec))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, spec, *got)

	require.NoError(t, store.Delete())
	require.NoError(t, store.Delete())
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoSpec)
}

func TestValidateSpec(t *testing.T) {
	valid := testSpec("/backups")
	assert.Empty(t, ValidateSpec(valid))

	tests := []struct {
		name   string
		mutate func(*models.ScheduleSpec)
		want   string
	}{
		{"bad cadence", func(s *models.ScheduleSpec) { s.Cadence = "yearly" }, "Cadence must be one of: daily weekly monthly"},
		{"bad time", func(s *models.ScheduleSpec) { s.TimeOfDay = "2:30pm" }, "TimeOfDay must be a 24h time like 02:30"},
		{"no dir", func(s *models.ScheduleSpec) { s.BackupDir = "" }, "BackupDir is required"},
		{"no components", func(s *models.ScheduleSpec) { s.Components = []models.Component{} }, "Components must not be empty"},
		{"bad component", func(s *models.ScheduleSpec) { s.Components = []models.Component{"themes"} }, "Components[0] must be one of: config data apps custom_apps"},
		{"negative keep", func(s *models.ScheduleSpec) { s.RotationKeep = -1 }, "RotationKeep must be greater than or equal to 0"},
		{"encrypt without ref", func(s *models.ScheduleSpec) { s.Encrypt = true }, "PassphraseRef is required when encryption is enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			assert.Equal(t, []string{tt.want}, ValidateSpec(spec))
		})
	}
}

func TestResolveSecret(t *testing.T) {
	t.Setenv("NCB_TEST_SECRET", "s3cret")
	file := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(file, []byte("from-file\n"), 0o600))
	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	got, err := ResolveSecret("env:NCB_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	got, err = ResolveSecret("file:" + file)
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	for _, ref := range []string{"", "s3cret", "env:", "env:NCB_TEST_UNSET", "file:" + empty, "vault:x"} {
		_, err := ResolveSecret(ref)
		assert.Error(t, err, ref)
	}
}

func TestArgs_RoundTrip(t *testing.T) {
	spec := models.ScheduleSpec{
		BackupDir:     "/srv/back ups",
		Components:    []models.Component{models.ComponentConfig, models.ComponentApps},
		RotationKeep:  0,
		Encrypt:       true,
		PassphraseRef: "file:/etc/nc-pass",
		AppContainer:  "nc",
		DBContainer:   "nc-db",
	}

	got, err := ParseArgs(BuildArgs(spec, false))
	require.NoError(t, err)
	assert.Equal(t, spec, *got)

	args := BuildArgs(spec, true)
	assert.Equal(t, "--test-run", args[0])
	_, err = ParseArgs(args)
	require.NoError(t, err)
}

func TestParseArgs_Errors(t *testing.T) {
	_, err := ParseArgs([]string{"--scheduled", "--unknown"})
	assert.Error(t, err)

	_, err = ParseArgs([]string{"--scheduled", "stray"})
	assert.Error(t, err)

	_, err = ParseArgs([]string{"--components", "config,themes"})
	assert.Error(t, err)
}

func TestJoinComponents(t *testing.T) {
	assert.Equal(t, "", JoinComponents(nil))
	assert.Equal(t, "config,data,apps,custom_apps", JoinComponents(models.AllComponents))

	parsed, err := ParseComponents(JoinComponents([]models.Component{models.ComponentData, models.ComponentConfig}))
	require.NoError(t, err)
	assert.Equal(t, []models.Component{models.ComponentData, models.ComponentConfig}, parsed)
}

func TestCronExpr(t *testing.T) {
	tests := []struct {
		cadence models.Cadence
		tod     string
		want    string
	}{
		{models.CadenceDaily, "02:30", "30 2 * * *"},
		{models.CadenceWeekly, "00:05", "5 0 * * 0"},
		{models.CadenceMonthly, "23:59", "59 23 1 * *"},
	}
	for _, tt := range tests {
		t.Run(string(tt.cadence), func(t *testing.T) {
			expr, err := CronExpr(tt.cadence, tt.tod)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr)

			cadence, tod, err := ParseCronExpr(expr)
			require.NoError(t, err)
			assert.Equal(t, tt.cadence, cadence)
			assert.Equal(t, tt.tod, tod)
		})
	}

	_, err := CronExpr("hourly", "02:30")
	assert.Error(t, err)
	_, err = CronExpr(models.CadenceDaily, "24:00")
	assert.Error(t, err)
	_, _, err = ParseCronExpr("*/5 * * * *")
	assert.Error(t, err)
	_, _, err = ParseCronExpr("0 2 * *")
	assert.Error(t, err)
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // Wednesday

	daily, err := NextRun(models.CadenceDaily, "02:30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 5, 2, 30, 0, 0, time.UTC), daily)

	weekly, err := NextRun(models.CadenceWeekly, "02:30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 8, 2, 30, 0, 0, time.UTC), weekly)

	monthly, err := NextRun(models.CadenceMonthly, "02:30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 2, 30, 0, 0, time.UTC), monthly)
}

func TestShellQuoting(t *testing.T) {
	args := []string{"/usr/bin/tool", "plain", "with space", "it's", `back\slash`, "$HOME", ""}

	got, err := shellSplit(shellJoin(args))
	require.NoError(t, err)
	assert.Equal(t, args, got)

	got, err = shellSplit(`a "b c" d\ e 'f"g'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b c", "d e", `f"g`}, got)

	_, err = shellSplit(`"open`)
	assert.Error(t, err)
}

func TestWindowsQuoting(t *testing.T) {
	args := []string{`C:\Program Files\tool.exe`, "plain", `D:\dir with space\`, `say "hi"`, `a\\"b`}

	assert.Equal(t, args, windowsSplit(windowsJoin(args)))
	assert.Equal(t, `"C:\Program Files\tool.exe"`, windowsQuote(`C:\Program Files\tool.exe`))
	assert.Equal(t, `"D:\dir with space\\"`, windowsQuote(`D:\dir with space\`))
}

func TestSamePath(t *testing.T) {
	assert.True(t, samePath("/opt/a/tool", "/opt/a/tool"))
	assert.True(t, samePath("/opt/a/../a/tool", "/OPT/A/TOOL"))
	assert.True(t, samePath(`C:\Tools\x.exe`, "c:/tools/X.EXE"))
	assert.False(t, samePath("/opt/a/tool", "/opt/b/tool"))
}
