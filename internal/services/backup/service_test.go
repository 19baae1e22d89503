package backup

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/archive"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/fgeck/nextcloud-backup/internal/services/history"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pgConfig = `<?php
$CONFIG = array (
  'dbtype' => 'pgsql',
  'dbname' => 'nextcloud_db',
  'dbuser' => 'nc',
  'dbpassword' => 'secret',
  'dbhost' => 'nextcloud-db:5432',
  'datadirectory' => '/var/www/html/data',
);
`

const sqliteConfig = `<?php
$CONFIG = array (
  'dbtype' => 'sqlite3',
  'datadirectory' => '/var/www/html/data',
);
`

type mockDriver struct {
	execFunc    func(ctx context.Context, name string, cmd []string, opts container.ExecOptions) (models.CommandResult, error)
	copyOutFunc func(ctx context.Context, name, src, dst string) (models.CommandResult, error)
	daemon      models.DaemonStatus
}

func (m *mockDriver) Run(ctx context.Context, opts models.RunOptions) (models.CommandResult, error) {
	return models.CommandResult{}, nil
}

func (m *mockDriver) Exec(ctx context.Context, name string, cmd []string, opts container.ExecOptions) (models.CommandResult, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, name, cmd, opts)
	}
	return models.CommandResult{}, nil
}

func (m *mockDriver) CopyIn(ctx context.Context, src, name, dst string) (models.CommandResult, error) {
	return models.CommandResult{}, nil
}

func (m *mockDriver) CopyOut(ctx context.Context, name, src, dst string) (models.CommandResult, error) {
	if m.copyOutFunc != nil {
		return m.copyOutFunc(ctx, name, src, dst)
	}
	return models.CommandResult{}, nil
}

func (m *mockDriver) InspectEnv(ctx context.Context, name string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (m *mockDriver) Exists(ctx context.Context, name string) (bool, error) {
	return true, nil
}

func (m *mockDriver) PS(ctx context.Context, all bool) ([]models.ContainerInfo, error) {
	return nil, nil
}

func (m *mockDriver) LogsTail(ctx context.Context, name string, lines int) (models.CommandResult, error) {
	return models.CommandResult{}, nil
}

func (m *mockDriver) Remove(ctx context.Context, name string, force bool) (models.CommandResult, error) {
	return models.CommandResult{}, nil
}

func (m *mockDriver) Restart(ctx context.Context, name string) (models.CommandResult, error) {
	return models.CommandResult{}, nil
}

func (m *mockDriver) IsDaemonUp(ctx context.Context) models.DaemonStatus {
	if m.daemon.State == "" {
		return models.DaemonStatus{State: models.DaemonOK}
	}
	return m.daemon
}

func (m *mockDriver) ImagePull(ctx context.Context, image string) (models.CommandResult, error) {
	return models.CommandResult{}, nil
}

type mockDumper struct {
	dumpFunc func(ctx context.Context, profile models.DatabaseProfile, dbContainer, outputPath string) (*models.DumpResult, error)
	calls    []string
}

func (m *mockDumper) Dump(ctx context.Context, profile models.DatabaseProfile, dbContainer, outputPath string) (*models.DumpResult, error) {
	m.calls = append(m.calls, dbContainer)
	if m.dumpFunc != nil {
		return m.dumpFunc(ctx, profile, dbContainer, outputPath)
	}
	if err := os.WriteFile(outputPath, []byte("CREATE TABLE t (id int);\n"), 0o600); err != nil {
		return nil, err
	}
	return &models.DumpResult{OutputPath: outputPath, SizeBytes: 25}, nil
}

type mockNotifier struct {
	received []models.Notification
}

func (m *mockNotifier) Notify(ctx context.Context, n models.Notification) error {
	m.received = append(m.received, n)
	return nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// instance lays out a fake container filesystem and returns a driver whose
// CopyOut behaves like `docker cp` against it.
func instance(t *testing.T, config string, withApps bool) (string, *mockDriver) {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("var/www/html/config/config.php", config)
	write("var/www/html/data/admin/files/readme.md", "hello")
	write("var/www/html/data/owncloud.db", "sqlite-bytes")
	if withApps {
		write("var/www/html/apps/files/appinfo/info.xml", "<info/>")
	}

	driver := &mockDriver{
		copyOutFunc: func(ctx context.Context, name, src, dst string) (models.CommandResult, error) {
			local := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(src, "/")))
			if _, err := os.Stat(local); err != nil {
				return models.CommandResult{ExitCode: 1, Stderr: "Error: Could not find the file " + src + " in container " + name}, nil
			}
			require.NoError(t, copyTree(local, dst))
			return models.CommandResult{}, nil
		},
	}
	return root, driver
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

type fixture struct {
	svc      *Impl
	driver   *mockDriver
	dumper   *mockDumper
	store    *history.SQLiteStore
	archiver *archive.Impl
	notifier *mockNotifier
	out      string
}

func newFixture(t *testing.T, config string, withApps bool) *fixture {
	t.Helper()
	_, driver := instance(t, config, withApps)
	store, err := history.Open(filepath.Join(t.TempDir(), "history.sqlite"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		driver:   driver,
		dumper:   &mockDumper{},
		store:    store,
		archiver: archive.NewWithTempDir(testLogger(), t.TempDir()),
		notifier: &mockNotifier{},
		out:      t.TempDir(),
	}
	f.svc = NewWithServices(testLogger(), f.driver, f.dumper, f.archiver, f.store, f.notifier, t.TempDir())
	return f
}

func TestBackup_Postgres(t *testing.T) {
	f := newFixture(t, pgConfig, true)
	ctx := context.Background()

	result, err := f.svc.Backup(ctx, models.BackupRequest{
		AppContainer: "nextcloud-app",
		Components:   []models.Component{models.ComponentData, models.ComponentApps, models.ComponentConfig},
		OutputDir:    f.out,
		Note:         "nightly",
	})

	require.NoError(t, err)
	assert.Equal(t, models.VerificationOK, result.Verification)
	assert.Equal(t, models.DBKindPostgres, result.DBKind)
	assert.True(t, archive.NamePattern.MatchString(filepath.Base(result.ArchivePath)))
	assert.FileExists(t, result.ArchivePath)
	assert.NoFileExists(t, result.ArchivePath+partialSuffix)
	assert.Equal(t, []string{"nextcloud-db"}, f.dumper.calls)

	manifest, meta, err := f.archiver.Scan(ctx, result.ArchivePath, "")
	require.NoError(t, err)
	assert.Equal(t, []models.Component{models.ComponentConfig, models.ComponentData, models.ComponentApps}, manifest.Components)
	assert.Equal(t, manifest.Root+"/nextcloud_db.sql", manifest.DumpFile)
	assert.Equal(t, "nightly", meta.Note)

	inspected, err := f.svc.Inspect(ctx, result.ArchivePath, "")
	require.NoError(t, err)
	assert.Equal(t, models.DBKindPostgres, inspected.Profile.Kind)

	rec, err := f.store.Get(ctx, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.VerificationOK, rec.Verification)
	assert.Equal(t, result.ArchivePath, rec.ArchivePath)
	assert.Equal(t, "nightly", rec.Note)

	require.Len(t, f.notifier.received, 1)
	assert.Equal(t, models.NotifyBackupSucceeded, f.notifier.received[0].Kind)
}

func TestBackup_ExplicitDBContainer(t *testing.T) {
	f := newFixture(t, pgConfig, false)

	_, err := f.svc.Backup(context.Background(), models.BackupRequest{
		AppContainer: "nextcloud-app",
		DBContainer:  "pg",
		OutputDir:    f.out,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"pg"}, f.dumper.calls)
}

func TestBackup_SQLiteWithoutDataArchivesDBFile(t *testing.T) {
	f := newFixture(t, sqliteConfig, false)
	ctx := context.Background()

	result, err := f.svc.Backup(ctx, models.BackupRequest{
		AppContainer: "nextcloud-app",
		Components:   []models.Component{models.ComponentConfig},
		OutputDir:    f.out,
	})

	require.NoError(t, err)
	assert.Empty(t, f.dumper.calls)
	manifest, _, err := f.archiver.Scan(ctx, result.ArchivePath, "")
	require.NoError(t, err)
	assert.Equal(t, []models.Component{models.ComponentConfig}, manifest.Components)
	assert.Equal(t, manifest.Root+"/owncloud.db", manifest.DumpFile)
	assert.Equal(t, models.DBKindSQLite, result.DBKind)
}

func TestBackup_SQLiteWithData(t *testing.T) {
	f := newFixture(t, sqliteConfig, false)
	ctx := context.Background()

	result, err := f.svc.Backup(ctx, models.BackupRequest{
		AppContainer: "nextcloud-app",
		Components:   []models.Component{models.ComponentConfig, models.ComponentData},
		OutputDir:    f.out,
	})

	require.NoError(t, err)
	manifest, _, err := f.archiver.Scan(ctx, result.ArchivePath, "")
	require.NoError(t, err)
	assert.Empty(t, manifest.DumpFile)
	assert.Equal(t, []models.Component{models.ComponentConfig, models.ComponentData}, manifest.Components)
}

func TestBackup_MissingOptionalComponentSkipped(t *testing.T) {
	f := newFixture(t, pgConfig, false)

	result, err := f.svc.Backup(context.Background(), models.BackupRequest{
		AppContainer: "nextcloud-app",
		Components:   []models.Component{models.ComponentConfig, models.ComponentCustomApps},
		OutputDir:    f.out,
	})

	require.NoError(t, err)
	assert.Equal(t, []models.Component{models.ComponentConfig}, result.Components)
}

func TestBackup_Encrypted(t *testing.T) {
	f := newFixture(t, pgConfig, false)
	ctx := context.Background()

	result, err := f.svc.Backup(ctx, models.BackupRequest{
		AppContainer: "nextcloud-app",
		OutputDir:    f.out,
		Encrypt:      true,
		Passphrase:   "right",
	})

	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.ArchivePath, ".tar.gz.gpg"))
	assert.Equal(t, models.VerificationOK, result.Verification)

	_, err = f.svc.Inspect(ctx, result.ArchivePath, "wrong")
	assert.ErrorIs(t, err, models.ErrBadPassphrase)
}

func TestBackup_EncryptWithoutPassphrase(t *testing.T) {
	f := newFixture(t, pgConfig, false)

	_, err := f.svc.Backup(context.Background(), models.BackupRequest{AppContainer: "a", OutputDir: f.out, Encrypt: true})

	assert.ErrorIs(t, err, models.ErrBadPassphrase)
}

func TestBackup_UnsupportedKind(t *testing.T) {
	f := newFixture(t, "<?php\n$CONFIG = array ( 'dbtype' => 'oci', );", false)

	_, err := f.svc.Backup(context.Background(), models.BackupRequest{AppContainer: "a", OutputDir: f.out})

	require.ErrorIs(t, err, models.ErrUnsupportedDBKind)
	require.Len(t, f.notifier.received, 1)
	assert.Equal(t, models.NotifyBackupFailed, f.notifier.received[0].Kind)
	assert.Equal(t, "profile", f.notifier.received[0].FailedStep)
}

func TestBackup_RuntimeNotReady(t *testing.T) {
	f := newFixture(t, pgConfig, false)
	f.driver.daemon = models.DaemonStatus{State: models.DaemonNotRunning, Remediation: "start docker"}

	_, err := f.svc.Backup(context.Background(), models.BackupRequest{AppContainer: "a", OutputDir: f.out})

	assert.ErrorIs(t, err, models.ErrRuntimeNotReady)
}

func TestBackup_DumpFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, pgConfig, false)
	f.dumper.dumpFunc = func(ctx context.Context, profile models.DatabaseProfile, dbContainer, outputPath string) (*models.DumpResult, error) {
		return &models.DumpResult{Error: errors.New("pg_dump exited with code 1: role does not exist")}, nil
	}

	_, err := f.svc.Backup(context.Background(), models.BackupRequest{AppContainer: "a", OutputDir: f.out})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "role does not exist")
	entries, _ := os.ReadDir(f.out)
	assert.Empty(t, entries)
	recs, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

type sealCheckStore struct {
	*history.SQLiteStore
	t *testing.T
}

func (s *sealCheckStore) Insert(ctx context.Context, rec *models.BackupRecord) error {
	assert.NoFileExists(s.t, rec.ArchivePath)
	assert.FileExists(s.t, rec.ArchivePath+partialSuffix)
	assert.Equal(s.t, models.VerificationUnverified, rec.Verification)
	return s.SQLiteStore.Insert(ctx, rec)
}

func TestBackup_RecordInsertedBeforeSeal(t *testing.T) {
	f := newFixture(t, pgConfig, false)
	f.svc.store = &sealCheckStore{SQLiteStore: f.store, t: t}

	result, err := f.svc.Backup(context.Background(), models.BackupRequest{AppContainer: "a", OutputDir: f.out})

	require.NoError(t, err)
	assert.FileExists(t, result.ArchivePath)
}

func TestTestRun_CleansUp(t *testing.T) {
	f := newFixture(t, pgConfig, true)

	err := f.svc.TestRun(context.Background(), models.BackupRequest{
		AppContainer: "a",
		Components:   []models.Component{models.ComponentData},
		OutputDir:    f.out,
	})

	require.NoError(t, err)
	entries, _ := os.ReadDir(f.out)
	assert.Empty(t, entries)
	recs, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, f.notifier.received)
}

func TestRotate(t *testing.T) {
	base := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		keep int
		want []int // indexes of surviving files, oldest first
	}{
		{"keep 3 of 5", 3, []int{2, 3, 4}},
		{"keep 0 is unlimited", 0, []int{0, 1, 2, 3, 4}},
		{"keep 1", 1, []int{4}},
		{"keep more than present", 10, []int{0, 1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, pgConfig, false)
			ctx := context.Background()

			var paths []string
			for i := 0; i < 5; i++ {
				// File names run opposite to mtimes so ordering must come from mtime.
				name := archive.FileName(base.Add(time.Duration(10-i)*time.Hour), i%2 == 0)
				p := filepath.Join(f.out, name)
				require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
				mtime := base.Add(time.Duration(i) * time.Minute)
				require.NoError(t, os.Chtimes(p, mtime, mtime))
				require.NoError(t, f.store.Insert(ctx, &models.BackupRecord{ArchivePath: p, DBKind: models.DBKindSQLite, CreatedAt: mtime}))
				paths = append(paths, p)
			}
			unrelated := filepath.Join(f.out, "notes.txt")
			require.NoError(t, os.WriteFile(unrelated, []byte("keep me"), 0o600))

			deleted, err := f.svc.Rotate(ctx, f.out, tt.keep)

			require.NoError(t, err)
			assert.Len(t, deleted, 5-len(tt.want))
			assert.FileExists(t, unrelated)

			var survivors []string
			for _, i := range tt.want {
				survivors = append(survivors, paths[i])
			}
			for i, p := range paths {
				if containsIndex(tt.want, i) {
					assert.FileExists(t, p)
				} else {
					assert.NoFileExists(t, p)
				}
			}

			recs, err := f.store.List(ctx)
			require.NoError(t, err)
			var recorded []string
			for _, r := range recs {
				recorded = append(recorded, r.ArchivePath)
			}
			assert.ElementsMatch(t, survivors, recorded)
		})
	}
}

func containsIndex(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func TestBackup_RotatesAfterVerifiedBackup(t *testing.T) {
	f := newFixture(t, pgConfig, false)
	ctx := context.Background()
	old := filepath.Join(f.out, archive.FileName(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), false))
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	result, err := f.svc.Backup(ctx, models.BackupRequest{AppContainer: "a", OutputDir: f.out, RotationKeep: 1})

	require.NoError(t, err)
	assert.Equal(t, []string{old}, result.Rotated)
	assert.NoFileExists(t, old)
	assert.FileExists(t, result.ArchivePath)
	assert.Equal(t, 1, f.notifier.received[0].Rotated)
}

func TestDumpCommand(t *testing.T) {
	args, env, err := DumpCommand(models.DatabaseProfile{Kind: models.DBKindPostgres, Name: "nc", User: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pg_dump", "-Fp", "--no-owner", "--no-privileges", "-U", "u", "-d", "nc"}, args)
	assert.Equal(t, "p", env["PGPASSWORD"])

	args, env, err = DumpCommand(models.DatabaseProfile{Kind: models.DBKindMariaDB, Name: "nc", User: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "mysqldump", args[0])
	assert.Contains(t, args, "--single-transaction")
	assert.NotContains(t, strings.Join(args, " "), "p@")
	assert.Equal(t, "p", env["MYSQL_PWD"])

	_, _, err = DumpCommand(models.DatabaseProfile{Kind: models.DBKindSQLite})
	assert.ErrorIs(t, err, models.ErrUnsupportedDBKind)

	assert.Equal(t, "nc.sql", DumpFileName(models.DatabaseProfile{Kind: models.DBKindMySQL, Name: "nc"}))
}

func TestContainerDumper(t *testing.T) {
	driver := &mockDriver{
		execFunc: func(ctx context.Context, name string, cmd []string, opts container.ExecOptions) (models.CommandResult, error) {
			assert.Equal(t, "db", name)
			_, _ = opts.Stdout.Write([]byte("-- dump\n"))
			return models.CommandResult{}, nil
		},
	}
	out := filepath.Join(t.TempDir(), "nc.sql")

	res, err := NewDumper(testLogger(), driver).Dump(context.Background(),
		models.DatabaseProfile{Kind: models.DBKindPostgres, Name: "nc", User: "u"}, "db", out)

	require.NoError(t, err)
	require.NoError(t, res.Error)
	assert.Equal(t, int64(8), res.SizeBytes)

	driver.execFunc = func(ctx context.Context, name string, cmd []string, opts container.ExecOptions) (models.CommandResult, error) {
		return models.CommandResult{ExitCode: 2, Stderr: "access denied"}, nil
	}
	res, err = NewDumper(testLogger(), driver).Dump(context.Background(),
		models.DatabaseProfile{Kind: models.DBKindMySQL, Name: "nc", User: "u"}, "db", out)

	require.NoError(t, err)
	require.Error(t, res.Error)
	assert.Contains(t, res.Error.Error(), "access denied")
	assert.NoFileExists(t, out)
}

func TestInspect(t *testing.T) {
	f := newFixture(t, pgConfig, false)
	ctx := context.Background()

	result, err := f.svc.Backup(ctx, models.BackupRequest{
		AppContainer: "nextcloud-app",
		OutputDir:    f.out,
		Encrypt:      true,
		Passphrase:   "right",
	})
	require.NoError(t, err)

	insp, err := f.svc.Inspect(ctx, result.ArchivePath, "right")

	require.NoError(t, err)
	assert.Equal(t, models.DBKindPostgres, insp.Profile.Kind)
	assert.Equal(t, "nextcloud_db", insp.Profile.Name)
	assert.Equal(t, "nextcloud-db", insp.Profile.HostName())
	assert.True(t, strings.HasSuffix(insp.ConfigPath, "config/config.php"))
	assert.Equal(t, "pgsql", insp.Raw["dbtype"])

	_, err = f.svc.Inspect(ctx, filepath.Join(f.out, "missing.tar.gz"), "")
	assert.Equal(t, models.KindArchiveIO, models.KindOf(err))
}
