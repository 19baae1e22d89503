package restore

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/archive"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/fgeck/nextcloud-backup/internal/services/phpconfig"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pgConfig = `<?php
$CONFIG = array (
  'trusted_domains' =>
  array (
    0 => 'old.example.com',
  ),
  'dbtype' => 'pgsql',
  'dbname' => 'nextcloud_db',
  'dbuser' => 'nc',
  'dbpassword' => 'secret',
  'dbhost' => 'nextcloud-db:5432',
  'datadirectory' => '/var/www/html/data',
  'instanceid' => 'oc1234',
);
`

const sqliteConfig = `<?php
$CONFIG = array (
  'dbtype' => 'sqlite3',
  'datadirectory' => '/var/www/html/data',
);
`

const pgDump = "CREATE TABLE t (id int);\nINSERT INTO t VALUES (1);\n"

// fakeRuntime models containers as directories on the host.
type fakeRuntime struct {
	t          *testing.T
	mu         sync.Mutex
	base       string
	containers map[string]models.RunOptions
	runs       []models.RunOptions
	removed    []string
	execs      [][]string
	stdin      map[string][]byte
	runFunc    func(opts models.RunOptions) (models.CommandResult, bool)
	execFunc   func(name string, cmd []string) (models.CommandResult, bool)
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	return &fakeRuntime{
		t:          t,
		base:       t.TempDir(),
		containers: map[string]models.RunOptions{},
		stdin:      map[string][]byte{},
	}
}

func (f *fakeRuntime) fsPath(name, p string) string {
	return filepath.Join(f.base, name, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

func (f *fakeRuntime) Run(ctx context.Context, opts models.RunOptions) (models.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, opts)
	if f.runFunc != nil {
		if res, handled := f.runFunc(opts); handled {
			return res, nil
		}
	}
	if _, ok := f.containers[opts.Name]; ok {
		return models.CommandResult{ExitCode: 125, Stderr: `Conflict. The container name "/` + opts.Name + `" is already in use by container "abc"`}, nil
	}
	f.containers[opts.Name] = opts
	return models.CommandResult{}, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, name string, cmd []string, opts container.ExecOptions) (models.CommandResult, error) {
	f.mu.Lock()
	f.execs = append(f.execs, append([]string{name}, cmd...))
	execFunc := f.execFunc
	f.mu.Unlock()

	if opts.Stdin != nil {
		data, err := io.ReadAll(opts.Stdin)
		require.NoError(f.t, err)
		f.mu.Lock()
		f.stdin[name] = append(f.stdin[name], data...)
		f.mu.Unlock()
	}
	if execFunc != nil {
		if res, handled := execFunc(name, cmd); handled {
			return res, nil
		}
	}
	switch cmd[0] {
	case "mkdir":
		for _, d := range cmd[2:] {
			require.NoError(f.t, os.MkdirAll(f.fsPath(name, d), 0o755))
		}
	case "test":
		if _, err := os.Stat(f.fsPath(name, cmd[2])); err != nil {
			return models.CommandResult{ExitCode: 1}, nil
		}
	}
	return models.CommandResult{}, nil
}

func (f *fakeRuntime) CopyIn(ctx context.Context, src, name, dst string) (models.CommandResult, error) {
	target := f.fsPath(name, dst)
	if strings.HasSuffix(src, string(filepath.Separator)+".") {
		require.NoError(f.t, copyTree(strings.TrimSuffix(src, string(filepath.Separator)+"."), target))
		return models.CommandResult{}, nil
	}
	require.NoError(f.t, copyTree(src, target))
	return models.CommandResult{}, nil
}

func (f *fakeRuntime) CopyOut(ctx context.Context, name, src, dst string) (models.CommandResult, error) {
	return models.CommandResult{}, nil
}

func (f *fakeRuntime) InspectEnv(ctx context.Context, name string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name].Env, nil
}

func (f *fakeRuntime) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok, nil
}

func (f *fakeRuntime) PS(ctx context.Context, all bool) ([]models.ContainerInfo, error) {
	return nil, nil
}

func (f *fakeRuntime) LogsTail(ctx context.Context, name string, lines int) (models.CommandResult, error) {
	return models.CommandResult{Stdout: "apache started"}, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string, force bool) (models.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	delete(f.containers, name)
	return models.CommandResult{}, nil
}

func (f *fakeRuntime) Restart(ctx context.Context, name string) (models.CommandResult, error) {
	return models.CommandResult{}, nil
}

func (f *fakeRuntime) IsDaemonUp(ctx context.Context) models.DaemonStatus {
	return models.DaemonStatus{State: models.DaemonOK}
}

func (f *fakeRuntime) ImagePull(ctx context.Context, image string) (models.CommandResult, error) {
	return models.CommandResult{}, nil
}

type mockHTTPClient struct {
	mu       sync.Mutex
	statuses []int
	calls    int
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code := http.StatusFound
	if len(m.statuses) > 0 {
		code = m.statuses[min(m.calls, len(m.statuses)-1)]
	}
	m.calls++
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(""))}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (s *recordingSink) Emit(ev models.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) last() models.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func (s *recordingSink) assertMonotonic(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 1; i < len(s.events); i++ {
		assert.GreaterOrEqual(t, s.events[i].Percent, s.events[i-1].Percent, "event %d (%s)", i, s.events[i].Message)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
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

// makeArchive writes a backup archive holding the given files, keyed by
// archive-relative path below the root directory.
func makeArchive(t *testing.T, files map[string][]byte, passphrase string) string {
	t.Helper()
	src := t.TempDir()
	tops := map[string]bool{}
	for rel, data := range files {
		p := filepath.Join(src, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
		tops[strings.SplitN(rel, "/", 2)[0]] = true
	}
	var entries []models.ArchiveEntry
	for top := range tops {
		entries = append(entries, models.ArchiveEntry{SourcePath: filepath.Join(src, top), ArchiveName: top})
	}

	name := archive.FileName(time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC), passphrase != "")
	dest := filepath.Join(t.TempDir(), name)
	_, err := archive.NewWithTempDir(testLogger(), t.TempDir()).Write(context.Background(), dest, entries, archive.WriteOptions{
		Root:       archive.RootName(name),
		Passphrase: passphrase,
	})
	require.NoError(t, err)
	return dest
}

type restoreFixture struct {
	svc     *Impl
	rt      *fakeRuntime
	http    *mockHTTPClient
	sink    *recordingSink
	tempDir string
	compose string
	workDir string
}

func newRestoreFixture(t *testing.T) *restoreFixture {
	t.Helper()
	f := &restoreFixture{
		rt:      newFakeRuntime(t),
		http:    &mockHTTPClient{},
		sink:    &recordingSink{},
		tempDir: t.TempDir(),
		compose: filepath.Join(t.TempDir(), "compose"),
		workDir: t.TempDir(),
	}
	f.svc = NewWithServices(testLogger(), f.rt, archive.NewWithTempDir(testLogger(), t.TempDir()), nil, f.http,
		models.RestoreSettings{ReadinessAttempts: 3, ReadinessInterval: time.Millisecond},
		f.compose, f.tempDir)
	f.svc.portFree = func(int) bool { return true }
	return f
}

func (f *restoreFixture) request(archivePath string) models.RestoreRequest {
	return models.RestoreRequest{
		ArchivePath:  archivePath,
		AppContainer: "nc-app",
		DBContainer:  "nc-db",
		AppPort:      8080,
		WorkDir:      f.workDir,
	}
}

func (f *restoreFixture) assertTempEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestore_PostgresRoundTrip(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{
		"config/config.php":      []byte(pgConfig),
		"data/admin/files/a.txt": []byte("alpha"),
		"apps/files/appinfo.xml": []byte("<info/>"),
		"nextcloud_db.sql":       []byte(pgDump),
	}, "")

	result, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	require.NoError(t, err)
	assert.Equal(t, models.DBKindPostgres, result.Profile.Kind)
	assert.Equal(t, "nc-db", result.DBContainer)
	assert.Len(t, f.rt.containers, 2)
	assert.Equal(t, "postgres:15", f.rt.containers["nc-db"].Image)
	assert.Equal(t, []string{"nc-db"}, f.rt.containers["nc-app"].Links)
	assert.Equal(t, pgDump, string(f.rt.stdin["nc-db"]))

	got, err := os.ReadFile(f.rt.fsPath("nc-app", "/var/www/html/data/admin/files/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))
	assert.FileExists(t, f.rt.fsPath("nc-app", "/var/www/html/apps/files/appinfo.xml"))

	cfg, err := os.ReadFile(f.rt.fsPath("nc-app", "/var/www/html/config/config.php"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "'dbhost' => 'nc-db'")
	assert.Contains(t, string(cfg), "old.example.com")
	assert.Contains(t, string(cfg), "'instanceid' => 'oc1234'")

	assert.DirExists(t, filepath.Join(f.workDir, "nextcloud-data"))
	assert.DirExists(t, filepath.Join(f.workDir, "db-data"))
	assert.FileExists(t, result.ComposePath)

	last := f.sink.last()
	assert.Equal(t, models.PhaseDone, last.Phase)
	assert.Equal(t, 100.0, last.Percent)
	f.sink.assertMonotonic(t)
	f.assertTempEmpty(t)
	assert.False(t, f.svc.Running())
}

func TestRestore_SQLiteCreatesOnlyApp(t *testing.T) {
	f := newRestoreFixture(t)
	db := make([]byte, 1<<20)
	_, err := rand.Read(db)
	require.NoError(t, err)
	src := makeArchive(t, map[string][]byte{
		"config/config.php": []byte(sqliteConfig),
		"data/owncloud.db":  db,
	}, "")

	result, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	require.NoError(t, err)
	assert.Empty(t, result.DBContainer)
	require.Len(t, f.rt.containers, 1)
	assert.Contains(t, f.rt.containers, "nc-app")
	for _, run := range f.rt.runs {
		assert.NotEqual(t, "nc-db", run.Name)
		assert.Empty(t, run.Links)
	}
	assert.NoDirExists(t, filepath.Join(f.workDir, "db-data"))

	got, err := os.ReadFile(f.rt.fsPath("nc-app", "/var/www/html/data/owncloud.db"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(db, got))

	cfg, err := os.ReadFile(f.rt.fsPath("nc-app", "/var/www/html/config/config.php"))
	require.NoError(t, err)
	assert.NotContains(t, string(cfg), "dbhost")

	assert.Equal(t, 100.0, f.sink.last().Percent)
	f.sink.assertMonotonic(t)
}

func TestRestore_SQLiteLinkErrorIsBenign(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{
		"config/config.php": []byte(sqliteConfig),
		"data/owncloud.db":  []byte("db"),
	}, "")
	first := true
	f.rt.runFunc = func(opts models.RunOptions) (models.CommandResult, bool) {
		if first {
			first = false
			return models.CommandResult{ExitCode: 125, Stderr: "Error response from daemon: Could not find container for link nc-db"}, true
		}
		return models.CommandResult{}, false
	}

	_, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	require.NoError(t, err)
	assert.Len(t, f.rt.containers, 1)
}

func TestRestore_PortConflict(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{
		"config/config.php": []byte(pgConfig),
		"data/x":            []byte("x"),
		"nextcloud_db.sql":  []byte(pgDump),
	}, "")
	f.rt.runFunc = func(opts models.RunOptions) (models.CommandResult, bool) {
		if opts.Name == "nc-app" {
			return models.CommandResult{
				ExitCode: 125,
				Stderr:   "docker: Error response from daemon: driver failed programming external connectivity: Bind for 0.0.0.0:8080 failed: port is already allocated.",
			}, true
		}
		return models.CommandResult{}, false
	}

	_, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	require.ErrorIs(t, err, models.ErrPortConflict)
	var e *models.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 8081, e.SuggestedPort)
	assert.NotContains(t, f.rt.containers, "nc-app")
	assert.Contains(t, f.rt.removed, "nc-app")

	last := f.sink.last()
	assert.Equal(t, models.PhaseFailed, last.Phase)
	assert.ErrorIs(t, last.Err, models.ErrPortConflict)
	f.sink.assertMonotonic(t)
	f.assertTempEmpty(t)
}

func TestRestore_LinkTargetMissingRetriesWithoutLink(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{
		"config/config.php": []byte(pgConfig),
		"nextcloud_db.sql":  []byte(pgDump),
	}, "")
	f.rt.runFunc = func(opts models.RunOptions) (models.CommandResult, bool) {
		if opts.Name == "nc-app" && len(opts.Links) > 0 {
			return models.CommandResult{ExitCode: 125, Stderr: "Error response from daemon: could not get container for nc-db"}, true
		}
		return models.CommandResult{}, false
	}

	_, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	require.NoError(t, err)
	assert.Empty(t, f.rt.containers["nc-app"].Links)
	assert.Len(t, f.rt.containers, 2)
}

func TestRestore_ReusesMatchingDBContainer(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{
		"config/config.php": []byte(pgConfig),
		"nextcloud_db.sql":  []byte(pgDump),
	}, "")
	f.rt.containers["nc-db"] = models.RunOptions{Name: "nc-db", Env: map[string]string{
		"POSTGRES_DB": "nextcloud_db", "POSTGRES_USER": "nc", "POSTGRES_PASSWORD": "secret",
	}}

	_, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	require.NoError(t, err)
	for _, run := range f.rt.runs {
		assert.NotEqual(t, "nc-db", run.Name)
	}
}

func TestRestore_DBContainerWithOtherCredentials(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{
		"config/config.php": []byte(pgConfig),
		"nextcloud_db.sql":  []byte(pgDump),
	}, "")
	f.rt.containers["nc-db"] = models.RunOptions{Name: "nc-db", Env: map[string]string{"POSTGRES_USER": "someone"}}

	_, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	assert.ErrorIs(t, err, &models.Error{Kind: models.KindContainerStartFailed, Sub: models.SubNameConflict})
}

func TestRestore_DBImportFailure(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{
		"config/config.php": []byte(pgConfig),
		"nextcloud_db.sql":  []byte(pgDump),
	}, "")
	f.rt.execFunc = func(name string, cmd []string) (models.CommandResult, bool) {
		if cmd[0] == "psql" {
			return models.CommandResult{ExitCode: 3, Stderr: `ERROR:  relation "t" already exists`}, true
		}
		return models.CommandResult{}, false
	}

	_, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	require.ErrorIs(t, err, models.ErrDBRestoreFailed)
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, models.PhaseFailed, f.sink.last().Phase)
}

func TestRestore_DBNeverReady(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{
		"config/config.php": []byte(pgConfig),
		"nextcloud_db.sql":  []byte(pgDump),
	}, "")
	f.rt.execFunc = func(name string, cmd []string) (models.CommandResult, bool) {
		if cmd[0] == "pg_isready" {
			return models.CommandResult{ExitCode: 2, Stderr: "no response"}, true
		}
		return models.CommandResult{}, false
	}

	_, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	assert.ErrorIs(t, err, models.ErrDBRestoreFailed)
}

func TestRestore_TrustedDomains(t *testing.T) {
	tests := []struct {
		name    string
		domains []string
		want    []string
		notWant []string
	}{
		{"nil preserves", nil, []string{"old.example.com"}, nil},
		{"non-empty overwrites", []string{"cloud.example.com"}, []string{"cloud.example.com"}, []string{"old.example.com"}},
		{"ipv6 literals", []string{"[::1]", "[fd00::10]:8443"}, []string{"[::1]", "[fd00::10]:8443"}, []string{"old.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRestoreFixture(t)
			src := makeArchive(t, map[string][]byte{
				"config/config.php": []byte(pgConfig),
				"nextcloud_db.sql":  []byte(pgDump),
			}, "")
			req := f.request(src)
			req.TrustedDomains = tt.domains

			_, err := f.svc.Restore(context.Background(), req, f.sink)

			require.NoError(t, err)
			cfg, err := os.ReadFile(f.rt.fsPath("nc-app", "/var/www/html/config/config.php"))
			require.NoError(t, err)
			for _, d := range tt.want {
				assert.Contains(t, string(cfg), "'"+d+"'")
			}
			for _, d := range tt.notWant {
				assert.NotContains(t, string(cfg), d)
			}
			parsed, err := phpconfig.Parse(cfg)
			require.NoError(t, err)
			assert.Equal(t, "nc-db", parsed.Profile.Host)
			assert.Equal(t, tt.want, parsed.Profile.TrustedDomains)
		})
	}
}

func TestRestore_WrongPassphrase(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{"config/config.php": []byte(sqliteConfig)}, "right")
	req := f.request(src)
	req.Passphrase = "wrong"

	_, err := f.svc.Restore(context.Background(), req, f.sink)

	assert.ErrorIs(t, err, models.ErrBadPassphrase)
	assert.Empty(t, f.rt.runs)
	assert.Equal(t, models.PhaseFailed, f.sink.last().Phase)
	f.assertTempEmpty(t)
}

func TestRestore_CorruptArchive(t *testing.T) {
	f := newRestoreFixture(t)
	src := filepath.Join(t.TempDir(), archive.FileName(time.Now(), false))
	require.NoError(t, os.WriteFile(src, []byte("not a gzip stream"), 0o600))

	_, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	assert.Equal(t, models.KindExtractionFailed, models.KindOf(err))
	f.assertTempEmpty(t)
}

func TestRestore_NotReady(t *testing.T) {
	f := newRestoreFixture(t)
	f.http.statuses = []int{http.StatusServiceUnavailable}
	src := makeArchive(t, map[string][]byte{
		"config/config.php": []byte(sqliteConfig),
		"data/owncloud.db":  []byte("db"),
	}, "")

	_, err := f.svc.Restore(context.Background(), f.request(src), f.sink)

	require.ErrorIs(t, err, models.ErrContainerStartFailed)
	var e *models.Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Detail, "apache started")
	assert.Equal(t, 3, f.http.calls)
}

func TestRestore_OneAtATime(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{
		"config/config.php": []byte(sqliteConfig),
		"data/owncloud.db":  []byte("db"),
	}, "")
	entered := make(chan struct{})
	release := make(chan struct{})
	f.rt.runFunc = func(opts models.RunOptions) (models.CommandResult, bool) {
		close(entered)
		<-release
		return models.CommandResult{}, false
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Restore(context.Background(), f.request(src), f.sink)
		done <- err
	}()
	<-entered

	assert.True(t, f.svc.Running())
	_, err := f.svc.Restore(context.Background(), f.request(src), nil)
	assert.ErrorIs(t, err, models.ErrRestoreInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.svc.Running())
}

func TestRestore_Cancelled(t *testing.T) {
	f := newRestoreFixture(t)
	src := makeArchive(t, map[string][]byte{"config/config.php": []byte(sqliteConfig)}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Restore(ctx, f.request(src), f.sink)

	assert.ErrorIs(t, err, context.Canceled)
	f.assertTempEmpty(t)
}
