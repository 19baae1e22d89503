package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/compose"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/fgeck/nextcloud-backup/internal/services/phpconfig"
	"golang.org/x/sync/errgroup"
)

const (
	copyParallelism   = 2
	heartbeatInterval = 500 * time.Millisecond

	dbImportLo = 62.0
	dbImportHi = 72.0
)

// extract unpacks the archive into the run's temp dir.
func (s *Impl) extract(ctx context.Context, r *run) error {
	dest := filepath.Join(r.tmp, "archive")
	manifest, err := s.archiver.Extract(ctx, r.req.ArchivePath, r.req.Passphrase, dest, func(p models.ExtractProgress) {
		frac := 0.0
		if p.TotalBytes > 0 {
			frac = float64(p.BytesRead) / float64(p.TotalBytes)
		}
		r.tr.update(frac, "extracting "+p.CurrentMember)
	})
	if err != nil {
		if isAuthErr(err) || ctx.Err() != nil {
			return err
		}
		return models.WrapError(models.KindExtractionFailed, "", err)
	}
	if manifest.ConfigPath == "" {
		return models.NewError(models.KindNoAuthoritativeConfig, "", "the archive has no config/config.php")
	}

	r.manifest = manifest
	r.root = filepath.Join(dest, filepath.FromSlash(manifest.Root))
	r.configPath = filepath.Join(dest, filepath.FromSlash(manifest.ConfigPath))
	r.tr.update(1, fmt.Sprintf("extracted %d members", manifest.Members))
	return nil
}

// provisionDB derives the profile from the extracted config, prepares host
// directories and the compose manifest, and ensures the db container.
func (s *Impl) provisionDB(ctx context.Context, r *run) error {
	parsed, err := phpconfig.ParseFile(r.configPath)
	if err != nil {
		return models.WrapError(models.KindNoAuthoritativeConfig, "", err)
	}
	if !parsed.Profile.Kind.Supported() {
		return models.NewError(models.KindUnsupportedDBKind, "",
			fmt.Sprintf("dbtype %q is not supported", parsed.Raw[phpconfig.KeyDBType]))
	}
	r.profile = parsed.Profile
	r.raw = parsed.Raw

	r.appName = firstNonEmpty(r.req.AppContainer, DefaultAppContainer)
	r.dbName = firstNonEmpty(r.req.DBContainer, r.appName+dbContainerSuffix)
	r.port = firstPositive(r.req.AppPort, s.settings.AppPort, compose.DefaultAppPort)
	workDir, err := filepath.Abs(firstNonEmpty(r.req.WorkDir, s.settings.WorkDir, "."))
	if err != nil {
		return fmt.Errorf("resolving work dir: %w", err)
	}
	r.workDir = workDir

	opts := compose.Options{
		AppContainer: r.appName,
		AppImage:     s.settings.AppImage,
		AppPort:      r.port,
		WorkDir:      r.workDir,
	}
	if r.profile.Kind.NeedsContainer() {
		opts.DBContainer = r.dbName
		opts.DBImage = s.dbImage(r.profile.Kind)
	}
	r.stack, err = compose.Plan(r.profile, opts)
	if err != nil {
		return err
	}

	dirs := []string{filepath.Join(r.workDir, compose.AppDataDir)}
	if r.stack.DB != nil {
		dirs = append(dirs, filepath.Join(r.workDir, compose.DBDataDir))
	}
	for _, dir := range dirs {
		if err := ensureDir(dir); err != nil {
			return err
		}
	}

	composePath, err := compose.WriteFile(s.composeDir, r.stack, r.workDir, s.now())
	if err != nil {
		return err
	}
	r.logger.Info().Str("path", composePath).Msg("compose manifest written")

	r.result = &models.RestoreResult{
		RunID:        r.tr.runID,
		Profile:      r.profile,
		AppContainer: r.appName,
		AppPort:      r.port,
		ComposePath:  composePath,
	}

	if r.stack.DB == nil {
		r.logger.Info().Msg("sqlite instance, no database container needed")
		r.tr.update(1, "sqlite instance, no database container needed")
		return nil
	}

	r.result.DBContainer = r.dbName
	return s.ensureDBContainer(ctx, r)
}

func (s *Impl) dbImage(kind models.DBKind) string {
	switch kind {
	case models.DBKindPostgres:
		return s.settings.PostgresImage
	default:
		return s.settings.MariaDBImage
	}
}

// ensureDir creates dir with mode 0755. Existing directories are accepted as-is.
func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	// MkdirAll is subject to the umask.
	return os.Chmod(dir, 0o755)
}

// ensureDBContainer reuses an existing container whose credentials match the
// profile, or starts a new one.
func (s *Impl) ensureDBContainer(ctx context.Context, r *run) error {
	db := r.stack.DB
	exists, err := s.driver.Exists(ctx, db.Name)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", db.Name, err)
	}

	if exists {
		env, err := s.driver.InspectEnv(ctx, db.Name)
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", db.Name, err)
		}
		for k, want := range compose.DBEnv(r.profile) {
			if env[k] != want {
				return &models.Error{
					Kind:    models.KindContainerStartFailed,
					Sub:     models.SubNameConflict,
					Message: fmt.Sprintf("container %s exists with different database settings (%s)", db.Name, k),
					Action:  "Remove the container or choose another database container name.",
				}
			}
		}
		r.logger.Info().Str("container", db.Name).Msg("reusing existing database container")
		r.tr.update(1, "reusing database container "+db.Name)
		return nil
	}

	if err := s.runContainer(ctx, r, *db, 0); err != nil {
		return err
	}
	r.tr.update(1, "database container "+db.Name+" started")
	return nil
}

// provisionApp starts the app container, linked to the db container when
// there is one. A missing link target is retried once without the link.
func (s *Impl) provisionApp(ctx context.Context, r *run) error {
	opts := r.stack.App
	err := s.runContainer(ctx, r, opts, r.port)
	if err == nil {
		r.tr.update(1, "app container "+opts.Name+" started")
		return nil
	}

	var e *models.Error
	if !errors.As(err, &e) || (e.Sub != models.SubLinkTargetMissing && !Benign(e)) {
		return err
	}
	if Benign(e) {
		r.logger.Info().Str("detail", e.Detail).Msg("expected for sqlite: no database container, starting without link")
	} else {
		r.logger.Warn().Str("detail", e.Detail).Msg("link target missing, retrying without link")
	}

	opts.Links = nil
	if err := s.runContainer(ctx, r, opts, r.port); err != nil {
		return err
	}
	r.tr.update(1, "app container "+opts.Name+" started")
	return nil
}

type copyItem struct {
	src   string
	dst   string
	size  int64
	isDir bool
}

// copyFiles copies every archived component into the app container.
func (s *Impl) copyFiles(ctx context.Context, r *run) error {
	var items []copyItem
	for _, c := range r.manifest.Components {
		src := filepath.Join(r.root, string(c))
		items = append(items, copyItem{src: src, dst: c.ContainerPath(r.profile.DataDirectory), size: treeSize(src), isDir: true})
	}
	// A sqlite db archived without the data component sits next to the components.
	if !r.profile.Kind.NeedsContainer() && r.manifest.DumpFile != "" && !hasComponent(r.manifest.Components, models.ComponentData) {
		src := filepath.Join(filepath.Dir(r.root), filepath.FromSlash(r.manifest.DumpFile))
		items = append(items, copyItem{src: src, dst: r.profile.DataDirectory + "/" + path.Base(r.manifest.DumpFile), size: treeSize(src)})
	}

	var total int64
	mkdirs := []string{"mkdir", "-p"}
	for _, it := range items {
		total += it.size
		if it.isDir {
			mkdirs = append(mkdirs, it.dst)
		} else {
			mkdirs = append(mkdirs, path.Dir(it.dst))
		}
	}
	if len(items) == 0 {
		r.tr.update(1, "nothing to copy")
		return nil
	}

	res, err := s.driver.Exec(ctx, r.appName, mkdirs, container.ExecOptions{User: "0"})
	if err != nil {
		return fmt.Errorf("preparing directories: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("preparing directories: %s", strings.TrimSpace(res.Stderr))
	}

	var copied atomic.Int64
	frac := func() float64 {
		if total == 0 {
			return 0
		}
		return float64(copied.Load()) / float64(total)
	}

	stop := make(chan struct{})
	start := time.Now()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.tr.update(frac(), fmt.Sprintf("copying files (%s elapsed)", time.Since(start).Round(time.Second)))
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(copyParallelism)
	for _, it := range items {
		g.Go(func() error {
			src := it.src
			if it.isDir {
				// "<dir>/." copies the contents rather than nesting the directory.
				src = it.src + string(filepath.Separator) + "."
			}
			res, err := s.driver.CopyIn(gctx, src, r.appName, it.dst)
			if err != nil {
				return fmt.Errorf("copying %s: %w", it.dst, err)
			}
			if !res.OK() {
				return fmt.Errorf("copying %s: %s", it.dst, strings.TrimSpace(res.Stderr))
			}
			copied.Add(it.size)
			r.tr.update(frac(), "copied "+it.dst)
			return nil
		})
	}
	err = g.Wait()
	close(stop)
	if err != nil {
		return err
	}

	r.logger.Info().Int("items", len(items)).Int64("bytes", total).Msg("files copied into app container")
	r.tr.update(1, "files copied")
	return nil
}

func hasComponent(list []models.Component, c models.Component) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func treeSize(root string) int64 {
	var n int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best effort
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				n += info.Size()
			}
		}
		return nil
	})
	return n
}

// RestoreCommand returns the client invocation that reads a dump on stdin.
func RestoreCommand(p models.DatabaseProfile) ([]string, map[string]string, error) {
	switch p.Kind {
	case models.DBKindPostgres:
		return []string{"psql", "-q", "-v", "ON_ERROR_STOP=1", "-U", p.User, "-d", p.Name},
			map[string]string{"PGPASSWORD": p.Password}, nil
	case models.DBKindMySQL, models.DBKindMariaDB:
		return []string{"mysql", "--user=" + p.User, p.Name},
			map[string]string{"MYSQL_PWD": p.Password}, nil
	default:
		return nil, nil, models.NewError(models.KindUnsupportedDBKind, "", fmt.Sprintf("no restore client for %q", p.Kind))
	}
}

// ReadyCommand returns a probe that succeeds once the server accepts connections.
func ReadyCommand(p models.DatabaseProfile) ([]string, map[string]string) {
	if p.Kind == models.DBKindPostgres {
		return []string{"pg_isready", "-U", p.User, "-d", p.Name}, nil
	}
	return []string{"mysqladmin", "ping", "--silent", "--user=" + p.User}, map[string]string{"MYSQL_PWD": p.Password}
}

// restoreDB imports the dump through the db container's client, or checks
// the copied sqlite file.
func (s *Impl) restoreDB(ctx context.Context, r *run) error {
	if !r.profile.Kind.NeedsContainer() {
		return s.verifySQLite(ctx, r)
	}

	if r.manifest.DumpFile == "" || path.Ext(r.manifest.DumpFile) != ".sql" {
		return models.NewError(models.KindDBRestoreFailed, "", "the archive has no database dump")
	}
	dumpPath := filepath.Join(filepath.Dir(r.root), filepath.FromSlash(r.manifest.DumpFile))

	probe, probeEnv := ReadyCommand(r.profile)
	attempts := s.settings.ReadinessAttempts
	err := retry(ctx, attempts, s.settings.ReadinessInterval, func() error {
		res, err := s.driver.Exec(ctx, r.dbName, probe, container.ExecOptions{Env: probeEnv})
		if err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("%s: %s", probe[0], strings.TrimSpace(res.Stderr+res.Stdout))
		}
		return nil
	}, func(n int, err error) {
		r.logger.Debug().Err(err).Int("attempt", n).Msg("database not ready yet")
		r.tr.update(float64(n)/float64(attempts)*(dbImportLo-60)/15, fmt.Sprintf("waiting for database (attempt %d/%d)", n+1, attempts))
	})
	if err != nil {
		return &models.Error{
			Kind:    models.KindDBRestoreFailed,
			Message: "the database container did not accept connections",
			Err:     err,
		}
	}

	f, err := os.Open(dumpPath) //nolint:gosec // path inside our extraction dir
	if err != nil {
		return models.WrapError(models.KindDBRestoreFailed, "", err)
	}
	defer func() { _ = f.Close() }()
	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	r.tr.at(dbImportLo, "importing "+path.Base(r.manifest.DumpFile))
	args, env, err := RestoreCommand(r.profile)
	if err != nil {
		return err
	}
	pr := &progressReader{r: f, total: size, fn: func(frac float64) {
		r.tr.at(dbImportLo+(dbImportHi-dbImportLo)*frac, "importing database")
	}}

	res, err := s.driver.Exec(ctx, r.dbName, args, container.ExecOptions{Env: env, Stdin: pr})
	if err != nil {
		return models.WrapError(models.KindDBRestoreFailed, "", err)
	}
	if !res.OK() {
		return &models.Error{
			Kind:    models.KindDBRestoreFailed,
			Message: fmt.Sprintf("%s exited with code %d", args[0], res.ExitCode),
			Detail:  res.Stderr,
		}
	}

	r.logger.Info().Str("dump", r.manifest.DumpFile).Int64("bytes", size).Msg("database restored")
	r.tr.at(dbImportHi, "database imported")
	r.tr.update(1, "database restored")
	return nil
}

func (s *Impl) verifySQLite(ctx context.Context, r *run) error {
	dbFile := r.profile.DataDirectory + "/" + phpconfig.SQLiteFileName(r.raw)
	r.tr.at(dbImportLo, "verifying sqlite database")

	res, err := s.driver.Exec(ctx, r.appName, []string{"test", "-f", dbFile}, container.ExecOptions{User: "0"})
	if err != nil {
		return models.WrapError(models.KindDBRestoreFailed, "", err)
	}
	if !res.OK() {
		return models.NewError(models.KindDBRestoreFailed, "", "sqlite database "+dbFile+" is missing after the file copy")
	}
	r.tr.update(1, "sqlite database in place")
	return nil
}

// progressReader reports the fraction of total read, in steps of at least 1%.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  float64
	fn    func(frac float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		frac := float64(p.read) / float64(p.total)
		if frac-p.last >= 0.01 || errors.Is(err, io.EOF) {
			p.last = frac
			p.fn(clamp(frac))
		}
	}
	return n, err
}

// patchConfig points config.php at the new db container and applies the
// requested trusted domains, then installs it in the app container.
func (s *Impl) patchConfig(ctx context.Context, r *run) error {
	content, err := os.ReadFile(r.configPath)
	if err != nil {
		return fmt.Errorf("reading extracted config.php: %w", err)
	}

	opts := phpconfig.PatchOptions{TrustedDomains: r.req.TrustedDomains}
	if r.profile.Kind.NeedsContainer() {
		host := r.dbName
		opts.DBHost = &host
	}
	patched, err := phpconfig.Patch(content, opts)
	if err != nil {
		return models.WrapError(models.KindNoAuthoritativeConfig, "", err)
	}
	check, err := phpconfig.Parse(patched)
	if err != nil {
		return fmt.Errorf("patched config.php no longer parses: %w", err)
	}
	if want := phpconfig.Patched(r.profile, opts); !reflect.DeepEqual(check.Profile, want) {
		return fmt.Errorf("patched config.php describes %+v, want %+v", redact(check.Profile), redact(want))
	}
	r.tr.update(0.4, "config.php patched")

	local := filepath.Join(r.tmp, "config.php")
	if err := os.WriteFile(local, patched, 0o600); err != nil {
		return fmt.Errorf("writing patched config.php: %w", err)
	}
	res, err := s.driver.CopyIn(ctx, local, r.appName, models.WebRoot+"/config/config.php")
	if err != nil {
		return fmt.Errorf("installing config.php: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("installing config.php: %s", strings.TrimSpace(res.Stderr))
	}

	r.logger.Info().
		Bool("dbhost_changed", opts.DBHost != nil).
		Bool("trusted_domains_changed", opts.TrustedDomains != nil).
		Msg("config.php installed")
	r.tr.update(1, "config.php installed")
	return nil
}

func redact(p models.DatabaseProfile) models.DatabaseProfile {
	if p.Password != "" {
		p.Password = "***"
	}
	return p
}

// fixPermissions gives the web user ownership of the restored tree.
func (s *Impl) fixPermissions(ctx context.Context, r *run) error {
	owner := s.settings.WebUser + ":" + s.settings.WebUser
	dataDir := r.profile.DataDirectory
	cmds := [][]string{{"chown", "-R", owner, models.WebRoot}}
	if !strings.HasPrefix(dataDir, models.WebRoot+"/") {
		cmds = append(cmds, []string{"chown", "-R", owner, dataDir})
	}
	cmds = append(cmds,
		[]string{"chmod", "0770", dataDir},
		[]string{"chmod", "0640", models.WebRoot + "/config/config.php"},
	)

	for i, cmd := range cmds {
		res, err := s.driver.Exec(ctx, r.appName, cmd, container.ExecOptions{User: "0"})
		if err != nil {
			return fmt.Errorf("%s: %w", cmd[0], err)
		}
		if !res.OK() {
			return fmt.Errorf("%s %s: %s", cmd[0], cmd[len(cmd)-1], strings.TrimSpace(res.Stderr))
		}
		r.tr.update(float64(i+1)/float64(len(cmds)), strings.Join(cmd, " "))
	}
	return nil
}

// validate restarts the app container and waits until it serves HTTP.
func (s *Impl) validate(ctx context.Context, r *run) error {
	res, err := s.driver.Restart(ctx, r.appName)
	if err != nil {
		return fmt.Errorf("restarting %s: %w", r.appName, err)
	}
	if !res.OK() {
		e := s.startFailure(res.Stderr, !r.profile.Kind.NeedsContainer(), r.appName, r.port)
		if !Benign(e) {
			return e
		}
		r.logger.Info().Str("detail", e.Detail).Msg("expected for sqlite: no database container")
	}
	r.tr.update(0.2, "app container restarted")

	url := fmt.Sprintf("http://localhost:%d/", r.port)
	attempts := s.settings.ReadinessAttempts
	err = waitHTTP(ctx, s.httpClient, url, attempts, s.settings.ReadinessInterval, func(n int, err error) {
		r.logger.Debug().Err(err).Int("attempt", n).Msg("instance not ready yet")
		r.tr.update(0.2+0.7*float64(n)/float64(attempts), fmt.Sprintf("waiting for %s (attempt %d/%d)", url, n+1, attempts))
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e := &models.Error{
			Kind:    models.KindContainerStartFailed,
			Sub:     models.SubOther,
			Message: fmt.Sprintf("the restored instance did not answer at %s", url),
			Err:     err,
		}
		if logs, lerr := s.driver.LogsTail(ctx, r.appName, 20); lerr == nil {
			e.Detail = strings.TrimSpace(logs.Stdout + "\n" + logs.Stderr)
		}
		return e
	}

	r.logger.Info().Str("url", url).Msg("restored instance is ready")
	return nil
}
