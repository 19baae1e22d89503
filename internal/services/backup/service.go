// Package backup produces Nextcloud backup archives, rotates them and
// inspects them ahead of a restore.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/archive"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/fgeck/nextcloud-backup/internal/services/history"
	"github.com/fgeck/nextcloud-backup/internal/services/notify"
	"github.com/fgeck/nextcloud-backup/internal/services/phpconfig"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const partialSuffix = ".partial"

// Service defines the archive lifecycle operations.
type Service interface {
	Backup(ctx context.Context, req models.BackupRequest) (*models.BackupResult, error)
	TestRun(ctx context.Context, req models.BackupRequest) error
	Inspect(ctx context.Context, archivePath, passphrase string) (*models.InspectResult, error)
	Rotate(ctx context.Context, dir string, keep int) ([]string, error)
}

// Impl implements the backup Service interface.
type Impl struct {
	driver   container.Driver
	dumper   Dumper
	archiver archive.Service
	store    history.Store
	notifier notify.Notifier
	logger   zerolog.Logger
	tempDir  string
	hostname string
	now      func() time.Time
}

// New creates a new backup service.
func New(logger zerolog.Logger, driver container.Driver, store history.Store, notifier notify.Notifier) *Impl {
	return NewWithServices(logger, driver, NewDumper(logger, driver), archive.New(logger), store, notifier, os.TempDir())
}

// NewWithServices creates a new backup service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	driver container.Driver,
	dumper Dumper,
	archiver archive.Service,
	store history.Store,
	notifier notify.Notifier,
	tempDir string,
) *Impl {
	host, _ := os.Hostname()
	return &Impl{
		driver:   driver,
		dumper:   dumper,
		archiver: archiver,
		store:    store,
		notifier: notifier,
		logger:   logger,
		tempDir:  tempDir,
		hostname: host,
		now:      time.Now,
	}
}

// Backup runs the complete backup pipeline.
func (s *Impl) Backup(ctx context.Context, req models.BackupRequest) (*models.BackupResult, error) {
	return s.run(ctx, req, s.notifier != nil)
}

// TestRun produces a small config-only archive through the full pipeline and
// deletes it again.
func (s *Impl) TestRun(ctx context.Context, req models.BackupRequest) error {
	req.Components = []models.Component{models.ComponentConfig}
	req.RotationKeep = 0
	req.Note = "scheduler test run"
	req.FileName = "nextcloud-backup-test-" + s.now().Format(archive.TimestampLayout) + archive.PlainExtension
	if req.Encrypt {
		req.FileName += archive.EncryptedSuffix
	}

	result, err := s.run(ctx, req, false)
	if result != nil {
		if rmErr := os.Remove(result.ArchivePath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn().Err(rmErr).Str("archive", result.ArchivePath).Msg("failed to remove test archive")
		}
		if _, delErr := s.store.DeleteByPaths(ctx, []string{result.ArchivePath}); delErr != nil {
			s.logger.Warn().Err(delErr).Msg("failed to remove test history record")
		}
	}
	if err != nil {
		return err
	}

	s.logger.Info().Str("verification", string(result.Verification)).Msg("test run completed")
	return nil
}

//nolint:gocognit,gocyclo // numbered backup steps
func (s *Impl) run(ctx context.Context, req models.BackupRequest, sendNotification bool) (result *models.BackupResult, runErr error) {
	startTime := s.now()
	var failedStep string

	defer func() {
		if sendNotification {
			s.sendNotification(ctx, startTime, result, failedStep, runErr)
		}
	}()

	// Step 1: Plan
	failedStep = "plan"
	components := normalizeComponents(req.Components)
	if req.Encrypt && req.Passphrase == "" {
		return nil, models.NewError(models.KindArchiveAuth, models.SubBadPassphrase, "encryption requested without a passphrase")
	}
	outputDir, err := filepath.Abs(req.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolving output dir: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, writeErr(fmt.Errorf("creating output dir: %w", err))
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = archive.FileName(startTime, req.Encrypt)
	}
	finalPath := filepath.Join(outputDir, fileName)

	s.logger.Info().
		Str("app", req.AppContainer).
		Str("output", finalPath).
		Interface("components", components).
		Bool("encrypted", req.Encrypt).
		Msg("starting backup run")

	// Step 2: Container runtime
	failedStep = "runtime"
	if err := container.RuntimeError(s.driver.IsDaemonUp(ctx)); err != nil {
		return nil, err
	}

	stage, err := os.MkdirTemp(s.tempDir, fmt.Sprintf("nc-backup-%d-", startTime.UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(stage); err != nil {
			s.logger.Warn().Err(err).Str("path", stage).Msg("failed to remove staging dir")
		}
	}()

	// Step 3: Database profile
	failedStep = "profile"
	if err := s.copyOut(ctx, req.AppContainer, models.ComponentConfig.ContainerPath(""), filepath.Join(stage, "config")); err != nil {
		return nil, err
	}
	parsed, err := phpconfig.ParseFile(filepath.Join(stage, "config", "config.php"))
	if err != nil {
		return nil, models.WrapError(models.KindNoAuthoritativeConfig, "", err)
	}
	profile := parsed.Profile
	if !profile.Kind.Supported() {
		return nil, models.NewError(models.KindUnsupportedDBKind, "",
			fmt.Sprintf("dbtype %q is not supported", parsed.Raw[phpconfig.KeyDBType]))
	}

	// Step 4: Collect components and dump the database
	failedStep = "collect"
	entries, components, err := s.collect(ctx, req, profile, parsed.Raw, components, stage)
	if err != nil {
		return nil, err
	}

	// Step 5: Write the archive
	failedStep = "archive"
	partial := finalPath + partialSuffix
	size, err := s.archiver.Write(ctx, partial, entries, archive.WriteOptions{
		Root:       archive.RootName(fileName),
		Passphrase: passphraseIf(req.Encrypt, req.Passphrase),
		Progress:   req.Progress,
		Metadata: &models.ArchiveMetadata{
			Tool:       archive.ToolName,
			Version:    archive.Version,
			CreatedAt:  startTime.UTC(),
			DBKind:     profile.Kind,
			Components: components,
			Note:       req.Note,
		},
	})
	if err != nil {
		return nil, err
	}

	// Step 6: Record, then seal the archive under its final name
	failedStep = "record"
	rec := &models.BackupRecord{
		ArchivePath: finalPath,
		CreatedAt:   startTime.UTC(),
		SizeBytes:   size,
		Encrypted:   req.Encrypt,
		DBKind:      profile.Kind,
		Components:  components,
		Note:        req.Note,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		_ = os.Remove(partial)
		return nil, err
	}
	if err := os.Rename(partial, finalPath); err != nil {
		_ = os.Remove(partial)
		if _, delErr := s.store.DeleteByPaths(ctx, []string{finalPath}); delErr != nil {
			s.logger.Warn().Err(delErr).Msg("failed to drop record of unsealed archive")
		}
		return nil, writeErr(fmt.Errorf("sealing archive: %w", err))
	}

	result = &models.BackupResult{
		RecordID:    rec.ID,
		ArchivePath: finalPath,
		SizeBytes:   size,
		DBKind:      profile.Kind,
		Components:  components,
	}

	// Step 7: Verify
	failedStep = "verify"
	verification, detail := s.verify(ctx, finalPath, passphraseIf(req.Encrypt, req.Passphrase), profile.Kind)
	result.Verification = verification
	if err := s.store.UpdateVerification(ctx, rec.ID, verification, detail); err != nil {
		s.logger.Warn().Err(err).Uint("id", rec.ID).Msg("failed to record verification")
	}
	if verification != models.VerificationOK {
		result.Duration = time.Since(startTime)
		return result, models.NewError(models.KindArchiveIO, models.SubCorrupt, "archive verification failed: "+detail)
	}

	// Step 8: Rotate
	if req.RotationKeep > 0 {
		failedStep = "rotate"
		rotated, err := s.Rotate(ctx, outputDir, req.RotationKeep)
		result.Rotated = rotated
		if err != nil {
			result.Duration = time.Since(startTime)
			return result, err
		}
	}

	failedStep = ""
	result.Duration = time.Since(startTime)
	s.logger.Info().
		Str("archive", result.ArchivePath).
		Int64("size_bytes", result.SizeBytes).
		Str("verification", string(result.Verification)).
		Int("rotated", len(result.Rotated)).
		Dur("duration", result.Duration).
		Msg("backup run completed successfully")

	return result, nil
}

// collect copies the selected components out of the app container and dumps
// the database, in parallel. It returns the archive entries in archive order
// and the components actually present.
func (s *Impl) collect(
	ctx context.Context,
	req models.BackupRequest,
	profile models.DatabaseProfile,
	raw map[string]string,
	components []models.Component,
	stage string,
) ([]models.ArchiveEntry, []models.Component, error) {
	var (
		mu      sync.Mutex
		skipped = make(map[models.Component]bool)
		dumpRel string
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, c := range components {
		if c == models.ComponentConfig {
			continue
		}
		g.Go(func() error {
			err := s.copyOut(gctx, req.AppContainer, c.ContainerPath(profile.DataDirectory), filepath.Join(stage, string(c)))
			if err != nil && c != models.ComponentData && isMissingPath(err) {
				s.logger.Warn().Str("component", string(c)).Msg("component not present in container, skipping")
				mu.Lock()
				skipped[c] = true
				mu.Unlock()
				return nil
			}
			return err
		})
	}

	switch {
	case profile.Kind.NeedsContainer():
		dumpRel = DumpFileName(profile)
		dbContainer := req.DBContainer
		if dbContainer == "" {
			dbContainer = profile.HostName()
		}
		g.Go(func() error {
			res, err := s.dumper.Dump(gctx, profile, dbContainer, filepath.Join(stage, dumpRel))
			if err != nil {
				return err
			}
			return res.Error
		})
	case !contains(components, models.ComponentData):
		// sqlite lives inside data/; without it, archive the db file on its own.
		dumpRel = phpconfig.SQLiteFileName(raw)
		g.Go(func() error {
			return s.copyOut(gctx, req.AppContainer, profile.DataDirectory+"/"+dumpRel, filepath.Join(stage, dumpRel))
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		entries []models.ArchiveEntry
		present []models.Component
	)
	for _, c := range components {
		if skipped[c] {
			continue
		}
		present = append(present, c)
		entries = append(entries, models.ArchiveEntry{SourcePath: filepath.Join(stage, string(c)), ArchiveName: string(c)})
	}
	if dumpRel != "" {
		entries = append(entries, models.ArchiveEntry{SourcePath: filepath.Join(stage, dumpRel), ArchiveName: dumpRel})
	}
	return entries, present, nil
}

func (s *Impl) copyOut(ctx context.Context, name, src, dst string) error {
	res, err := s.driver.CopyOut(ctx, name, src, dst)
	if err != nil {
		return fmt.Errorf("copying %s:%s: %w", name, src, err)
	}
	if !res.OK() {
		return &copyError{src: name + ":" + src, stderr: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

type copyError struct {
	src    string
	stderr string
}

func (e *copyError) Error() string {
	return fmt.Sprintf("copying %s: %s", e.src, e.stderr)
}

func isMissingPath(err error) bool {
	var ce *copyError
	if !errors.As(err, &ce) {
		return false
	}
	lower := strings.ToLower(ce.stderr)
	return strings.Contains(lower, "no such file") || strings.Contains(lower, "could not find the file")
}

func (s *Impl) verify(ctx context.Context, path, passphrase string, want models.DBKind) (models.Verification, string) {
	res, err := s.archiver.Peek(ctx, path, passphrase)
	if err != nil {
		return models.VerificationFailed, err.Error()
	}
	parsed, err := phpconfig.Parse(res.Content)
	if err != nil {
		return models.VerificationFailed, "config.php: " + err.Error()
	}
	if parsed.Profile.Kind != want {
		return models.VerificationFailed, fmt.Sprintf("archived config reports %s, expected %s", parsed.Profile.Kind, want)
	}
	return models.VerificationOK, "authoritative config at " + res.ArchiveName
}

func (s *Impl) sendNotification(
	ctx context.Context,
	startTime time.Time,
	result *models.BackupResult,
	failedStep string,
	runErr error,
) {
	msg := models.Notification{
		Kind:      models.NotifyBackupSucceeded,
		Host:      s.hostname,
		StartTime: startTime,
		Duration:  time.Since(startTime),
	}
	if result != nil {
		msg.ArchivePath = result.ArchivePath
		msg.SizeBytes = result.SizeBytes
		msg.Verification = result.Verification
		msg.Rotated = len(result.Rotated)
		msg.Encrypted = archive.IsEncrypted(result.ArchivePath)
	}
	if runErr != nil {
		msg.Kind = models.NotifyBackupFailed
		msg.FailedStep = failedStep
		msg.ErrorMessage = runErr.Error()
	}

	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to send notification")
	}
}

// normalizeComponents dedupes and orders components; config is always included
// because restore cannot proceed without it.
func normalizeComponents(in []models.Component) []models.Component {
	want := map[models.Component]bool{models.ComponentConfig: true}
	for _, c := range in {
		want[c] = true
	}
	out := make([]models.Component, 0, len(want))
	for _, c := range models.AllComponents {
		if want[c] {
			out = append(out, c)
		}
	}
	return out
}

func contains(list []models.Component, c models.Component) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func passphraseIf(encrypt bool, passphrase string) string {
	if !encrypt {
		return ""
	}
	return passphrase
}

func writeErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return models.WrapError(models.KindArchiveIO, models.SubNoSpace, err)
	}
	return err
}
