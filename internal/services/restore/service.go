// Package restore rebuilds a Nextcloud instance from a backup archive on the
// local container runtime.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/archive"
	"github.com/fgeck/nextcloud-backup/internal/services/compose"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/fgeck/nextcloud-backup/internal/services/notify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Default names of restored containers.
const (
	DefaultAppContainer = "nextcloud-restored"
	dbContainerSuffix   = "-db"

	defaultReadinessAttempts = 8
	defaultReadinessInterval = 2 * time.Second
	defaultWebUser           = "www-data"
)

// Service defines the restore operations.
type Service interface {
	Restore(ctx context.Context, req models.RestoreRequest, sink Sink) (*models.RestoreResult, error)
	Running() bool
}

// Impl implements the restore Service interface. One Impl runs at most one
// restore at a time.
type Impl struct {
	driver     container.Driver
	archiver   archive.Service
	notifier   notify.Notifier
	httpClient HTTPClient
	logger     zerolog.Logger
	settings   models.RestoreSettings
	composeDir string
	tempDir    string
	portFree   func(port int) bool
	now        func() time.Time
	running    atomic.Bool
}

// New creates a new restore service.
func New(logger zerolog.Logger, driver container.Driver, notifier notify.Notifier, settings models.RestoreSettings, composeDir string) *Impl {
	return NewWithServices(logger, driver, archive.New(logger), notifier, newHTTPClient(), settings, composeDir, os.TempDir())
}

// NewWithServices creates a new restore service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	driver container.Driver,
	archiver archive.Service,
	notifier notify.Notifier,
	httpClient HTTPClient,
	settings models.RestoreSettings,
	composeDir string,
	tempDir string,
) *Impl {
	if settings.ReadinessAttempts <= 0 {
		settings.ReadinessAttempts = defaultReadinessAttempts
	}
	if settings.ReadinessInterval <= 0 {
		settings.ReadinessInterval = defaultReadinessInterval
	}
	if settings.WebUser == "" {
		settings.WebUser = defaultWebUser
	}
	return &Impl{
		driver:     driver,
		archiver:   archiver,
		notifier:   notifier,
		httpClient: httpClient,
		logger:     logger,
		settings:   settings,
		composeDir: composeDir,
		tempDir:    tempDir,
		portFree:   PortFree,
		now:        time.Now,
	}
}

// Running reports whether a restore is in flight.
func (s *Impl) Running() bool {
	return s.running.Load()
}

// run is the mutable state of one restore.
type run struct {
	req    models.RestoreRequest
	tr     *tracker
	logger zerolog.Logger

	tmp        string
	root       string // extracted archive root directory
	configPath string // extracted authoritative config.php
	manifest   *models.ArchiveManifest

	profile models.DatabaseProfile
	raw     map[string]string
	stack   *compose.Stack
	appName string
	dbName  string
	port    int
	workDir string

	result *models.RestoreResult
}

type step struct {
	phase models.Phase
	msg   string
	fn    func(ctx context.Context, r *run) error
}

// Restore runs the complete restore state machine. Progress is reported to
// sink; the last event is either done at 100 or failed. Containers created
// before a failure are left in place.
func (s *Impl) Restore(ctx context.Context, req models.RestoreRequest, sink Sink) (result *models.RestoreResult, runErr error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, models.NewError(models.KindRestoreInProgress, "", "")
	}
	defer s.running.Store(false)

	startTime := s.now()
	r := &run{req: req, tr: newTracker(uuid.NewString(), sink, s.now)}
	r.logger = s.logger.With().Str("run_id", r.tr.runID).Logger()

	r.logger.Info().
		Str("archive", req.ArchivePath).
		Str("app", req.AppContainer).
		Int("port", req.AppPort).
		Msg("starting restore run")

	defer func() {
		if runErr != nil {
			phase, pct := r.tr.current()
			r.tr.fail(runErr)
			r.logger.Error().
				Err(runErr).
				Str("phase", string(phase)).
				Float64("percent", pct).
				Msg("restore run failed")
			s.sendNotification(ctx, startTime, phase, runErr)
			return
		}
		r.tr.done("restore complete")
		r.logger.Info().
			Str("app", result.AppContainer).
			Int("port", result.AppPort).
			Dur("duration", result.Duration).
			Msg("restore run completed successfully")
		s.sendNotification(ctx, startTime, "", nil)
	}()

	tmp, err := os.MkdirTemp(s.tempDir, fmt.Sprintf("nc-restore-%d-", startTime.UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("creating extraction dir: %w", err)
	}
	r.tmp = tmp
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			r.logger.Warn().Err(err).Str("path", tmp).Msg("failed to remove extraction dir")
		}
	}()

	steps := []step{
		{models.PhaseExtracting, "extracting archive", s.extract},
		{models.PhaseProvisioningDB, "provisioning database container", s.provisionDB},
		{models.PhaseProvisioningApp, "provisioning app container", s.provisionApp},
		{models.PhaseCopyingFiles, "copying files into the app container", s.copyFiles},
		{models.PhaseRestoringDB, "restoring database", s.restoreDB},
		{models.PhasePatchingConfig, "patching config.php", s.patchConfig},
		{models.PhaseFixingPermissions, "fixing ownership and permissions", s.fixPermissions},
		{models.PhaseValidating, "restarting and waiting for the instance", s.validate},
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.tr.enter(st.phase, st.msg); err != nil {
			return nil, err
		}
		r.logger.Info().Str("phase", string(st.phase)).Msg(st.msg)
		if err := st.fn(ctx, r); err != nil {
			return nil, err
		}
	}

	r.result.Duration = time.Since(startTime)
	return r.result, nil
}

func (s *Impl) sendNotification(ctx context.Context, startTime time.Time, phase models.Phase, runErr error) {
	if s.notifier == nil {
		return
	}
	msg := models.Notification{
		Kind:      models.NotifyRestoreFinished,
		StartTime: startTime,
		Duration:  time.Since(startTime),
	}
	if runErr != nil {
		msg.FailedStep = string(phase)
		msg.ErrorMessage = runErr.Error()
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to send notification")
	}
}

// startFailure classifies a failed container start. Port conflicts carry a
// suggested free port.
func (s *Impl) startFailure(stderr string, sqlite bool, name string, port int) *models.Error {
	e := Classify(stderr, sqlite)
	if e.Sub == models.SubPortConflict {
		e.SuggestedPort = SuggestPort(port, s.portFree)
	}
	return startError(e, name)
}

// runContainer starts a container. A failed start that is not a name
// conflict leaves a created-but-stopped container behind, which is removed.
func (s *Impl) runContainer(ctx context.Context, r *run, opts models.RunOptions, port int) error {
	res, err := s.driver.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("starting %s: %w", opts.Name, err)
	}
	if res.OK() {
		r.logger.Info().Str("container", opts.Name).Str("image", opts.Image).Msg("container started")
		return nil
	}

	e := s.startFailure(res.Stderr, !r.profile.Kind.NeedsContainer(), opts.Name, port)
	if e.Sub != models.SubNameConflict {
		if rm, err := s.driver.Remove(ctx, opts.Name, true); err == nil && rm.OK() {
			r.logger.Debug().Str("container", opts.Name).Msg("removed container left by failed start")
		}
	}
	return e
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func isAuthErr(err error) bool {
	return errors.Is(err, models.ErrBadPassphrase)
}
