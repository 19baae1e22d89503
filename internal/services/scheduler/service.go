// Package scheduler registers the recurring backup with the host scheduler,
// validates and repairs that registration, and persists the schedule spec.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/notify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultTestSettle = 3 * time.Second

// Service defines the scheduler operations.
type Service interface {
	Register(ctx context.Context, spec models.ScheduleSpec) (*models.Task, error)
	Unregister(ctx context.Context) error
	SetEnabled(ctx context.Context, enabled bool) error
	TriggerNow(ctx context.Context, name string) error
	TestRun(ctx context.Context, spec models.ScheduleSpec) error
	Validate(ctx context.Context) ([]models.CheckItem, error)
	SelfHeal(ctx context.Context) (*models.SelfHealResult, error)
	Status(ctx context.Context) (*models.ScheduleStatus, error)
	ScheduledSpec(ctx context.Context) (*models.ScheduleSpec, error)
}

// Impl implements the scheduler Service interface.
type Impl struct {
	backend    Backend
	store      *SpecStore
	notifier   notify.Notifier
	logger     zerolog.Logger
	logDir     string
	executable func() (string, error)
	now        func() time.Time
	testSettle time.Duration
}

// New creates a new scheduler service.
func New(logger zerolog.Logger, backend Backend, store *SpecStore, notifier notify.Notifier, logDir string) *Impl {
	return NewWithServices(logger, backend, store, notifier, logDir, currentExecutable, defaultTestSettle)
}

// NewWithServices creates a new scheduler service with custom hooks (for testing).
func NewWithServices(
	logger zerolog.Logger,
	backend Backend,
	store *SpecStore,
	notifier notify.Notifier,
	logDir string,
	executable func() (string, error),
	testSettle time.Duration,
) *Impl {
	return &Impl{
		backend:    backend,
		store:      store,
		notifier:   notifier,
		logger:     logger,
		logDir:     logDir,
		executable: executable,
		now:        time.Now,
		testSettle: testSettle,
	}
}

func currentExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe, nil
}

// samePath compares executable paths ignoring case and separator style.
func samePath(a, b string) bool {
	norm := func(p string) string {
		p = strings.ReplaceAll(p, `\`, "/")
		p = filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
		return strings.ToLower(strings.TrimRight(p, "/"))
	}
	return norm(a) == norm(b)
}

func (s *Impl) task(name string, spec models.ScheduleSpec, testRun bool) (models.Task, error) {
	exe, err := s.executable()
	if err != nil {
		return models.Task{}, err
	}
	return models.Task{
		Name:       name,
		Executable: exe,
		Args:       BuildArgs(spec, testRun),
		Cadence:    spec.Cadence,
		TimeOfDay:  spec.TimeOfDay,
		Enabled:    spec.Enabled,
	}, nil
}

// Register validates spec, creates or replaces the scheduled task and saves
// the spec.
func (s *Impl) Register(ctx context.Context, spec models.ScheduleSpec) (*models.Task, error) {
	if msgs := ValidateSpec(spec); len(msgs) > 0 {
		return nil, specError(msgs)
	}
	if spec.Encrypt {
		if _, err := ResolveSecret(spec.PassphraseRef); err != nil {
			s.logger.Warn().Err(err).Msg("passphrase reference does not resolve yet")
		}
	}

	task, err := s.task(models.TaskName, spec, false)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Register(ctx, task); err != nil {
		return nil, fmt.Errorf("registering task with %s: %w", s.backend.Name(), err)
	}
	if err := s.store.Save(spec); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("task", task.Name).
		Str("executable", task.Executable).
		Strs("args", task.Args).
		Str("cadence", string(task.Cadence)).
		Str("time", task.TimeOfDay).
		Msg("Scheduled backup registered")
	return &task, nil
}

// Unregister removes the task and the saved spec. A missing task is not an
// error.
func (s *Impl) Unregister(ctx context.Context) error {
	if err := s.backend.Unregister(ctx, models.TaskName); err != nil && !errors.Is(err, ErrTaskNotFound) {
		return fmt.Errorf("removing task: %w", err)
	}
	return s.store.Delete()
}

// SetEnabled enables or disables the task and records the state in the
// saved spec.
func (s *Impl) SetEnabled(ctx context.Context, enabled bool) error {
	if err := s.backend.SetEnabled(ctx, models.TaskName, enabled); err != nil {
		return fmt.Errorf("changing task state: %w", err)
	}
	spec, err := s.store.Load()
	if errors.Is(err, ErrNoSpec) {
		return nil
	}
	if err != nil {
		return err
	}
	spec.Enabled = enabled
	return s.store.Save(*spec)
}

// TriggerNow asks the host scheduler to run a task immediately.
func (s *Impl) TriggerNow(ctx context.Context, name string) error {
	if err := s.backend.Trigger(ctx, name); err != nil {
		return fmt.Errorf("triggering %s: %w", name, err)
	}
	return nil
}

// TestRun registers a short-lived sibling task carrying --test-run, triggers
// it and removes it again whatever the outcome.
func (s *Impl) TestRun(ctx context.Context, spec models.ScheduleSpec) error {
	if msgs := ValidateSpec(spec); len(msgs) > 0 {
		return specError(msgs)
	}
	name := models.TaskName + models.TestTaskSuffix + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	spec.Enabled = true
	task, err := s.task(name, spec, true)
	if err != nil {
		return err
	}

	if err := s.backend.Register(ctx, task); err != nil {
		return fmt.Errorf("registering test task: %w", err)
	}
	defer func() {
		if err := s.backend.Unregister(context.WithoutCancel(ctx), name); err != nil && !errors.Is(err, ErrTaskNotFound) {
			s.logger.Warn().Err(err).Str("task", name).Msg("failed to remove test task")
		}
	}()

	if err := s.backend.Trigger(ctx, name); err != nil {
		return fmt.Errorf("triggering test task: %w", err)
	}

	// Let the scheduler launch the process before its task is removed.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.testSettle):
	}
	s.logger.Info().Str("task", name).Str("backend", s.backend.Name()).Msg("Test run triggered")
	return nil
}

// Validate checks the registered task. Failed items carry a remediation; the
// error is schedule_validation_failed when any item failed.
func (s *Impl) Validate(ctx context.Context) ([]models.CheckItem, error) {
	var items []models.CheckItem
	add := func(name string, err error, remediation string) {
		item := models.CheckItem{Name: name, Passed: err == nil}
		if err != nil {
			item.Detail = err.Error()
			item.Remediation = remediation
		}
		items = append(items, item)
	}

	task, err := s.backend.Query(ctx, models.TaskName)
	add("task registered", err, "Save the schedule again to register the task.")
	if err != nil {
		return items, validationError(items)
	}

	add("executable exists", checkExecutable(task.Executable),
		"Reinstall the utility or start it once from its new location to repair the task.")

	spec, err := ParseArgs(task.Args)
	add("arguments parse", err, "Save the schedule again to rewrite the task's command line.")
	if err != nil {
		spec = &models.ScheduleSpec{}
		if saved, loadErr := s.store.Load(); loadErr == nil {
			spec = saved
		}
	}

	add("backup directory writable", checkWritable(spec.BackupDir),
		"Choose a backup directory the current user can write to.")
	add("log directory writable", checkWritable(s.logDir),
		"Fix the permissions of "+s.logDir+".")

	if spec.Encrypt {
		_, err := ResolveSecret(spec.PassphraseRef)
		add("passphrase reference resolves", err,
			"Set the referenced environment variable or create the referenced file.")
	}

	return items, validationError(items)
}

func validationError(items []models.CheckItem) error {
	var failed []string
	for _, it := range items {
		if !it.Passed {
			failed = append(failed, it.Name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &models.Error{
		Kind:      models.KindScheduleValidationFailed,
		Message:   "failed checks: " + strings.Join(failed, ", "),
		Checklist: items,
	}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func checkWritable(dir string) error {
	if dir == "" {
		return errors.New("no directory configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// SelfHeal re-registers the task when its executable path no longer matches
// the running executable. Every other task parameter is preserved.
func (s *Impl) SelfHeal(ctx context.Context) (*models.SelfHealResult, error) {
	task, err := s.backend.Query(ctx, models.TaskName)
	if errors.Is(err, ErrTaskNotFound) {
		return &models.SelfHealResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	result := &models.SelfHealResult{Registered: true, OldPath: task.Executable}
	exe, err := s.executable()
	if err != nil {
		return nil, err
	}
	result.NewPath = exe
	if samePath(task.Executable, exe) {
		return result, nil
	}

	repaired := *task
	repaired.Executable = exe
	if err := s.backend.Register(ctx, repaired); err != nil {
		return nil, fmt.Errorf("re-registering task: %w", err)
	}
	result.Repaired = true

	s.logger.Warn().Str("old_path", task.Executable).Str("new_path", exe).Msg("Scheduled task repaired")
	if s.notifier != nil {
		host, _ := os.Hostname()
		n := models.Notification{
			Kind:      models.NotifyTaskRepaired,
			Host:      host,
			StartTime: s.now(),
			OldPath:   task.Executable,
			NewPath:   exe,
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send repair notification")
		}
	}
	return result, nil
}

// Status reports the registered task, the saved spec and the next run.
func (s *Impl) Status(ctx context.Context) (*models.ScheduleStatus, error) {
	st := &models.ScheduleStatus{Backend: s.backend.Name()}

	task, err := s.backend.Query(ctx, models.TaskName)
	switch {
	case errors.Is(err, ErrTaskNotFound):
	case err != nil:
		return nil, fmt.Errorf("querying task: %w", err)
	default:
		st.Registered = true
		st.Task = task
		if task.Enabled {
			if next, err := NextRun(task.Cadence, task.TimeOfDay, s.now()); err == nil {
				st.NextRun = next
			}
		}
	}

	spec, err := s.store.Load()
	switch {
	case errors.Is(err, ErrNoSpec):
	case err != nil:
		return nil, err
	default:
		st.Spec = spec
	}
	return st, nil
}

// ScheduledSpec returns the spec a scheduled run should use. The registered
// task's arguments are authoritative; the saved spec is the fallback when
// the scheduler cannot be queried.
func (s *Impl) ScheduledSpec(ctx context.Context) (*models.ScheduleSpec, error) {
	task, err := s.backend.Query(ctx, models.TaskName)
	if err == nil {
		spec, parseErr := ParseArgs(task.Args)
		if parseErr == nil {
			spec.Cadence = task.Cadence
			spec.TimeOfDay = task.TimeOfDay
			spec.Enabled = task.Enabled
			return spec, nil
		}
		err = parseErr
	}
	s.logger.Debug().Err(err).Msg("task arguments unavailable, using saved schedule")
	return s.store.Load()
}
