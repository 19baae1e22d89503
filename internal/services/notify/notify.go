// Package notify delivers user-facing events raised outside an interactive session.
package notify

import (
	"context"
	"errors"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/rs/zerolog"
)

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// LogNotifier writes notifications to the log, which is also the console.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLog creates a LogNotifier.
func NewLog(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs n at a level matching its kind.
func (l *LogNotifier) Notify(_ context.Context, n models.Notification) error {
	switch n.Kind {
	case models.NotifyBackupFailed:
		l.logger.Error().
			Str("failed_step", n.FailedStep).
			Str("error", n.ErrorMessage).
			Dur("duration", n.Duration).
			Msg("Backup failed")
	case models.NotifyTaskRepaired:
		l.logger.Warn().
			Str("old_path", n.OldPath).
			Str("new_path", n.NewPath).
			Msg("Scheduled task pointed at a moved executable and was re-registered")
	case models.NotifyRestoreFinished:
		if n.ErrorMessage != "" {
			l.logger.Error().
				Str("failed_step", n.FailedStep).
				Str("error", n.ErrorMessage).
				Dur("duration", n.Duration).
				Msg("Restore failed")
			return nil
		}
		l.logger.Info().Dur("duration", n.Duration).Msg("Restore finished")
	default:
		l.logger.Info().
			Str("archive", n.ArchivePath).
			Int64("size", n.SizeBytes).
			Str("verification", string(n.Verification)).
			Int("rotated", n.Rotated).
			Msg("Backup finished")
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
