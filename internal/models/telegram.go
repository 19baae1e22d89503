package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// NotificationKind tells notifiers what happened.
type NotificationKind string

// Notification kinds.
const (
	NotifyBackupSucceeded NotificationKind = "backup_succeeded"
	NotifyBackupFailed    NotificationKind = "backup_failed"
	NotifyTaskRepaired    NotificationKind = "task_repaired"
	NotifyRestoreFinished NotificationKind = "restore_finished"
)

// Notification is a user-facing event raised outside an interactive session.
type Notification struct {
	Kind      NotificationKind
	Host      string
	StartTime time.Time
	Duration  time.Duration

	// Backup details (if any).
	ArchivePath  string
	SizeBytes    int64
	Encrypted    bool
	Verification Verification
	Rotated      int

	// Self-heal details.
	OldPath string
	NewPath string

	// Error info (if failed).
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
