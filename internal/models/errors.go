package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failure kinds surfaced to the user.
type ErrorKind string

// Error kinds.
const (
	KindRuntimeNotReady          ErrorKind = "container_runtime_not_ready"
	KindArchiveIO                ErrorKind = "archive_io"
	KindArchiveAuth              ErrorKind = "archive_auth"
	KindNoAuthoritativeConfig    ErrorKind = "no_authoritative_config"
	KindUnsupportedDBKind        ErrorKind = "unsupported_db_kind"
	KindExtractionFailed         ErrorKind = "extraction_failed"
	KindDBRestoreFailed          ErrorKind = "db_restore_failed"
	KindContainerStartFailed     ErrorKind = "container_start_failed"
	KindScheduleValidationFailed ErrorKind = "schedule_validation_failed"
	KindRestoreInProgress        ErrorKind = "restore_in_progress"
	KindInternal                 ErrorKind = "internal"
)

// Error sub-kinds.
const (
	SubNotInstalled      = "not_installed"
	SubNotRunning        = "not_running"
	SubPermissionDenied  = "permission_denied"
	SubTimeout           = "timeout"
	SubNotFound          = "not_found"
	SubCorrupt           = "corrupt"
	SubUnsupportedFormat = "unsupported_format"
	SubNoSpace           = "no_space"
	SubBadPassphrase     = "bad_passphrase"
	SubPortConflict      = "port_conflict"
	SubNameConflict      = "name_conflict"
	SubImageNotFound     = "image_not_found"
	SubLinkTargetMissing = "link_target_missing"
	SubDaemonNotRunning  = "daemon_not_running"
	SubSQLiteNoDB        = "expected_sqlite_no_db_container"
	SubOther             = "other"
)

// Error is a typed failure. Errors bubble up as *Error values and are
// turned into text only at the command-line boundary.
type Error struct {
	Kind          ErrorKind
	Sub           string
	Message       string
	Action        string
	Detail        string // e.g. client stderr
	SuggestedPort int
	Checklist     []CheckItem
	Err           error
}

// NewError creates a typed error.
func NewError(kind ErrorKind, sub, message string) *Error {
	return &Error{Kind: kind, Sub: sub, Message: message}
}

// WrapError creates a typed error around a cause.
func WrapError(kind ErrorKind, sub string, err error) *Error {
	return &Error{Kind: kind, Sub: sub, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Sub != "" {
		b.WriteString("{" + e.Sub + "}")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if e.Detail != "" {
		b.WriteString(": " + strings.TrimSpace(e.Detail))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind, and on sub-kind when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Sub == "" || t.Sub == e.Sub
}

// WithDetail returns a copy carrying a diagnostic detail.
func (e *Error) WithDetail(detail string) *Error {
	c := *e
	c.Detail = detail
	return &c
}

// Sentinels for errors.Is matching.
var (
	ErrRuntimeNotReady       = &Error{Kind: KindRuntimeNotReady}
	ErrArchiveNotFound       = &Error{Kind: KindArchiveIO, Sub: SubNotFound}
	ErrArchiveCorrupt        = &Error{Kind: KindArchiveIO, Sub: SubCorrupt}
	ErrUnsupportedFormat     = &Error{Kind: KindArchiveIO, Sub: SubUnsupportedFormat}
	ErrNoSpace               = &Error{Kind: KindArchiveIO, Sub: SubNoSpace}
	ErrBadPassphrase         = &Error{Kind: KindArchiveAuth, Sub: SubBadPassphrase}
	ErrNoAuthoritativeConfig = &Error{Kind: KindNoAuthoritativeConfig}
	ErrUnsupportedDBKind     = &Error{Kind: KindUnsupportedDBKind}
	ErrDBRestoreFailed       = &Error{Kind: KindDBRestoreFailed}
	ErrContainerStartFailed  = &Error{Kind: KindContainerStartFailed}
	ErrPortConflict          = &Error{Kind: KindContainerStartFailed, Sub: SubPortConflict}
	ErrLinkTargetMissing     = &Error{Kind: KindContainerStartFailed, Sub: SubLinkTargetMissing}
	ErrRestoreInProgress     = &Error{Kind: KindRestoreInProgress}
)

// KindOf returns the kind of the first *Error in the chain, or internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

type explanation struct {
	what   string
	action string
}

var explanations = map[ErrorKind]explanation{
	KindRuntimeNotReady: {
		"The container runtime is not available.",
		"Start the container runtime and try again.",
	},
	KindArchiveIO: {
		"The backup archive could not be read or written.",
		"Check that the archive exists, is complete and that the disk has free space.",
	},
	KindArchiveAuth: {
		"The archive could not be decrypted with the given passphrase.",
		"Re-enter the passphrase used when the backup was created.",
	},
	KindNoAuthoritativeConfig: {
		"The archive does not contain a valid config/config.php.",
		"Choose an archive produced from a complete Nextcloud backup.",
	},
	KindUnsupportedDBKind: {
		"The Nextcloud instance uses a database type that is not supported.",
		"Only sqlite, mysql, mariadb and postgres instances can be handled.",
	},
	KindExtractionFailed: {
		"The archive could not be extracted.",
		"Verify the archive and free disk space, then retry the restore.",
	},
	KindDBRestoreFailed: {
		"The database dump could not be imported.",
		"Inspect the database client output in the log file and retry.",
	},
	KindContainerStartFailed: {
		"A container could not be started.",
		"Resolve the reported conflict or remove the old container, then retry.",
	},
	KindScheduleValidationFailed: {
		"The scheduled backup setup has problems.",
		"Fix the failed checklist items listed above.",
	},
	KindRestoreInProgress: {
		"Another restore is already running.",
		"Wait for the running restore to finish.",
	},
	KindInternal: {
		"An unexpected error occurred.",
		"See the log file for details.",
	},
}

// Explain returns a one-sentence explanation and a suggested action for err.
func Explain(err error) (string, string) {
	var e *Error
	if !errors.As(err, &e) {
		x := explanations[KindInternal]
		return x.what, x.action
	}
	x, ok := explanations[e.Kind]
	if !ok {
		x = explanations[KindInternal]
	}
	what, action := x.what, x.action
	if e.Message != "" {
		what = e.Message
	}
	if e.Action != "" {
		action = e.Action
	}
	if e.Kind == KindContainerStartFailed && e.Sub == SubPortConflict && e.SuggestedPort > 0 {
		action = fmt.Sprintf("Port is already in use; retry with port %d.", e.SuggestedPort)
	}
	return what, action
}
