package models

import "time"

// Phase is a state of a restore run.
type Phase string

// Restore phases in execution order.
const (
	PhaseIdle              Phase = "idle"
	PhaseExtracting        Phase = "extracting"
	PhaseProvisioningDB    Phase = "provisioning_db"
	PhaseProvisioningApp   Phase = "provisioning_app"
	PhaseCopyingFiles      Phase = "copying_files"
	PhaseRestoringDB       Phase = "restoring_db"
	PhasePatchingConfig    Phase = "patching_config"
	PhaseFixingPermissions Phase = "fixing_permissions"
	PhaseValidating        Phase = "validating"
	PhaseDone              Phase = "done"
	PhaseFailed            Phase = "failed"
)

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// RestoreRequest holds the caller's choices for a restore run.
type RestoreRequest struct {
	ArchivePath    string
	Passphrase     string
	AppContainer   string
	DBContainer    string
	AppPort        int
	WorkDir        string
	TrustedDomains []string // nil preserves the archived list, empty clears it
}

// ProgressEvent is emitted by a restore run.
type ProgressEvent struct {
	RunID   string
	Phase   Phase
	Percent float64
	Message string
	Time    time.Time
	Err     error // set only on the terminal failed event
}

// RestoreResult summarizes a finished restore run.
type RestoreResult struct {
	RunID        string
	Profile      DatabaseProfile
	AppContainer string
	DBContainer  string // empty for sqlite
	AppPort      int
	ComposePath  string
	Duration     time.Duration
}
