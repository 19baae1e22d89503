package models

import "time"

// Cadence is how often a scheduled backup runs.
type Cadence string

// Supported cadences.
const (
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

// TaskName is the well-known name of the registered scheduler task.
const TaskName = "NextcloudBackupScheduled"

// TestTaskSuffix is appended to TaskName for the short-lived test-run task.
const TestTaskSuffix = "TestRun"

// ScheduleSpec describes the single recurring backup job of a host.
type ScheduleSpec struct {
	Cadence       Cadence     `json:"cadence" validate:"required,oneof=daily weekly monthly"`
	TimeOfDay     string      `json:"time_of_day" validate:"required,datetime=15:04"`
	BackupDir     string      `json:"backup_dir" validate:"required"`
	Encrypt       bool        `json:"encrypt"`
	PassphraseRef string      `json:"passphrase_ref,omitempty" validate:"required_if=Encrypt true"`
	Components    []Component `json:"components" validate:"required,min=1,dive,oneof=config data apps custom_apps"`
	RotationKeep  int         `json:"rotation_keep" validate:"gte=0"`
	AppContainer  string      `json:"app_container,omitempty"`
	DBContainer   string      `json:"db_container,omitempty"`
	Enabled       bool        `json:"enabled"`
}

// Task is a host scheduler registration as seen by the scheduler backend.
type Task struct {
	Name       string
	Executable string
	Args       []string
	Cadence    Cadence
	TimeOfDay  string
	Enabled    bool
}

// CheckItem is one entry of a schedule validation checklist.
type CheckItem struct {
	Name        string
	Passed      bool
	Detail      string
	Remediation string
}

// SelfHealResult reports what the startup reconciliation did.
type SelfHealResult struct {
	Registered bool
	Repaired   bool
	OldPath    string
	NewPath    string
}

// ScheduleStatus summarizes the registered task and the saved spec.
type ScheduleStatus struct {
	Backend    string
	Registered bool
	Task       *Task
	Spec       *ScheduleSpec
	NextRun    time.Time
}
