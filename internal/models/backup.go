package models

import "time"

// BackupRequest is the plan of one backup run.
type BackupRequest struct {
	AppContainer string
	DBContainer  string // optional
	Components   []Component
	OutputDir    string
	Encrypt      bool
	Passphrase   string
	Note         string
	RotationKeep int
	FileName     string // optional override of the default name
	Progress     func(WriteProgress)
}

// BackupResult holds the result of a backup run.
type BackupResult struct {
	RecordID     uint
	ArchivePath  string
	SizeBytes    int64
	DBKind       DBKind
	Components   []Component
	Verification Verification
	Rotated      []string
	Duration     time.Duration
}

// DumpResult holds the result of a database dump.
type DumpResult struct {
	OutputPath string
	SizeBytes  int64
	Duration   time.Duration
	Error      error
}

// InspectResult is the outcome of pre-restore inspection.
type InspectResult struct {
	Profile    DatabaseProfile
	ConfigPath string // archive member name of the authoritative config.php
	Raw        map[string]string
}
