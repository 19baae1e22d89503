package models

import "time"

// Verification is the outcome of re-reading a produced archive.
type Verification string

// Verification states.
const (
	VerificationUnverified Verification = "unverified"
	VerificationOK         Verification = "ok"
	VerificationFailed     Verification = "failed"
)

// BackupRecord is one row of the local backup history.
type BackupRecord struct {
	ID                 uint         `gorm:"primaryKey;autoIncrement"`
	ArchivePath        string       `gorm:"not null;uniqueIndex"`
	CreatedAt          time.Time    `gorm:"not null;index"`
	SizeBytes          int64        `gorm:"not null"`
	Encrypted          bool         `gorm:"not null"`
	DBKind             DBKind       `gorm:"size:16;not null"`
	Components         []Component  `gorm:"column:folders_backed_up;serializer:json"`
	Verification       Verification `gorm:"size:16;not null;default:unverified"`
	VerificationDetail string
	Note               string
}

// TableName overrides the gorm table name.
func (BackupRecord) TableName() string {
	return "backup_history"
}
