package scheduler

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/spf13/pflag"
)

// Flags understood by scheduled invocations of the utility.
const (
	FlagScheduled     = "scheduled"
	FlagTestRun       = "test-run"
	FlagBackupDir     = "backup-dir"
	FlagComponents    = "components"
	FlagRotationKeep  = "rotation-keep"
	FlagEncrypt       = "encrypt"
	FlagPassphraseRef = "passphrase-ref"
	FlagAppContainer  = "app-container"
	FlagDBContainer   = "db-container"
)

// BuildArgs returns the command line a scheduler task passes to the utility.
// Secrets travel by reference only.
func BuildArgs(spec models.ScheduleSpec, testRun bool) []string {
	mode := "--" + FlagScheduled
	if testRun {
		mode = "--" + FlagTestRun
	}
	args := []string{
		mode,
		"--" + FlagBackupDir, spec.BackupDir,
		"--" + FlagComponents, JoinComponents(spec.Components),
		"--" + FlagRotationKeep, strconv.Itoa(spec.RotationKeep),
	}
	if spec.Encrypt {
		args = append(args, "--"+FlagEncrypt, "--"+FlagPassphraseRef, spec.PassphraseRef)
	}
	if spec.AppContainer != "" {
		args = append(args, "--"+FlagAppContainer, spec.AppContainer)
	}
	if spec.DBContainer != "" {
		args = append(args, "--"+FlagDBContainer, spec.DBContainer)
	}
	return args
}

// ParseArgs reads a spec back from a task command line. Cadence, time of
// day and the enabled flag live in the trigger and are left zero.
func ParseArgs(args []string) (*models.ScheduleSpec, error) {
	fs := pflag.NewFlagSet("scheduled", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Bool(FlagScheduled, false, "")
	fs.Bool(FlagTestRun, false, "")
	backupDir := fs.String(FlagBackupDir, "", "")
	components := fs.String(FlagComponents, "", "")
	keep := fs.Int(FlagRotationKeep, 0, "")
	encrypt := fs.Bool(FlagEncrypt, false, "")
	ref := fs.String(FlagPassphraseRef, "", "")
	app := fs.String(FlagAppContainer, "", "")
	db := fs.String(FlagDBContainer, "", "")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing task arguments: %w", err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected task arguments: %s", strings.Join(fs.Args(), " "))
	}

	comps, err := ParseComponents(*components)
	if err != nil {
		return nil, err
	}
	return &models.ScheduleSpec{
		BackupDir:     *backupDir,
		Components:    comps,
		RotationKeep:  *keep,
		Encrypt:       *encrypt,
		PassphraseRef: *ref,
		AppContainer:  *app,
		DBContainer:   *db,
	}, nil
}

// ParseComponents parses a comma separated component list.
func ParseComponents(s string) ([]models.Component, error) {
	var out []models.Component
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c, ok := models.ParseComponent(part)
		if !ok {
			return nil, fmt.Errorf("unknown component %q", part)
		}
		out = append(out, c)
	}
	return out, nil
}

// JoinComponents is the inverse of ParseComponents.
func JoinComponents(cs []models.Component) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
