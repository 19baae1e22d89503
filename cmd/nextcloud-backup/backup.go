package main

import (
	"context"
	"fmt"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/backup"
	"github.com/fgeck/nextcloud-backup/internal/services/scheduler"
	"github.com/fgeck/nextcloud-backup/internal/ui"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	backupFlags scheduledFlags
	backupNote  string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a backup archive now",
	Long: `Create a backup archive of the Nextcloud instance:
1. Check the container runtime
2. Read config.php from the app container
3. Dump the database (sqlite databases are copied)
4. Copy the selected components out of the container
5. Write the archive (encrypted when requested) and record it
6. Verify the archive and rotate old ones`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return runBackup(ctx, backupFlags, backupNote, false)
	},
}

func init() {
	addScheduledFlags(backupCmd.Flags(), &backupFlags)
	backupCmd.Flags().StringVar(&backupNote, "note", "", "note stored with the history record")
}

func addScheduledFlags(f *pflag.FlagSet, v *scheduledFlags) {
	f.StringVar(&v.backupDir, scheduler.FlagBackupDir, "", "directory receiving the archives")
	f.StringVar(&v.components, scheduler.FlagComponents, "config,data,apps,custom_apps", "comma separated components")
	f.IntVar(&v.rotationKeep, scheduler.FlagRotationKeep, 0, "archives to keep in the backup directory, 0 keeps all")
	f.BoolVar(&v.encrypt, scheduler.FlagEncrypt, false, "encrypt the archive with a passphrase")
	f.StringVar(&v.passphraseRef, scheduler.FlagPassphraseRef, "", "passphrase reference, env:NAME or file:/path")
	f.StringVar(&v.appContainer, scheduler.FlagAppContainer, "", "Nextcloud app container (default from settings)")
	f.StringVar(&v.dbContainer, scheduler.FlagDBContainer, "", "database container (default derived from dbhost)")
}

func (f scheduledFlags) spec() (*models.ScheduleSpec, error) {
	comps, err := scheduler.ParseComponents(f.components)
	if err != nil {
		return nil, err
	}
	return &models.ScheduleSpec{
		BackupDir:     f.backupDir,
		Components:    comps,
		RotationKeep:  f.rotationKeep,
		Encrypt:       f.encrypt,
		PassphraseRef: f.passphraseRef,
		AppContainer:  f.appContainer,
		DBContainer:   f.dbContainer,
	}, nil
}

func (a *app) backupRequest(spec models.ScheduleSpec) (models.BackupRequest, error) {
	if spec.BackupDir == "" {
		return models.BackupRequest{}, fmt.Errorf("--%s is required", scheduler.FlagBackupDir)
	}
	req := models.BackupRequest{
		AppContainer: spec.AppContainer,
		DBContainer:  spec.DBContainer,
		Components:   spec.Components,
		OutputDir:    spec.BackupDir,
		Encrypt:      spec.Encrypt,
		RotationKeep: spec.RotationKeep,
	}
	if req.AppContainer == "" {
		req.AppContainer = a.cfg.Instance.AppContainer
	}
	if req.DBContainer == "" {
		req.DBContainer = a.cfg.Instance.DBContainer
	}
	if spec.Encrypt {
		if spec.PassphraseRef == "" {
			return req, models.NewError(models.KindArchiveAuth, models.SubBadPassphrase, "encryption requires --"+scheduler.FlagPassphraseRef)
		}
		secret, err := scheduler.ResolveSecret(spec.PassphraseRef)
		if err != nil {
			return req, models.WrapError(models.KindArchiveAuth, models.SubBadPassphrase, err)
		}
		req.Passphrase = secret
	}
	return req, nil
}

func (a *app) backupService() (*backup.Impl, error) {
	store, err := a.history()
	if err != nil {
		return nil, err
	}
	return backup.New(a.logger, a.driver, store, a.notifier), nil
}

func runBackup(ctx context.Context, flags scheduledFlags, note string, quietProgress bool) error {
	spec, err := flags.spec()
	if err != nil {
		return err
	}
	req, err := current.backupRequest(*spec)
	if err != nil {
		return err
	}
	req.Note = note
	if !quietProgress {
		req.Progress = func(p models.WriteProgress) {
			log.Debug().
				Int("member", p.Members).
				Int("members", p.TotalMembers).
				Str("written", ui.HumanSize(p.BytesWritten)).
				Str("current", p.Current).
				Msg("archiving")
		}
	}

	svc, err := current.backupService()
	if err != nil {
		return err
	}
	result, err := svc.Backup(ctx, req)
	if err != nil {
		return err
	}

	log.Info().
		Str("archive", result.ArchivePath).
		Str("size", ui.HumanSize(result.SizeBytes)).
		Str("db", string(result.DBKind)).
		Str("verification", string(result.Verification)).
		Int("rotated", len(result.Rotated)).
		Dur("duration", result.Duration).
		Msg("backup completed successfully")
	return nil
}

// runScheduled is the entry point of the registered task. Flags on the
// command line win; without them the registered task or the saved spec
// supplies the settings.
func runScheduled(ctx context.Context, cmd *cobra.Command) error {
	flags := schedFlags
	if !cmd.Flags().Changed(scheduler.FlagBackupDir) {
		spec, err := current.scheduler(ctx).ScheduledSpec(ctx)
		if err != nil {
			return fmt.Errorf("no backup settings on the command line and no saved schedule: %w", err)
		}
		flags = scheduledFlags{
			backupDir:     spec.BackupDir,
			components:    scheduler.JoinComponents(spec.Components),
			rotationKeep:  spec.RotationKeep,
			encrypt:       spec.Encrypt,
			passphraseRef: spec.PassphraseRef,
			appContainer:  spec.AppContainer,
			dbContainer:   spec.DBContainer,
		}
	}
	log.Info().Str("backup_dir", flags.backupDir).Msg("scheduled backup started")
	return runBackup(ctx, flags, "scheduled", true)
}

func runTestBackup(ctx context.Context) error {
	spec, err := schedFlags.spec()
	if err != nil {
		return err
	}
	req, err := current.backupRequest(*spec)
	if err != nil {
		return err
	}
	svc, err := current.backupService()
	if err != nil {
		return err
	}
	return svc.TestRun(ctx, req)
}
