package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/restore"
	"github.com/fgeck/nextcloud-backup/internal/services/scheduler"
	"github.com/fgeck/nextcloud-backup/internal/ui"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type passphraseFlags struct {
	ref   string
	stdin bool
}

func (p passphraseFlags) resolve() (string, error) {
	switch {
	case p.ref != "":
		secret, err := scheduler.ResolveSecret(p.ref)
		if err != nil {
			return "", models.WrapError(models.KindArchiveAuth, models.SubBadPassphrase, err)
		}
		return secret, nil
	case p.stdin:
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	default:
		return "", nil
	}
}

func addPassphraseFlags(cmd *cobra.Command, p *passphraseFlags) {
	cmd.Flags().StringVar(&p.ref, "passphrase-ref", "", "passphrase of an encrypted archive, env:NAME or file:/path")
	cmd.Flags().BoolVar(&p.stdin, "passphrase-stdin", false, "read the passphrase of an encrypted archive from stdin")
}

var (
	restorePass           passphraseFlags
	restoreApp            string
	restoreDB             string
	restorePort           int
	restoreWorkDir        string
	restoreTrusted        []string
	restoreClearTrusted   bool
	restoreNoProgressView bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Restore an archive into fresh containers",
	Long: `Restore an archive into a new Nextcloud instance:
1. Extract the archive and read its config.php
2. Provision a database container of the archived kind (not for sqlite)
3. Start the Nextcloud app container
4. Copy config, data, apps and custom_apps into it
5. Import the database dump
6. Patch config.php for the new database host and trusted domains
7. Fix ownership and permissions
8. Wait until Nextcloud answers over HTTP`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	addPassphraseFlags(restoreCmd, &restorePass)
	f := restoreCmd.Flags()
	f.StringVar(&restoreApp, "app-container", "", "name of the new app container (default "+restore.DefaultAppContainer+")")
	f.StringVar(&restoreDB, "db-container", "", "name of the new database container (default <app>-db)")
	f.IntVar(&restorePort, "port", 0, "host port of the app container (default from settings)")
	f.StringVar(&restoreWorkDir, "work-dir", "", "parent of nextcloud-data and db-data (default from settings)")
	f.StringSliceVar(&restoreTrusted, "trusted-domain", nil, "replace trusted_domains, repeatable (default keeps the archived list)")
	f.BoolVar(&restoreClearTrusted, "clear-trusted-domains", false, "remove all trusted_domains")
	f.BoolVar(&restoreNoProgressView, "plain", false, "log progress instead of drawing a progress bar")
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	passphrase, err := restorePass.resolve()
	if err != nil {
		return err
	}
	archivePath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	req := models.RestoreRequest{
		ArchivePath:  archivePath,
		Passphrase:   passphrase,
		AppContainer: restoreApp,
		DBContainer:  restoreDB,
		AppPort:      restorePort,
		WorkDir:      restoreWorkDir,
	}
	switch {
	case restoreClearTrusted:
		req.TrustedDomains = []string{}
	case cmd.Flags().Changed("trusted-domain"):
		req.TrustedDomains = restoreTrusted
	}

	svc := restore.New(current.logger, current.driver, current.notifier, current.cfg.Restore, current.cfg.ComposeDir())

	var result *models.RestoreResult
	if interactive() && !restoreNoProgressView {
		result, err = restoreWithView(ctx, svc, req)
	} else {
		result, err = svc.Restore(ctx, req, restore.SinkFunc(logProgress))
	}
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Restore completed!")
	fmt.Printf("  Nextcloud:  http://localhost:%d/\n", result.AppPort)
	fmt.Printf("  App:        %s\n", result.AppContainer)
	if result.DBContainer != "" {
		fmt.Printf("  Database:   %s (%s)\n", result.DBContainer, result.Profile.Kind)
	} else {
		fmt.Printf("  Database:   %s (inside the app container)\n", result.Profile.Kind)
	}
	fmt.Printf("  Compose:    %s\n", result.ComposePath)
	fmt.Printf("  Duration:   %s\n", result.Duration.Round(time.Second))
	return nil
}

func logProgress(ev models.ProgressEvent) {
	e := log.Info()
	if ev.Err != nil {
		e = log.Error().Err(ev.Err)
	}
	e.Str("run", ev.RunID).
		Str("phase", ui.PhaseLabel(ev.Phase)).
		Float64("percent", ev.Percent).
		Msg(ev.Message)
}

// restoreWithView runs the restore on a worker goroutine while the progress
// view owns the terminal. Events cross over through a bounded queue.
func restoreWithView(ctx context.Context, svc restore.Service, req models.RestoreRequest) (*models.RestoreResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := ui.NewQueue(ui.DefaultQueueSize)
	var (
		result *models.RestoreResult
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer q.Close()
		result, runErr = svc.Restore(ctx, req, q)
	}()

	title := "Restoring " + filepath.Base(req.ArchivePath)
	if _, err := tea.NewProgram(ui.NewRestoreModel(q, title, cancel), tea.WithContext(ctx)).Run(); err != nil {
		log.Debug().Err(err).Msg("progress view stopped")
		cancel()
	}
	// The view may quit before the terminal event; keep the worker unblocked.
	go func() {
		for range q.Events() {
		}
	}()
	<-done
	return result, runErr
}
