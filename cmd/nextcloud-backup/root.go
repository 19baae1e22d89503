package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/config"
	"github.com/fgeck/nextcloud-backup/internal/logging"
	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/fgeck/nextcloud-backup/internal/services/history"
	"github.com/fgeck/nextcloud-backup/internal/services/notify"
	"github.com/fgeck/nextcloud-backup/internal/services/scheduler"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Global flags.
	configFile string
	profileDir string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// Scheduled invocation flags, see scheduler.BuildArgs.
	scheduledRun bool
	testRun      bool
	schedFlags   scheduledFlags
)

type scheduledFlags struct {
	backupDir     string
	components    string
	rotationKeep  int
	encrypt       bool
	passphraseRef string
	appContainer  string
	dbContainer   string
}

// app carries the settings and shared services of one invocation.
type app struct {
	cfg       *models.AppConfig
	logger    zerolog.Logger
	logCloser io.Closer
	driver    container.Driver
	notifier  notify.Notifier
	backend   scheduler.Backend
	store     *history.SQLiteStore
}

var current *app

var rootCmd = &cobra.Command{
	Use:   "nextcloud-backup",
	Short: "Back up and restore containerized Nextcloud instances",
	Long: `nextcloud-backup creates archives of a containerized Nextcloud instance:
  - config, data, apps and custom_apps plus a database dump
  - optional OpenPGP symmetric encryption
  - local backup history with rotation
  - restore into fresh containers with a database of the archived kind
  - recurring backups through the host scheduler

Without arguments an interactive history browser is started.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
	RunE:    runRoot,
	Version: Version,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "settings file (default <profile-dir>/config.yaml)")
	pf.StringVar(&profileDir, "profile-dir", "", "profile directory (default ~/"+config.DefaultProfileDirName+")")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	pf.BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	pf.BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	f := rootCmd.Flags()
	f.BoolVar(&scheduledRun, scheduler.FlagScheduled, false, "run a non-interactive scheduled backup")
	f.BoolVar(&testRun, scheduler.FlagTestRun, false, "create and delete a small config-only test archive")
	addScheduledFlags(f, &schedFlags)
	_ = f.MarkHidden(scheduler.FlagScheduled)
	_ = f.MarkHidden(scheduler.FlagTestRun)

	rootCmd.AddCommand(backupCmd, restoreCmd, inspectCmd, historyCmd, scheduleCmd, validateCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewParser().Load(configFile, profileDir)
	if err != nil {
		setupConsoleOnly()
		return err
	}
	if err := config.EnsureProfileDirs(cfg); err != nil {
		setupConsoleOnly()
		return err
	}

	logger, closer, err := logging.Setup(logging.Options{
		File:    cfg.LogFile(),
		JSON:    jsonOutput,
		Verbose: verbose,
		Quiet:   quiet,
	})
	if err != nil {
		setupConsoleOnly()
		return err
	}
	log.Logger = logger

	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.Telegram != nil {
		notifiers = append(notifiers, notify.NewTelegram(logger, *cfg.Telegram))
	}
	a := &app{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer,
		driver:    container.New(logger, cfg.Container),
		notifier:  notifiers,
	}
	current = a

	// Self-heal runs on every launch except for the commands that manage the
	// task themselves.
	if cmd.Name() != "remove" && cmd.Name() != "validate" {
		a.selfHeal(cmd.Context())
	}
	return nil
}

func setupConsoleOnly() {
	logger, _, err := logging.Setup(logging.Options{JSON: jsonOutput, Verbose: verbose, Quiet: quiet})
	if err == nil {
		log.Logger = logger
	}
}

func teardown() {
	if current == nil {
		return
	}
	if current.store != nil {
		if err := current.store.Close(); err != nil {
			current.logger.Warn().Err(err).Msg("failed to close history store")
		}
	}
	_ = current.logCloser.Close()
}

// logFilePath is shown with every error; empty before settings are loaded.
func logFilePath() string {
	if current == nil {
		return ""
	}
	return current.cfg.LogFile()
}

func (a *app) history() (*history.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := history.Open(a.cfg.HistoryPath(), a.logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) schedulerBackend(ctx context.Context) scheduler.Backend {
	if a.backend == nil {
		a.backend = scheduler.NewBackend(ctx, a.logger, runtime.GOOS)
	}
	return a.backend
}

func (a *app) scheduler(ctx context.Context) *scheduler.Impl {
	return scheduler.New(a.logger, a.schedulerBackend(ctx), scheduler.NewSpecStore(a.cfg.SchedulePath()), a.notifier, a.cfg.LogDir())
}

func (a *app) selfHeal(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	res, err := a.scheduler(ctx).SelfHeal(ctx)
	if err != nil {
		a.logger.Debug().Err(err).Msg("scheduled task reconciliation skipped")
		return
	}
	if res.Repaired {
		a.logger.Info().Str("old_path", res.OldPath).Str("new_path", res.NewPath).Msg("scheduled task now points at this executable")
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func interactive() bool {
	return !jsonOutput && isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd())
}

func runRoot(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	switch {
	case scheduledRun:
		return runScheduled(ctx, cmd)
	case testRun:
		return runTestBackup(ctx)
	case len(args) == 0 && interactive():
		return browseHistory(ctx)
	default:
		return cmd.Help()
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
