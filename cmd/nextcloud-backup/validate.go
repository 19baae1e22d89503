package main

import (
	"fmt"

	"github.com/fgeck/nextcloud-backup/internal/config"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate settings and check the container runtime",
	Long:  `Validate the settings and probe the container runtime without touching any instance.`,
	Args:  cobra.NoArgs,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg := current.cfg
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Profile dir: %s\n", cfg.ProfileDir)
	fmt.Printf("  History:     %s\n", cfg.HistoryPath())
	fmt.Printf("  Log file:    %s\n", cfg.LogFile())
	fmt.Printf("  Runtime:     %s\n", cfg.Container.Runtime)
	fmt.Printf("  App:         %s\n", cfg.Instance.AppContainer)
	if cfg.Instance.DBContainer != "" {
		fmt.Printf("  Database:    %s\n", cfg.Instance.DBContainer)
	}
	fmt.Println()
	fmt.Println("Restore Defaults:")
	fmt.Printf("  App image:   %s\n", cfg.Restore.AppImage)
	fmt.Printf("  MariaDB:     %s\n", cfg.Restore.MariaDBImage)
	fmt.Printf("  Postgres:    %s\n", cfg.Restore.PostgresImage)
	fmt.Printf("  App port:    %d\n", cfg.Restore.AppPort)
	fmt.Printf("  Work dir:    %s\n", cfg.Restore.WorkDir)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	if cfg.Telegram != nil {
		fmt.Printf("    Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("    Bot Token: (configured)\n")
	}

	fmt.Println()
	status := current.driver.IsDaemonUp(cmd.Context())
	if err := container.RuntimeError(status); err != nil {
		fmt.Printf("Container runtime: %s\n", status.State)
		return err
	}
	fmt.Printf("Container runtime: ok (%s)\n", status.Version)
	return nil
}
