package main

import (
	"context"
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/scheduler"
	"github.com/fgeck/nextcloud-backup/internal/ui"
	"github.com/spf13/cobra"
)

var historyAll bool

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the local backup history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded backups, dropping records whose archive is gone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := listHistory(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(ui.RenderHistory(records))
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one backup record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid record id %q", args[0])
		}
		store, err := current.history()
		if err != nil {
			return err
		}
		rec, err := store.Get(cmd.Context(), uint(id))
		if err != nil {
			return err
		}
		printRecord(*rec)
		return nil
	},
}

var historyBrowseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse recorded backups interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return browseHistory(cmd.Context())
	},
}

func init() {
	historyListCmd.Flags().BoolVar(&historyAll, "all", false, "include records whose archive no longer exists")
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyBrowseCmd)
}

func listHistory(ctx context.Context) ([]models.BackupRecord, error) {
	store, err := current.history()
	if err != nil {
		return nil, err
	}
	if historyAll {
		return store.List(ctx)
	}
	return store.ListExisting(ctx)
}

func browseHistory(ctx context.Context) error {
	records, err := listHistory(ctx)
	if err != nil {
		return err
	}
	final, err := tea.NewProgram(ui.NewHistoryModel(records, 15), tea.WithContext(ctx)).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(ui.HistoryModel); ok && m.Selected() != nil {
		printRecord(*m.Selected())
	}
	return nil
}

func printRecord(r models.BackupRecord) {
	fmt.Printf("Backup #%d\n", r.ID)
	fmt.Printf("  Archive:      %s\n", r.ArchivePath)
	fmt.Printf("  Created:      %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("  Size:         %s\n", ui.HumanSize(r.SizeBytes))
	fmt.Printf("  Encrypted:    %v\n", r.Encrypted)
	fmt.Printf("  Database:     %s\n", r.DBKind)
	fmt.Printf("  Components:   %s\n", scheduler.JoinComponents(r.Components))
	fmt.Printf("  Verification: %s\n", r.Verification)
	if r.VerificationDetail != "" {
		fmt.Printf("                %s\n", r.VerificationDetail)
	}
	if r.Note != "" {
		fmt.Printf("  Note:         %s\n", r.Note)
	}
}
