package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/scheduler"
	"github.com/spf13/cobra"
)

var (
	scheduleFlags    scheduledFlags
	scheduleCadence  string
	scheduleTime     string
	scheduleDisabled bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage the recurring backup task of the host scheduler",
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Register or replace the recurring backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := scheduleSpecFromFlags()
		if err != nil {
			return err
		}
		task, err := current.scheduler(cmd.Context()).Register(cmd.Context(), *spec)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s (%s at %s)\n", task.Name, task.Cadence, task.TimeOfDay)
		fmt.Printf("  Command: %s %s\n", task.Executable, strings.Join(task.Args, " "))
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the recurring backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.scheduler(cmd.Context()).Unregister(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Scheduled backup removed.")
		return nil
	},
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the recurring backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.scheduler(cmd.Context()).SetEnabled(cmd.Context(), true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the recurring backup without removing it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.scheduler(cmd.Context()).SetEnabled(cmd.Context(), false)
	},
}

var scheduleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the registered task and the next run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := current.scheduler(cmd.Context()).Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Scheduler: %s\n", st.Backend)
		if !st.Registered {
			fmt.Println("No scheduled backup is registered.")
		} else {
			t := st.Task
			fmt.Printf("Task:      %s\n", t.Name)
			fmt.Printf("  Enabled: %v\n", t.Enabled)
			fmt.Printf("  Runs:    %s at %s\n", t.Cadence, t.TimeOfDay)
			fmt.Printf("  Command: %s %s\n", t.Executable, strings.Join(t.Args, " "))
			if !st.NextRun.IsZero() {
				fmt.Printf("  Next:    %s\n", st.NextRun.Format("2006-01-02 15:04"))
			}
		}
		if st.Spec != nil {
			fmt.Printf("Saved settings: %s\n", current.cfg.SchedulePath())
		}
		return nil
	},
}

var scheduleValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the registered task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := current.scheduler(cmd.Context()).Validate(cmd.Context())
		printChecklist(items)
		var e *models.Error
		if errors.As(err, &e) {
			// The checklist is already on screen.
			return &models.Error{Kind: e.Kind, Message: e.Message}
		}
		return err
	},
}

var scheduleTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Run a small test backup through the host scheduler",
	Long: `Register a short-lived sibling task that runs a config-only test backup,
trigger it and remove it again. The saved schedule settings are used.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := current.scheduler(cmd.Context())
		spec, err := scheduler.NewSpecStore(current.cfg.SchedulePath()).Load()
		if errors.Is(err, scheduler.ErrNoSpec) {
			spec, err = scheduleSpecFromFlags()
		}
		if err != nil {
			return err
		}
		if err := svc.TestRun(cmd.Context(), *spec); err != nil {
			return err
		}
		fmt.Printf("Test run triggered. Check %s for its outcome.\n", current.cfg.LogFile())
		return nil
	},
}

func init() {
	f := scheduleSetCmd.Flags()
	addScheduledFlags(f, &scheduleFlags)
	f.StringVar(&scheduleCadence, "cadence", string(models.CadenceDaily), "daily, weekly (Sunday) or monthly (day 1)")
	f.StringVar(&scheduleTime, "time", "02:00", "time of day, HH:MM")
	f.BoolVar(&scheduleDisabled, "disabled", false, "register the task disabled")
	_ = scheduleSetCmd.MarkFlagRequired(scheduler.FlagBackupDir)

	addScheduledFlags(scheduleTestCmd.Flags(), &scheduleFlags)

	scheduleCmd.AddCommand(
		scheduleSetCmd,
		scheduleRemoveCmd,
		scheduleEnableCmd,
		scheduleDisableCmd,
		scheduleStatusCmd,
		scheduleValidateCmd,
		scheduleTestCmd,
	)
}

func scheduleSpecFromFlags() (*models.ScheduleSpec, error) {
	spec, err := scheduleFlags.spec()
	if err != nil {
		return nil, err
	}
	spec.Cadence = models.Cadence(scheduleCadence)
	spec.TimeOfDay = scheduleTime
	spec.Enabled = !scheduleDisabled
	return spec, nil
}

func printChecklist(items []models.CheckItem) {
	for _, it := range items {
		mark := "ok  "
		if !it.Passed {
			mark = "FAIL"
		}
		fmt.Printf("[%s] %s\n", mark, it.Name)
		if !it.Passed {
			if it.Detail != "" {
				fmt.Printf("       %s\n", it.Detail)
			}
			fmt.Printf("       -> %s\n", it.Remediation)
		}
	}
}
