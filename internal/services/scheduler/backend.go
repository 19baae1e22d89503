package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/rs/zerolog"
)

// ErrTaskNotFound is returned by Query when no task with the name exists.
var ErrTaskNotFound = errors.New("scheduled task not found")

const probeTimeout = 5 * time.Second

// Backend is the host scheduler capability. Register replaces an existing
// task of the same name.
type Backend interface {
	Name() string
	Register(ctx context.Context, task models.Task) error
	Query(ctx context.Context, name string) (*models.Task, error)
	Unregister(ctx context.Context, name string) error
	SetEnabled(ctx context.Context, name string, enabled bool) error
	Trigger(ctx context.Context, name string) error
}

// NewBackend picks the scheduler of the host: Task Scheduler on Windows,
// systemd user timers where a user manager is reachable, crontab otherwise.
func NewBackend(ctx context.Context, logger zerolog.Logger, goos string) Backend {
	exec := &container.DefaultExecutor{}
	switch goos {
	case "windows":
		return NewSchtasks(logger, exec)
	case "linux":
		res, err := exec.Execute(ctx, container.Command{
			Name:    "systemctl",
			Args:    []string{"--user", "show-environment"},
			Timeout: probeTimeout,
		})
		if err == nil && res.OK() {
			home, _ := os.UserHomeDir()
			return NewSystemd(logger, exec, filepath.Join(home, ".config", "systemd", "user"))
		}
		logger.Debug().Err(err).Msg("systemd user manager unavailable, using crontab")
	}
	return NewCrontab(logger, exec)
}

// run executes a scheduler CLI command and turns a non-zero exit into an error.
func run(ctx context.Context, exec container.CommandExecutor, c container.Command) (models.CommandResult, error) {
	res, err := exec.Execute(ctx, c)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, &cliError{cmd: c.Name + " " + strings.Join(c.Args, " "), res: res}
	}
	return res, nil
}

type cliError struct {
	cmd string
	res models.CommandResult
}

func (e *cliError) Error() string {
	msg := strings.TrimSpace(e.res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.res.Stdout)
	}
	return e.cmd + ": exit " + strconv.Itoa(e.res.ExitCode) + ": " + msg
}
