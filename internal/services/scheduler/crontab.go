package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/rs/zerolog"
)

const (
	cronMarker   = "# nextcloud-backup:"
	cronDisabled = "#disabled# "
)

// Crontab schedules tasks as lines of the current user's crontab. Each line
// carries a trailing marker comment with the task name.
type Crontab struct {
	exec   container.CommandExecutor
	logger zerolog.Logger
}

// NewCrontab creates a crontab backend.
func NewCrontab(logger zerolog.Logger, exec container.CommandExecutor) *Crontab {
	return &Crontab{exec: exec, logger: logger}
}

// Name implements Backend.
func (c *Crontab) Name() string { return "crontab" }

func (c *Crontab) read(ctx context.Context) ([]string, error) {
	res, err := c.exec.Execute(ctx, container.Command{Name: "crontab", Args: []string{"-l"}, Timeout: probeTimeout})
	if err != nil {
		return nil, fmt.Errorf("reading crontab: %w", err)
	}
	if !res.OK() {
		if strings.Contains(strings.ToLower(res.Stderr), "no crontab") {
			return nil, nil
		}
		return nil, &cliError{cmd: "crontab -l", res: res}
	}
	text := strings.TrimRight(res.Stdout, "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

func (c *Crontab) write(ctx context.Context, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	_, err := run(ctx, c.exec, container.Command{
		Name:    "crontab",
		Args:    []string{"-"},
		Stdin:   strings.NewReader(content),
		Timeout: probeTimeout,
	})
	if err != nil {
		return fmt.Errorf("writing crontab: %w", err)
	}
	return nil
}

func marker(name string) string {
	return cronMarker + name
}

func isTaskLine(line, name string) bool {
	return strings.HasSuffix(strings.TrimSpace(line), marker(name))
}

// cronLine renders a task; % is special in crontab commands.
func cronLine(task models.Task) (string, error) {
	expr, err := CronExpr(task.Cadence, task.TimeOfDay)
	if err != nil {
		return "", err
	}
	cmd := strings.ReplaceAll(shellJoin(append([]string{task.Executable}, task.Args...)), "%", `\%`)
	line := expr + " " + cmd + " " + marker(task.Name)
	if !task.Enabled {
		line = cronDisabled + line
	}
	return line, nil
}

func parseCronLine(line, name string) (*models.Task, error) {
	line = strings.TrimSpace(line)
	enabled := true
	if strings.HasPrefix(line, cronDisabled) {
		enabled = false
		line = strings.TrimPrefix(line, cronDisabled)
	}
	line = strings.TrimSpace(strings.TrimSuffix(line, marker(name)))

	fields := strings.Fields(line)
	if len(fields) < 6 {
		return nil, fmt.Errorf("malformed crontab line for %s", name)
	}
	cadence, tod, err := ParseCronExpr(strings.Join(fields[:5], " "))
	if err != nil {
		return nil, err
	}

	// Skip the five schedule fields and keep the command text verbatim.
	rest := line
	for i := 0; i < 5; i++ {
		rest = strings.TrimLeft(rest, " \t")
		rest = rest[strings.IndexAny(rest, " \t"):]
	}
	argv, err := shellSplit(strings.ReplaceAll(strings.TrimSpace(rest), `\%`, "%"))
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("crontab line for %s has no command", name)
	}
	return &models.Task{
		Name:       name,
		Executable: argv[0],
		Args:       argv[1:],
		Cadence:    cadence,
		TimeOfDay:  tod,
		Enabled:    enabled,
	}, nil
}

// Register implements Backend.
func (c *Crontab) Register(ctx context.Context, task models.Task) error {
	line, err := cronLine(task)
	if err != nil {
		return err
	}
	lines, err := c.read(ctx)
	if err != nil {
		return err
	}
	kept := lines[:0]
	for _, l := range lines {
		if !isTaskLine(l, task.Name) {
			kept = append(kept, l)
		}
	}
	if err := c.write(ctx, append(kept, line)); err != nil {
		return err
	}
	c.logger.Info().Str("task", task.Name).Str("line", line).Msg("crontab entry written")
	return nil
}

// Query implements Backend.
func (c *Crontab) Query(ctx context.Context, name string) (*models.Task, error) {
	lines, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		if isTaskLine(l, name) {
			return parseCronLine(l, name)
		}
	}
	return nil, ErrTaskNotFound
}

// Unregister implements Backend.
func (c *Crontab) Unregister(ctx context.Context, name string) error {
	lines, err := c.read(ctx)
	if err != nil {
		return err
	}
	kept := lines[:0]
	found := false
	for _, l := range lines {
		if isTaskLine(l, name) {
			found = true
			continue
		}
		kept = append(kept, l)
	}
	if !found {
		return ErrTaskNotFound
	}
	return c.write(ctx, kept)
}

// SetEnabled implements Backend.
func (c *Crontab) SetEnabled(ctx context.Context, name string, enabled bool) error {
	task, err := c.Query(ctx, name)
	if err != nil {
		return err
	}
	task.Enabled = enabled
	return c.Register(ctx, *task)
}

// Trigger runs the task's command directly; cron has no run-now facility.
func (c *Crontab) Trigger(ctx context.Context, name string) error {
	task, err := c.Query(ctx, name)
	if err != nil {
		return err
	}
	_, err = run(ctx, c.exec, container.Command{Name: task.Executable, Args: task.Args})
	var ce *cliError
	if errors.As(err, &ce) {
		return fmt.Errorf("task %s failed: %w", name, err)
	}
	return err
}
