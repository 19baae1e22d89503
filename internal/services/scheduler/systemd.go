package scheduler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/rs/zerolog"
)

// Systemd schedules tasks as a user service plus timer unit pair.
type Systemd struct {
	exec    container.CommandExecutor
	logger  zerolog.Logger
	unitDir string
}

// NewSystemd creates a systemd backend writing units into unitDir.
func NewSystemd(logger zerolog.Logger, exec container.CommandExecutor, unitDir string) *Systemd {
	return &Systemd{exec: exec, logger: logger, unitDir: unitDir}
}

// Name implements Backend.
func (s *Systemd) Name() string { return "systemd" }

func (s *Systemd) servicePath(name string) string {
	return filepath.Join(s.unitDir, name+".service")
}

func (s *Systemd) timerPath(name string) string {
	return filepath.Join(s.unitDir, name+".timer")
}

func (s *Systemd) systemctl(ctx context.Context, args ...string) (models.CommandResult, error) {
	return run(ctx, s.exec, container.Command{
		Name:    "systemctl",
		Args:    append([]string{"--user"}, args...),
		Timeout: probeTimeout,
	})
}

// onCalendar renders the OnCalendar= value of a cadence.
func onCalendar(c models.Cadence, timeOfDay string) (string, error) {
	h, m, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return "", err
	}
	at := fmt.Sprintf("%02d:%02d:00", h, m)
	switch c {
	case models.CadenceDaily:
		return "*-*-* " + at, nil
	case models.CadenceWeekly:
		return weeklyDay.String()[:3] + " *-*-* " + at, nil
	case models.CadenceMonthly:
		return fmt.Sprintf("*-*-%02d %s", monthlyDay, at), nil
	default:
		return "", fmt.Errorf("unsupported cadence %q", c)
	}
}

func parseOnCalendar(v string) (models.Cadence, string, error) {
	fields := strings.Fields(v)
	var date, at string
	cadence := models.CadenceDaily
	switch len(fields) {
	case 2:
		date, at = fields[0], fields[1]
	case 3:
		cadence = models.CadenceWeekly
		date, at = fields[1], fields[2]
	default:
		return "", "", fmt.Errorf("unrecognized OnCalendar value %q", v)
	}
	if cadence == models.CadenceDaily && !strings.HasSuffix(date, "-*") {
		cadence = models.CadenceMonthly
	}
	if len(at) < 5 {
		return "", "", fmt.Errorf("unrecognized OnCalendar time %q", at)
	}
	tod := at[:5]
	if _, _, err := parseTimeOfDay(tod); err != nil {
		return "", "", err
	}
	return cadence, tod, nil
}

// unitQuote quotes one ExecStart= word. Specifiers and variables are escaped.
func unitQuote(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	s = strings.ReplaceAll(s, "$", "$$")
	if s != "" && !strings.ContainsAny(s, " \t\"'\\;") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func unitSplit(line string) ([]string, error) {
	argv, err := shellSplit(line)
	if err != nil {
		return nil, err
	}
	for i, a := range argv {
		a = strings.ReplaceAll(a, "%%", "%")
		argv[i] = strings.ReplaceAll(a, "$$", "$")
	}
	return argv, nil
}

func serviceUnit(task models.Task) string {
	words := make([]string, 0, len(task.Args)+1)
	for _, a := range append([]string{task.Executable}, task.Args...) {
		words = append(words, unitQuote(a))
	}
	return "[Unit]\n" +
		"Description=Nextcloud backup (" + task.Name + ")\n\n" +
		"[Service]\n" +
		"Type=oneshot\n" +
		"ExecStart=" + strings.Join(words, " ") + "\n"
}

func timerUnit(task models.Task, calendar string) string {
	return "[Unit]\n" +
		"Description=Nextcloud backup schedule (" + task.Name + ")\n\n" +
		"[Timer]\n" +
		"OnCalendar=" + calendar + "\n" +
		"Persistent=true\n\n" +
		"[Install]\n" +
		"WantedBy=timers.target\n"
}

// Register implements Backend.
func (s *Systemd) Register(ctx context.Context, task models.Task) error {
	calendar, err := onCalendar(task.Cadence, task.TimeOfDay)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.unitDir, 0o755); err != nil {
		return fmt.Errorf("creating unit directory: %w", err)
	}
	if err := os.WriteFile(s.servicePath(task.Name), []byte(serviceUnit(task)), 0o644); err != nil { //nolint:gosec // unit files are world readable
		return fmt.Errorf("writing service unit: %w", err)
	}
	if err := os.WriteFile(s.timerPath(task.Name), []byte(timerUnit(task, calendar)), 0o644); err != nil { //nolint:gosec // unit files are world readable
		return fmt.Errorf("writing timer unit: %w", err)
	}
	if _, err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return err
	}
	if err := s.SetEnabled(ctx, task.Name, task.Enabled); err != nil {
		return err
	}
	s.logger.Info().Str("task", task.Name).Str("on_calendar", calendar).Msg("systemd timer registered")
	return nil
}

func readUnitKey(path, key string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path is built from the unit directory
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return v, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s has no %s= line", path, key)
}

// Query implements Backend.
func (s *Systemd) Query(ctx context.Context, name string) (*models.Task, error) {
	execStart, err := readUnitKey(s.servicePath(name), "ExecStart")
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading service unit: %w", err)
	}
	calendar, err := readUnitKey(s.timerPath(name), "OnCalendar")
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading timer unit: %w", err)
	}

	argv, err := unitSplit(execStart)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("service unit for %s has an empty ExecStart", name)
	}
	cadence, tod, err := parseOnCalendar(calendar)
	if err != nil {
		return nil, err
	}

	// is-enabled exits non-zero for disabled units.
	res, err := s.exec.Execute(ctx, container.Command{
		Name:    "systemctl",
		Args:    []string{"--user", "is-enabled", name + ".timer"},
		Timeout: probeTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &models.Task{
		Name:       name,
		Executable: argv[0],
		Args:       argv[1:],
		Cadence:    cadence,
		TimeOfDay:  tod,
		Enabled:    strings.TrimSpace(res.Stdout) == "enabled",
	}, nil
}

// Unregister implements Backend.
func (s *Systemd) Unregister(ctx context.Context, name string) error {
	if _, err := os.Stat(s.timerPath(name)); errors.Is(err, os.ErrNotExist) {
		return ErrTaskNotFound
	}
	if _, err := s.systemctl(ctx, "disable", "--now", name+".timer"); err != nil {
		s.logger.Warn().Err(err).Str("task", name).Msg("disabling timer failed")
	}
	for _, p := range []string{s.timerPath(name), s.servicePath(name)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing unit: %w", err)
		}
	}
	_, err := s.systemctl(ctx, "daemon-reload")
	return err
}

// SetEnabled implements Backend.
func (s *Systemd) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if _, err := os.Stat(s.timerPath(name)); errors.Is(err, os.ErrNotExist) {
		return ErrTaskNotFound
	}
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	_, err := s.systemctl(ctx, verb, "--now", name+".timer")
	return err
}

// Trigger starts the service unit without waiting for it to finish.
func (s *Systemd) Trigger(ctx context.Context, name string) error {
	if _, err := os.Stat(s.servicePath(name)); errors.Is(err, os.ErrNotExist) {
		return ErrTaskNotFound
	}
	_, err := s.systemctl(ctx, "start", "--no-block", name+".service")
	return err
}
