package scheduler

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Schtasks drives the Windows Task Scheduler through schtasks.exe.
type Schtasks struct {
	exec   container.CommandExecutor
	logger zerolog.Logger
}

// NewSchtasks creates a Task Scheduler backend.
func NewSchtasks(logger zerolog.Logger, exec container.CommandExecutor) *Schtasks {
	return &Schtasks{exec: exec, logger: logger}
}

// Name implements Backend.
func (s *Schtasks) Name() string { return "schtasks" }

func (s *Schtasks) schtasks(ctx context.Context, args ...string) (models.CommandResult, error) {
	return run(ctx, s.exec, container.Command{Name: "schtasks", Args: args, Timeout: probeTimeout})
}

func isNotFound(err error) bool {
	var ce *cliError
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.res.Stderr + ce.res.Stdout)
	return strings.Contains(msg, "cannot find") || strings.Contains(msg, "does not exist")
}

func scheduleArgs(c models.Cadence, timeOfDay string) ([]string, error) {
	h, m, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return nil, err
	}
	at := fmt.Sprintf("%02d:%02d", h, m)
	switch c {
	case models.CadenceDaily:
		return []string{"/SC", "DAILY", "/ST", at}, nil
	case models.CadenceWeekly:
		return []string{"/SC", "WEEKLY", "/D", strings.ToUpper(weeklyDay.String()[:3]), "/ST", at}, nil
	case models.CadenceMonthly:
		return []string{"/SC", "MONTHLY", "/D", fmt.Sprint(monthlyDay), "/ST", at}, nil
	default:
		return nil, fmt.Errorf("unsupported cadence %q", c)
	}
}

// Register implements Backend.
func (s *Schtasks) Register(ctx context.Context, task models.Task) error {
	sched, err := scheduleArgs(task.Cadence, task.TimeOfDay)
	if err != nil {
		return err
	}
	tr := windowsJoin(append([]string{task.Executable}, task.Args...))
	args := append([]string{"/Create", "/F", "/TN", task.Name, "/TR", tr}, sched...)
	if _, err := s.schtasks(ctx, args...); err != nil {
		return err
	}
	if !task.Enabled {
		if err := s.SetEnabled(ctx, task.Name, false); err != nil {
			return err
		}
	}
	s.logger.Info().Str("task", task.Name).Strs("schedule", sched).Msg("scheduled task registered")
	return nil
}

type taskXML struct {
	Triggers struct {
		Calendar []calendarTrigger `xml:"CalendarTrigger"`
	} `xml:"Triggers"`
	Settings struct {
		Enabled string `xml:"Enabled"`
	} `xml:"Settings"`
	Actions struct {
		Exec []struct {
			Command   string `xml:"Command"`
			Arguments string `xml:"Arguments"`
		} `xml:"Exec"`
	} `xml:"Actions"`
}

type calendarTrigger struct {
	StartBoundary string    `xml:"StartBoundary"`
	Enabled       string    `xml:"Enabled"`
	ByDay         *struct{} `xml:"ScheduleByDay"`
	ByWeek        *struct{} `xml:"ScheduleByWeek"`
	ByMonth       *struct{} `xml:"ScheduleByMonth"`
}

// decodeOutput converts schtasks output to UTF-8; /XML emits UTF-16 on
// some consoles.
func decodeOutput(raw string) ([]byte, error) {
	b := []byte(raw)
	if !bytes.HasPrefix(b, []byte{0xff, 0xfe}) && !bytes.HasPrefix(b, []byte{0xfe, 0xff}) && bytes.IndexByte(b, 0) < 0 {
		return b, nil
	}
	dec := unicode.BOMOverride(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder())
	out, _, err := transform.Bytes(dec, b)
	if err != nil {
		return nil, fmt.Errorf("decoding task XML: %w", err)
	}
	return out, nil
}

func parseTaskXML(name string, raw string) (*models.Task, error) {
	data, err := decodeOutput(raw)
	if err != nil {
		return nil, err
	}
	var doc taskXML
	d := xml.NewDecoder(bytes.NewReader(data))
	// The declaration may still claim UTF-16 after decoding.
	d.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }
	if err := d.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing task XML: %w", err)
	}
	if len(doc.Actions.Exec) == 0 || len(doc.Triggers.Calendar) == 0 {
		return nil, fmt.Errorf("task %s has no exec action or calendar trigger", name)
	}

	trig := doc.Triggers.Calendar[0]
	var cadence models.Cadence
	switch {
	case trig.ByDay != nil:
		cadence = models.CadenceDaily
	case trig.ByWeek != nil:
		cadence = models.CadenceWeekly
	case trig.ByMonth != nil:
		cadence = models.CadenceMonthly
	default:
		return nil, fmt.Errorf("task %s has an unsupported trigger", name)
	}
	// StartBoundary looks like 2026-01-01T02:30:00.
	_, clock, ok := strings.Cut(trig.StartBoundary, "T")
	if !ok || len(clock) < 5 {
		return nil, fmt.Errorf("task %s has an invalid start boundary %q", name, trig.StartBoundary)
	}

	action := doc.Actions.Exec[0]
	exe := windowsSplit(action.Command)
	if len(exe) == 0 {
		return nil, fmt.Errorf("task %s has an empty command", name)
	}
	enabled := !strings.EqualFold(doc.Settings.Enabled, "false") && !strings.EqualFold(trig.Enabled, "false")

	return &models.Task{
		Name:       name,
		Executable: exe[0],
		Args:       windowsSplit(action.Arguments),
		Cadence:    cadence,
		TimeOfDay:  clock[:5],
		Enabled:    enabled,
	}, nil
}

// Query implements Backend.
func (s *Schtasks) Query(ctx context.Context, name string) (*models.Task, error) {
	res, err := s.schtasks(ctx, "/Query", "/TN", name, "/XML")
	if isNotFound(err) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return parseTaskXML(name, res.Stdout)
}

// Unregister implements Backend.
func (s *Schtasks) Unregister(ctx context.Context, name string) error {
	_, err := s.schtasks(ctx, "/Delete", "/F", "/TN", name)
	if isNotFound(err) {
		return ErrTaskNotFound
	}
	return err
}

// SetEnabled implements Backend.
func (s *Schtasks) SetEnabled(ctx context.Context, name string, enabled bool) error {
	flag := "/DISABLE"
	if enabled {
		flag = "/ENABLE"
	}
	_, err := s.schtasks(ctx, "/Change", "/TN", name, flag)
	if isNotFound(err) {
		return ErrTaskNotFound
	}
	return err
}

// Trigger implements Backend.
func (s *Schtasks) Trigger(ctx context.Context, name string) error {
	_, err := s.schtasks(ctx, "/Run", "/TN", name)
	if isNotFound(err) {
		return ErrTaskNotFound
	}
	return err
}
