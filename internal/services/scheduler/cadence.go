package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/robfig/cron/v3"
)

// Weekly runs fire on Sunday and monthly runs on the first of the month.
const (
	weeklyDay  = time.Sunday
	monthlyDay = 1
)

// parseTimeOfDay splits "HH:MM".
func parseTimeOfDay(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// CronExpr returns the standard five-field cron expression of a cadence.
func CronExpr(c models.Cadence, timeOfDay string) (string, error) {
	h, m, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return "", err
	}
	switch c {
	case models.CadenceDaily:
		return fmt.Sprintf("%d %d * * *", m, h), nil
	case models.CadenceWeekly:
		return fmt.Sprintf("%d %d * * %d", m, h, weeklyDay), nil
	case models.CadenceMonthly:
		return fmt.Sprintf("%d %d %d * *", m, h, monthlyDay), nil
	default:
		return "", fmt.Errorf("unsupported cadence %q", c)
	}
}

// ParseCronExpr recognizes the expressions produced by CronExpr.
func ParseCronExpr(expr string) (models.Cadence, string, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", "", fmt.Errorf("cron expression %q must have five fields", expr)
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", "", fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	m, errM := strconv.Atoi(fields[0])
	h, errH := strconv.Atoi(fields[1])
	if errM != nil || errH != nil {
		return "", "", fmt.Errorf("cron expression %q is not a fixed time of day", expr)
	}
	tod := fmt.Sprintf("%02d:%02d", h, m)

	switch {
	case fields[2] == "*" && fields[3] == "*" && fields[4] == "*":
		return models.CadenceDaily, tod, nil
	case fields[2] == "*" && fields[3] == "*":
		return models.CadenceWeekly, tod, nil
	case fields[3] == "*" && fields[4] == "*":
		return models.CadenceMonthly, tod, nil
	default:
		return "", "", fmt.Errorf("cron expression %q does not match a supported cadence", expr)
	}
}

// NextRun returns the next trigger time after now.
func NextRun(c models.Cadence, timeOfDay string, now time.Time) (time.Time, error) {
	expr, err := CronExpr(c, timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule: %w", err)
	}
	return sched.Next(now), nil
}
