package main

import (
	"errors"
	"strings"

	"github.com/fgeck/nextcloud-backup/internal/models"
)

// describeError renders an error for the user: kind, explanation, suggested
// action, checklist and the log file.
func describeError(err error, logFile string) string {
	what, action := models.Explain(err)

	var b strings.Builder
	b.WriteString("Error [" + string(models.KindOf(err)) + "]: " + what + "\n")
	b.WriteString("  " + err.Error() + "\n")

	var e *models.Error
	if errors.As(err, &e) {
		for _, it := range e.Checklist {
			if it.Passed {
				continue
			}
			b.WriteString("  - " + it.Name)
			if it.Detail != "" {
				b.WriteString(": " + it.Detail)
			}
			b.WriteString("\n")
			if it.Remediation != "" {
				b.WriteString("    " + it.Remediation + "\n")
			}
		}
	}

	b.WriteString("What to do: " + action + "\n")
	if logFile != "" {
		b.WriteString("Log file: " + logFile + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
