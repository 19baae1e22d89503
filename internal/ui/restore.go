package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fgeck/nextcloud-backup/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	phaseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("229"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

var phaseLabels = map[models.Phase]string{
	models.PhaseIdle:              "Waiting",
	models.PhaseExtracting:        "Extracting archive",
	models.PhaseProvisioningDB:    "Provisioning database",
	models.PhaseProvisioningApp:   "Starting Nextcloud",
	models.PhaseCopyingFiles:      "Copying files",
	models.PhaseRestoringDB:       "Importing database",
	models.PhasePatchingConfig:    "Patching config.php",
	models.PhaseFixingPermissions: "Fixing permissions",
	models.PhaseValidating:        "Waiting for Nextcloud",
	models.PhaseDone:              "Done",
	models.PhaseFailed:            "Failed",
}

// PhaseLabel returns a human readable name for a restore phase.
func PhaseLabel(p models.Phase) string {
	if l, ok := phaseLabels[p]; ok {
		return l
	}
	return string(p)
}

// RestoreModel shows the progress of one restore run. It owns all view
// state and only changes it from Update.
type RestoreModel struct {
	queue    *Queue
	title    string
	bar      progress.Model
	spinner  spinner.Model
	last     models.ProgressEvent
	finished bool
	cancel   func()
	width    int
}

// NewRestoreModel creates the view. cancel is invoked on ctrl+c.
func NewRestoreModel(q *Queue, title string, cancel func()) RestoreModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = phaseStyle
	return RestoreModel{
		queue:   q,
		title:   title,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		spinner: s,
		cancel:  cancel,
		last:    models.ProgressEvent{Phase: models.PhaseIdle},
	}
}

// Init implements tea.Model.
func (m RestoreModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, WaitForEvent(m.queue))
}

// Update implements tea.Model.
func (m RestoreModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 10; w > 20 {
			m.bar.Width = min(w, 80)
		}
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC && m.cancel != nil {
			m.cancel()
		}
		return m, nil

	case ProgressMsg:
		m.last = models.ProgressEvent(msg)
		if m.last.Phase.Terminal() {
			m.finished = true
			return m, tea.Quit
		}
		return m, WaitForEvent(m.queue)

	case queueClosedMsg:
		m.finished = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Last returns the most recent event received.
func (m RestoreModel) Last() models.ProgressEvent {
	return m.last
}

// View implements tea.Model.
func (m RestoreModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title) + "\n\n")

	label := PhaseLabel(m.last.Phase)
	switch {
	case m.last.Phase == models.PhaseDone:
		b.WriteString(okStyle.Render("✓ "+label) + "\n")
	case m.last.Phase == models.PhaseFailed:
		b.WriteString(errStyle.Render("✗ "+label) + "\n")
	case m.finished:
		b.WriteString(phaseStyle.Render(label) + "\n")
	default:
		b.WriteString(m.spinner.View() + " " + phaseStyle.Render(label) + "\n")
	}

	b.WriteString(m.bar.ViewAs(m.last.Percent/100) + "\n")
	if m.last.Message != "" {
		b.WriteString(dimStyle.Render(m.last.Message) + "\n")
	}
	if m.last.Err != nil {
		b.WriteString(errStyle.Render(m.last.Err.Error()) + "\n")
	}
	if !m.finished {
		b.WriteString(dimStyle.Render(fmt.Sprintf("\n%.0f%% · ctrl+c to abort", m.last.Percent)) + "\n")
	}
	return b.String()
}
