package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fgeck/nextcloud-backup/internal/models"
)

var historyColumns = []table.Column{
	{Title: "ID", Width: 5},
	{Title: "Created", Width: 19},
	{Title: "Size", Width: 10},
	{Title: "DB", Width: 8},
	{Title: "Components", Width: 28},
	{Title: "Verified", Width: 10},
	{Title: "Archive", Width: 60},
}

// HumanSize formats a byte count with binary units.
func HumanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func componentList(cs []models.Component) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func historyRow(r models.BackupRecord) table.Row {
	name := r.ArchivePath
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if r.Encrypted {
		name += " [enc]"
	}
	return table.Row{
		strconv.FormatUint(uint64(r.ID), 10),
		r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		HumanSize(r.SizeBytes),
		string(r.DBKind),
		componentList(r.Components),
		string(r.Verification),
		name,
	}
}

// RenderHistory renders records as a static table for non-interactive output.
func RenderHistory(records []models.BackupRecord) string {
	if len(records) == 0 {
		return dimStyle.Render("No backups recorded.") + "\n"
	}
	header := make([]string, len(historyColumns))
	for i, c := range historyColumns {
		header[i] = lipgloss.NewStyle().Width(c.Width).Bold(true).Render(c.Title)
	}
	var b strings.Builder
	b.WriteString(strings.Join(header, " ") + "\n")
	for _, r := range records {
		row := historyRow(r)
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = lipgloss.NewStyle().Width(historyColumns[i].Width).Render(v)
		}
		b.WriteString(strings.Join(cells, " ") + "\n")
	}
	return b.String()
}

// HistoryModel is an interactive table of backup records.
type HistoryModel struct {
	table    table.Model
	records  []models.BackupRecord
	selected *models.BackupRecord
}

// NewHistoryModel creates the table view.
func NewHistoryModel(records []models.BackupRecord, height int) HistoryModel {
	rows := make([]table.Row, len(records))
	for i, r := range records {
		rows[i] = historyRow(r)
	}
	t := table.New(
		table.WithColumns(historyColumns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(max(height, 5)),
	)

	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	st.Selected = st.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(st)

	return HistoryModel{table: t, records: records}
}

// Init implements tea.Model.
func (m HistoryModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m HistoryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetHeight(max(msg.Height-6, 5))
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "enter":
			if i := m.table.Cursor(); i >= 0 && i < len(m.records) {
				rec := m.records[i]
				m.selected = &rec
			}
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// Selected returns the record chosen with enter, if any.
func (m HistoryModel) Selected() *models.BackupRecord {
	return m.selected
}

// View implements tea.Model.
func (m HistoryModel) View() string {
	return titleStyle.Render("Backup history") + "\n\n" +
		m.table.View() + "\n" +
		dimStyle.Render("↑/↓ move · enter select · q quit") + "\n"
}
