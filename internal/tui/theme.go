// Package tui implements the terminal monitor behind "foreman system monitor".
package tui

import "github.com/charmbracelet/lipgloss"

// Theme keeps every colour the monitor uses in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style
	StatusWaiting lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

// NewDefaultTheme returns the dark-terminal palette.
func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusWaiting: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
	}
}

// planSymbol renders the status glyph of a plan.
func (t Theme) planSymbol(status string) string {
	switch status {
	case "planned", "approved", "queued":
		return t.StatusQueued.Render("○")
	case "pending_approval", "pending_human":
		return t.StatusWaiting.Render("◐")
	case "running":
		return t.StatusRunning.Render("◉")
	case "success":
		return t.StatusOK.Render("●")
	case "failed":
		return t.StatusFailed.Render("∅")
	case "cancelled":
		return t.Dim.Render("◌")
	}
	return "?"
}
