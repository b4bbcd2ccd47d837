package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the dashboard's colors.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the standard drover-dash palette.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// Styles holds the pre-built lipgloss styles derived from a theme.
type Styles struct {
	Title   lipgloss.Style
	Healthy lipgloss.Style
	Down    lipgloss.Style
	Warn    lipgloss.Style
	Muted   lipgloss.Style
	Section lipgloss.Style
}

// NewStyles builds the style set for a theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		Healthy: lipgloss.NewStyle().Foreground(theme.Success),
		Down:    lipgloss.NewStyle().Foreground(theme.Error),
		Warn:    lipgloss.NewStyle().Bold(true).Foreground(theme.Warning),
		Muted:   lipgloss.NewStyle().Foreground(theme.Muted),
		Section: lipgloss.NewStyle().Bold(true).Foreground(theme.Primary).MarginTop(1),
	}
}

// statusStyle picks the color for one worker status cell.
func (s Styles) statusStyle(status string) lipgloss.Style {
	switch status {
	case "idle":
		return s.Healthy
	case "working":
		return s.Title
	case "needs_review", "no_changes":
		return s.Warn
	case "error":
		return s.Down
	default:
		return s.Muted
	}
}
