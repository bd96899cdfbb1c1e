// Package theme provides the styles for dbt-mcp's terminal output.
package theme

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dbt-labs/dbt-mcp/internal/events"
)

// Theme holds all the styles used by the CLI.
type Theme struct {
	// Text styles
	Base  lipgloss.Style
	Muted lipgloss.Style
	Faint lipgloss.Style
	Title lipgloss.Style

	// Accent colors
	Primary lipgloss.Style
	Success lipgloss.Style
	Warn    lipgloss.Style
	Danger  lipgloss.Style

	// Key is the label column of key/value listings.
	Key lipgloss.Style
}

// New creates the default theme (orange accent).
func New() Theme {
	primary := lipgloss.AdaptiveColor{Light: "#EA580C", Dark: "#FB923C"} // Orange
	success := lipgloss.AdaptiveColor{Light: "#0F7B0F", Dark: "#9ECE6A"}
	warn := lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	danger := lipgloss.AdaptiveColor{Light: "#B00020", Dark: "#F7768E"}
	muted := lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#A9B1D6"}
	faint := lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#565F89"}

	return Theme{
		Base:  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#111827", Dark: "#C0CAF5"}),
		Muted: lipgloss.NewStyle().Foreground(muted),
		Faint: lipgloss.NewStyle().Foreground(faint),
		Title: lipgloss.NewStyle().Bold(true),

		Primary: lipgloss.NewStyle().Foreground(primary),
		Success: lipgloss.NewStyle().Foreground(success),
		Warn:    lipgloss.NewStyle().Foreground(warn),
		Danger:  lipgloss.NewStyle().Foreground(danger),

		Key: lipgloss.NewStyle().Foreground(muted).Width(14),
	}
}

// StatusIcon returns the icon for a check result.
func (t Theme) StatusIcon(ok bool, hasError bool) string {
	if hasError {
		return t.Danger.Render("✖")
	}
	if ok {
		return t.Success.Render("●")
	}
	return t.Faint.Render("○")
}

// StatePill renders a language server state as a pill with a background color.
func (t Theme) StatePill(state events.RuntimeState) string {
	pill := lipgloss.NewStyle().Padding(0, 1).Bold(true)
	switch state {
	case events.StateRunning:
		return pill.Background(lipgloss.Color("#14532D")).
			Foreground(lipgloss.Color("#DCFCE7")).Render("● RUN")
	case events.StateIdle, events.StateStopped:
		return pill.Background(lipgloss.Color("#374151")).
			Foreground(lipgloss.Color("#E5E7EB")).Render("○ STOP")
	case events.StateStarting, events.StateStopping:
		return pill.Background(lipgloss.Color("#713F12")).
			Foreground(lipgloss.Color("#FEF3C7")).Render("◐ ...")
	case events.StateError, events.StateCrashed:
		return pill.Background(lipgloss.Color("#7F1D1D")).
			Foreground(lipgloss.Color("#FEE2E2")).Render("✖ ERR")
	default:
		return pill.Background(lipgloss.Color("#374151")).
			Foreground(lipgloss.Color("#E5E7EB")).Render("○ " + state.String())
	}
}

// ResourceType colors a dbt resource type.
func (t Theme) ResourceType(resourceType string) string {
	label := strings.ToLower(resourceType)
	switch label {
	case "model":
		return t.Primary.Render(label)
	case "source", "seed":
		return t.Success.Render(label)
	case "snapshot":
		return t.Warn.Render(label)
	case "":
		return t.Faint.Render("-")
	default:
		return t.Muted.Render(label)
	}
}

// KeyValue renders one aligned "key  value" line.
func (t Theme) KeyValue(key, value string) string {
	return t.Key.Render(key) + " " + value
}
