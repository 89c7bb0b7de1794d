package utils

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)
}

var (
	RedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc0000"))
	OrangeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff7c28"))
	YellowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc9500"))
	GreenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06cc00"))
	LightBlueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3cc5ff"))
	LightPurpleStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#d864ff"))
	GrayStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#adadad"))
)

// StateStyle returns the style used to highlight a kernel lifecycle state in log messages.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "Running":
		return GreenStyle
	case "Starting", "Restarting":
		return LightBlueStyle
	case "ShuttingDown":
		return OrangeStyle
	case "Failed":
		return RedStyle
	case "Dead":
		return GrayStyle
	default:
		return YellowStyle
	}
}
