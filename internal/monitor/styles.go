package monitor

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent = lipgloss.Color("13")
	colorMuted  = lipgloss.Color("242")
	colorRed    = lipgloss.Color("9")
	colorGreen  = lipgloss.Color("10")
	colorYellow = lipgloss.Color("11")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	countStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted)

	paneTitleStyle = lipgloss.NewStyle().
			Bold(true)

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Bold(true)

	lineNoStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	pendingStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)
)

// borderFor colors the code pane the way the view it shows is judged.
func borderFor(p pane) lipgloss.Color {
	switch p {
	case paneAncestor:
		return colorRed
	case paneSurvivor:
		return colorGreen
	default:
		return colorMuted
	}
}
