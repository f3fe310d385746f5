package tui

import "github.com/charmbracelet/lipgloss"

// Palette
const (
	colorPrimary = lipgloss.Color("99")
	colorAccent  = lipgloss.Color("86")
	colorOK      = lipgloss.Color("2")
	colorWarn    = lipgloss.Color("3")
	colorError   = lipgloss.Color("196")
	colorMuted   = lipgloss.Color("241")
)

// Styles groups the renderers used by the console. Plain disables colour
// for non-terminal output.
type Styles struct {
	Banner    lipgloss.Style
	Reply     lipgloss.Style
	Tool      lipgloss.Style
	OK        lipgloss.Style
	Failure   lipgloss.Style
	Notice    lipgloss.Style
	DevServer lipgloss.Style
	Question  lipgloss.Style
	Hint      lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Banner: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary),
		Reply: lipgloss.NewStyle(),
		Tool: lipgloss.NewStyle().
			Foreground(colorAccent),
		OK: lipgloss.NewStyle().
			Foreground(colorOK),
		Failure: lipgloss.NewStyle().
			Foreground(colorError),
		Notice: lipgloss.NewStyle().
			Foreground(colorWarn),
		DevServer: lipgloss.NewStyle().
			Foreground(colorMuted),
		Question: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWarn),
		Hint: lipgloss.NewStyle().
			Foreground(colorMuted),
	}
}

// PlainStyles renders every element without decoration.
func PlainStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{Banner: s, Reply: s, Tool: s, OK: s, Failure: s, Notice: s, DevServer: s, Question: s, Hint: s}
}
