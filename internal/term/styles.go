package term

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent  = lipgloss.Color("#3b82f6")
	colorGood    = lipgloss.Color("#22c55e")
	colorWarn    = lipgloss.Color("#d97706")
	colorBad     = lipgloss.Color("#dc2626")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorRecomm  = lipgloss.Color("#f59e0b")
	colorPending = lipgloss.Color("#854d0e")
)

var (
	styleTitle    = lipgloss.NewStyle().Bold(true).Foreground(colorBright)
	stylePrompt   = lipgloss.NewStyle().Foreground(colorBright)
	styleDimmed   = lipgloss.NewStyle().Foreground(colorDimmed)
	styleCursor   = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	styleSelected = lipgloss.NewStyle().Foreground(colorGood)
	styleRecomm   = lipgloss.NewStyle().Foreground(colorRecomm)
	styleNote     = lipgloss.NewStyle().Foreground(colorPending).Italic(true)
	styleError    = lipgloss.NewStyle().Foreground(colorBad)
	styleDone     = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
)

// countdownStyle shades the remaining time green, amber, then red as
// the deadline approaches.
func countdownStyle(remaining, timeout float64) lipgloss.Style {
	if timeout <= 0 {
		return styleDimmed
	}
	frac := remaining / timeout
	switch {
	case frac > 0.5:
		return lipgloss.NewStyle().Foreground(colorGood)
	case frac > 0.2:
		return lipgloss.NewStyle().Foreground(colorWarn)
	default:
		return lipgloss.NewStyle().Foreground(colorBad)
	}
}
