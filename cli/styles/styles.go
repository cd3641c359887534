// Package styles holds the colors, text styles and icons of the clinops CLI.
package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	Primary      = lipgloss.Color("#0D9488") // teal
	PrimaryLight = lipgloss.Color("#5EEAD4")
	PrimaryDark  = lipgloss.Color("#115E59")
	Secondary    = lipgloss.Color("#6366F1") // indigo

	Success      = lipgloss.Color("#10B981")
	Warning      = lipgloss.Color("#F59E0B")
	WarningLight = lipgloss.Color("#FBBF24")
	Error        = lipgloss.Color("#EF4444")
	Info         = lipgloss.Color("#3B82F6")

	Text      = lipgloss.Color("#F9FAFB")
	TextMuted = lipgloss.Color("#9CA3AF")
	TextDim   = lipgloss.Color("#6B7280")
	Surface   = lipgloss.Color("#1F2937")
	Border    = lipgloss.Color("#374151")
)

// Text styles. They are rebuilt by DisableColors.
var (
	Bold      lipgloss.Style
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Normal    lipgloss.Style
	Muted     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Code      lipgloss.Style

	SuccessStyle lipgloss.Style
	WarningStyle lipgloss.Style
	ErrorStyle   lipgloss.Style
	InfoStyle    lipgloss.Style

	ListItem       lipgloss.Style
	ListItemBullet lipgloss.Style

	InfoBox lipgloss.Style
	Box     lipgloss.Style
)

func init() { build() }

func build() {
	Bold = lipgloss.NewStyle().Bold(true)
	Title = lipgloss.NewStyle().Bold(true).Foreground(Primary).MarginBottom(1)
	Subtitle = lipgloss.NewStyle().Bold(true).Foreground(PrimaryLight)
	Normal = lipgloss.NewStyle().Foreground(Text)
	Muted = lipgloss.NewStyle().Foreground(TextMuted)
	Dim = lipgloss.NewStyle().Foreground(TextDim)
	Highlight = lipgloss.NewStyle().Bold(true).Foreground(Secondary)
	Code = lipgloss.NewStyle().Foreground(WarningLight).Background(Surface).Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle = lipgloss.NewStyle().Foreground(Error)
	InfoStyle = lipgloss.NewStyle().Foreground(Info)

	ListItem = lipgloss.NewStyle().PaddingLeft(2).Foreground(Text)
	ListItemBullet = lipgloss.NewStyle().Foreground(Primary).PaddingRight(1)

	InfoBox = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(Info).Padding(1, 2).MarginTop(1)
	Box = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(Border).Padding(1, 2)
}

// Icons
const (
	IconSuccess  = "✓"
	IconError    = "✗"
	IconWarning  = "⚠"
	IconInfo     = "ℹ"
	IconArrow    = "→"
	IconDot      = "•"
	IconPending  = "◌"
	IconList     = "☰"
	IconHealth   = "❤️"
	IconDatabase = "🗄️"
	IconServer   = "🛰️"
	IconClinops  = "🧪"
)

// FormatSuccess prefixes msg with a success mark.
func FormatSuccess(msg string) string {
	return SuccessStyle.Render(IconSuccess) + " " + Normal.Render(msg)
}

// FormatError prefixes msg with an error mark.
func FormatError(msg string) string {
	return ErrorStyle.Render(IconError) + " " + Normal.Render(msg)
}

// FormatWarning prefixes msg with a warning mark.
func FormatWarning(msg string) string {
	return WarningStyle.Render(IconWarning) + " " + Normal.Render(msg)
}

// FormatInfo prefixes msg with an info mark.
func FormatInfo(msg string) string {
	return InfoStyle.Render(IconInfo) + " " + Normal.Render(msg)
}

// FormatStep renders "[step/total] msg".
func FormatStep(step, total int, msg string) string {
	return Muted.Render(fmt.Sprintf("[%d/%d]", step, total)) + " " + msg
}

// FormatKeyValue renders an aligned "key: value" line.
func FormatKeyValue(key, value string) string {
	return Muted.Width(18).Render(key+":") + " " + Highlight.Render(value)
}

// DisableColors strips every color for terminals that cannot render them.
func DisableColors() {
	none := lipgloss.Color("")
	for _, c := range []*lipgloss.Color{
		&Primary, &PrimaryLight, &PrimaryDark, &Secondary,
		&Success, &Warning, &WarningLight, &Error, &Info,
		&Text, &TextMuted, &TextDim, &Surface, &Border,
	} {
		*c = none
	}
	build()
}
