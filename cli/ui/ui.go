// Package ui renders the clinops CLI: task spinners, progress bars, tables
// and status badges.
package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/clinprecision/clinops-core/cli/styles"
)

// Plain disables animations. Tasks run synchronously and print one line.
var Plain = false

// Output is where tasks and progress bars render.
var Output io.Writer = os.Stdout

// ErrCancelled is returned when the user interrupts a running task.
var ErrCancelled = errors.New("cancelled")

type taskDoneMsg struct {
	result string
	err    error
}

// TaskModel shows a spinner while a function runs.
type TaskModel struct {
	spinner   spinner.Model
	title     string
	fn        func() (string, error)
	done      bool
	cancelled bool
	result    string
	err       error
}

// NewTask creates a spinner titled title around fn. fn returns the line
// printed on success.
func NewTask(title string, fn func() (string, error)) TaskModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)
	return TaskModel{spinner: s, title: title, fn: fn}
}

func (m TaskModel) Init() tea.Cmd {
	fn := m.fn
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		result, err := fn()
		return taskDoneMsg{result: result, err: err}
	})
}

func (m TaskModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "esc" {
			m.cancelled = true
			return m, tea.Quit
		}
	case taskDoneMsg:
		m.done = true
		m.result = msg.result
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m TaskModel) View() string {
	switch {
	case m.cancelled:
		return styles.FormatWarning(m.title+" cancelled") + "\n"
	case m.done && m.err != nil:
		return styles.FormatError(m.err.Error()) + "\n"
	case m.done:
		return styles.FormatSuccess(m.result) + "\n"
	}
	return m.spinner.View() + " " + styles.Normal.Render(m.title) + "\n"
}

// Err is the task's outcome.
func (m TaskModel) Err() error {
	if m.cancelled {
		return ErrCancelled
	}
	return m.err
}

// RunTask runs fn behind a spinner and returns its error.
func RunTask(title string, fn func() (string, error)) error {
	if Plain {
		result, err := fn()
		if err != nil {
			fmt.Fprintln(Output, styles.FormatError(err.Error()))
			return err
		}
		fmt.Fprintln(Output, styles.FormatSuccess(result))
		return nil
	}

	final, err := tea.NewProgram(NewTask(title, fn), tea.WithOutput(Output)).Run()
	if err != nil {
		return err
	}
	return final.(TaskModel).Err()
}

// ProgressMsg moves a progress bar. Percent is in [0, 1].
type ProgressMsg struct {
	Percent float64
	Message string
}

type progressDoneMsg struct{ err error }

// ProgressModel is a progress bar driven by ProgressMsg.
type ProgressModel struct {
	bar     progress.Model
	percent float64
	message string
	done    bool
	err     error
}

// NewProgress creates a progress bar starting at message.
func NewProgress(message string) ProgressModel {
	return ProgressModel{
		bar:     progress.New(progress.WithGradient(string(styles.PrimaryDark), string(styles.PrimaryLight)), progress.WithWidth(40)),
		message: message,
	}
}

func (m ProgressModel) Init() tea.Cmd { return nil }

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "esc" {
			m.err = ErrCancelled
			return m, tea.Quit
		}
	case ProgressMsg:
		m.percent = clamp(msg.Percent)
		if msg.Message != "" {
			m.message = msg.Message
		}
	case progressDoneMsg:
		m.done = true
		m.err = msg.err
		if m.err == nil {
			m.percent = 1
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m ProgressModel) View() string {
	if m.done {
		if m.err != nil {
			return styles.FormatError(m.err.Error()) + "\n"
		}
		return styles.FormatSuccess(m.message) + "\n"
	}
	return m.bar.ViewAs(m.percent) + " " + styles.Muted.Render(m.message) + "\n"
}

// Err is the outcome of the tracked operation.
func (m ProgressModel) Err() error { return m.err }

// RunProgress runs fn behind a progress bar. fn reports progress through
// report, which is safe to call from any goroutine.
func RunProgress(message string, fn func(report func(ProgressMsg)) (string, error)) error {
	if Plain {
		result, err := fn(func(ProgressMsg) {})
		if err != nil {
			fmt.Fprintln(Output, styles.FormatError(err.Error()))
			return err
		}
		fmt.Fprintln(Output, styles.FormatSuccess(result))
		return nil
	}

	p := tea.NewProgram(NewProgress(message), tea.WithOutput(Output))
	go func() {
		result, err := fn(func(msg ProgressMsg) { p.Send(msg) })
		if err == nil {
			p.Send(ProgressMsg{Percent: 1, Message: result})
		}
		p.Send(progressDoneMsg{err: err})
	}()
	final, err := p.Run()
	if err != nil {
		return err
	}
	return final.(ProgressModel).Err()
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Table collects rows for a bordered table.
type Table struct {
	headers []string
	rows    [][]string
}

// NewTable creates a table. An all-empty header row is not rendered.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// AddRow appends a row, padding or truncating it to the header width.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Len is the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Render returns the formatted table.
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Padding(0, 1)
	cell := lipgloss.NewStyle().Foreground(styles.Text).Padding(0, 1)

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(styles.Border)).
		Rows(t.rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	if strings.Join(t.headers, "") != "" {
		tbl = tbl.Headers(t.headers...)
	}
	return tbl.Render()
}

// StatusBadge renders a lifecycle state as a colored badge. It knows the
// projection states and the study, protocol and build statuses.
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1)
	switch strings.ToLower(status) {
	case "running", "ok", "healthy", "applied", "active", "approved", "completed":
		badge = badge.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case "paused", "rebuilding", "pending", "planning", "draft", "under_review", "submitted", "in_progress", "suspended":
		badge = badge.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case "faulted", "failed", "error", "terminated", "withdrawn", "cancelled":
		badge = badge.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(styles.Surface).Foreground(styles.Text)
	}
	return badge.Render(status)
}

// Banner is the full clinops banner.
func Banner() string {
	art := `
   ██████╗██╗     ██╗███╗   ██╗ ██████╗ ██████╗ ███████╗
  ██╔════╝██║     ██║████╗  ██║██╔═══██╗██╔══██╗██╔════╝
  ██║     ██║     ██║██╔██╗ ██║██║   ██║██████╔╝███████╗
  ██║     ██║     ██║██║╚██╗██║██║   ██║██╔═══╝ ╚════██║
  ╚██████╗███████╗██║██║ ╚████║╚██████╔╝██║     ███████║
   ╚═════╝╚══════╝╚═╝╚═╝  ╚═══╝ ╚═════╝ ╚═╝     ╚══════╝
        Clinical trial operations core
`
	return lipgloss.NewStyle().Foreground(styles.Primary).Bold(true).Render(art)
}

// SimpleBanner is the one-line banner.
func SimpleBanner() string {
	return styles.IconClinops + " " +
		lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Render("clinops") +
		" " + styles.Muted.Render("- clinical trial operations core")
}

// Divider is a horizontal rule width cells wide.
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}

// ListItems renders items as a bulleted list.
func ListItems(items []string) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(styles.ListItemBullet.Render(styles.IconDot))
		sb.WriteString(styles.ListItem.Render(item))
		sb.WriteString("\n")
	}
	return sb.String()
}
