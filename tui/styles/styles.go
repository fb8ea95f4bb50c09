// Package styles holds the lipgloss palette of the terminal watcher.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nachoal/stock-agent-go/history"
)

// Theme represents a color theme
type Theme struct {
	Name    string
	Primary lipgloss.AdaptiveColor
	Accent  lipgloss.AdaptiveColor
	Text    lipgloss.AdaptiveColor
	TextDim lipgloss.AdaptiveColor
	Border  lipgloss.AdaptiveColor
	Success lipgloss.AdaptiveColor
	Warning lipgloss.AdaptiveColor
	Error   lipgloss.AdaptiveColor
}

var DefaultTheme = Theme{
	Name:    "default",
	Primary: lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7B68EE"},
	Accent:  lipgloss.AdaptiveColor{Light: "#6C6CFF", Dark: "#9370DB"},
	Text:    lipgloss.AdaptiveColor{Light: "#1E1E1E", Dark: "#E0E0E0"},
	TextDim: lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"},
	Border:  lipgloss.AdaptiveColor{Light: "#E0E0E0", Dark: "#404040"},
	Success: lipgloss.AdaptiveColor{Light: "#4CAF50", Dark: "#66BB6A"},
	Warning: lipgloss.AdaptiveColor{Light: "#FF9800", Dark: "#FFA726"},
	Error:   lipgloss.AdaptiveColor{Light: "#F44336", Dark: "#EF5350"},
}

var NordTheme = Theme{
	Name:    "nord",
	Primary: lipgloss.AdaptiveColor{Light: "#5E81AC", Dark: "#81A1C1"},
	Accent:  lipgloss.AdaptiveColor{Light: "#88C0D0", Dark: "#88C0D0"},
	Text:    lipgloss.AdaptiveColor{Light: "#2E3440", Dark: "#D8DEE9"},
	TextDim: lipgloss.AdaptiveColor{Light: "#4C566A", Dark: "#4C566A"},
	Border:  lipgloss.AdaptiveColor{Light: "#4C566A", Dark: "#4C566A"},
	Success: lipgloss.AdaptiveColor{Light: "#A3BE8C", Dark: "#A3BE8C"},
	Warning: lipgloss.AdaptiveColor{Light: "#EBCB8B", Dark: "#EBCB8B"},
	Error:   lipgloss.AdaptiveColor{Light: "#BF616A", Dark: "#BF616A"},
}

// GetTheme returns a theme by name
func GetTheme(name string) Theme {
	if name == NordTheme.Name {
		return NordTheme
	}
	return DefaultTheme
}

// Styles holds all the styles of the watcher.
type Styles struct {
	Theme Theme

	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Panel    lipgloss.Style
	Label    lipgloss.Style
	Help     lipgloss.Style
	Spinner  lipgloss.Style
	Error    lipgloss.Style
	Preview  lipgloss.Style
	Selected lipgloss.Style
	Normal   lipgloss.Style

	TodoPending    lipgloss.Style
	TodoInProgress lipgloss.Style
	TodoCompleted  lipgloss.Style
	TodoFailed     lipgloss.Style
	TodoSkipped    lipgloss.Style
}

// NewStyles creates a new styles instance with the given theme
func NewStyles(theme Theme) *Styles {
	return &Styles{
		Theme:    theme,
		Title:    lipgloss.NewStyle().Foreground(theme.Primary).Bold(true),
		Subtitle: lipgloss.NewStyle().Foreground(theme.Accent),
		Panel: lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(theme.Border),
		Label:    lipgloss.NewStyle().Foreground(theme.TextDim),
		Help:     lipgloss.NewStyle().Foreground(theme.TextDim).Italic(true),
		Spinner:  lipgloss.NewStyle().Foreground(theme.Primary),
		Error:    lipgloss.NewStyle().Foreground(theme.Error).Bold(true),
		Preview:  lipgloss.NewStyle().Foreground(theme.TextDim).PaddingLeft(4),
		Selected: lipgloss.NewStyle().Foreground(theme.Primary).Bold(true),
		Normal:   lipgloss.NewStyle().Foreground(theme.Text),

		TodoPending:    lipgloss.NewStyle().Foreground(theme.TextDim),
		TodoInProgress: lipgloss.NewStyle().Foreground(theme.Warning),
		TodoCompleted:  lipgloss.NewStyle().Foreground(theme.Success),
		TodoFailed:     lipgloss.NewStyle().Foreground(theme.Error),
		TodoSkipped:    lipgloss.NewStyle().Foreground(theme.TextDim).Strikethrough(true),
	}
}

// RenderTodoStatus returns the styled marker of a todo item.
func (s *Styles) RenderTodoStatus(status history.TodoStatus) string {
	switch status {
	case history.TodoInProgress:
		return s.TodoInProgress.Render("●")
	case history.TodoCompleted:
		return s.TodoCompleted.Render("✓")
	case history.TodoFailed:
		return s.TodoFailed.Render("✗")
	case history.TodoSkipped:
		return s.TodoSkipped.Render("–")
	default:
		return s.TodoPending.Render("◌")
	}
}

// TodoTitle styles an item title by status.
func (s *Styles) TodoTitle(status history.TodoStatus, title string) string {
	switch status {
	case history.TodoInProgress:
		return s.TodoInProgress.Render(title)
	case history.TodoCompleted:
		return s.Normal.Render(title)
	case history.TodoFailed:
		return s.TodoFailed.Render(title)
	case history.TodoSkipped:
		return s.TodoSkipped.Render(title)
	default:
		return s.TodoPending.Render(title)
	}
}
