package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nachoal/stock-agent-go/history"
	"github.com/nachoal/stock-agent-go/tui/styles"
)

// SessionPicker is a TUI component for selecting a session to watch.
type SessionPicker struct {
	sessions []history.SessionInfo
	selected int
	height   int
	styles   *styles.Styles

	// SelectedSessionID is set once the user confirms a session.
	SelectedSessionID string
}

// NewSessionPicker creates a picker over sessions, most recent first.
func NewSessionPicker(sessions []history.SessionInfo) *SessionPicker {
	return &SessionPicker{
		sessions: sessions,
		height:   24,
		styles:   styles.NewStyles(styles.DefaultTheme),
	}
}

func (p *SessionPicker) Init() tea.Cmd {
	return nil
}

func (p *SessionPicker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.height = msg.Height
		return p, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if p.selected > 0 {
				p.selected--
			}
		case "down", "j":
			if p.selected < len(p.sessions)-1 {
				p.selected++
			}
		case "enter":
			if len(p.sessions) > 0 {
				p.SelectedSessionID = p.sessions[p.selected].ID
				return p, tea.Quit
			}
		case "esc", "q", "ctrl+c":
			return p, tea.Quit
		}
	}
	return p, nil
}

func (p *SessionPicker) View() string {
	s := p.styles
	if len(p.sessions) == 0 {
		return "\nNo sessions yet.\n\n" + s.Help.Render("[Esc] quit")
	}

	var b strings.Builder
	b.WriteString(s.Title.Render("Select a session to watch:"))
	b.WriteString("\n\n")

	// title, help and margins take six lines
	start, end := window(len(p.sessions), p.selected, p.height-6)
	for i := start; i < end; i++ {
		info := p.sessions[i]
		cursor, style := "  ", s.Normal
		if i == p.selected {
			cursor, style = "▸ ", s.Selected
		}

		marker := " "
		if info.Active {
			marker = "●"
		}
		line := fmt.Sprintf("%s%s %s  %s (%d messages, %d runs)",
			cursor, marker,
			info.UpdatedAt.Format("Jan 02 15:04"),
			clip(info.Title, 40),
			info.Messages, info.TodoRuns)
		if info.StockCode != "" {
			line += " " + info.StockCode
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	if start > 0 || end < len(p.sessions) {
		b.WriteString(s.Label.Render(fmt.Sprintf("\n[%d-%d of %d sessions]", start+1, end, len(p.sessions))))
	}
	b.WriteString("\n")
	b.WriteString(s.Help.Render("[↑/↓/j/k] Navigate  [Enter] Watch  [Esc/q] Cancel"))
	return b.String()
}

// window returns the visible range keeping selected near the middle.
func window(n, selected, visible int) (int, int) {
	if visible <= 0 || visible >= n {
		return 0, n
	}
	start := 0
	if selected > visible/2 {
		start = selected - visible/2
		if start+visible > n {
			start = n - visible
		}
	}
	return start, start + visible
}
