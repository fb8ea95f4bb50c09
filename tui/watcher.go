// Package tui renders live progress of analysis turns in the terminal.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nachoal/stock-agent-go/history"
	"github.com/nachoal/stock-agent-go/tui/styles"
)

const previewWidth = 72

// KeyMap defines key bindings
type KeyMap struct {
	Quit    key.Binding
	Refresh key.Binding
	Preview key.Binding
}

// DefaultKeyMap returns default key bindings
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Preview: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "toggle previews"),
		),
	}
}

type (
	// runMsg carries the result of one poll.
	runMsg struct {
		run *history.TodoRun
		err error
	}

	// pollMsg schedules the next poll.
	pollMsg struct{}
)

// Watcher polls the latest todo run of one session and renders it.
type Watcher struct {
	source       ProgressSource
	sessionID    string
	interval     time.Duration
	exitOnFinish bool

	spinner     spinner.Model
	styles      *styles.Styles
	keys        KeyMap
	run         *history.TodoRun
	err         error
	showPreview bool
	width       int
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithExitOnFinish quits once the watched run is no longer running.
func WithExitOnFinish(exit bool) WatcherOption {
	return func(w *Watcher) { w.exitOnFinish = exit }
}

// WithTheme selects a theme by name.
func WithTheme(name string) WatcherOption {
	return func(w *Watcher) { w.styles = styles.NewStyles(styles.GetTheme(name)) }
}

// NewWatcher creates a watcher for sessionID.
func NewWatcher(source ProgressSource, sessionID string, opts ...WatcherOption) Watcher {
	w := Watcher{
		source:      source,
		sessionID:   sessionID,
		interval:    time.Second,
		styles:      styles.NewStyles(styles.DefaultTheme),
		keys:        DefaultKeyMap(),
		showPreview: true,
		width:       80,
	}
	for _, opt := range opts {
		opt(&w)
	}
	w.spinner = spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(w.styles.Spinner))
	return w
}

// Run returns the last run seen.
func (w Watcher) Run() *history.TodoRun { return w.run }

func (w Watcher) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, w.fetch())
}

func (w Watcher) fetch() tea.Cmd {
	source, id := w.source, w.sessionID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		run, err := source.LatestRun(ctx, id)
		return runMsg{run: run, err: err}
	}
}

func (w Watcher) schedule() tea.Cmd {
	return tea.Tick(w.interval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (w Watcher) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		w.width = msg.Width
		return w, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, w.keys.Quit):
			return w, tea.Quit
		case key.Matches(msg, w.keys.Refresh):
			return w, w.fetch()
		case key.Matches(msg, w.keys.Preview):
			w.showPreview = !w.showPreview
		}
		return w, nil

	case runMsg:
		w.err = msg.err
		if msg.err == nil {
			w.run = msg.run
		}
		if w.exitOnFinish && w.run != nil && w.run.Status != history.RunRunning {
			return w, tea.Quit
		}
		return w, w.schedule()

	case pollMsg:
		return w, w.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd
	}
	return w, nil
}

func (w Watcher) View() string {
	s := w.styles
	var b strings.Builder

	b.WriteString(s.Title.Render("Session " + w.sessionID))
	b.WriteString("\n")

	switch {
	case w.run == nil && errors.Is(w.err, history.ErrTodoRunNotFound):
		b.WriteString(w.spinner.View() + " " + s.Label.Render("Waiting for the first turn..."))
	case w.run == nil && w.err != nil:
		b.WriteString(s.Error.Render("Error: " + w.err.Error()))
	case w.run == nil:
		b.WriteString(w.spinner.View() + " " + s.Label.Render("Loading..."))
	default:
		b.WriteString(w.renderRun())
		if w.err != nil {
			b.WriteString("\n" + s.Error.Render("Last poll failed: "+w.err.Error()))
		}
	}

	b.WriteString("\n\n")
	b.WriteString(s.Help.Render("[r] refresh  [p] previews  [q] quit"))
	return b.String()
}

func (w Watcher) renderRun() string {
	s, run := w.styles, w.run
	var b strings.Builder

	b.WriteString(s.Subtitle.Render(clip(run.UserMessage, w.width-4)))
	b.WriteString("\n")

	done, total := run.Progress()
	status := string(run.Status)
	if run.Status == history.RunRunning {
		status = w.spinner.View() + " running"
	}
	meta := []string{status, fmt.Sprintf("%d/%d steps", done, total)}
	if run.StockCode != "" {
		meta = append(meta, run.StockCode)
	}
	if run.Skill != "" {
		meta = append(meta, "playbook "+run.Skill)
	}
	if run.FinishedAt != nil {
		meta = append(meta, run.FinishedAt.Sub(run.CreatedAt).Round(time.Millisecond).String())
	}
	b.WriteString(s.Label.Render(strings.Join(meta, " · ")))
	b.WriteString("\n")

	var items strings.Builder
	if len(run.Todos) == 0 {
		items.WriteString(s.Label.Render("No steps yet"))
	}
	for i, t := range run.Todos {
		if i > 0 {
			items.WriteString("\n")
		}
		fmt.Fprintf(&items, "%s %s", s.RenderTodoStatus(t.Status), s.TodoTitle(t.Status, t.Title))
		if !w.showPreview {
			continue
		}
		detail := t.ResultPreview
		if t.Status == history.TodoFailed && t.Error != "" {
			detail = t.Error
		}
		if detail != "" {
			items.WriteString("\n" + s.Preview.Render(clip(detail, previewWidth)))
		}
	}
	b.WriteString(s.Panel.Render(items.String()))
	return b.String()
}

// clip flattens s to one line of at most n runes.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n < 4 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
