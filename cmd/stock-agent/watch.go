package main

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nachoal/stock-agent-go/history"
	"github.com/nachoal/stock-agent-go/tui"
)

func watchCmd() *cobra.Command {
	var (
		serverURL string
		interval  time.Duration
		exit      bool
		theme     string
	)
	cmd := &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Follow the progress of a session's latest turn",
		Long:  "Watch polls the latest todo run of a session, either from a running server (--server) or from the local session store. Without a session id a picker is shown.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var source tui.ProgressSource
			if serverURL != "" {
				source = tui.NewHTTPSource(serverURL)
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				// another process writes the sessions
				cfg.Session.ReadThrough = true
				backend, store, err := openStore(cmd.Context(), cfg, nopLogger())
				if err != nil {
					return err
				}
				defer backend.Close()
				source = tui.StoreSource{Store: store}
			}

			sessionID := ""
			if len(args) > 0 {
				sessionID = args[0]
			} else {
				infos, err := source.Sessions(cmd.Context())
				if err != nil {
					return err
				}
				picker := tui.NewSessionPicker(infos)
				if _, err := tea.NewProgram(picker).Run(); err != nil {
					return fmt.Errorf("error running picker: %w", err)
				}
				if picker.SelectedSessionID == "" {
					return nil
				}
				sessionID = picker.SelectedSessionID
			}
			if !history.ValidSessionID(sessionID) {
				return fmt.Errorf("%w: %q", history.ErrInvalidSessionID, sessionID)
			}

			w := tui.NewWatcher(source, sessionID,
				tui.WithInterval(interval),
				tui.WithExitOnFinish(exit),
				tui.WithTheme(theme),
			)
			final, err := tea.NewProgram(w).Run()
			if err != nil {
				return fmt.Errorf("error running TUI: %w", err)
			}
			if fw, ok := final.(tui.Watcher); ok && exit {
				if run := fw.Run(); run != nil && run.Status == history.RunFailed {
					return errors.New("the watched turn failed")
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&serverURL, "server", "", "Poll a running server, e.g. http://localhost:8080")
	f.DurationVar(&interval, "interval", time.Second, "Poll interval")
	f.BoolVar(&exit, "exit", false, "Exit when the turn finishes")
	f.StringVar(&theme, "theme", "default", "Color theme (default, nord)")
	return cmd
}
