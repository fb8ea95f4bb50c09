package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/smart"
)

const answerWrapWidth = 100

func askCmd() *cobra.Command {
	var (
		req    smart.Request
		raw    bool
		detail bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the analysis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			req.Message = strings.Join(args, " ")
			events, sessionID, err := a.smart.Stream(ctx, req)
			if err != nil {
				return err
			}

			var answer strings.Builder
			var stats *agent.RunStats
			for ev := range events {
				switch ev.Type {
				case agent.EventContent:
					answer.WriteString(ev.Content)
				case agent.EventDone:
					stats = ev.Stats
				default:
					if detail {
						printProgress(cmd, ev)
					}
				}
			}

			out := answer.String()
			if !raw {
				out = renderMarkdown(out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)

			dim := lipgloss.NewStyle().Faint(true)
			summary := "session " + sessionID
			if stats != nil {
				summary += fmt.Sprintf(" · %d tools · %d steps · %d tokens", stats.ToolsUsed, stats.Iterations, stats.Usage.TotalTokens)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), dim.Render(summary))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.SessionID, "session", "s", "", "Continue a session by id")
	f.StringVar(&req.StockCode, "stock", "", "Stock code in focus, e.g. 600519")
	f.BoolVar(&req.ThinkHard, "think-hard", false, "Delegate to specialist sub-agents")
	f.BoolVar(&raw, "raw", false, "Print the answer without markdown rendering")
	f.BoolVar(&detail, "detail", false, "Print tool and task progress")
	return cmd
}

func renderMarkdown(s string) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(answerWrapWidth),
	)
	if err != nil {
		return s
	}
	out, err := renderer.Render(s)
	if err != nil {
		return s
	}
	return strings.TrimRight(out, "\n")
}

func printProgress(cmd *cobra.Command, ev agent.StreamEvent) {
	w := cmd.ErrOrStderr()
	dim := lipgloss.NewStyle().Faint(true)
	switch {
	case ev.Tool != nil && ev.Type == agent.EventToolCall:
		fmt.Fprintln(w, dim.Render(fmt.Sprintf("→ %s %s", ev.Tool.Name, ev.Tool.Args)))
	case ev.Tool != nil:
		mark := "✓"
		if !ev.Tool.Success {
			mark = "✗"
		}
		fmt.Fprintln(w, dim.Render(fmt.Sprintf("%s %s", mark, ev.Tool.Name)))
	case ev.Task != nil && ev.Type == agent.EventTaskStart:
		fmt.Fprintln(w, dim.Render(fmt.Sprintf("⇢ %s: %s", ev.Task.AgentType, ev.Task.Description)))
	case ev.Task != nil:
		fmt.Fprintln(w, dim.Render(fmt.Sprintf("⇠ %s done (%dms)", ev.Task.ID, ev.Task.DurationMs)))
	case ev.Type == agent.EventError:
		fmt.Fprintln(w, dim.Render("error: "+ev.Error))
	case ev.Content != "":
		fmt.Fprintln(w, dim.Render(ev.Content))
	}
}
