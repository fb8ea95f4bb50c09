package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nachoal/stock-agent-go/history"
	"github.com/nachoal/stock-agent-go/internal/logging"
)

func nopLogger() *logging.Logger { return logging.Nop() }

// withStore opens the configured session store for fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *history.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend, store, err := openStore(cmd.Context(), cfg, logging.New(cfg.Log))
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(cmd.Context(), store)
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session management commands",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *history.Store) error {
				infos, err := store.ListSessions(ctx)
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions yet.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tUPDATED\tSTOCK\tMESSAGES\tRUNS\tTITLE")
				for _, info := range infos {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
						info.ID, info.UpdatedAt.Format("2006-01-02 15:04"), info.StockCode,
						info.Messages, info.TodoRuns, info.Title)
				}
				return tw.Flush()
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *history.Store) error {
				sess, err := store.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sess)
			})
		},
	}

	rm := &cobra.Command{
		Use:   "rm <session-id>...",
		Short: "Delete sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *history.Store) error {
				for _, id := range args {
					if err := store.DeleteSession(ctx, id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
				}
				return nil
			})
		},
	}

	var maxAge time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions idle for longer than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *history.Store) error {
				age := maxAge
				if age <= 0 {
					age = v.GetDuration("session.max_age")
				}
				n, err := store.Cleanup(ctx, age)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sessions idle for more than %s\n", n, age)
				return nil
			})
		},
	}
	cleanup.Flags().DurationVar(&maxAge, "max-age", 0, "Idle age threshold (default session.max_age)")

	cmd.AddCommand(list, show, rm, cleanup)
	return cmd
}
