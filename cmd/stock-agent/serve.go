package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nachoal/stock-agent-go/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat, progress and metrics HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(a.smart,
				server.WithLogger(a.logger),
				server.WithMetrics(a.metrics),
				server.WithKeepAlive(cfg.Server.KeepAlive),
				server.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
				server.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
			)
			return srv.Run(ctx, cfg.Server.Addr)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default :8080)")
	if err := v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
		panic(err)
	}
	return cmd
}
