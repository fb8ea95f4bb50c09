package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/internal/toolinit"
	"github.com/nachoal/stock-agent-go/tools/market"
)

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Tool management commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := toolinit.Catalog(market.NewClient(cfg.Market.BaseURL, cfg.Market.Timeout))
			if err != nil {
				return err
			}

			names := catalog.List()
			sort.Strings(names)
			fmt.Fprintln(cmd.OutOrStdout(), "Available tools:")
			for _, name := range names {
				tool, err := catalog.Get(name)
				if err != nil {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-26s %s\n", name, tool.Description())
			}
			return nil
		},
	})
	return cmd
}

func personasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "Persona commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agent personas and their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			personas, err := agent.LoadPersonas(cfg.Agent.PersonasFile)
			if err != nil {
				return err
			}
			for _, name := range personas.Names() {
				p, _ := personas.Get(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n  %s\n", p.Name, p.Description)
				if len(p.Tools) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "  tools: %s\n", strings.Join(p.Tools, ", "))
				}
			}
			return nil
		},
	})
	return cmd
}
