package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nachoal/stock-agent-go/config"
)

var (
	// Flags
	configPath string
	verbose    bool

	v = config.NewViper()

	rootCmd = &cobra.Command{
		Use:           "stock-agent",
		Short:         "Stock analysis agent with tool support",
		Long:          "Stock Agent - a ReAct stock analysis agent with delegated sub-tasks, persistent sessions and live progress tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"provider":        "llm.provider",
	"model":           "llm.model",
	"session-backend": "session.backend",
	"market-url":      "market.base_url",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.stock-agent/config.yaml or ./config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.String("provider", "", "LLM provider (openai, deepseek, moonshot, groq, lmstudio, ollama)")
	pf.String("model", "", "Model to use")
	pf.String("session-backend", "", "Session storage (memory, file, sqlite, redis)")
	pf.String("market-url", "", "Base URL of the market-data service")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(askCmd(), serveCmd(), watchCmd(), sessionsCmd(), toolsCmd(), personasCmd())
}

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration once flags are parsed.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}
