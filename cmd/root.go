package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Shugur-Network/relayfetch/internal/config"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/metrics"

	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for relayfetch
var rootCmd = &cobra.Command{
	Use:   "relayfetch",
	Short: "relayfetch pulls events out of many Nostr relays at once",
	Long: `relayfetch fetches Nostr events from many relays concurrently. It pages
through each relay's history, removes duplicates and verifies signatures.`,
	Example: `
  relayfetch fetch -r wss://relay.damus.io -f '{"kinds":[1]}' --since 1700000000
  relayfetch latest -r wss://nos.lol -f '{"authors":["<hex>"]}' --limit 20
  relayfetch per-key --key-name authors --key <hex>=wss://nos.lol --limit 5
  relayfetch serve --config /path/to/config.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("log-level") {
			cfg.Logging.Level, _ = flags.GetString("log-level")
		}
		if flags.Changed("log-format") {
			cfg.Logging.Format, _ = flags.GetString("log-format")
		}

		// stdout carries results for every command but serve
		if err := config.InitLogger(cfg.Logging, cmd.Name() != "serve"); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		metrics.RegisterMetrics()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Shutdown()
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// init is automatically called before main(), sets up flags and commands
func init() {
	// Add persistent flags (inherited by all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log output format (console or json)")

	rootCmd.AddCommand(newVersionCmd(), newServeCmd(), newFetchCmd(), newLatestCmd(), newPerKeyCmd())
}
