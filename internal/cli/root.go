// Package cli provides the command-line interface for igsnh.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/igsnharvest/internal/app"
	"github.com/raphaelgruber/igsnharvest/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool
	backend string

	// Global config and dependencies
	cfg        config.Config
	deps       *app.App
	logger     *slog.Logger
	closeLog   func() error
	noStoreCmd = map[string]bool{"version": true, "help": true, "time": true, "completion": true}
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "igsnh",
	Short: "Incremental OAI-PMH harvester for IGSN sample records",
	Long: `igsnh harvests IGSN sample registrations from OAI-PMH providers into a
local store, remembering per provider how far it got so that every run
only fetches what changed since the last one.

Register a provider once, then top it up as often as you like:

  igsnh service add https://app.geosamples.org/oai
  igsnh topup <service>`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noStoreCmd[cmd.Name()] {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if backend != "" {
			cfg.Backend = backend
		}
		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		} else if level < slog.LevelWarn {
			// keep the terminal for command output
			level = slog.LevelWarn
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)

		deps, err = app.New(cmd.Context(), cfg, nil, logger)
		if err != nil {
			return err
		}
		return nil
	},
}

// Execute runs the root command under ctx and releases the store and log
// file afterwards, whether or not the command failed.
func Execute(ctx context.Context) error {
	defer cleanup()
	return rootCmd.ExecuteContext(ctx)
}

func cleanup() {
	if deps != nil {
		if err := deps.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
		}
		deps = nil
	}
	if closeLog != nil {
		_ = closeLog()
		closeLog = nil
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "storage backend: surreal, postgres, sqlite or memory (default from IGSNH_BACKEND)")

	// Add subcommands
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(topupCmd)
	rootCmd.AddCommand(packageCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(timeCmd)
}
