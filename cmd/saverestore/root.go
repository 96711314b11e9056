package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"modbus-saverestore/internal/config"
	"modbus-saverestore/internal/logging"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath    string
	flagConfiguration string
	flagVerbose       bool
	flagQuiet         bool
)

// cfg holds the effective configuration loaded by PersistentPreRunE.
var cfg config.Config

// logOutput is where buildLogger writes; tests swap it.
var logOutput io.Writer = os.Stderr

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saverestore",
		Short: "Save and restore live machine setpoints over Modbus",
		Long: "saverestore polls the writable control points of a machine definition, " +
			"captures their live values to .mstate documents or a snapshot store, " +
			"and writes saved values back on request.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagConfiguration, "configuration", "",
		`machine configuration, "<definition.yaml>" or "<definition.yaml>#<sequence>"`)
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "log errors only")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCaptureCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newDiffCmd())

	return cmd
}

// loadConfig reads the config file and environment, then applies CLI overrides.
func loadConfig(cmd *cobra.Command) error {
	loaded, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("configuration") {
		loaded.Machine.Configuration = flagConfiguration
	}
	cfg = loaded
	return nil
}

// buildLogger creates the process logger. The config file sets the baseline;
// --verbose and --quiet override it.
func buildLogger() (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if flagVerbose {
		level = slog.LevelDebug
	}
	if flagQuiet {
		level = slog.LevelError
	}
	return logging.New(logOutput, level, cfg.Log.Format)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
