package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/syncrawl/internal/config"
	"github.com/livinlefevreloca/syncrawl/internal/logging"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "syncrawl",
	Short: "Synchronized multi-agent crawl coordinator",
	Long: `syncrawl drives a fleet of browser agents so that every agent requests
the same target at the same instant. Run one coordinator and one agent per
machine; the coordinator calibrates the fleet and dispatches the work list.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override the configured log format (json, text, console)")

	rootCmd.AddCommand(
		newCoordinatorCommand(),
		newAgentCommand(),
		newCheckConfigCommand(),
		newMigrateCommand(),
		newStatusCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "syncrawl failed: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and applies the logging flags
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

// setupLogger builds the process logger and installs it as the default
func setupLogger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return logger, nil
}
