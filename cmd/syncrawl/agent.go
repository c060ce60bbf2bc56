package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/syncrawl/internal/agent"
	"github.com/livinlefevreloca/syncrawl/internal/agent/playwright"
	"github.com/livinlefevreloca/syncrawl/internal/config"
)

type agentFlags struct {
	name        string
	coordinator string
	browser     string
	headless    bool
	install     bool
}

func newAgentCommand() *cobra.Command {
	var flags agentFlags

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a browser agent for a coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)

			if err := cfg.ValidateAgent(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := setupLogger(cfg)
			if err != nil {
				return err
			}

			logger.Info("launching browser", "browser", cfg.Agent.Browser, "headless", cfg.Agent.Headless)
			browser, err := playwright.Launch(playwright.Options{
				Engine:   cfg.Agent.Browser,
				Headless: cfg.Agent.Headless,
				Install:  flags.install,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := browser.Close(); err != nil {
					logger.Warn("failed to close browser", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return agent.New(cfg.Agent, browser, logger).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&flags.name, "name", "", "Agent name, unique across the fleet")
	cmd.Flags().StringVar(&flags.coordinator, "coordinator", "", "Websocket URL of the coordinator, e.g. ws://host:3000/ws")
	cmd.Flags().StringVar(&flags.browser, "browser", "", "Browser engine (chromium, firefox)")
	cmd.Flags().BoolVar(&flags.headless, "headless", true, "Run the browser without a window")
	cmd.Flags().BoolVar(&flags.install, "install", false, "Download the playwright driver and browser first")
	return cmd
}

func (f agentFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("name") {
		cfg.Agent.Name = f.name
	}
	if cmd.Flags().Changed("coordinator") {
		cfg.Agent.CoordinatorURL = f.coordinator
	}
	if cmd.Flags().Changed("browser") {
		cfg.Agent.Browser = f.browser
	}
	if cmd.Flags().Changed("headless") {
		cfg.Agent.Headless = f.headless
	}
	if cfg.Agent.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Agent.Name = host
		}
	}
}
