package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/livinlefevreloca/syncrawl/internal/db"
	"github.com/livinlefevreloca/syncrawl/internal/worklist"
)

func newCheckConfigCommand() *cobra.Command {
	var agentOnly bool

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and the work list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if agentOnly {
				if err := cfg.ValidateAgent(); err != nil {
					return fmt.Errorf("invalid agent configuration: %w", err)
				}
				fmt.Fprintf(out, "%s agent %q connects to %s\n", color.GreenString("OK"), cfg.Agent.Name, cfg.Agent.CoordinatorURL)
				return nil
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			targets := cfg.Coordinator.TestIterations
			if !cfg.Coordinator.TestRun {
				list, err := worklist.Load(cfg.Worklist.Path)
				if err != nil {
					return err
				}
				targets = list.Len()
			}

			fmt.Fprintf(out, "%s coordinator for %d agents on %s, %d targets, database %s:%s\n",
				color.GreenString("OK"), cfg.Coordinator.AgentCount, cfg.Server.Addr(), targets,
				cfg.Database.Driver, cfg.Database.DSN)
			return nil
		},
	}

	cmd.Flags().BoolVar(&agentOnly, "agent", false, "Check the agent section only")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Applied here rather than on open so the count can be reported
			dbConfig := cfg.Database
			dbConfig.SkipMigrations = true
			database, err := db.OpenWithConfig(dbConfig)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			applied, err := database.Migrate()
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			version, err := database.CurrentVersion()
			if err != nil {
				return fmt.Errorf("failed to get schema version: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations, schema version %d\n", applied, version)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				url = cfg.Server.BaseURL()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			body, err := fetchStatus(ctx, strings.TrimSuffix(url, "/")+"/status")
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), body)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Base URL of the coordinator (defaults to the configured server)")
	return cmd
}

func fetchStatus(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach coordinator: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coordinator returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// printStatus renders the coordinator's status document
func printStatus(w io.Writer, body []byte) {
	st := gjson.ParseBytes(body)

	phase := st.Get("phase").String()
	switch phase {
	case "finished":
		phase = color.GreenString(phase)
	case "aborted", "paused":
		phase = color.RedString(phase)
	default:
		phase = color.CyanString(phase)
	}

	fmt.Fprintf(w, "run %s: %s (%s)\n", st.Get("run_id").String(), phase, st.Get("mode").String())
	fmt.Fprintf(w, "progress: %d/%d, %d skipped, %d calibrations\n",
		st.Get("completed_count").Int(), st.Get("total").Int(),
		st.Get("skipped").Int(), st.Get("calibrations").Int())

	agents := st.Get("agents").Array()
	fmt.Fprintf(w, "agents: %d\n", len(agents))
	for _, a := range agents {
		fmt.Fprintf(w, "  %-20s %-16s latency %dms, wait %dms\n",
			a.Get("name").String(), a.Get("state").String(),
			a.Get("latency_ms").Int(), a.Get("wait_ms").Int())
	}
}
