package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/syncrawl/internal/calibration"
	"github.com/livinlefevreloca/syncrawl/internal/config"
	"github.com/livinlefevreloca/syncrawl/internal/crawllog"
	"github.com/livinlefevreloca/syncrawl/internal/db"
	"github.com/livinlefevreloca/syncrawl/internal/protocol"
	"github.com/livinlefevreloca/syncrawl/internal/scheduler"
	"github.com/livinlefevreloca/syncrawl/internal/stats"
	"github.com/livinlefevreloca/syncrawl/internal/syncer"
	"github.com/livinlefevreloca/syncrawl/internal/transport"
	"github.com/livinlefevreloca/syncrawl/internal/worklist"
)

type coordinatorFlags struct {
	agents   int
	worklist string
	testRun  bool
	port     int
	resume   string
}

func newCoordinatorCommand() *cobra.Command {
	var flags coordinatorFlags

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator and dispatch the work list to the fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := setupLogger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Server.Addr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.Server.Addr(), err)
			}

			return runCoordinator(ctx, cfg, flags.resume, ln, logger)
		},
	}

	cmd.Flags().IntVarP(&flags.agents, "agents", "n", 0, "Number of agents to wait for")
	cmd.Flags().StringVarP(&flags.worklist, "worklist", "w", "", "Work list to crawl (txt, csv, yaml)")
	cmd.Flags().BoolVar(&flags.testRun, "test", false, "Run synchronization test rounds instead of crawling")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "Port for the agent channel and callbacks")
	cmd.Flags().StringVar(&flags.resume, "resume", "", "Resume the run with this id")
	return cmd
}

func (f coordinatorFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("agents") {
		cfg.Coordinator.AgentCount = f.agents
	}
	if cmd.Flags().Changed("worklist") {
		cfg.Worklist.Path = f.worklist
	}
	if cmd.Flags().Changed("test") {
		cfg.Coordinator.TestRun = f.testRun
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
}

// runCoordinator runs one crawl or test run to completion on ln. It returns
// nil when the run finished or ctx was cancelled.
func runCoordinator(ctx context.Context, cfg *config.Config, resumeID string, ln net.Listener, logger *slog.Logger) error {
	defer ln.Close()

	logger.Info("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	version, err := database.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	logger.Info("database schema ready", "version", version)

	list, err := loadWorklist(cfg)
	if err != nil {
		return err
	}

	now := time.Now()
	run, profiles, err := prepareRun(database, cfg, list, resumeID, now, logger)
	if err != nil {
		return err
	}

	engine := calibration.NewEngine(logger)
	if len(profiles) > 0 {
		engine.Restore(profiles)
	}

	crawlLog, err := crawllog.Open(cfg.Storage.Path, list.Name, cfg.Coordinator.TestRun, now, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := crawlLog.Close(); err != nil {
			logger.Error("failed to close crawl log", "error", err)
		}
	}()

	recordSyncer, err := syncer.NewSyncer(cfg.Syncer, logger.With("component", "syncer"))
	if err != nil {
		return fmt.Errorf("invalid syncer configuration: %w", err)
	}
	recordSyncer.Resume(run.RunID, run.CompletedCount, run.Skipped)
	recordSyncer.Start(database)

	collector := stats.NewStatsCollector(cfg.Stats, stats.NewDBAdapter(database), logger.With("component", "stats"))
	collector.Start()

	sched, err := scheduler.New(cfg.Coordinator, scheduler.Options{
		RunID:          run.RunID,
		Targets:        list.Targets,
		CompletedCount: run.CompletedCount,
		Recorder:       scheduler.MultiRecorder{crawlLog, recordSyncer, collector},
		Engine:         engine,
	}, logger)
	if err != nil {
		_ = recordSyncer.Shutdown()
		_ = collector.Stop()
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	server := transport.NewServer(cfg.Server, sched, logger)

	logger.Info("waiting for agents",
		"run_id", run.RunID,
		"agents", cfg.Coordinator.AgentCount,
		"work_list", list.Name,
		"targets", list.Len(),
		"crawl_log", crawlLog.Path())

	runErr := serve(ctx, sched, server, ln)

	if err := recordSyncer.Shutdown(); err != nil {
		logger.Error("failed to drain syncer", "error", err)
	}
	if err := collector.Stop(); err != nil {
		logger.Error("failed to flush stats", "error", err)
	}

	if runErr == nil && ctx.Err() != nil {
		// Interrupted runs stay resumable
		if err := database.CompleteRun(run.RunID, db.RunStatusStopped, nil, time.Now()); err != nil {
			logger.Error("failed to mark run stopped", "run_id", run.RunID, "error", err)
		}
		logger.Info("run stopped", "run_id", run.RunID, "resume_with", "--resume "+run.RunID)
	}

	return runErr
}

// serve runs the scheduler and the transport together. The transport stops
// as soon as the scheduler returns.
func serve(ctx context.Context, sched *scheduler.Scheduler, server *transport.Server, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	g.Go(func() error {
		defer stopServer()
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return server.Serve(serverCtx, ln)
	})

	return g.Wait()
}

func loadWorklist(cfg *config.Config) (*worklist.List, error) {
	if cfg.Coordinator.TestRun {
		return worklist.Synthetic(cfg.Coordinator.TestIterations, protocol.TargetTest), nil
	}
	list, err := worklist.Load(cfg.Worklist.Path)
	if err != nil {
		return nil, err
	}
	return list, nil
}

// prepareRun creates the run record, or reopens it when resuming. Profiles
// of the last calibration are returned for a resumed run.
func prepareRun(database *db.DB, cfg *config.Config, list *worklist.List, resumeID string, now time.Time, logger *slog.Logger) (*db.Run, []calibration.Profile, error) {
	if resumeID == "" {
		run := &db.Run{
			RunID:      uuid.NewString(),
			WorkList:   list.Path,
			TestRun:    cfg.Coordinator.TestRun,
			AgentCount: cfg.Coordinator.AgentCount,
			Total:      list.Len(),
			Status:     db.RunStatusRunning,
			StartedAt:  now,
			UpdatedAt:  now,
		}
		if err := database.CreateRun(run); err != nil {
			return nil, nil, fmt.Errorf("failed to create run: %w", err)
		}
		return run, nil, nil
	}

	run, err := database.GetRun(resumeID)
	if db.IsNotFound(err) {
		return nil, nil, fmt.Errorf("run %s not found", resumeID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run.Status == db.RunStatusFinished {
		return nil, nil, fmt.Errorf("run %s already finished", resumeID)
	}
	if run.TestRun != cfg.Coordinator.TestRun {
		return nil, nil, fmt.Errorf("run %s was started with test_run=%v", resumeID, run.TestRun)
	}
	if run.CompletedCount > list.Len() {
		return nil, nil, fmt.Errorf("run %s completed %d items but the work list has %d", resumeID, run.CompletedCount, list.Len())
	}
	if run.WorkList != list.Path {
		logger.Warn("resuming with a different work list", "run_id", resumeID, "was", run.WorkList, "now", list.Path)
	}

	if err := database.ResumeRun(run.RunID, now); err != nil {
		return nil, nil, fmt.Errorf("failed to resume run: %w", err)
	}

	rows, err := database.LatestCalibrationProfiles(run.RunID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, nil, fmt.Errorf("failed to load calibration profiles: %w", err)
	}
	profiles := syncer.RestoreProfiles(rows)

	logger.Info("resuming run",
		"run_id", run.RunID,
		"completed", run.CompletedCount,
		"skipped", run.Skipped,
		"profiles", len(profiles))
	return run, profiles, nil
}
