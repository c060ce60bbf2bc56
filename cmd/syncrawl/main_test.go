package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/agent"
	"github.com/livinlefevreloca/syncrawl/internal/calibration"
	"github.com/livinlefevreloca/syncrawl/internal/config"
	"github.com/livinlefevreloca/syncrawl/internal/db"
	"github.com/livinlefevreloca/syncrawl/internal/scheduler"
	"github.com/livinlefevreloca/syncrawl/internal/testutil"
	"github.com/livinlefevreloca/syncrawl/internal/worklist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// httpBrowser visits targets with a plain HTTP GET
type httpBrowser struct {
	mu        sync.Mutex
	userAgent string
}

func (b *httpBrowser) Prepare(_ context.Context, userAgent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userAgent = userAgent
	return nil
}

func (b *httpBrowser) Visit(ctx context.Context, target string) error {
	b.mu.Lock()
	ua := b.userAgent
	b.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func (b *httpBrowser) Reset(context.Context) error { return nil }
func (b *httpBrowser) Close() error                { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	database.SetMaxOpenConns(1)
	_, err = database.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

// ============================================================================
// End to end
// ============================================================================

func TestCoordinator_TestRunWithTwoAgents(t *testing.T) {
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Coordinator.AgentCount = 2
	cfg.Coordinator.AllowedPing = time.Second
	cfg.Coordinator.CalibrationRounds = 2
	cfg.Coordinator.ReCalibration = 0
	cfg.Coordinator.TestRun = true
	cfg.Coordinator.TestIterations = 3
	cfg.Coordinator.ReadyTimeout = 5 * time.Second
	cfg.Coordinator.DoneTimeout = 5 * time.Second
	cfg.Coordinator.FlushInterval = 20 * time.Millisecond
	cfg.Storage.Path = filepath.Join(dir, "storage")
	cfg.Database.DSN = filepath.Join(dir, "syncrawl.db")
	cfg.Syncer.FlushInterval = 10 * time.Millisecond
	cfg.Stats.FlushInterval = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	wsURL := "ws://" + ln.Addr().String() + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coordDone := make(chan error, 1)
	go func() { coordDone <- runCoordinator(ctx, cfg, "", ln, discardLogger()) }()

	agentDone := make(chan error, 2)
	for _, name := range []string{"agent-a", "agent-b"} {
		acfg := agent.DefaultConfig()
		acfg.Name = name
		acfg.CoordinatorURL = wsURL
		acfg.VisitDuration = 0
		acfg.NavigationTimeout = 5 * time.Second
		acfg.ReconnectInterval = 50 * time.Millisecond
		a := agent.New(acfg, &httpBrowser{}, discardLogger())
		go func() { agentDone <- a.Run(ctx) }()
	}

	select {
	case err := <-coordDone:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("coordinator did not finish")
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-agentDone:
			assert.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("agent did not stop")
		}
	}

	database, err := db.Open("sqlite3", cfg.Database.DSN)
	require.NoError(t, err)
	defer database.Close()

	var runID string
	require.NoError(t, database.QueryRow("SELECT run_id FROM runs").Scan(&runID))

	run, err := database.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFinished, run.Status)
	assert.True(t, run.TestRun)

	records, err := database.GetRoundRecords(runID)
	require.NoError(t, err)
	byStatus := map[string]int{}
	for _, r := range records {
		byStatus[r.Status]++
	}
	assert.GreaterOrEqual(t, byStatus[scheduler.StatusCalibration], 4, "two agents over at least two calibration rounds")
	assert.Equal(t, 6, byStatus[scheduler.StatusRequest], "two agents over three test rounds")

	profiles, err := database.LatestCalibrationProfiles(runID)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)

	logs, err := filepath.Glob(filepath.Join(cfg.Storage.Path, "Crawl_*", "TESTCRAWL_*.csv"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

// ============================================================================
// Run preparation
// ============================================================================

func TestPrepareRun_New(t *testing.T) {
	database := newTestDB(t)
	cfg := config.DefaultConfig()
	list := &worklist.List{Name: "top", Path: "top.txt", Targets: []string{"https://a.example", "https://b.example"}}
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	run, profiles, err := prepareRun(database, cfg, list, "", now, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, profiles)
	assert.NotEmpty(t, run.RunID)

	stored, err := database.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusRunning, stored.Status)
	assert.Equal(t, 2, stored.Total)
	assert.Equal(t, "top.txt", stored.WorkList)
}

func TestPrepareRun_ResumeRestoresProgressAndProfiles(t *testing.T) {
	database := newTestDB(t)
	cfg := config.DefaultConfig()
	list := &worklist.List{Name: "top", Path: "top.txt", Targets: []string{"a", "b", "c"}}
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	logger := testutil.NewTestLogger()

	run, _, err := prepareRun(database, cfg, list, "", now, logger.Logger())
	require.NoError(t, err)
	require.NoError(t, database.UpdateRunProgress(run.RunID, 2, 1, now.Add(time.Minute)))
	require.NoError(t, database.CompleteRun(run.RunID, db.RunStatusStopped, nil, now.Add(time.Minute)))
	require.NoError(t, database.SaveCalibrationProfiles([]db.CalibrationProfile{
		{RunID: run.RunID, Calibration: 1, Agent: "agent-a", AvgRequestMs: 100, WaitMs: 40, Rounds: 10, ComputedAt: now},
		{RunID: run.RunID, Calibration: 1, Agent: "agent-b", AvgRequestMs: 140, Rounds: 10, ComputedAt: now},
	}))

	resumed, profiles, err := prepareRun(database, cfg, list, run.RunID, now.Add(time.Hour), logger.Logger())
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.CompletedCount)
	assert.Equal(t, 1, resumed.Skipped)
	require.Len(t, profiles, 2)

	engine := calibration.NewEngine(discardLogger())
	engine.Restore(profiles)
	assert.True(t, engine.Complete())
	p, ok := engine.Profile("agent-a")
	require.True(t, ok)
	assert.Equal(t, 40*time.Millisecond, p.Wait)

	stored, err := database.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusRunning, stored.Status)
	assert.True(t, logger.HasMessage("resuming run"))
}

func TestPrepareRun_ResumeRejected(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	list := &worklist.List{Name: "top", Path: "top.txt", Targets: []string{"a", "b"}}

	tests := []struct {
		name    string
		setup   func(t *testing.T, database *db.DB, runID string)
		mutate  func(cfg *config.Config)
		wantErr string
	}{
		{
			name: "finished",
			setup: func(t *testing.T, database *db.DB, runID string) {
				require.NoError(t, database.CompleteRun(runID, db.RunStatusFinished, nil, now))
			},
			wantErr: "already finished",
		},
		{
			name:    "mode changed",
			mutate:  func(cfg *config.Config) { cfg.Coordinator.TestRun = true },
			wantErr: "test_run",
		},
		{
			name: "list shrank",
			setup: func(t *testing.T, database *db.DB, runID string) {
				require.NoError(t, database.UpdateRunProgress(runID, 5, 0, now))
			},
			wantErr: "work list has 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := newTestDB(t)
			cfg := config.DefaultConfig()

			run, _, err := prepareRun(database, cfg, list, "", now, discardLogger())
			require.NoError(t, err)
			if tt.setup != nil {
				tt.setup(t, database, run.RunID)
			}
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			_, _, err = prepareRun(database, cfg, list, run.RunID, now, discardLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("unknown run", func(t *testing.T) {
		_, _, err := prepareRun(newTestDB(t), config.DefaultConfig(), list, "missing", now, discardLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestLoadWorklist_TestRunIsSynthetic(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Coordinator.TestRun = true
	cfg.Coordinator.TestIterations = 7
	cfg.Worklist.Path = "/does/not/exist.txt"

	list, err := loadWorklist(cfg)
	require.NoError(t, err)
	assert.Equal(t, 7, list.Len())
	assert.Equal(t, "test", list.Name)
}

// ============================================================================
// CLI
// ============================================================================

func TestPrintStatus(t *testing.T) {
	body := []byte(`{
		"run_id": "run-1", "phase": "running", "mode": "crawl",
		"completed_count": 12, "total": 40, "skipped": 1, "calibrations": 2,
		"agents": [
			{"id": "a1", "name": "agent-a", "state": "participating", "latency_ms": 12, "wait_ms": 30},
			{"id": "a2", "name": "agent-b", "state": "participating", "latency_ms": 20, "wait_ms": 0}
		]
	}`)

	var out bytes.Buffer
	printStatus(&out, body)

	text := out.String()
	assert.Contains(t, text, "run run-1")
	assert.Contains(t, text, "progress: 12/40, 1 skipped, 2 calibrations")
	assert.Contains(t, text, "agents: 2")
	assert.Contains(t, text, "agent-a")
	assert.Contains(t, text, "wait 30ms")
}

func TestCoordinatorFlags_OverrideConfig(t *testing.T) {
	cmd := newCoordinatorCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--agents", "6", "--test", "--port", "4100"}))

	var flags coordinatorFlags
	flags.agents, _ = cmd.Flags().GetInt("agents")
	flags.testRun, _ = cmd.Flags().GetBool("test")
	flags.port, _ = cmd.Flags().GetInt("port")

	cfg := config.DefaultConfig()
	flags.apply(cmd, cfg)

	assert.Equal(t, 6, cfg.Coordinator.AgentCount)
	assert.True(t, cfg.Coordinator.TestRun)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "worklist.txt", cfg.Worklist.Path, "unset flags keep the configured value")
}

func TestRootCommand_Subcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"coordinator", "agent", "check-config", "migrate", "status"} {
		assert.Contains(t, joined, want)
	}
}
