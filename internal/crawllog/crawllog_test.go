package crawllog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/calibration"
	"github.com/livinlefevreloca/syncrawl/internal/registry"
	"github.com/livinlefevreloca/syncrawl/internal/scheduler"
	"github.com/livinlefevreloca/syncrawl/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestOpen_NamesRunDirectoryAndFile(t *testing.T) {
	storage := t.TempDir()

	l, err := Open(storage, "tranco", false, start, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, filepath.Join(storage, "Crawl_2024-03-09_14-05-07"), l.Dir())
	assert.Equal(t, filepath.Join(l.Dir(), "CRAWL_tranco_2024-03-09.csv"), l.Path())

	rows := readRows(t, l.Path())
	require.Len(t, rows, 1)
	assert.Equal(t, Header, rows[0])
}

func TestOpen_TestRunFileName(t *testing.T) {
	l, err := Open(t.TempDir(), "ignored", true, start, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "TESTCRAWL_2024-03-09.csv", filepath.Base(l.Path()))
}

func TestRecordRound_WritesOneRowPerAgent(t *testing.T) {
	l, err := Open(t.TempDir(), "list", false, start, testutil.NewTestLogger().Logger())
	require.NoError(t, err)

	l.RecordRound([]scheduler.RoundRecord{
		{
			Status: scheduler.StatusCalibration, Mode: scheduler.ModeCalibration, Round: 2,
			Agent: "fast", Date: start, Ready: 15 * time.Millisecond,
			Request: 120 * time.Millisecond, Finished: 2140 * time.Millisecond, MaxDelay: 220 * time.Millisecond,
		},
		{
			Status: scheduler.StatusCrawled, Mode: scheduler.ModeCrawl, Iteration: 4,
			Agent: "slow", Date: start, Wait: 220 * time.Millisecond,
			Request: registry.Missing, Finished: time.Second, Error: "missing sample",
		},
	})
	require.NoError(t, l.Close())

	rows := readRows(t, l.Path())
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"CALIBRATION", "#3", "fast", "2024-03-09 14:05:07.000", "15", "0", "120", "2140", "220", ""}, rows[1])
	assert.Equal(t, []string{"CRAWLED", "url#5", "slow", "2024-03-09 14:05:07.000", "0", "220", "", "1000", "0", "missing sample"}, rows[2])
}

func TestRecordEvent_Labels(t *testing.T) {
	l, err := Open(t.TempDir(), "list", false, start, testutil.NewTestLogger().Logger())
	require.NoError(t, err)

	l.RecordEvent(scheduler.EventRecord{Kind: scheduler.KindPing, Agent: "fast", Date: start, Value: 12 * time.Millisecond})
	l.RecordEvent(scheduler.EventRecord{Kind: scheduler.KindSkipURL, Iteration: 9, Target: "https://a.example", Date: start, Detail: "attempt 2"})
	l.RecordEvent(scheduler.EventRecord{Kind: scheduler.KindDisconnected, Agent: "slow", Date: start})
	l.RecordEvent(scheduler.EventRecord{Kind: scheduler.KindCompleted, Iteration: 10, Date: start})
	l.Flush(start)

	rows := readRows(t, l.Path())
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"STATUS", "ping", "fast"}, rows[1][:3])
	assert.Equal(t, "12", rows[1][4])
	assert.Equal(t, []string{"SKIPURL", "url#10 https://a.example", ""}, rows[2][:3])
	assert.Equal(t, "attempt 2", rows[2][9])
	assert.Equal(t, []string{"ERROR", "disconnect", "slow"}, rows[3][:3])
	assert.Equal(t, []string{"STATUS", "completed 10"}, rows[4][:2])

	require.NoError(t, l.Close())
}

func TestRecordCalibration_WaitingTimes(t *testing.T) {
	l, err := Open(t.TempDir(), "list", false, start, testutil.NewTestLogger().Logger())
	require.NoError(t, err)

	l.RecordCalibration("run-1", []calibration.Profile{
		{Name: "fast", AvgRequestDelay: 120 * time.Millisecond, Wait: 220 * time.Millisecond, ComputedAt: start},
		{Name: "slow", AvgRequestDelay: 340 * time.Millisecond, ComputedAt: start},
	})
	require.NoError(t, l.Close())

	rows := readRows(t, l.Path())
	require.Len(t, rows, 3)
	assert.Equal(t, "waitingtime", rows[1][1])
	assert.Equal(t, "fast", rows[1][2])
	assert.Equal(t, "220", rows[1][5])
	assert.Equal(t, "0", rows[2][5])
}

func TestLog_ImplementsRecorder(t *testing.T) {
	var _ scheduler.Recorder = (*Log)(nil)
	var _ scheduler.Flusher = (*Log)(nil)
}
