// Package crawllog writes the per-run round log: one comma-separated file
// with a row per agent and round plus rows for notable coordinator events.
package crawllog

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/calibration"
	"github.com/livinlefevreloca/syncrawl/internal/registry"
	"github.com/livinlefevreloca/syncrawl/internal/scheduler"
)

// Header is the first row of every log file
var Header = []string{
	"STATUS", "ITERATION", "CLIENT", "DATE",
	"READY AFTER(MS)", "WAITINGTIME(MS)", "REQUEST AFTER(MS)",
	"ITERATION_DONE AFTER(MS)", "MAX DELAY(MS)", "ERROR",
}

const dateLayout = "2006-01-02 15:04:05.000"

// Log is a scheduler.Recorder backed by a CSV file
type Log struct {
	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	dir    string
	path   string
	logger *slog.Logger
}

// Open creates the run directory under storage and the log file inside it.
// Crawl logs are named after the work list, test logs are not.
func Open(storage, listName string, testRun bool, now time.Time, logger *slog.Logger) (*Log, error) {
	dir := filepath.Join(storage, "Crawl_"+now.Format("2006-01-02_15-04-05"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	date := now.Format("2006-01-02")
	name := fmt.Sprintf("CRAWL_%s_%s.csv", listName, date)
	if testRun {
		name = fmt.Sprintf("TESTCRAWL_%s.csv", date)
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open crawl log: %w", err)
	}

	l := &Log{
		file:   f,
		w:      csv.NewWriter(f),
		dir:    dir,
		path:   path,
		logger: logger.With("component", "crawllog"),
	}
	if err := l.w.Write(Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write crawl log header: %w", err)
	}
	l.w.Flush()

	l.logger.Info("crawl log opened", "path", path)
	return l, nil
}

// Dir is the run directory
func (l *Log) Dir() string {
	return l.dir
}

// Path is the log file
func (l *Log) Path() string {
	return l.path
}

// RecordRound implements scheduler.Recorder
func (l *Log) RecordRound(rows []scheduler.RoundRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range rows {
		l.write([]string{
			r.Status,
			roundLabel(r),
			r.Agent,
			r.Date.Format(dateLayout),
			millis(r.Ready),
			millis(r.Wait),
			millis(r.Request),
			millis(r.Finished),
			millis(r.MaxDelay),
			r.Error,
		})
	}
}

// RecordEvent implements scheduler.Recorder
func (l *Log) RecordEvent(ev scheduler.EventRecord) {
	status, what := eventLabel(ev)
	value := ""
	if ev.Value != 0 {
		value = millis(ev.Value)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.write([]string{status, what, ev.Agent, ev.Date.Format(dateLayout), value, "", "", "", "", ev.Detail})
}

// RecordCalibration implements scheduler.Recorder with one row per agent
// carrying its compensating delay
func (l *Log) RecordCalibration(_ string, profiles []calibration.Profile) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range profiles {
		l.write([]string{
			"STATUS",
			"waitingtime",
			p.Name,
			p.ComputedAt.Format(dateLayout),
			"",
			millis(p.Wait),
			millis(p.AvgRequestDelay),
			millis(p.AvgDoneDelay),
			"",
			"",
		})
	}
}

// Flush implements scheduler.Flusher
func (l *Log) Flush(_ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.logger.Error("failed to flush crawl log", "error", err)
	}
}

// Close flushes and closes the file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.file.Close()
		return fmt.Errorf("failed to flush crawl log: %w", err)
	}
	return l.file.Close()
}

func (l *Log) write(record []string) {
	if err := l.w.Write(record); err != nil {
		l.logger.Error("failed to write crawl log row", "status", record[0], "error", err)
	}
}

func roundLabel(r scheduler.RoundRecord) string {
	switch r.Mode {
	case scheduler.ModeCalibration:
		return "#" + strconv.Itoa(r.Round+1)
	default:
		return "url#" + strconv.Itoa(r.Iteration+1)
	}
}

func eventLabel(ev scheduler.EventRecord) (string, string) {
	item := "url#" + strconv.Itoa(ev.Iteration+1)

	switch ev.Kind {
	case scheduler.KindConnected:
		return "STATUS", "connected"
	case scheduler.KindDisconnected:
		return "ERROR", "disconnect"
	case scheduler.KindRejected:
		return "ERROR", "rejected"
	case scheduler.KindPing:
		return "STATUS", "ping"
	case scheduler.KindNextURL:
		return scheduler.KindNextURL, item + " " + ev.Target
	case scheduler.KindSkipURL:
		return scheduler.KindSkipURL, item + " " + ev.Target
	case scheduler.KindCompleted:
		return "STATUS", "completed " + strconv.Itoa(ev.Iteration)
	case scheduler.KindReadyTimeout:
		return "ERROR TIMEOUT", "starting browser"
	case scheduler.KindRetry:
		return "STATUS", "retry " + item
	case scheduler.KindScriptError:
		return "ERROR", "script"
	case scheduler.KindCalibrated:
		return "STATUS", "calibrated"
	case scheduler.KindAborted:
		return "STATUS", "aborted"
	case scheduler.KindFinished:
		return "STATUS", "finished"
	default:
		return "STATUS", ev.Kind
	}
}

// millis renders an offset in whole milliseconds; missing samples are empty
func millis(d time.Duration) string {
	if d == registry.Missing {
		return ""
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}
