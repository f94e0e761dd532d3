package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bnt0p/st-poor-webpanel/config"
	"github.com/bnt0p/st-poor-webpanel/internal/ratelimit"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFilePrefix      = "panel-"
	logFileDateLayout  = "2006-01-02"
)

// panelLog is the output of the standard logger. Every log entry goes to the
// console (or the dashboard System pane) and to the daily log file, and is
// tallied by its "Component:" prefix for the stats block.
type panelLog struct {
	mu        sync.Mutex
	console   io.Writer
	file      *logFile
	byStream  map[string]uint64
	untracked uint64
}

// setupLogging always returns a usable log; a file error is reported
// alongside it so startup can continue console-only.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*panelLog, error) {
	l := &panelLog{console: console, byStream: make(map[string]uint64)}
	if !cfg.Enabled {
		return l, nil
	}
	file, err := openLogFile(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return l, err
	}
	l.file = file
	return l, nil
}

// SetConsoleSink redirects console output, e.g. to the dashboard.
func (l *panelLog) SetConsoleSink(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.console = w
	l.mu.Unlock()
}

// Write receives one log entry per call from log.Logger. Multi-line entries
// (panic stacks) are split so each file line carries a timestamp.
func (l *panelLog) Write(p []byte) (int, error) {
	if l == nil {
		return len(p), nil
	}
	entry := strings.TrimRight(string(p), "\r\n")
	if entry == "" {
		return len(p), nil
	}
	now := time.Now().UTC()

	l.mu.Lock()
	if stream, ok := logStream(entry); ok {
		l.byStream[stream]++
	} else {
		l.untracked++
	}
	console, file := l.console, l.file
	l.mu.Unlock()

	stamp := formatLogTimestamp(now)
	for _, line := range strings.Split(entry, "\n") {
		line = strings.TrimRight(line, "\r")
		if console != nil {
			_, _ = io.WriteString(console, stamp+" "+line+"\n")
		}
		file.writeLine(line, now)
	}
	return len(p), nil
}

// WriteFileOnlyLine records a line in the log file without echoing it to
// the console. The stats loop uses it while the dashboard owns the screen.
func (l *panelLog) WriteFileOnlyLine(line string, now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	file := l.file
	l.mu.Unlock()
	file.writeLine(line, now)
}

// StreamCounts returns entries logged per component since startup, sorted
// by component name.
func (l *panelLog) StreamCounts() []streamCount {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	counts := make([]streamCount, 0, len(l.byStream))
	for name, n := range l.byStream {
		counts = append(counts, streamCount{name: name, n: n})
	}
	l.mu.Unlock()
	sort.Slice(counts, func(i, j int) bool { return counts[i].name < counts[j].name })
	return counts
}

func (l *panelLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	file := l.file
	l.file = nil
	l.mu.Unlock()
	return file.close()
}

type streamCount struct {
	name string
	n    uint64
}

// logStream extracts the component from "Component: message". Components
// are a single capitalized word, so "UI disabled (mode=...)" is untracked.
func logStream(entry string) (string, bool) {
	idx := strings.IndexByte(entry, ':')
	if idx <= 0 || idx > 16 {
		return "", false
	}
	name := entry[:idx]
	if strings.ContainsAny(name, " \t") || name[0] < 'A' || name[0] > 'Z' {
		return "", false
	}
	return name, true
}

// logFile appends to <dir>/panel-YYYY-MM-DD.log, switching files at UTC
// midnight and keeping retentionDays worth of files.
type logFile struct {
	mu            sync.Mutex
	dir           string
	retentionDays int
	date          string
	f             *os.File
	errors        *ratelimit.Counter
}

func openLogFile(dir string, retentionDays int) (*logFile, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("logging: directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create %s: %w", dir, err)
	}
	return &logFile{dir: dir, retentionDays: retentionDays, errors: ratelimit.NewCounter(time.Minute)}, nil
}

func (lf *logFile) writeLine(line string, now time.Time) {
	if lf == nil {
		return
	}
	now = now.UTC()
	date := now.Format(logFileDateLayout)

	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil || lf.date != date {
		lf.switchLocked(date, now)
	}
	if lf.f == nil {
		return
	}
	if _, err := lf.f.WriteString(formatLogTimestamp(now) + " " + line + "\n"); err != nil {
		lf.reportLocked(fmt.Errorf("write: %w", err))
	}
}

func (lf *logFile) switchLocked(date string, now time.Time) {
	if lf.f != nil {
		_ = lf.f.Close()
		lf.f = nil
	}
	path := filepath.Join(lf.dir, logFileNameForDate(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lf.reportLocked(fmt.Errorf("open %s: %w", path, err))
		return
	}
	lf.f = f
	lf.date = date
	if err := pruneLogFiles(lf.dir, now, lf.retentionDays); err != nil {
		lf.reportLocked(fmt.Errorf("prune: %w", err))
	}
}

// reportLocked goes to stderr; the log itself may be what is failing.
func (lf *logFile) reportLocked(err error) {
	if total, ok := lf.errors.Inc(); ok {
		fmt.Fprintf(os.Stderr, "Logging: %v (errors=%d)\n", err, total)
	}
}

func (lf *logFile) close() error {
	if lf == nil {
		return nil
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return nil
	}
	err := lf.f.Close()
	lf.f = nil
	lf.date = ""
	return err
}

func formatLogTimestamp(now time.Time) string {
	return now.UTC().Format(logTimestampLayout)
}

func logFileNameForDate(now time.Time) string {
	return logFilePrefix + now.UTC().Format(logFileDateLayout) + ".log"
}

// pruneLogFiles removes panel-*.log files dated before the retention window.
// Other files in dir are left alone.
func pruneLogFiles(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, logFilePrefix+"*.log"))
	if err != nil {
		return err
	}
	year, month, day := now.UTC().Date()
	cutoff := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(retentionDays - 1))
	for _, path := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), logFilePrefix), ".log")
		date, err := time.ParseInLocation(logFileDateLayout, stamp, time.UTC)
		if err == nil && date.Before(cutoff) {
			_ = os.Remove(path)
		}
	}
	return nil
}
