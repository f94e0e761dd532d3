package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bnt0p/st-poor-webpanel/config"
)

func TestLogFileNameForDate(t *testing.T) {
	when := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if got := logFileNameForDate(when); got != "panel-2026-01-22.log" {
		t.Fatalf("expected panel-2026-01-22.log, got %q", got)
	}
}

func TestPruneLogFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"panel-2026-01-20.log", "panel-2026-01-21.log", "panel-2026-01-22.log", "notes.txt", "other-2026-01-01.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := pruneLogFiles(dir, now, 2); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "panel-2026-01-20.log")); !os.IsNotExist(err) {
		t.Fatalf("expected panel-2026-01-20.log to be removed, stat err=%v", err)
	}
	for _, name := range []string{"panel-2026-01-21.log", "panel-2026-01-22.log", "notes.txt", "other-2026-01-01.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestLogFileSwitchesAtMidnight(t *testing.T) {
	dir := t.TempDir()
	lf, err := openLogFile(dir, 7)
	if err != nil {
		t.Fatalf("openLogFile: %v", err)
	}
	defer lf.close()

	day1 := time.Date(2026, time.January, 22, 23, 59, 0, 0, time.UTC)
	lf.writeLine("Hub: first", day1)
	lf.writeLine("Hub: second", day1.Add(2*time.Minute))

	first, err := os.ReadFile(filepath.Join(dir, "panel-2026-01-22.log"))
	if err != nil || !strings.Contains(string(first), "Hub: first") {
		t.Fatalf("expected first day log, got %q (%v)", first, err)
	}
	second, err := os.ReadFile(filepath.Join(dir, "panel-2026-01-23.log"))
	if err != nil || !strings.Contains(string(second), "Hub: second") {
		t.Fatalf("expected second day log, got %q (%v)", second, err)
	}
}

func TestPanelLogRoutesEntries(t *testing.T) {
	var console bytes.Buffer
	dir := t.TempDir()
	pl, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: dir, RetentionDays: 3}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	logger := log.New(pl, "", 0)
	logger.Print("Status: probe failed")
	logger.Print("Status: probe failed again")
	logger.Print("Hub: cycle panic: boom\ngoroutine 1 [running]:")
	logger.Print("UI disabled (mode=headless)")
	pl.WriteFileOnlyLine("Stats: file only", time.Now())
	if err := pl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out := console.String()
	if !strings.Contains(out, " Status: probe failed\n") || !strings.Contains(out, " goroutine 1 [running]:\n") {
		t.Fatalf("unexpected console output %q", out)
	}
	if strings.Contains(out, "file only") {
		t.Fatalf("file-only line leaked to console")
	}
	file, err := os.ReadFile(filepath.Join(dir, logFileNameForDate(time.Now())))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(file), "Stats: file only") || !strings.Contains(string(file), "Hub: cycle panic: boom") {
		t.Fatalf("unexpected log file %q", file)
	}

	counts := pl.StreamCounts()
	if len(counts) != 2 || counts[0] != (streamCount{name: "Hub", n: 1}) || counts[1] != (streamCount{name: "Status", n: 2}) {
		t.Fatalf("unexpected stream counts %+v", counts)
	}
}

func TestLogStream(t *testing.T) {
	cases := map[string]string{
		"Avatar: refresh failed":          "Avatar",
		"MQTT: connected":                 "MQTT",
		"UI disabled (tview requires: x)": "",
		"st-poor-webpanel vdev starting":  "",
		"http://example: nope":            "",
	}
	for entry, want := range cases {
		got, ok := logStream(entry)
		if ok != (want != "") || got != want {
			t.Fatalf("logStream(%q) = %q,%v; want %q", entry, got, ok, want)
		}
	}
}
