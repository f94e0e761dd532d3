package main

import (
	"context"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bnt0p/st-poor-webpanel/config"
	"github.com/bnt0p/st-poor-webpanel/hub"
	"github.com/bnt0p/st-poor-webpanel/status"
)

func TestGCPauseWindow(t *testing.T) {
	var w gcPauseWindow
	mem := &runtime.MemStats{NumGC: 3}
	if p99, n := w.snapshot(mem); p99 != 0 || n != 0 {
		t.Fatalf("first snapshot only primes the window, got %s/%d", p99, n)
	}

	mem.NumGC = 5
	mem.PauseNs[3] = uint64(2 * time.Millisecond)
	mem.PauseNs[4] = uint64(5 * time.Millisecond)
	p99, n := w.snapshot(mem)
	if n != 2 || p99 != 2*time.Millisecond {
		t.Fatalf("expected 2 pauses with p99 2ms, got %d/%s", n, p99)
	}
	if _, n := w.snapshot(mem); n != 0 {
		t.Fatalf("expected no new pauses, got %d", n)
	}
}

type countedStore int64

func (c countedStore) Count() (int64, error) { return int64(c), nil }

func TestFormatStatsLines(t *testing.T) {
	prober := status.NewProber(time.Second, 0, nil)
	agg := status.NewAggregator(prober, nil, nil)
	agg.BuildSnapshot(context.Background())
	loop := hub.NewLoop(agg, hub.NewRegistry(), time.Hour, time.Hour, nil)

	lines := formatStatsLines(statsSources{aggregator: agg, loop: loop, avatars: countedStore(12345)}, &runtime.MemStats{HeapAlloc: 3 << 20}, time.Millisecond, 4)
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"Servers: 0/0 online", "Avatars: 12,345 cached", "heap 3.0 MiB", "(n=4)"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("stats missing %q:\n%s", want, joined)
		}
	}

	// Missing components render without panicking.
	if lines := formatStatsLines(statsSources{}, nil, 0, 0); len(lines) != 3 {
		t.Fatalf("expected 3 lines without runtime stats, got %d", len(lines))
	}
}

func TestFormatStatsLinesIncludesLogStreams(t *testing.T) {
	pl, err := setupLogging(config.LoggingConfig{}, io.Discard)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	for _, entry := range []string{"Status: a\n", "Status: b\n", "Avatar: c\n"} {
		_, _ = pl.Write([]byte(entry))
	}
	lines := formatStatsLines(statsSources{logs: pl}, nil, 0, 0)
	if last := lines[len(lines)-1]; last != "Log: Avatar 1 | Status 2" {
		t.Fatalf("unexpected log line %q", last)
	}
}
