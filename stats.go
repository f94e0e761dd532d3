package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bnt0p/st-poor-webpanel/hub"
	"github.com/bnt0p/st-poor-webpanel/mqttfeed"
	"github.com/bnt0p/st-poor-webpanel/status"
	"github.com/bnt0p/st-poor-webpanel/telnet"
)

// entryCounter is implemented by both avatar stores.
type entryCounter interface {
	Count() (int64, error)
}

type statsSources struct {
	aggregator *status.Aggregator
	loop       *hub.Loop
	telnet     *telnet.Server
	mqtt       *mqttfeed.Publisher
	avatars    entryCounter
	logs       *panelLog
}

// gcPauseWindow tracks GC pauses between stats ticks. Only the stats loop
// calls snapshot, so it needs no locking.
type gcPauseWindow struct {
	lastNumGC   uint32
	initialized bool
}

// snapshot returns the p99 pause of GCs since the previous call and how many
// pauses it saw. The runtime keeps only the last 256 pauses, so a burst larger
// than that is truncated to the most recent ones.
func (w *gcPauseWindow) snapshot(mem *runtime.MemStats) (time.Duration, int) {
	if mem == nil {
		return 0, 0
	}
	if !w.initialized || mem.NumGC <= w.lastNumGC {
		w.lastNumGC = mem.NumGC
		w.initialized = true
		return 0, 0
	}
	delta := int(mem.NumGC - w.lastNumGC)
	w.lastNumGC = mem.NumGC

	ring := len(mem.PauseNs)
	if delta > ring {
		delta = ring
	}
	pauses := make([]uint64, 0, delta)
	for i := 0; i < delta; i++ {
		idx := (int(mem.NumGC) - 1 - i + ring*2) % ring
		if v := mem.PauseNs[idx]; v > 0 {
			pauses = append(pauses, v)
		}
	}
	if len(pauses) == 0 {
		return 0, 0
	}
	sort.Slice(pauses, func(i, j int) bool { return pauses[i] < pauses[j] })
	return time.Duration(pauses[int(float64(len(pauses)-1)*0.99)]), len(pauses)
}

// formatStatsLines renders the periodic stats block.
func formatStatsLines(src statsSources, mem *runtime.MemStats, gcP99 time.Duration, gcCount int) []string {
	snap := src.aggregator.Latest()
	targets := len(src.aggregator.Targets())
	cycles, pings, pruned := src.loop.Stats()
	subscribers := src.loop.Registry().Len()

	lines := []string{
		fmt.Sprintf("Servers: %d/%d online | players %s | snapshot age %s",
			snap.Online(), targets, humanize.Comma(int64(snap.Players())), snapshotAge(snap)),
		fmt.Sprintf("Hub: %s subscribers (telnet %d) | cycles %s | pings %s | dropped %s",
			humanize.Comma(int64(subscribers)), src.telnet.Count(),
			humanize.Comma(int64(cycles)), humanize.Comma(int64(pings)), humanize.Comma(int64(pruned))),
	}

	avatarLine := "Avatars: cache unavailable"
	if src.avatars != nil {
		if n, err := src.avatars.Count(); err == nil {
			avatarLine = fmt.Sprintf("Avatars: %s cached", humanize.Comma(n))
		}
	}
	if src.mqtt != nil {
		sent, skipped := src.mqtt.Stats()
		avatarLine += fmt.Sprintf(" | MQTT sent %s skipped %s", humanize.Comma(int64(sent)), humanize.Comma(int64(skipped)))
	}
	lines = append(lines, avatarLine)

	if counts := src.logs.StreamCounts(); len(counts) > 0 {
		parts := make([]string, 0, len(counts))
		for _, c := range counts {
			parts = append(parts, fmt.Sprintf("%s %s", c.name, humanize.Comma(int64(c.n))))
		}
		lines = append(lines, "Log: "+strings.Join(parts, " | "))
	}
	if mem != nil {
		lines = append(lines, fmt.Sprintf("Runtime: heap %s | goroutines %d | GC p99 %s (n=%d)",
			humanize.IBytes(mem.HeapAlloc), runtime.NumGoroutine(), gcP99.Round(time.Microsecond), gcCount))
	}
	return lines
}

func snapshotAge(snap *status.Snapshot) string {
	if snap == nil {
		return "n/a"
	}
	return time.Since(time.UnixMilli(snap.TS)).Round(time.Second).String()
}

// runStatsLoop emits the stats block every interval: to the dashboard header
// plus the log file when the dashboard is up, otherwise through log.
func runStatsLoop(ctx context.Context, interval time.Duration, src statsSources, dash *dashboard, fanout *panelLog) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var gc gcPauseWindow
	var mem runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		runtime.ReadMemStats(&mem)
		p99, count := gc.snapshot(&mem)
		lines := formatStatsLines(src, &mem, p99, count)
		if dash != nil {
			dash.SetStats(lines)
			now := time.Now()
			for _, line := range lines {
				fanout.WriteFileOnlyLine(line, now)
			}
			continue
		}
		for _, line := range lines {
			log.Print(line)
		}
	}
}
