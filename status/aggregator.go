package status

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnt0p/st-poor-webpanel/metrics"
)

// Aggregator fans a probe out to every target and assembles a Snapshot.
type Aggregator struct {
	prober  *Prober
	targets []Target
	metrics *metrics.Metrics
	now     func() time.Time
	lastTS  atomic.Int64
	latest  atomic.Pointer[Snapshot]
}

// NewAggregator binds a prober to a fixed target list.
func NewAggregator(prober *Prober, targets []Target, m *metrics.Metrics) *Aggregator {
	copied := append([]Target(nil), targets...)
	return &Aggregator{prober: prober, targets: copied, metrics: m, now: time.Now}
}

// Targets returns a copy of the configured targets.
func (a *Aggregator) Targets() []Target {
	if a == nil {
		return nil
	}
	return append([]Target(nil), a.targets...)
}

// BuildSnapshot probes all configured targets concurrently and waits for
// every probe to settle. Records keep configuration order and ts never
// moves backwards across calls.
func (a *Aggregator) BuildSnapshot(ctx context.Context) *Snapshot {
	start := time.Now()
	records := make([]Record, len(a.targets))
	var wg sync.WaitGroup
	for i, target := range a.targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			records[i] = a.prober.Probe(ctx, target)
		}(i, target)
	}
	wg.Wait()

	snap := &Snapshot{TS: a.nextTS(), Servers: records}
	a.storeLatest(snap)
	a.metrics.ObserveSnapshot(time.Since(start))
	return snap
}

// Latest returns the most recently built snapshot, or nil before the first build.
func (a *Aggregator) Latest() *Snapshot {
	if a == nil {
		return nil
	}
	return a.latest.Load()
}

// storeLatest publishes snap unless a newer snapshot from an overlapping
// build already landed.
func (a *Aggregator) storeLatest(snap *Snapshot) {
	for {
		cur := a.latest.Load()
		if cur != nil && cur.TS > snap.TS {
			return
		}
		if a.latest.CompareAndSwap(cur, snap) {
			return
		}
	}
}

// nextTS samples the wall clock and clamps it to the last issued value.
func (a *Aggregator) nextTS() int64 {
	ts := a.now().UnixMilli()
	for {
		last := a.lastTS.Load()
		if ts < last {
			ts = last
		}
		if a.lastTS.CompareAndSwap(last, ts) {
			return ts
		}
	}
}
