package hub

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/bnt0p/st-poor-webpanel/internal/ratelimit"
	"github.com/bnt0p/st-poor-webpanel/metrics"
	"github.com/bnt0p/st-poor-webpanel/status"
)

const (
	DefaultInterval     = 10 * time.Second
	DefaultPingInterval = 60 * time.Second
)

// Source builds a fresh snapshot. *status.Aggregator satisfies it.
type Source interface {
	BuildSnapshot(ctx context.Context) *status.Snapshot
}

// Sink receives every snapshot the loop broadcasts. changed reports whether
// the servers list differs from the previous cycle. Publish must not block
// for long; it runs on the loop goroutine.
type Sink interface {
	Publish(snap *status.Snapshot, payload []byte, changed bool)
}

// Loop periodically builds a snapshot and pushes it to every subscriber,
// pruning the ones whose delivery fails.
type Loop struct {
	source       Source
	registry     *Registry
	interval     time.Duration
	pingInterval time.Duration
	metrics      *metrics.Metrics

	sinksMu sync.Mutex
	sinks   []Sink

	lastDigest uint64
	haveDigest bool

	cycles   atomic.Uint64
	pings    atomic.Uint64
	pruned   atomic.Uint64
	dropLogs *ratelimit.Counter
}

// NewLoop wires a snapshot source to a registry. Non-positive intervals
// fall back to DefaultInterval and DefaultPingInterval.
func NewLoop(source Source, registry *Registry, interval, pingInterval time.Duration, m *metrics.Metrics) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Loop{
		source:       source,
		registry:     registry,
		interval:     interval,
		pingInterval: pingInterval,
		metrics:      m,
		dropLogs:     ratelimit.NewCounter(30 * time.Second),
	}
}

// AddSink registers an additional snapshot consumer (MQTT, dashboard).
func (l *Loop) AddSink(s Sink) {
	if l == nil || s == nil {
		return
	}
	l.sinksMu.Lock()
	l.sinks = append(l.sinks, s)
	l.sinksMu.Unlock()
}

// Registry returns the subscriber registry driven by this loop.
func (l *Loop) Registry() *Registry {
	if l == nil {
		return nil
	}
	return l.registry
}

// Run executes a data cycle immediately and then on every interval, plus a
// ping on every ping interval, until ctx is cancelled. A panic inside a
// cycle is returned as an error so the supervisor can stop the process.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil || l.source == nil || l.registry == nil {
		return fmt.Errorf("hub: loop not configured")
	}
	log.Printf("Hub: broadcast loop running (interval=%s ping=%s)", l.interval, l.pingInterval)

	if err := l.guard("data", func() { l.dataCycle(ctx) }); err != nil {
		return err
	}

	dataTicker := time.NewTicker(l.interval)
	defer dataTicker.Stop()
	pingTicker := time.NewTicker(l.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Hub: broadcast loop stopped after %d cycles", l.cycles.Load())
			return nil
		case <-dataTicker.C:
			if err := l.guard("data", func() { l.dataCycle(ctx) }); err != nil {
				return err
			}
		case <-pingTicker.C:
			if err := l.guard("ping", l.pingCycle); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) guard(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Hub: %s cycle panic: %v\n%s", name, r, debug.Stack())
			err = fmt.Errorf("hub: %s cycle panic: %v", name, r)
		}
	}()
	fn()
	return nil
}

func (l *Loop) dataCycle(ctx context.Context) {
	snap := l.source.BuildSnapshot(ctx)
	if ctx.Err() != nil {
		return
	}
	msg, err := NewSnapshotMessage(snap)
	if err != nil {
		log.Printf("Hub: %v", err)
		return
	}
	l.cycles.Add(1)
	l.deliver(msg)
	l.publish(snap, msg.Payload)
}

func (l *Loop) pingCycle() {
	l.pings.Add(1)
	l.deliver(PingMessage())
}

// deliver broadcasts msg, then closes and removes every failed subscriber.
func (l *Loop) deliver(msg Message) {
	attempted, failed := l.registry.Broadcast(msg)
	for _, s := range failed {
		_ = s.Close()
		l.registry.Remove(s)
	}
	for i := 0; i < attempted-len(failed); i++ {
		l.metrics.ObserveDelivery(msg.Kind, true)
	}
	for range failed {
		l.metrics.ObserveDelivery(msg.Kind, false)
	}
	if n := len(failed); n > 0 {
		total := l.pruned.Add(uint64(n))
		if _, ok := l.dropLogs.Inc(); ok {
			log.Printf("Hub: dropped %d subscriber(s) after failed %s delivery (total dropped=%d)", n, msg.Kind, total)
		}
	}
	l.metrics.SetSubscribers(l.registry.Len())
}

func (l *Loop) publish(snap *status.Snapshot, payload []byte) {
	l.sinksMu.Lock()
	sinks := append([]Sink(nil), l.sinks...)
	l.sinksMu.Unlock()
	if len(sinks) == 0 {
		return
	}
	changed := l.serversChanged(snap)
	for _, s := range sinks {
		s.Publish(snap, payload, changed)
	}
}

// serversChanged compares an xxh3 digest of the servers list (ts excluded)
// with the previous cycle.
func (l *Loop) serversChanged(snap *status.Snapshot) bool {
	encoded, err := json.Marshal(snap.Servers)
	if err != nil {
		return true
	}
	digest := xxh3.Hash(encoded)
	changed := !l.haveDigest || digest != l.lastDigest
	l.lastDigest = digest
	l.haveDigest = true
	return changed
}

// Greet sends s one freshly built snapshot, out of band with the ticker.
// Call it before registering s so the first frame a subscriber sees is data.
func (l *Loop) Greet(ctx context.Context, s Subscriber) error {
	if l == nil || s == nil {
		return fmt.Errorf("hub: greet: not configured")
	}
	msg, err := NewSnapshotMessage(l.source.BuildSnapshot(ctx))
	if err != nil {
		return err
	}
	if err := s.Deliver(msg); err != nil {
		l.metrics.ObserveDelivery(msg.Kind, false)
		return fmt.Errorf("hub: greet: %w", err)
	}
	l.metrics.ObserveDelivery(msg.Kind, true)
	return nil
}

// Stats reports completed data cycles, pings sent, and subscribers pruned.
func (l *Loop) Stats() (cycles, pings, pruned uint64) {
	if l == nil {
		return 0, 0, 0
	}
	return l.cycles.Load(), l.pings.Load(), l.pruned.Load()
}
