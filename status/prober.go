package status

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/bnt0p/st-poor-webpanel/config"
	"github.com/bnt0p/st-poor-webpanel/internal/ratelimit"
	"github.com/bnt0p/st-poor-webpanel/metrics"
	"github.com/bnt0p/st-poor-webpanel/query"
)

const (
	// DefaultProbeTimeout bounds a single status query.
	DefaultProbeTimeout = 3 * time.Second
	// DefaultCapacityOffset is subtracted from the advertised capacity to
	// get totalPlayers; the deployed servers keep five reserved slots.
	DefaultCapacityOffset = 5

	unreachableMap = "unreachable"
	unknownMap     = "unknown"
	timeoutError   = "timeout"
)

// capability lists, in priority order, the raw info keys that may carry a
// normalized field. Protocols disagree on naming; the first non-empty key wins.
type capability struct {
	keys []string
}

var (
	capName     = capability{keys: []string{"name", "server_name", "sv_hostname", "hostname"}}
	capMap      = capability{keys: []string{"map", "map_name", "mapname"}}
	capPlayers  = capability{keys: []string{"players", "player_count", "clients", "g_humanplayers"}}
	capCapacity = capability{keys: []string{"max_players", "maxPlayers", "sv_maxclients", "maxclients"}}
)

func (c capability) lookup(info query.Info) (string, bool) {
	for _, k := range c.keys {
		if v := strings.TrimSpace(info[k]); v != "" {
			return v, true
		}
	}
	return "", false
}

func (c capability) lookupInt(info query.Info) (int, bool) {
	raw, ok := c.lookup(info)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Prober issues one bounded status query per call and normalizes the reply.
type Prober struct {
	queriers       map[string]query.Querier
	timeout        time.Duration
	capacityOffset int
	metrics        *metrics.Metrics
	failures       *ratelimit.Counter
}

// NewProber builds a prober with the A2S and Quake3 queriers registered.
// A non-positive timeout falls back to DefaultProbeTimeout.
func NewProber(timeout time.Duration, capacityOffset int, m *metrics.Metrics) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		queriers: map[string]query.Querier{
			config.ProtocolA2S:    query.A2S{},
			config.ProtocolQuake3: query.Quake3{},
		},
		timeout:        timeout,
		capacityOffset: capacityOffset,
		metrics:        m,
		failures:       ratelimit.NewCounter(time.Minute),
	}
}

// SetQuerier replaces the querier used for protocol. Call before probing starts.
func (p *Prober) SetQuerier(protocol string, q query.Querier) {
	if p == nil || q == nil {
		return
	}
	p.queriers[protocol] = q
}

// Timeout returns the per-target bound.
func (p *Prober) Timeout() time.Duration {
	if p == nil {
		return DefaultProbeTimeout
	}
	return p.timeout
}

type probeResult struct {
	info query.Info
	err  error
}

// Probe queries target and returns its record. It never returns an error;
// failures become OK=false records.
func (p *Prober) Probe(ctx context.Context, target Target) Record {
	start := time.Now()
	q, ok := p.queriers[target.Protocol]
	if !ok {
		return p.fail(target, start, fmt.Errorf("unsupported protocol %q", target.Protocol))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan probeResult, 1)
	go func() {
		info, err := q.Query(ctx, target.Address())
		done <- probeResult{info: info, err: err}
	}()

	var res probeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = probeResult{err: ctx.Err()}
	}
	if res.err != nil {
		return p.fail(target, start, res.err)
	}
	if res.info == nil {
		return p.fail(target, start, errors.New("empty status reply"))
	}
	p.metrics.ObserveProbe(target.Protocol, true, time.Since(start))
	return p.normalize(target, res.info)
}

func (p *Prober) normalize(target Target, info query.Info) Record {
	rec := Record{
		OK:   true,
		Host: target.Host,
		Port: target.Port,
	}
	if name, ok := capName.lookup(info); ok {
		rec.ServerName = name
	} else {
		rec.ServerName = target.Address()
	}
	if m, ok := capMap.lookup(info); ok {
		rec.Map = m
	} else {
		rec.Map = unknownMap
	}
	if n, ok := capPlayers.lookupInt(info); ok && n > 0 {
		rec.PlayersConnected = n
	}
	// Unclamped: a server advertising fewer slots than the offset reports
	// a negative total, matching what the panel has always shown.
	if capacity, ok := capCapacity.lookupInt(info); ok {
		rec.TotalPlayers = capacity - p.capacityOffset
	}
	return rec
}

func (p *Prober) fail(target Target, start time.Time, err error) Record {
	msg := err.Error()
	if errors.Is(err, query.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		msg = timeoutError
	}
	p.metrics.ObserveProbe(target.Protocol, false, time.Since(start))
	if total, ok := p.failures.Inc(); ok {
		log.Printf("Status: probe %s (%s) failed: %s (failures=%d)", target.Address(), target.Protocol, msg, total)
	}
	return Record{
		OK:         false,
		Host:       target.Host,
		Port:       target.Port,
		ServerName: target.Address(),
		Map:        unreachableMap,
		Error:      msg,
	}
}
