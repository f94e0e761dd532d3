package status

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bnt0p/st-poor-webpanel/config"
	"github.com/bnt0p/st-poor-webpanel/query"
)

// fakeQuerier answers from a fixed table; addresses missing from the table
// block until the context gives up.
func fakeQuerier(replies map[string]query.Info, errs map[string]error) query.Querier {
	return query.QuerierFunc(func(ctx context.Context, addr string) (query.Info, error) {
		if err, ok := errs[addr]; ok {
			return nil, err
		}
		if info, ok := replies[addr]; ok {
			return info, nil
		}
		<-ctx.Done()
		return nil, query.ErrTimeout
	})
}

func newTestProber(timeout time.Duration, q query.Querier) *Prober {
	p := NewProber(timeout, DefaultCapacityOffset, nil)
	p.SetQuerier(config.ProtocolA2S, q)
	return p
}

func TestBuildSnapshotScenario(t *testing.T) {
	q := fakeQuerier(map[string]query.Info{
		"10.0.0.1:27015": {"name": "Alpha", "map": "surf_beginner", "players": "5", "max_players": "32"},
	}, nil)
	targets := []Target{
		{Host: "10.0.0.1", Port: 27015, Protocol: config.ProtocolA2S},
		{Host: "10.0.0.2", Port: 27015, Protocol: config.ProtocolA2S},
	}
	agg := NewAggregator(newTestProber(50*time.Millisecond, q), targets, nil)

	snap := agg.BuildSnapshot(context.Background())
	if len(snap.Servers) != 2 {
		t.Fatalf("expected 2 records, got %d", len(snap.Servers))
	}
	want := Record{OK: true, Host: "10.0.0.1", Port: 27015, ServerName: "Alpha", Map: "surf_beginner", PlayersConnected: 5, TotalPlayers: 27}
	if snap.Servers[0] != want {
		t.Fatalf("record 0: expected %+v, got %+v", want, snap.Servers[0])
	}
	want = Record{OK: false, Host: "10.0.0.2", Port: 27015, ServerName: "10.0.0.2:27015", Map: "unreachable", Error: "timeout"}
	if snap.Servers[1] != want {
		t.Fatalf("record 1: expected %+v, got %+v", want, snap.Servers[1])
	}
	if snap.Online() != 1 || snap.Players() != 5 {
		t.Fatalf("unexpected totals online=%d players=%d", snap.Online(), snap.Players())
	}
	if agg.Latest() != snap {
		t.Fatalf("expected Latest to return the built snapshot")
	}
}

func TestBuildSnapshotKeepsOrderDespiteFailures(t *testing.T) {
	replies := map[string]query.Info{}
	errs := map[string]error{}
	var targets []Target
	for i := 0; i < 12; i++ {
		target := Target{Host: fmt.Sprintf("10.0.1.%d", i+1), Port: 27015, Protocol: config.ProtocolA2S}
		targets = append(targets, target)
		if i%3 == 0 {
			errs[target.Address()] = errors.New("connection refused")
			continue
		}
		replies[target.Address()] = query.Info{"name": fmt.Sprintf("srv-%d", i), "max_players": "10"}
	}
	agg := NewAggregator(newTestProber(time.Second, fakeQuerier(replies, errs)), targets, nil)

	snap := agg.BuildSnapshot(context.Background())
	if len(snap.Servers) != len(targets) {
		t.Fatalf("expected %d records, got %d", len(targets), len(snap.Servers))
	}
	for i, rec := range snap.Servers {
		if rec.Host != targets[i].Host {
			t.Fatalf("record %d: expected host %s, got %s", i, targets[i].Host, rec.Host)
		}
		if i%3 == 0 {
			if rec.OK || rec.Error != "connection refused" {
				t.Fatalf("record %d: expected failure with error text, got %+v", i, rec)
			}
			continue
		}
		if !rec.OK || rec.ServerName != fmt.Sprintf("srv-%d", i) || rec.TotalPlayers != 5 {
			t.Fatalf("record %d: unexpected %+v", i, rec)
		}
	}
}

func TestBuildSnapshotProbesOverlap(t *testing.T) {
	const n = 20
	const timeout = 100 * time.Millisecond
	var targets []Target
	for i := 0; i < n; i++ {
		targets = append(targets, Target{Host: fmt.Sprintf("10.0.2.%d", i+1), Port: 27015, Protocol: config.ProtocolA2S})
	}
	// Every target blocks until its deadline.
	agg := NewAggregator(newTestProber(timeout, fakeQuerier(nil, nil)), targets, nil)

	start := time.Now()
	snap := agg.BuildSnapshot(context.Background())
	elapsed := time.Since(start)

	if elapsed >= 5*timeout {
		t.Fatalf("%d stuck targets took %s; probes are not overlapping", n, elapsed)
	}
	if len(snap.Servers) != n {
		t.Fatalf("expected %d records, got %d", n, len(snap.Servers))
	}
	for i, rec := range snap.Servers {
		if rec.OK || rec.Error != "timeout" || rec.Host != targets[i].Host {
			t.Fatalf("record %d: expected timeout for %s, got %+v", i, targets[i].Host, rec)
		}
	}
}

func TestLatestKeepsNewestSnapshot(t *testing.T) {
	agg := NewAggregator(newTestProber(time.Second, fakeQuerier(nil, nil)), nil, nil)
	newer := &Snapshot{TS: 2000}
	older := &Snapshot{TS: 1000}

	agg.storeLatest(newer)
	agg.storeLatest(older)
	if agg.Latest() != newer {
		t.Fatalf("a late-finishing older build replaced the newer snapshot")
	}
	same := &Snapshot{TS: 2000}
	agg.storeLatest(same)
	if agg.Latest() != same {
		t.Fatalf("expected an equal timestamp to replace the stored snapshot")
	}
}

func TestSnapshotPlayersCountsReachableOnly(t *testing.T) {
	snap := &Snapshot{Servers: []Record{
		{OK: true, PlayersConnected: 4},
		{OK: false, PlayersConnected: 7},
		{OK: true, PlayersConnected: 1},
	}}
	if got := snap.Players(); got != 5 {
		t.Fatalf("expected 5 players, got %d", got)
	}
	var empty *Snapshot
	if empty.Players() != 0 || empty.Online() != 0 {
		t.Fatalf("nil snapshot must report zero totals")
	}
}

func TestProbeTimeoutIsBounded(t *testing.T) {
	// Ignores ctx entirely; the prober must still give up on time.
	stuck := query.QuerierFunc(func(ctx context.Context, addr string) (query.Info, error) {
		time.Sleep(2 * time.Second)
		return nil, errors.New("too late")
	})
	p := newTestProber(100*time.Millisecond, stuck)

	start := time.Now()
	rec := p.Probe(context.Background(), Target{Host: "10.0.0.9", Port: 27015, Protocol: config.ProtocolA2S})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("probe exceeded its bound: %s", elapsed)
	}
	if rec.OK || rec.Error != "timeout" || rec.Map != "unreachable" {
		t.Fatalf("expected timeout record, got %+v", rec)
	}
}

func TestProbeCapabilityFallbacks(t *testing.T) {
	q := fakeQuerier(map[string]query.Info{
		"q3.example:27960":   {"sv_hostname": "Red Arena", "mapname": "q3dm17", "clients": "3", "sv_maxclients": "16"},
		"bare.example:27015": {"players": "x"},
	}, nil)
	p := NewProber(time.Second, 0, nil)
	p.SetQuerier(config.ProtocolA2S, q)
	p.SetQuerier(config.ProtocolQuake3, q)

	rec := p.Probe(context.Background(), Target{Host: "q3.example", Port: 27960, Protocol: config.ProtocolQuake3})
	want := Record{OK: true, Host: "q3.example", Port: 27960, ServerName: "Red Arena", Map: "q3dm17", PlayersConnected: 3, TotalPlayers: 16}
	if rec != want {
		t.Fatalf("expected %+v, got %+v", want, rec)
	}

	rec = p.Probe(context.Background(), Target{Host: "bare.example", Port: 27015, Protocol: config.ProtocolA2S})
	want = Record{OK: true, Host: "bare.example", Port: 27015, ServerName: "bare.example:27015", Map: "unknown"}
	if rec != want {
		t.Fatalf("expected %+v, got %+v", want, rec)
	}
}

func TestProbeUnknownProtocol(t *testing.T) {
	p := NewProber(time.Second, DefaultCapacityOffset, nil)
	rec := p.Probe(context.Background(), Target{Host: "h", Port: 1, Protocol: "gamespy"})
	if rec.OK || rec.Error == "" {
		t.Fatalf("expected failure record, got %+v", rec)
	}
}

func TestSnapshotTimestampsNeverDecrease(t *testing.T) {
	agg := NewAggregator(NewProber(time.Second, 0, nil), nil, nil)
	clock := []time.Time{
		time.UnixMilli(5_000),
		time.UnixMilli(4_000), // clock stepped backwards
		time.UnixMilli(6_000),
	}
	idx := 0
	agg.now = func() time.Time {
		now := clock[idx]
		idx++
		return now
	}
	var prev int64
	for i := range clock {
		snap := agg.BuildSnapshot(context.Background())
		if snap.TS < prev {
			t.Fatalf("snapshot %d: ts went backwards (%d < %d)", i, snap.TS, prev)
		}
		prev = snap.TS
	}
	if prev != 6_000 {
		t.Fatalf("expected final ts 6000, got %d", prev)
	}
}

func TestTargetsFromConfig(t *testing.T) {
	targets, err := TargetsFromConfig([]config.Target{
		{Address: "10.0.0.1:27015"},
		{Address: "q3.example:27960", Protocol: config.ProtocolQuake3},
	})
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if targets[0].Protocol != config.ProtocolA2S || targets[1].Port != 27960 {
		t.Fatalf("unexpected targets %+v", targets)
	}
	if _, err := TargetsFromConfig([]config.Target{{Address: "nope"}}); err == nil {
		t.Fatalf("expected error for malformed address")
	}
}
