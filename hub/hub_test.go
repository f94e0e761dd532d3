package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bnt0p/st-poor-webpanel/status"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	fail   bool
	closed bool
	msgs   []Message
}

func (f *fakeSubscriber) Deliver(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errors.New("broken pipe")
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSubscriber) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSource struct {
	builds atomic.Int64
	panic  bool
	snap   status.Snapshot
}

func (s *fakeSource) BuildSnapshot(ctx context.Context) *status.Snapshot {
	n := s.builds.Add(1)
	if s.panic {
		panic("probe table corrupted")
	}
	snap := s.snap
	snap.TS = n
	return &snap
}

type recordingSink struct {
	mu      sync.Mutex
	changed []bool
}

func (r *recordingSink) Publish(snap *status.Snapshot, payload []byte, changed bool) {
	r.mu.Lock()
	r.changed = append(r.changed, changed)
	r.mu.Unlock()
}

func TestRegistryDuplicatesAndRemove(t *testing.T) {
	reg := NewRegistry()
	a, b := &fakeSubscriber{}, &fakeSubscriber{}
	reg.Add(a)
	reg.Add(a)
	reg.Add(b)
	if reg.Len() != 3 {
		t.Fatalf("expected duplicates to be kept, got %d entries", reg.Len())
	}

	reg.Remove(a)
	if reg.Len() != 2 {
		t.Fatalf("expected one occurrence removed, got %d entries", reg.Len())
	}
	reg.Remove(&fakeSubscriber{})
	if reg.Len() != 2 {
		t.Fatalf("removing an absent subscriber changed the registry")
	}

	attempted, failed := reg.Broadcast(PingMessage())
	if attempted != 2 || len(failed) != 0 {
		t.Fatalf("expected 2 deliveries and no failures, got %d/%d", attempted, len(failed))
	}
	if a.count(KindPing) != 1 || b.count(KindPing) != 1 {
		t.Fatalf("unexpected deliveries a=%d b=%d", a.count(KindPing), b.count(KindPing))
	}
}

func TestDeliverPrunesOnlyFailingSubscriber(t *testing.T) {
	reg := NewRegistry()
	good1, bad, good2 := &fakeSubscriber{}, &fakeSubscriber{fail: true}, &fakeSubscriber{}
	reg.Add(good1)
	reg.Add(bad)
	reg.Add(good2)
	loop := NewLoop(&fakeSource{}, reg, time.Second, time.Second, nil)

	msg, err := NewSnapshotMessage(&status.Snapshot{TS: 1, Servers: []status.Record{}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	loop.deliver(msg)

	subs := reg.Snapshot()
	if len(subs) != 2 || subs[0] != good1 || subs[1] != good2 {
		t.Fatalf("expected only the failing subscriber removed, got %v", subs)
	}
	if !bad.isClosed() {
		t.Fatalf("expected failing subscriber to be closed")
	}
	if good1.count(KindSnapshot) != 1 || good2.count(KindSnapshot) != 1 {
		t.Fatalf("healthy subscribers missed the snapshot")
	}
	if _, _, pruned := loop.Stats(); pruned != 1 {
		t.Fatalf("expected pruned=1, got %d", pruned)
	}
}

func TestSnapshotMessagePayload(t *testing.T) {
	msg, err := NewSnapshotMessage(&status.Snapshot{TS: 42, Servers: []status.Record{
		{OK: false, Host: "10.0.0.2", Port: 27015, ServerName: "10.0.0.2:27015", Map: "unreachable", Error: "timeout"},
	}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := string(msg.Payload)
	for _, want := range []string{`"ts":42`, `"serverName":"10.0.0.2:27015"`, `"error":"timeout"`, `"totalPlayers":0`} {
		if !strings.Contains(got, want) {
			t.Fatalf("payload %s missing %s", got, want)
		}
	}
	if string(PingMessage().Payload) != `{"type":"ping"}` {
		t.Fatalf("unexpected ping payload %s", PingMessage().Payload)
	}
}

func TestLoopRunBroadcastsAndPings(t *testing.T) {
	reg := NewRegistry()
	sub := &fakeSubscriber{}
	reg.Add(sub)
	src := &fakeSource{snap: status.Snapshot{Servers: []status.Record{{OK: true, Host: "h", Port: 1}}}}
	sink := &recordingSink{}
	loop := NewLoop(src, reg, 20*time.Millisecond, 30*time.Millisecond, nil)
	loop.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sub.count(KindSnapshot) >= 3 && sub.count(KindPing) >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if sub.count(KindSnapshot) < 3 || sub.count(KindPing) < 1 {
		t.Fatalf("expected snapshots and pings, got %d/%d", sub.count(KindSnapshot), sub.count(KindPing))
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.changed) < 2 || !sink.changed[0] || sink.changed[1] {
		t.Fatalf("expected first publish changed and later unchanged, got %v", sink.changed)
	}
}

func TestLoopRunReturnsPanicAsError(t *testing.T) {
	loop := NewLoop(&fakeSource{panic: true}, NewRegistry(), time.Second, time.Second, nil)
	err := loop.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestGreetSendsFreshSnapshot(t *testing.T) {
	src := &fakeSource{}
	loop := NewLoop(src, NewRegistry(), time.Second, time.Second, nil)
	sub := &fakeSubscriber{}
	if err := loop.Greet(context.Background(), sub); err != nil {
		t.Fatalf("greet: %v", err)
	}
	if sub.count(KindSnapshot) != 1 || src.builds.Load() != 1 {
		t.Fatalf("expected one fresh snapshot delivered")
	}
	if err := loop.Greet(context.Background(), &fakeSubscriber{fail: true}); err == nil {
		t.Fatalf("expected greet error for failing subscriber")
	}
}
