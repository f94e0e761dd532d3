// Package hub owns the set of live subscribers and the broadcast loop that
// pushes snapshots and keepalives to them.
package hub

import (
	"sync"
)

// Subscriber is one live delivery channel owned by a transport
// (WebSocket, telnet). Deliver must honor its own write deadline.
type Subscriber interface {
	Deliver(msg Message) error
	Close() error
}

// Registry is a concurrently mutable list of subscribers. Duplicate adds
// are kept; each Remove drops a single occurrence.
type Registry struct {
	mu   sync.Mutex
	subs []Subscriber
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends s.
func (r *Registry) Add(s Subscriber) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()
}

// Remove drops the first occurrence of s. Removing an absent subscriber
// is a no-op.
func (r *Registry) Remove(s Subscriber) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.subs {
		if cur == s {
			copy(r.subs[i:], r.subs[i+1:])
			r.subs[len(r.subs)-1] = nil
			r.subs = r.subs[:len(r.subs)-1]
			return
		}
	}
}

// Snapshot returns a copy of the current subscribers.
func (r *Registry) Snapshot() []Subscriber {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Subscriber(nil), r.subs...)
}

// Len reports the number of registered entries, duplicates included.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Broadcast delivers msg to a copy of the registry concurrently. It returns
// how many deliveries were attempted and the subscribers whose delivery
// failed. The lock is not held while writing.
// A subscriber registered twice receives the message twice.
func (r *Registry) Broadcast(msg Message) (int, []Subscriber) {
	subs := r.Snapshot()
	if len(subs) == 0 {
		return 0, nil
	}
	failed := make([]bool, len(subs))
	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s Subscriber) {
			defer wg.Done()
			if err := s.Deliver(msg); err != nil {
				failed[i] = true
			}
		}(i, s)
	}
	wg.Wait()

	var out []Subscriber
	for i, bad := range failed {
		if bad {
			out = append(out, subs[i])
		}
	}
	return len(subs), out
}
