// Package avatar resolves Steam profile images behind a durable
// resolve-or-fallback cache.
//
// Purpose: answer avatar lookups from a fresh cache entry when possible, ask
// the Steam Web API otherwise, and fall back to a stale entry when Steam fails.
// Key aspects: entries are never deleted; staleness is judged by age against
// the TTL. Write-back after a successful lookup is last-write-wins.
// Upstream: httpapi /avatar and /avatars handlers.
// Downstream: Store (Pebble or SQLite), Lookup (Steam client).
package avatar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bnt0p/st-poor-webpanel/internal/ratelimit"
	"github.com/bnt0p/st-poor-webpanel/metrics"
)

var (
	// ErrNotFound means no cached entry exists and the upstream could not
	// resolve the subject.
	ErrNotFound = errors.New("avatar: not found")
	// ErrNotConfigured means the upstream lookup has no credentials.
	ErrNotConfigured = errors.New("avatar: steam api key not configured")
)

// DefaultTTL is the freshness window for cached entries.
const DefaultTTL = 24 * time.Hour

// Resolution outcomes, also used as metric labels.
const (
	OutcomeFresh         = "fresh"
	OutcomeResolved      = "resolved"
	OutcomeStale         = "stale"
	OutcomeNotFound      = "not_found"
	OutcomeNotConfigured = "not_configured"
)

// Entry is one cached resolution.
type Entry struct {
	SubjectID string
	URL       string
	UpdatedAt time.Time
}

// Store persists entries. Load reports ok=false for a missing key.
type Store interface {
	Load(ctx context.Context, subjectID string) (Entry, bool, error)
	Save(ctx context.Context, e Entry) error
	Close() error
}

// Lookup resolves subject ids upstream. Ids absent from the returned map
// failed individually; a non-nil error may accompany partial results.
type Lookup interface {
	Lookup(ctx context.Context, subjectIDs []string) (map[string]string, error)
}

// Result is the answer for one subject.
type Result struct {
	SubjectID string `json:"steamid"`
	URL       string `json:"avatar_url"`
	Cached    bool   `json:"cached"`
	Stale     bool   `json:"stale"`
}

// Resolver implements the fresh cache, upstream, stale cache, not-found chain.
type Resolver struct {
	store    Store
	lookup   Lookup
	ttl      time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	failures *ratelimit.Counter
}

// NewResolver builds a resolver. A non-positive ttl uses DefaultTTL.
func NewResolver(store Store, lookup Lookup, ttl time.Duration, m *metrics.Metrics) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		store:    store,
		lookup:   lookup,
		ttl:      ttl,
		now:      time.Now,
		metrics:  m,
		failures: ratelimit.NewCounter(time.Minute),
	}
}

// Resolve returns the avatar for subjectID. force skips the fresh-cache check
// but still falls back to a stale entry if the upstream fails.
func (r *Resolver) Resolve(ctx context.Context, subjectID string, force bool) (Result, error) {
	if r == nil {
		return Result{}, errors.New("avatar: resolver is not initialized")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Result{}, fmt.Errorf("%w: empty id", ErrNotFound)
	}

	entry, have := r.load(ctx, subjectID)
	if !force && have && r.fresh(entry) {
		r.metrics.ObserveAvatar(OutcomeFresh)
		return Result{SubjectID: subjectID, URL: entry.URL, Cached: true}, nil
	}

	urls, err := r.query(ctx, []string{subjectID})
	if url, ok := urls[subjectID]; ok {
		r.save(ctx, subjectID, url)
		r.metrics.ObserveAvatar(OutcomeResolved)
		return Result{SubjectID: subjectID, URL: url}, nil
	}
	return r.fallback(subjectID, entry, have, err)
}

// ResolveMany resolves every id with a single batched upstream call for
// the ids that need one. Results keep the input order (duplicates dropped);
// ids that could not be answered at all are returned in missing.
func (r *Resolver) ResolveMany(ctx context.Context, subjectIDs []string, force bool) (results []Result, missing []string, err error) {
	if r == nil {
		return nil, nil, errors.New("avatar: resolver is not initialized")
	}
	ids := dedupe(subjectIDs)
	entries := make(map[string]Entry, len(ids))
	answered := make(map[string]Result, len(ids))
	var pending []string
	for _, id := range ids {
		entry, have := r.load(ctx, id)
		if have {
			entries[id] = entry
		}
		if !force && have && r.fresh(entry) {
			r.metrics.ObserveAvatar(OutcomeFresh)
			answered[id] = Result{SubjectID: id, URL: entry.URL, Cached: true}
			continue
		}
		pending = append(pending, id)
	}

	var lookupErr error
	if len(pending) > 0 {
		var urls map[string]string
		urls, lookupErr = r.query(ctx, pending)
		for _, id := range pending {
			if url, ok := urls[id]; ok {
				r.save(ctx, id, url)
				r.metrics.ObserveAvatar(OutcomeResolved)
				answered[id] = Result{SubjectID: id, URL: url}
				continue
			}
			entry, have := entries[id]
			if res, ferr := r.fallback(id, entry, have, lookupErr); ferr == nil {
				answered[id] = res
			}
		}
	}

	for _, id := range ids {
		if res, ok := answered[id]; ok {
			results = append(results, res)
		} else {
			missing = append(missing, id)
		}
	}
	if len(results) == 0 && errors.Is(lookupErr, ErrNotConfigured) {
		return nil, missing, ErrNotConfigured
	}
	return results, missing, nil
}

func (r *Resolver) fresh(e Entry) bool {
	return r.now().Sub(e.UpdatedAt) <= r.ttl
}

func (r *Resolver) load(ctx context.Context, id string) (Entry, bool) {
	if r.store == nil {
		return Entry{}, false
	}
	entry, ok, err := r.store.Load(ctx, id)
	if err != nil {
		// A broken read is treated as a miss so Steam can still answer.
		if total, logNow := r.failures.Inc(); logNow {
			log.Printf("Avatar: cache read %s failed: %v (failures=%d)", id, err, total)
		}
		return Entry{}, false
	}
	return entry, ok
}

func (r *Resolver) save(ctx context.Context, id, url string) {
	if r.store == nil {
		return
	}
	entry := Entry{SubjectID: id, URL: url, UpdatedAt: r.now().UTC()}
	if err := r.store.Save(ctx, entry); err != nil {
		if total, logNow := r.failures.Inc(); logNow {
			log.Printf("Avatar: cache write %s failed: %v (failures=%d)", id, err, total)
		}
	}
}

func (r *Resolver) query(ctx context.Context, ids []string) (map[string]string, error) {
	if r.lookup == nil {
		return nil, ErrNotConfigured
	}
	urls, err := r.lookup.Lookup(ctx, ids)
	if err != nil && !errors.Is(err, ErrNotConfigured) {
		if total, logNow := r.failures.Inc(); logNow {
			log.Printf("Avatar: steam lookup of %d id(s) failed: %v (failures=%d)", len(ids), err, total)
		}
	}
	return urls, err
}

func (r *Resolver) fallback(id string, entry Entry, have bool, lookupErr error) (Result, error) {
	if have {
		r.metrics.ObserveAvatar(OutcomeStale)
		return Result{SubjectID: id, URL: entry.URL, Cached: true, Stale: true}, nil
	}
	if errors.Is(lookupErr, ErrNotConfigured) {
		r.metrics.ObserveAvatar(OutcomeNotConfigured)
		return Result{}, ErrNotConfigured
	}
	r.metrics.ObserveAvatar(OutcomeNotFound)
	return Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
