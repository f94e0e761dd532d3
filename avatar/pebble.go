package avatar

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

const (
	pebbleKeyPrefix     = "a|"
	pebbleBloomBits     = 10
	pebbleCacheBytes    = 8 << 20
	pebbleMemTableBytes = 4 << 20
)

var errBadValue = errors.New("avatar: malformed cache value")

// PebbleStore keeps entries in a local Pebble database. Keys are
// "a|<steamid>"; values are an 8-byte big-endian unix timestamp followed
// by the URL.
type PebbleStore struct {
	db    *pebble.DB
	cache *pebble.Cache
}

// OpenPebbleStore opens (or creates) the database directory at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("avatar: pebble path is empty")
	}
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("avatar: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("avatar: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("avatar: ensure directory: %w", err)
	}

	cache := pebble.NewCache(pebbleCacheBytes)
	opts := &pebble.Options{
		Cache:        cache,
		MemTableSize: pebbleMemTableBytes,
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(pebbleBloomBits),
		FilterType:   pebble.TableFilter,
	}
	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := range opts.Levels {
		opts.Levels[i] = level
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		cache.Unref()
		return nil, fmt.Errorf("avatar: pebble open: %w", err)
	}
	return &PebbleStore{db: db, cache: cache}, nil
}

func pebbleKey(id string) []byte {
	return []byte(pebbleKeyPrefix + id)
}

func encodePebbleValue(e Entry) []byte {
	buf := make([]byte, 8+len(e.URL))
	binary.BigEndian.PutUint64(buf, uint64(e.UpdatedAt.Unix()))
	copy(buf[8:], e.URL)
	return buf
}

func decodePebbleValue(id string, raw []byte) (Entry, error) {
	if len(raw) < 8 {
		return Entry{}, errBadValue
	}
	ts := int64(binary.BigEndian.Uint64(raw[:8]))
	return Entry{
		SubjectID: id,
		URL:       string(raw[8:]),
		UpdatedAt: time.Unix(ts, 0).UTC(),
	}, nil
}

// Load returns the entry for id.
func (s *PebbleStore) Load(_ context.Context, id string) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, errors.New("avatar: pebble store is not initialized")
	}
	value, closer, err := s.db.Get(pebbleKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("avatar: pebble get %s: %w", id, err)
	}
	defer closer.Close()
	entry, err := decodePebbleValue(id, value)
	if err != nil {
		return Entry{}, false, fmt.Errorf("avatar: pebble decode %s: %w", id, err)
	}
	return entry, true, nil
}

// Save overwrites the entry for e.SubjectID.
func (s *PebbleStore) Save(_ context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return errors.New("avatar: pebble store is not initialized")
	}
	if err := s.db.Set(pebbleKey(e.SubjectID), encodePebbleValue(e), pebble.Sync); err != nil {
		return fmt.Errorf("avatar: pebble set %s: %w", e.SubjectID, err)
	}
	return nil
}

// Count scans the key prefix and returns the number of cached entries.
func (s *PebbleStore) Count() (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("avatar: pebble store is not initialized")
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleKeyPrefix),
		UpperBound: []byte("a}"),
	})
	if err != nil {
		return 0, fmt.Errorf("avatar: pebble iterator: %w", err)
	}
	defer iter.Close()
	var n int64
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Close releases the database and its block cache.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}
