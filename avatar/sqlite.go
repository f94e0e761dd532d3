package avatar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `create table if not exists avatars (
	steamid text primary key,
	url text not null,
	updated_at integer not null
)`

// SQLStore keeps entries in a single-file SQLite database, mirroring the
// avatars table of the original MySQL deployment.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore runs a bounded integrity preflight on path, quarantining a
// corrupt file, then opens the database and ensures the schema.
func OpenSQLStore(path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("avatar: sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("avatar: ensure dir: %w", err)
	}
	if res, err := preflightSQLite(path, 2*time.Second); err != nil {
		return nil, err
	} else if res.quarantined != "" {
		log.Printf("Avatar: sqlite cache failed integrity check; moved to %s", res.quarantined)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("avatar: sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, stmt := range []string{
		"pragma journal_mode=WAL",
		"pragma busy_timeout=5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("avatar: sqlite init %q: %w", firstLine(stmt), err)
		}
	}
	return &SQLStore{db: db}, nil
}

// Load returns the entry for id.
func (s *SQLStore) Load(ctx context.Context, id string) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, errors.New("avatar: sqlite store is not initialized")
	}
	var (
		url       string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, "select url, updated_at from avatars where steamid = ?", id).Scan(&url, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("avatar: sqlite load %s: %w", id, err)
	}
	return Entry{SubjectID: id, URL: url, UpdatedAt: time.Unix(updatedAt, 0).UTC()}, true, nil
}

// Save upserts the entry; the last write wins.
func (s *SQLStore) Save(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return errors.New("avatar: sqlite store is not initialized")
	}
	_, err := s.db.ExecContext(ctx,
		`insert into avatars (steamid, url, updated_at) values (?, ?, ?)
		 on conflict(steamid) do update set url = excluded.url, updated_at = excluded.updated_at`,
		e.SubjectID, e.URL, e.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("avatar: sqlite save %s: %w", e.SubjectID, err)
	}
	return nil
}

// Count returns the number of cached entries.
func (s *SQLStore) Count() (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("avatar: sqlite store is not initialized")
	}
	var n int64
	if err := s.db.QueryRow("select count(*) from avatars").Scan(&n); err != nil {
		return 0, fmt.Errorf("avatar: sqlite count: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

type preflightResult struct {
	elapsed     time.Duration
	quarantined string
}

// preflightSQLite runs a bounded WAL checkpoint and quick_check. A file
// that fails either is renamed, with its sidecars, to <path>.bad-<ts> so
// startup continues on a fresh cache. A missing file passes trivially.
func preflightSQLite(path string, timeout time.Duration) (preflightResult, error) {
	start := time.Now()
	res := preflightResult{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("avatar: preflight open: %w", err)
	}
	db.SetMaxOpenConns(1)
	checkErr := func() error {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
			return err
		}
		return quickCheck(ctx, db)
	}()
	_ = db.Close()
	res.elapsed = time.Since(start)
	if checkErr == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("avatar: preflight timed out after %s", timeout)
	}

	ts := time.Now().UTC().Format("20060102T150405Z")
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.Rename(p, p+".bad-"+ts); err != nil {
			return res, fmt.Errorf("avatar: preflight quarantine %s: %w (check=%v)", p, err, checkErr)
		}
	}
	res.quarantined = path + ".bad-" + ts
	return res, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}
