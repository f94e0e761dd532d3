package avatar

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := s.Load(ctx, subject); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}
	first := Entry{SubjectID: subject, URL: "https://cdn/a.jpg", UpdatedAt: time.Unix(1_700_000_000, 0).UTC()}
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := Entry{SubjectID: subject, URL: "https://cdn/b.jpg", UpdatedAt: time.Unix(1_700_090_000, 0).UTC()}
	if err := s.Save(ctx, second); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.Load(ctx, subject)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != second {
		t.Fatalf("expected last write to win: %+v, got %+v", second, got)
	}
}

func TestPebbleStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatars")
	s, err := OpenPebbleStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseStore(t, s)
	if n, err := s.Count(); err != nil || n != 1 {
		t.Fatalf("expected count 1, got %d (%v)", n, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Entries survive a reopen.
	s, err = OpenPebbleStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, ok, err := s.Load(context.Background(), subject); err != nil || !ok {
		t.Fatalf("expected entry after reopen, ok=%v err=%v", ok, err)
	}
}

func TestSQLStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatars.db")
	s, err := OpenSQLStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseStore(t, s)
	if n, err := s.Count(); err != nil || n != 1 {
		t.Fatalf("expected count 1, got %d (%v)", n, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSQLStoreQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avatars.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database, just some bytes padding it out"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := OpenSQLStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	matches, _ := filepath.Glob(path + ".bad-*")
	if len(matches) == 0 {
		t.Fatalf("expected corrupt file to be quarantined")
	}
	exerciseStore(t, s)
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	if _, err := OpenStore("redis", t.TempDir()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
