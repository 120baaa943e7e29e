package persistence_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-loom/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.db")
	st, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestOpen_AppliesPragmasAndSchema(t *testing.T) {
	st, _ := openTestStore(t)
	db := st.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	var sync int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&sync); err != nil {
		t.Fatalf("synchronous: %v", err)
	}
	if journal != "wal" || sync != 2 {
		t.Fatalf("journal=%q synchronous=%d, want wal / 2 (FULL)", journal, sync)
	}

	for _, table := range []string{"schema_migrations", "runs", "schedules"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestOpen_ReopenKeepsVersion(t *testing.T) {
	st, path := openTestStore(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer again.Close()

	var version int
	if err := again.DB().QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
}

func TestOpen_RefusesTamperedChecksum(t *testing.T) {
	st, path := openTestStore(t)
	if _, err := st.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := persistence.Open(path)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("reopen error = %v, want checksum mismatch", err)
	}
}

func TestOpen_RefusesNewerSchema(t *testing.T) {
	st, path := openTestStore(t)
	if _, err := st.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("stamp future version: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := persistence.Open(path)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("reopen error = %v, want newer-than-supported", err)
	}
}
