package schema

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenFreshDatabaseAppliesAllMigrations(t *testing.T) {
	db := openMemDB(t)
	v, err := Open(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if v != Version {
		t.Fatalf("expected version %d, got %d", Version, v)
	}

	for _, table := range []string{"memories", "memories_fts", "embed_cache", "schema_version"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %q to exist: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	db := openMemDB(t)
	if _, err := Open(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	v, err := Open(context.Background(), db)
	if err != nil {
		t.Fatalf("second open should be a no-op, got %v", err)
	}
	if v != Version {
		t.Fatalf("expected version %d, got %d", Version, v)
	}
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	db := openMemDB(t)
	if _, err := db.Exec(`CREATE TABLE schema_version (v INTEGER NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO schema_version(v) VALUES (?)`, Version+1); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(context.Background(), db); err == nil {
		t.Fatal("expected an error opening a database with a newer schema version")
	}
}
