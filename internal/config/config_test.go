package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	if cfg.Cache.LRUSize != want.Cache.LRUSize || cfg.Query.FilterExpansion != want.Query.FilterExpansion {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadParsesRecognisedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[storage]
db_path = "/tmp/memento-test.db"

[embedding]
model_path = "/models/mini"
idle_timeout_ms = 60000

[cache]
lru_size = 500
bypass = true

[query]
default_timeout_ms = 2000
filter_expansion = 5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DBPath != "/tmp/memento-test.db" {
		t.Errorf("db_path = %q", cfg.Storage.DBPath)
	}
	if cfg.Embedding.IdleTimeoutMS != 60000 {
		t.Errorf("idle_timeout_ms = %d", cfg.Embedding.IdleTimeoutMS)
	}
	if cfg.Cache.LRUSize != 500 || !cfg.Cache.Bypass {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Query.DefaultTimeoutMS != 2000 || cfg.Query.FilterExpansion != 5 {
		t.Errorf("query = %+v", cfg.Query)
	}
	if cfg.Storage.Backup.Retain != 7 {
		t.Errorf("expected unset backup.retain to default to 7, got %d", cfg.Storage.Backup.Retain)
	}
}

func TestWatchHotReloadsSafeSubsetOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`
[storage]
db_path = "/original/path.db"

[cache]
bypass = false
`), 0o644); err != nil {
		t.Fatal(err)
	}

	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := Watch(path, initial, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`
[storage]
db_path = "/changed/path.db"

[cache]
bypass = true

[query]
filter_expansion = 8
`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Cache.Bypass {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cur := w.Current()
	if !cur.Cache.Bypass {
		t.Fatal("expected cache.bypass to hot-reload to true")
	}
	if cur.Query.FilterExpansion != 8 {
		t.Errorf("expected filter_expansion to hot-reload to 8, got %d", cur.Query.FilterExpansion)
	}
	if cur.Storage.DBPath != "/original/path.db" {
		t.Errorf("expected storage.db_path to stay fixed at construction, got %q", cur.Storage.DBPath)
	}
}
