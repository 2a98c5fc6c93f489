// Package config loads memento's declarative TOML configuration and,
// optionally, watches it for changes to the subset of settings safe
// to apply without restarting the engine.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config mirrors spec.md §6's recognised key set.
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Cache     CacheConfig     `toml:"cache"`
	Query     QueryConfig     `toml:"query"`
}

type StorageConfig struct {
	DBPath string       `toml:"db_path"`
	Backup BackupConfig `toml:"backup"`
}

type BackupConfig struct {
	Enabled bool `toml:"enabled"`
	Retain  int  `toml:"retain"`
}

type EmbeddingConfig struct {
	ModelPath       string `toml:"model_path"`
	OrtLibPath      string `toml:"ort_lib_path"`
	NumThreads      int    `toml:"num_threads"`
	IdleTimeoutMS   int64  `toml:"idle_timeout_ms"`
	WarmupTimeoutMS int64  `toml:"warmup_timeout_ms"`
	// AllowFallback opts into spec.md §4.4's deterministic fallback
	// vector when the encoder is unavailable, instead of surfacing
	// EmbeddingUnavailable. Off by default: silently degrading recall
	// quality should be an explicit choice, not a default.
	AllowFallback bool `toml:"allow_fallback"`
}

type CacheConfig struct {
	LRUSize int  `toml:"lru_size"`
	Bypass  bool `toml:"bypass"`
}

type QueryConfig struct {
	DefaultTimeoutMS int `toml:"default_timeout_ms"`
	FilterExpansion  int `toml:"filter_expansion"`
}

// Default returns the configuration spec.md §6 names when the user
// supplies no config file at all.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DBPath: defaultDBPath(),
			Backup: BackupConfig{Enabled: true, Retain: 7},
		},
		Embedding: EmbeddingConfig{
			IdleTimeoutMS:   1_800_000,
			WarmupTimeoutMS: 30_000,
		},
		Cache: CacheConfig{LRUSize: 1000, Bypass: false},
		Query: QueryConfig{DefaultTimeoutMS: 5000, FilterExpansion: 3},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "memento.db"
	}
	return home + "/.openclaw/memento/memory.db"
}

// Load reads and parses the TOML file at path, filling any unset
// field with Default()'s value. A missing file is not an error — it
// returns Default() as-is, matching the teacher's own
// read-if-present-else-defaults pattern in cmd/sift.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// withDefaults backfills zero-valued fields after an incomplete TOML
// file — toml.Unmarshal leaves fields the file doesn't mention at
// their prior (default) value already, since Load starts from
// Default(); withDefaults only guards against a file that explicitly
// zeroes a numeric field it didn't mean to touch.
func (c Config) withDefaults() Config {
	if c.Storage.Backup.Retain <= 0 {
		c.Storage.Backup.Retain = 7
	}
	if c.Embedding.IdleTimeoutMS <= 0 {
		c.Embedding.IdleTimeoutMS = 1_800_000
	}
	if c.Embedding.WarmupTimeoutMS <= 0 {
		c.Embedding.WarmupTimeoutMS = 30_000
	}
	if c.Cache.LRUSize <= 0 {
		c.Cache.LRUSize = 1000
	}
	if c.Query.DefaultTimeoutMS <= 0 {
		c.Query.DefaultTimeoutMS = 5000
	}
	if c.Query.FilterExpansion <= 0 {
		c.Query.FilterExpansion = 3
	}
	if c.Query.FilterExpansion > 20 {
		c.Query.FilterExpansion = 20
	}
	return c
}
