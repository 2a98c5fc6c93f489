// Package memento implements a local, embedded semantic memory engine
// for AI agents: short text "memories" are encoded to dense vectors,
// persisted alongside their metadata in a single-file database, and
// answered with similarity + filter queries under a bounded deadline.
package memento

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/memento/internal/config"
	"github.com/openclaw/memento/internal/embedcache"
	"github.com/openclaw/memento/internal/embedder"
	"github.com/openclaw/memento/internal/query"
	"github.com/openclaw/memento/internal/store"
)

// Engine is memento's single constructed handle. It composes a Store,
// an Embedder, and a QueryPipeline behind spec.md §6's public
// operation set. There is no package-level default instance — every
// caller owns and explicitly closes its own Engine.
type Engine struct {
	store    *store.Store
	embedder *embedder.Embedder
	pipeline *query.Pipeline
	watcher  *config.Watcher
	cfg      config.Config
	log      zerolog.Logger
}

// Options configures Open. Any zero-valued field is taken from
// config.Default().
type Options struct {
	// ConfigPath, if non-empty, is loaded and — if HotReload is also
	// true — watched for changes to the runtime-safe settings.
	ConfigPath string
	HotReload  bool
	Log        zerolog.Logger
}

// Open constructs an Engine: loads configuration, opens the Store,
// constructs the Embedder over a fresh embed cache, and wires the
// QueryPipeline on top. This is the only constructor.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log := opts.Log

	st, err := store.Open(ctx, store.Config{
		DBPath:         cfg.Storage.DBPath,
		RateBurst:      1,
		GraphThreshold: 0,
		Log:            log,
	})
	if err != nil {
		return nil, err
	}

	cache, err := embedcache.New(cfg.Cache.LRUSize, st, "sqlite")
	if err != nil {
		st.Close()
		return nil, err
	}

	emb := embedder.New(embedder.Config{
		ModelDir:      cfg.Embedding.ModelPath,
		OrtLibPath:    cfg.Embedding.OrtLibPath,
		NumThreads:    cfg.Embedding.NumThreads,
		WarmupTimeout: time.Duration(cfg.Embedding.WarmupTimeoutMS) * time.Millisecond,
		IdleTimeout:   time.Duration(cfg.Embedding.IdleTimeoutMS) * time.Millisecond,
		AllowFallback: cfg.Embedding.AllowFallback,
	}, cache, log)

	pipeline := query.New(st, emb, log)

	e := &Engine{store: st, embedder: emb, pipeline: pipeline, cfg: cfg, log: log}

	if opts.ConfigPath != "" && opts.HotReload {
		w, err := config.Watch(opts.ConfigPath, cfg, log)
		if err != nil {
			log.Warn().Str("component", "memento").Err(err).Msg("config hot-reload disabled: watcher setup failed")
		} else {
			e.watcher = w
		}
	}

	return e, nil
}

// Close releases the config watcher if any, the Embedder's encoder,
// and the Store's database handle, in that order.
func (e *Engine) Close() error {
	if e.watcher != nil {
		_ = e.watcher.Close()
	}
	_ = e.embedder.Close()
	return e.store.Close()
}

// currentConfig returns the live configuration: the watcher's
// continuously-reloaded snapshot if hot-reload is on, otherwise the
// configuration fixed at Open. This is what makes internal/config's
// Watcher mean something at runtime, rather than just sitting there.
func (e *Engine) currentConfig() config.Config {
	if e.watcher != nil {
		return e.watcher.Current()
	}
	return e.cfg
}

// Remember encodes text and persists it as a new memory, per spec.md §6.
func (e *Engine) Remember(ctx context.Context, text string, opts store.RememberOptions) (store.ID, error) {
	cfg := e.currentConfig()
	vec, err := e.embedder.Embed(text, embedder.EmbedOptions{
		Bypass:        cfg.Cache.Bypass,
		AllowFallback: opts.AllowFallback,
	})
	if err != nil {
		return store.ID{}, err
	}
	return e.store.Remember(ctx, text, vec, opts)
}

// Recall answers a similarity + filter query, per spec.md §6.
func (e *Engine) Recall(ctx context.Context, q string, opts query.Options) ([]query.Result, error) {
	return e.pipeline.Recall(ctx, q, e.withLiveDefaults(opts))
}

// BatchRecall answers multiple queries, embedding them as one batch,
// per spec.md §6.
func (e *Engine) BatchRecall(ctx context.Context, queries []string, opts query.Options) ([][]query.Result, error) {
	return e.pipeline.BatchRecall(ctx, queries, e.withLiveDefaults(opts))
}

// withLiveDefaults fills unset per-call query options from the live
// config snapshot (query.defaultTimeoutMS/filterExpansion) and forces
// an embed-cache bypass whenever the live config's cache.bypass is
// set, regardless of what the caller asked for — the point of that
// setting is an operator-level kill switch, not a per-call default.
func (e *Engine) withLiveDefaults(opts query.Options) query.Options {
	cfg := e.currentConfig()
	if opts.TimeoutMS == 0 {
		opts.TimeoutMS = int64(cfg.Query.DefaultTimeoutMS)
	}
	if opts.Expansion == 0 {
		opts.Expansion = cfg.Query.FilterExpansion
	}
	if cfg.Cache.Bypass {
		opts.Bypass = true
	}
	return opts
}

// GetRecent returns the n most recent memories in collection, per spec.md §6.
func (e *Engine) GetRecent(ctx context.Context, collection string, n int) ([]store.Memory, error) {
	return e.store.GetRecent(ctx, collection, n)
}

// Delete removes a memory by id, per spec.md §6.
func (e *Engine) Delete(ctx context.Context, id store.ID) (bool, error) {
	return e.store.Delete(ctx, id)
}

// Backup writes a consistent snapshot, per spec.md §6.
func (e *Engine) Backup(ctx context.Context, path string) (string, error) {
	return e.store.Backup(ctx, path)
}

// ExportJSON streams every memory to a JSON-lines file, per spec.md §6.
func (e *Engine) ExportJSON(ctx context.Context, path string) (string, error) {
	return e.store.ExportJSON(ctx, path)
}

// Stats summarizes the store's contents, per spec.md §6.
func (e *Engine) Stats(ctx context.Context) (store.Stats, error) {
	return e.store.Stats(ctx)
}
