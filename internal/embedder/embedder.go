// Package embedder glues the ONNX encoder and the two-tier embed
// cache behind a small Cold→Loading→Ready→Unloading→Cold state
// machine (spec.md §4.4.1). Construction spawns a background warm-up
// goroutine; embed calls block on a bounded readiness wait; an idle
// timer unloads the encoder after a period of disuse and the next
// embed call transparently re-warms it.
package embedder

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/memento/internal/embedcache"
	"github.com/openclaw/memento/internal/encoder"
	"github.com/openclaw/memento/internal/errs"
)

// state is one of the four states in spec.md §4.4.1.
type state int

const (
	stateCold state = iota
	stateLoading
	stateReady
	stateUnloading
)

func (s state) String() string {
	switch s {
	case stateLoading:
		return "loading"
	case stateReady:
		return "ready"
	case stateUnloading:
		return "unloading"
	default:
		return "cold"
	}
}

// encoderLike is the subset of *encoder.Encoder the state machine
// depends on. Tests substitute a fake implementation so the state
// machine and cache-wiring logic can be exercised without an ONNX
// model on disk.
type encoderLike interface {
	Encode(text string) ([]float32, error)
	EncodeBatch(texts []string) ([][]float32, error)
	Close()
}

// Config configures an Embedder.
type Config struct {
	ModelDir      string
	OrtLibPath    string
	NumThreads    int
	WarmupTimeout time.Duration // default 30s, per spec.md §4.4
	IdleTimeout   time.Duration // no default here (memento.Open passes the config's 30m); <= 0 disables idle unload
	AllowFallback bool          // opt-in deterministic fallback, spec.md §4.4
}

func (c Config) withDefaults() Config {
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = 30 * time.Second
	}
	return c
}

// EmbedOptions are per-call overrides.
type EmbedOptions struct {
	Bypass        bool // skip both cache tiers for this call
	AllowFallback bool // allow deterministic fallback for this call, independent of Config.AllowFallback
}

// Embedder is memento's embedding service: Encoder + EmbedCache plus
// the lifecycle state machine described in spec.md §4.4.1.
type Embedder struct {
	cfg   Config
	cache *embedcache.Cache
	log   zerolog.Logger
	load  func() (encoderLike, error)

	mu           sync.Mutex
	state        state
	transitionCh chan struct{}
	enc          encoderLike
	loadErr      error
	idleTimer    *time.Timer

	// encMu serialises calls into the encoder itself (spec.md §5:
	// "Encoder session: owned by Embedder; access serialised by an
	// internal mutex"). Kept separate from mu so a long-running
	// Encode/EncodeBatch call never blocks state-machine transitions
	// (idle-timeout, Close, concurrent WaitUntilReady callers).
	encMu sync.Mutex
}

// New constructs an Embedder and begins background warm-up immediately.
func New(cfg Config, cache *embedcache.Cache, log zerolog.Logger) *Embedder {
	return newWithLoader(cfg, cache, log, func() (encoderLike, error) {
		return encoder.New(encoder.Options{
			ModelDir:   cfg.ModelDir,
			OrtLibPath: cfg.OrtLibPath,
			NumThreads: cfg.NumThreads,
			Log:        log,
		})
	})
}

func newWithLoader(cfg Config, cache *embedcache.Cache, log zerolog.Logger, load func() (encoderLike, error)) *Embedder {
	cfg = cfg.withDefaults()
	e := &Embedder{
		cfg:          cfg,
		cache:        cache,
		log:          log,
		load:         load,
		state:        stateCold,
		transitionCh: make(chan struct{}),
	}
	e.mu.Lock()
	e.startLoadingLocked()
	e.mu.Unlock()
	return e
}

// broadcastLocked wakes every waiter blocked on the current
// transition channel and installs a fresh one for the next wait.
// Callers must hold e.mu.
func (e *Embedder) broadcastLocked() {
	close(e.transitionCh)
	e.transitionCh = make(chan struct{})
}

// startLoadingLocked performs the Cold→Loading transition and spawns
// the background load. Callers must hold e.mu and the current state
// must be stateCold.
func (e *Embedder) startLoadingLocked() {
	e.state = stateLoading
	e.broadcastLocked()
	go e.loadAsync()
}

func (e *Embedder) loadAsync() {
	enc, err := e.load()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.loadErr = err
		e.state = stateCold
		e.log.Warn().Str("component", "embedder").Err(err).Msg("encoder load failed")
		e.broadcastLocked()
		return
	}
	e.enc = enc
	e.loadErr = nil
	e.state = stateReady
	e.log.Debug().Str("component", "embedder").Msg("encoder ready")
	e.resetIdleTimerLocked()
	e.broadcastLocked()
}

// resetIdleTimerLocked (re)arms the idle-unload timer. Callers must
// hold e.mu and the current state must be stateReady.
func (e *Embedder) resetIdleTimerLocked() {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	if e.cfg.IdleTimeout <= 0 {
		return
	}
	e.idleTimer = time.AfterFunc(e.cfg.IdleTimeout, e.onIdleTimeout)
}

// onIdleTimeout performs Ready→Unloading→Cold. The encoder's Close
// call happens outside the lock since it may block briefly releasing
// native resources.
func (e *Embedder) onIdleTimeout() {
	e.mu.Lock()
	if e.state != stateReady {
		e.mu.Unlock()
		return
	}
	e.state = stateUnloading
	enc := e.enc
	e.enc = nil
	e.broadcastLocked()
	e.mu.Unlock()

	if enc != nil {
		enc.Close()
	}

	e.mu.Lock()
	e.state = stateCold
	e.log.Debug().Str("component", "embedder").Msg("encoder unloaded after idle timeout")
	e.broadcastLocked()
	e.mu.Unlock()
}

// Ready reports whether the encoder is currently loaded and usable.
func (e *Embedder) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateReady
}

// WaitUntilReady blocks until the embedder reaches Ready or timeout
// elapses, (re)triggering a load if the state is Cold. Any call that
// arrives during Unloading waits for the Cold transition and then
// itself becomes the trigger for the next Loading transition, per
// spec.md §4.4.1.
func (e *Embedder) WaitUntilReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		e.mu.Lock()
		switch e.state {
		case stateReady:
			e.mu.Unlock()
			return nil
		case stateCold:
			if time.Now().After(deadline) {
				err := e.loadErr
				e.mu.Unlock()
				if err != nil {
					return err
				}
				return errs.NewEmbedding(errs.EmbeddingUnavailable, nil)
			}
			e.startLoadingLocked()
		}
		ch := e.transitionCh
		e.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			return errs.NewEmbedding(errs.EmbeddingUnavailable, nil)
		}
	}
}

// Embed embeds a single text, going through the embed cache unless
// opts.Bypass is set. If the encoder is unavailable and either
// Config.AllowFallback or opts.AllowFallback is set, a deterministic
// fallback vector is returned instead — never written to the cache.
func (e *Embedder) Embed(text string, opts EmbedOptions) ([]float32, error) {
	if err := e.WaitUntilReady(e.cfg.WarmupTimeout); err != nil {
		if e.cfg.AllowFallback || opts.AllowFallback {
			return fallbackVector(text), nil
		}
		return nil, err
	}

	e.mu.Lock()
	e.resetIdleTimerLocked()
	enc := e.enc
	e.mu.Unlock()

	vec, _, err := e.cache.GetOrCompute(text, opts.Bypass, func() ([]float32, error) {
		e.encMu.Lock()
		defer e.encMu.Unlock()
		return enc.Encode(text)
	})
	if err != nil {
		return nil, errs.NewEmbedding(errs.EmbeddingEncoder, err)
	}
	return vec, nil
}

// EmbedBatch embeds texts, preserving input order. Cached texts are
// served without touching the encoder; the remaining misses are sent
// through a single EncodeBatch call so batch calls amortize encoder
// overhead instead of paying per-text inference cost.
func (e *Embedder) EmbedBatch(texts []string, opts EmbedOptions) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.WaitUntilReady(e.cfg.WarmupTimeout); err != nil {
		if e.cfg.AllowFallback || opts.AllowFallback {
			out := make([][]float32, len(texts))
			for i, t := range texts {
				out[i] = fallbackVector(t)
			}
			return out, nil
		}
		return nil, err
	}

	e.mu.Lock()
	e.resetIdleTimerLocked()
	enc := e.enc
	e.mu.Unlock()

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if !opts.Bypass {
			v, hit, err := e.cache.Get(t, false)
			if err != nil {
				return nil, err
			}
			if hit {
				results[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) > 0 {
		e.encMu.Lock()
		vecs, err := enc.EncodeBatch(missTexts)
		e.encMu.Unlock()
		if err != nil {
			return nil, errs.NewEmbedding(errs.EmbeddingEncoder, err)
		}
		for j, idx := range missIdx {
			results[idx] = vecs[j]
			if !opts.Bypass {
				if err := e.cache.Put(missTexts[j], vecs[j], false); err != nil {
					return nil, err
				}
			}
		}
	}
	return results, nil
}

// Close releases the encoder, if loaded, and stops the idle timer.
// Safe to call even if warm-up never completed.
func (e *Embedder) Close() error {
	e.mu.Lock()
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	enc := e.enc
	e.enc = nil
	e.state = stateCold
	e.broadcastLocked()
	e.mu.Unlock()

	if enc != nil {
		enc.Close()
	}
	return nil
}
