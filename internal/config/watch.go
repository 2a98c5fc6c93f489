package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher holds the live configuration and reloads the runtime-safe
// subset of it whenever the backing file changes. Settings that
// affect on-disk layout or model loading are fixed at construction;
// a change to them in the file is logged and ignored.
type Watcher struct {
	path string
	log  zerolog.Logger

	mu  sync.RWMutex
	cfg Config

	fsw    *fsnotify.Watcher
	closed chan struct{}
}

// Watch starts watching path for changes, applying hot-reloadable
// settings on top of initial as they arrive. Grounded on the
// teacher's fsnotify usage in internal/watcher, repurposed here from
// watching indexed source directories to watching a single config file.
func Watch(path string, initial Config, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, log: log, cfg: initial, fsw: fsw, closed: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Current returns a snapshot of the live configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops watching and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Str("component", "config").Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.log.Warn().Str("component", "config").Err(err).Msg("failed to reload config, keeping previous settings")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if next.Storage.DBPath != "" && next.Storage.DBPath != w.cfg.Storage.DBPath {
		w.log.Warn().Str("component", "config").Msg("storage.db_path changed on disk but is fixed at construction; ignoring")
	}
	if next.Embedding.ModelPath != "" && next.Embedding.ModelPath != w.cfg.Embedding.ModelPath {
		w.log.Warn().Str("component", "config").Msg("embedding.model_path changed on disk but is fixed at construction; ignoring")
	}

	w.cfg.Cache.Bypass = next.Cache.Bypass
	w.cfg.Query.DefaultTimeoutMS = next.Query.DefaultTimeoutMS
	w.cfg.Query.FilterExpansion = next.Query.FilterExpansion
	w.cfg.Embedding.IdleTimeoutMS = next.Embedding.IdleTimeoutMS

	w.log.Info().Str("component", "config").Msg("applied hot-reloadable config changes")
}
