package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the latest valid pipeline config for a file and reloads it
// when the file changes. An invalid edit is reported and ignored.
type Watcher struct {
	path    string
	mu      sync.RWMutex
	current *PipelineConfig
	fsw     *fsnotify.Watcher

	onReload func(*PipelineConfig)
	onError  func(error)
}

// NewWatcher loads path and prepares to watch it. The initial load must succeed.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := Load(abs)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Watch the directory: editors often replace the file by rename.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, current: cfg, fsw: fsw}, nil
}

// OnReload registers a callback for each accepted reload.
func (w *Watcher) OnReload(fn func(*PipelineConfig)) { w.onReload = fn }

// OnError registers a callback for rejected reloads and watcher errors.
func (w *Watcher) OnError(fn func(error)) { w.onError = fn }

// Current returns the latest valid config.
func (w *Watcher) Current() *PipelineConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(fmt.Errorf("config watcher: %w", err))
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(fmt.Errorf("reload %s: %w", w.path, err))
		}
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
