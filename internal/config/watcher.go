package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and hands the new snapshot to
// subscribers. Only tunables read per-turn (budgets, thresholds, limits) take
// effect on running sessions; structural settings (provider, store) apply to
// new sessions.
type Watcher struct {
	path string

	mu      sync.RWMutex
	current *Config
	subs    []func(*Config)

	watcher *fsnotify.Watcher
}

// NewWatcher loads the file once and begins watching it. Close the returned
// watcher to stop.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{path: path, current: cfg, watcher: fsw}
	go w.run()
	return w, nil
}

// Current returns the latest valid config snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers fn to be called with each new valid config.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run() {
	// Editors replace files with rename+create; debounce bursts.
	var timer *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, w.reload)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// Invalid intermediate state; keep the last good snapshot.
		return
	}
	w.mu.Lock()
	w.current = cfg
	subs := append([]func(*Config){}, w.subs...)
	w.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}

// WaitForReload blocks until a reload occurs or the context is done. Test
// helper for components that subscribe.
func (w *Watcher) WaitForReload(ctx context.Context) *Config {
	ch := make(chan *Config, 1)
	w.Subscribe(func(cfg *Config) {
		select {
		case ch <- cfg:
		default:
		}
	})
	select {
	case cfg := <-ch:
		return cfg
	case <-ctx.Done():
		return nil
	}
}
