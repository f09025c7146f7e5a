package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls when no interval is given.
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps a config file's latest valid content current. It polls the
// file and, when the bytes change and the new document validates, calls the
// change callback with the previous and the new config. Broken edits are
// logged and ignored until the file is fixed.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, next *Config)
	overlay  func(*Config)

	mu      sync.Mutex
	current *Config
	seen    fileState

	// checkMu serialises Check so a SIGHUP and a tick never race.
	checkMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// fileState identifies one version of the file. mtime and size skip the
// read on idle ticks; sum decides whether the content really changed.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep the default.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOverlay applies fn to every loaded config before validation, e.g. to
// keep command-line overrides in force across reloads.
func WithOverlay(fn func(*Config)) WatcherOption {
	return func(w *Watcher) { w.overlay = fn }
}

// NewWatcher loads path once and starts polling it. The initial load must
// succeed; onChange is not called for it.
func NewWatcher(path string, onChange func(old, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen = cfg, st

	w.wg.Go(w.loop)
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-progress check to return. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.Check()
		}
	}
}

// Check polls the file now and reports whether a new config was applied.
func (w *Watcher) Check() bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mtime) && info.Size() == seen.size {
		return false
	}

	cfg, st, err := w.read()
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true
}

// read loads, overlays and validates the file.
func (w *Watcher) read() (*Config, fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	if w.overlay != nil {
		w.overlay(cfg)
		if err := Validate(cfg); err != nil {
			return nil, fileState{}, err
		}
	}
	return cfg, fileState{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
