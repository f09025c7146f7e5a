package config_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/listenbuddy/internal/config"
)

const watchedYAML = `
server:
  log_level: info
insight:
  min_engagement: 5
  deny_urls: ["*://spam.example/*"]
`

const watchedEditedYAML = `
server:
  log_level: debug
insight:
  min_engagement: 20
  deny_urls: ["*://spam.example/*", "*://ads.example/*"]
`

// idle keeps the background poll out of the way so tests drive Check.
const idle = time.Hour

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func newWatched(t *testing.T, content string, onChange func(old, next *config.Config), opts ...config.WatcherOption) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "listenbuddy.yaml")
	writeConfig(t, path, content)
	w, err := config.NewWatcher(path, onChange, append([]config.WatcherOption{config.WithInterval(idle)}, opts...)...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_AppliesValidEdit(t *testing.T) {
	t.Parallel()
	var old, next *config.Config
	w, path := newWatched(t, watchedYAML, func(o, n *config.Config) { old, next = o, n })

	if w.Current().Server.LogLevel != config.LogInfo {
		t.Fatalf("initial log level = %q, want info", w.Current().Server.LogLevel)
	}
	if w.Check() {
		t.Fatal("Check reported a change for an untouched file")
	}

	writeConfig(t, path, watchedEditedYAML)
	if !w.Check() {
		t.Fatal("Check missed the edit")
	}
	if old == nil || next == nil {
		t.Fatal("onChange not called")
	}
	if old.Server.LogLevel != config.LogInfo || next.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q, want info -> debug", old.Server.LogLevel, next.Server.LogLevel)
	}
	if w.Current() != next {
		t.Error("Current is not the applied config")
	}

	d := config.Diff(old, next)
	if !d.InsightFilterChanged || d.MinEngagement != 20 || len(d.DenyURLs) != 2 {
		t.Errorf("diff = %+v, want the new insight filter", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestWatcher_RejectsInvalidEdit(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	w, path := newWatched(t, watchedYAML, func(_, _ *config.Config) { calls.Add(1) })

	writeConfig(t, path, "server:\n  log_level: bananas\n")
	if w.Check() {
		t.Error("Check applied an invalid config")
	}
	if calls.Load() != 0 {
		t.Errorf("onChange called %d times, want 0", calls.Load())
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current log level = %q, want the previous info", w.Current().Server.LogLevel)
	}

	// Fixing the file applies it.
	writeConfig(t, path, watchedEditedYAML)
	if !w.Check() || calls.Load() != 1 {
		t.Errorf("fixed file not applied (calls %d)", calls.Load())
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	w, path := newWatched(t, watchedYAML, func(_, _ *config.Config) { calls.Add(1) })

	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if w.Check() || calls.Load() != 0 {
		t.Errorf("touch-only change applied (calls %d)", calls.Load())
	}
}

func TestWatcher_OverlaySurvivesReload(t *testing.T) {
	t.Parallel()
	overlay := func(c *config.Config) { c.Server.ListenAddr = ":9999" }
	w, path := newWatched(t, watchedYAML, nil, config.WithOverlay(overlay))

	if got := w.Current().Server.ListenAddr; got != ":9999" {
		t.Fatalf("initial ListenAddr = %q, want the overlay", got)
	}
	writeConfig(t, path, watchedEditedYAML+"  max_keywords: 3\n")
	if !w.Check() {
		t.Fatal("edit not applied")
	}
	if got := w.Current().Server.ListenAddr; got != ":9999" {
		t.Errorf("ListenAddr after reload = %q, want the overlay", got)
	}
}

func TestWatcher_OverlayIsValidated(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "listenbuddy.yaml")
	writeConfig(t, path, watchedYAML)
	_, err := config.NewWatcher(path, nil, config.WithOverlay(func(c *config.Config) { c.Server.LogLevel = "loud" }))
	if err == nil {
		t.Fatal("NewWatcher accepted an overlay that breaks validation")
	}
}

func TestWatcher_PollsInBackground(t *testing.T) {
	t.Parallel()
	applied := make(chan struct{}, 1)
	path := filepath.Join(t.TempDir(), "listenbuddy.yaml")
	writeConfig(t, path, watchedYAML)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		select {
		case applied <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeConfig(t, path, watchedEditedYAML)
	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("background poll did not apply the edit")
	}
}

func TestWatcher_Lifecycle(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/listenbuddy.yaml", nil); err == nil {
		t.Error("NewWatcher on a missing file succeeded")
	}

	path := filepath.Join(t.TempDir(), "listenbuddy.yaml")
	writeConfig(t, path, watchedYAML)
	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}
