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

// Watcher polls a config file and hands every valid, materially different
// revision to a callback. Polling rather than inotify copes with editors
// and config-management tools that replace the file by rename.
//
// A revision that fails to load is logged once and ignored; the previous
// config stays current. Edits that change nothing [Diff] can see, such as
// comments, update [Watcher.Current] without invoking the callback.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	seen     fingerprint // last revision read, valid or not
	accepted fingerprint // last revision that loaded

	stop     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// fingerprint identifies one revision of the file on disk.
type fingerprint struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

// sameStat reports whether info matches the stat part of f, in which case
// the file is not re-read.
func (f fingerprint) sameStat(info os.FileInfo) bool {
	return f.size == info.Size() && f.mod.Equal(info.ModTime())
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path, which must be valid, and starts polling it.
// onChange may be nil. It runs on the polling goroutine and must not call
// [Watcher.Stop].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen, w.accepted = cfg, fp, fp

	go w.loop()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback to return. No
// callback runs after Stop returns. Stop is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.exited
}

func (w *Watcher) loop() {
	defer close(w.exited)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		// A rename-replace can briefly leave no file behind.
		slog.Debug("config watcher: stat failed", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := w.seen.sameStat(info)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, fp, err := w.read()

	w.mu.Lock()
	if fp.sum == w.seen.sum && !fp.mod.IsZero() {
		// Touched, or the same rejected revision again.
		w.seen = fp
		w.mu.Unlock()
		return
	}
	w.seen = fp
	if err != nil {
		w.mu.Unlock()
		slog.Warn("config watcher: ignoring invalid revision; keeping the running config", "path", w.path, "err", err)
		return
	}
	if fp.sum == w.accepted.sum {
		// Reverted to the running revision after a rejected edit.
		w.accepted = fp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.accepted = cfg, fp
	w.mu.Unlock()

	diff := Diff(old, cfg)
	if diff.Empty() {
		slog.Debug("config watcher: revision has no effective changes", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded", "path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"crisis_changed", diff.CrisisChanged,
		"restart_required", diff.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads the file and fingerprints it. The fingerprint is filled in
// even when the content does not validate, so that the same bad revision
// is not reported twice.
func (w *Watcher) read() (*Config, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	fp := fingerprint{mod: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	return cfg, fp, err
}
