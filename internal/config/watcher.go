package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/pendant/internal/clock"
)

const defaultWatchInterval = 5 * time.Second

// Watcher polls the config file of a running process. Every valid edit is
// split in two: the hot-reloadable settings (log level, transcription
// language, auto transcription) are applied on top of the effective config
// and reported, while any other section that now differs from the startup
// config is tracked as pending a restart. Invalid edits are logged and
// ignored.
type Watcher struct {
	path     string
	interval time.Duration
	clock    clock.Clock
	onReload func(ConfigDiff)

	mu        sync.Mutex
	baseline  *Config
	effective *Config
	pending   []string
	hash      [sha256.Size]byte
	timer     clock.Timer
	stopped   bool
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

// WithClock sets the clock that schedules polls. Defaults to [clock.Real].
func WithClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) {
		if c != nil {
			w.clock = c
		}
	}
}

// NewWatcher starts watching path. baseline is the config the process is
// running with; when nil it is loaded from path. onReload receives the
// hot-reloadable changes and the sections pending a restart whenever either
// changes. It may be nil.
func NewWatcher(path string, baseline *Config, onReload func(ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		clock:    clock.Real{},
		onReload: onReload,
	}
	for _, opt := range opts {
		opt(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	if baseline == nil {
		if baseline, err = parse(data); err != nil {
			return nil, fmt.Errorf("config: watch %q: %w", path, err)
		}
		// The file is the baseline; only later edits are news.
		w.hash = sha256.Sum256(data)
	}
	w.baseline, w.effective = baseline, baseline

	w.mu.Lock()
	w.armLocked()
	w.mu.Unlock()
	return w, nil
}

// Effective returns the startup config with the latest hot-reloadable
// settings applied.
func (w *Watcher) Effective() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.effective
}

// PendingRestart names the sections whose edits only take effect after a
// restart.
func (w *Watcher) PendingRestart() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.pending)
}

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) armLocked() {
	if w.stopped {
		return
	}
	w.timer = w.clock.AfterFunc(w.interval, func() {
		w.check()
		w.mu.Lock()
		w.armLocked()
		w.mu.Unlock()
	})
}

func (w *Watcher) check() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if sum == w.hash {
		w.mu.Unlock()
		return
	}
	w.hash = sum
	w.mu.Unlock()

	next, err := parse(data)
	if err != nil {
		slog.Warn("config watcher: ignoring invalid config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	d := Diff(w.effective, next)
	d.RestartRequired = Diff(w.baseline, next).RestartRequired
	pendingChanged := !slices.Equal(d.RestartRequired, w.pending)
	w.effective = WithHotSettings(w.effective, next)
	w.pending = d.RestartRequired
	w.mu.Unlock()

	if !d.HotChanged() && !pendingChanged {
		return
	}
	slog.Info("config watcher: configuration changed", "path", w.path, "restart_required", d.RestartRequired)
	if w.onReload != nil {
		w.onReload(d)
	}
}
