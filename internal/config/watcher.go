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

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// revision is one observed state of the config file.
type revision struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

func readRevision(path string) (revision, error) {
	info, err := os.Stat(path)
	if err != nil {
		return revision{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return revision{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return revision{}, err
	}
	return revision{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}

// Watcher polls a config file and hands every effective change to a callback.
//
// A revision is read only when the file's mtime moves. Revisions with the
// same bytes, or whose parsed config equals the current one (edited comments,
// reordered keys), are not reported. A revision that fails to load or
// validate is reported once through the error callback and the previous
// config stays current until a valid revision appears.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(err error)

	mu      sync.Mutex
	current revision
	seen    time.Time // mtime of the last revision read, valid or not
	broken  bool

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOnError sets a callback for revisions that fail to load. By default
// they are only logged.
func WithOnError(fn func(err error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads the config at path and polls it in a background goroutine
// until [Watcher.Stop]. onChange runs on that goroutine and may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	rev, err := readRevision(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = rev
	w.seen = rev.mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.cfg
}

// Stop stops polling and waits for the polling goroutine to exit. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.fail(err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen)
	w.mu.Unlock()
	if unchanged {
		return
	}

	rev, err := readRevision(w.path)
	w.mu.Lock()
	w.seen = info.ModTime()
	if err != nil {
		w.mu.Unlock()
		w.fail(err)
		return
	}
	recovered := w.broken
	w.broken = false
	if rev.hash == w.current.hash {
		w.mu.Unlock()
		if recovered {
			slog.Info("config watcher: configuration file valid again", "path", w.path)
		}
		return
	}
	old := w.current.cfg
	w.current = rev
	w.mu.Unlock()

	if Diff(old, rev.cfg).Empty() {
		slog.Debug("config watcher: file changed without effective changes", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, rev.cfg)
	}
}

// fail reports err once per broken streak of revisions.
func (w *Watcher) fail(err error) {
	w.mu.Lock()
	first := !w.broken
	w.broken = true
	w.mu.Unlock()
	if !first {
		slog.Debug("config watcher: file still invalid", "path", w.path, "err", err)
		return
	}
	slog.Warn("config watcher: keeping previous configuration", "path", w.path, "err", err)
	if w.onError != nil {
		w.onError(err)
	}
}
