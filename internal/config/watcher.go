package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// ChangeEvent carries a freshly parsed and validated configuration.
type ChangeEvent struct {
	Path      string
	Config    *Config
	Timestamp time.Time
}

// Subscriber receives notifications when the configuration file changes.
// Implementations must be safe for concurrent use.
type Subscriber interface {
	OnConfigChanged(event ChangeEvent)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ChangeEvent)

// OnConfigChanged calls f.
func (f SubscriberFunc) OnConfigChanged(event ChangeEvent) { f(event) }

// Watcher reloads the configuration file when it changes on disk and
// notifies subscribers. Edits that fail to parse or validate are logged and
// ignored, so the running configuration stays in effect.
//
// The parent directory is watched rather than the file itself, so editors
// that save by renaming a temporary file are handled.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	path        string
	subscribers []Subscriber

	debounceDelay time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	logger *slog.Logger

	started   bool
	closeOnce sync.Once
	closeErr  error

	// done signals the event loop to stop.
	done chan struct{}
	// stopped is closed when the event loop has exited.
	stopped chan struct{}
}

// NewWatcher creates a watcher for the configuration file at path.
// Call Start() to begin watching and Close() when done.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	return &Watcher{
		watcher:       fw,
		path:          absPath,
		debounceDelay: DebounceDelay,
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start().
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Subscribe registers a subscriber.
func (w *Watcher) Subscribe(sub Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, sub)
}

// Start begins the event processing loop. Calls after the first are no-ops.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.eventLoop()
}

// Close stops the watcher and releases resources. It is safe to call more
// than once and without a prior Start.
// After Close returns, no more events will be delivered to subscribers.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		started := w.started
		// Start after Close must not launch the loop.
		w.started = true
		w.mu.Unlock()

		close(w.done)
		w.closeErr = w.watcher.Close()
		if started {
			<-w.stopped
		}

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
			w.debounceTimer = nil
		}
		w.debounceMu.Unlock()
	})
	return w.closeErr
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config_watcher_error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

// reload parses the file and notifies subscribers when it is valid.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config_reload_rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config_reloaded", "path", w.path)

	event := ChangeEvent{Path: w.path, Config: cfg, Timestamp: time.Now()}

	w.mu.RLock()
	subs := make([]Subscriber, len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.RUnlock()

	for _, sub := range subs {
		sub.OnConfigChanged(event)
	}
}
