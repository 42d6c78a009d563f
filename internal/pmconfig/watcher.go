package pmconfig

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEventKind enumerates the events published on a Watcher's channel.
type ReloadEventKind string

const (
	EventFileChanged   ReloadEventKind = "file_changed"
	EventReloadSuccess ReloadEventKind = "reload_success"
	EventReloadFailed  ReloadEventKind = "reload_failed"
)

// ReloadEvent is published on every watched filesystem event and reload
// attempt.
type ReloadEvent struct {
	Kind   ReloadEventKind
	Reason string
}

// Watcher debounces filesystem events on a config path and atomically
// swaps a shared config pointer on successful reload, grounded on the
// teacher's internal/tui/chat/explorer.go fsnotify+debounce idiom.
type Watcher struct {
	loader        *Loader
	current       atomic.Pointer[PipelineConfig]
	events        chan ReloadEvent
	debounce      time.Duration
	fsWatcher     *fsnotify.Watcher
	stop          chan struct{}
	logger        *slog.Logger
	debounceTimer *time.Timer
}

// NewWatcher creates a watcher with an already-loaded initial config.
func NewWatcher(loader *Loader, initial *PipelineConfig, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		loader:   loader,
		events:   make(chan ReloadEvent, 16),
		debounce: 2 * time.Second,
		stop:     make(chan struct{}),
		logger:   logger,
	}
	w.current.Store(initial)
	return w
}

// GetConfig returns the current config via a cheap atomic pointer load.
func (w *Watcher) GetConfig() *PipelineConfig {
	return w.current.Load()
}

// Events returns the channel of reload lifecycle events.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching path for changes. A missing path is tolerated: the
// watcher simply never fires (the loader already treats a missing config
// file as empty at Load time).
func (w *Watcher) Start(path string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsWatcher = fw
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return err
	}
	go w.loop()
	return nil
}

// Stop halts the watcher goroutine and releases the underlying fsnotify
// watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	if w.fsWatcher != nil {
		_ = w.fsWatcher.Close()
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) != 0 {
				w.scheduleReload()
			}
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.publish(ReloadEvent{Kind: EventFileChanged})
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error("pipeline config reload failed", "error", err)
		w.publish(ReloadEvent{Kind: EventReloadFailed, Reason: err.Error()})
		return
	}
	w.current.Store(cfg)
	w.publish(ReloadEvent{Kind: EventReloadSuccess})
}

func (w *Watcher) publish(evt ReloadEvent) {
	select {
	case w.events <- evt:
	default:
		// Buffer full: drop rather than block the watch loop, matching the
		// event bus's ring-buffer-for-non-critical-subscribers philosophy.
	}
}
