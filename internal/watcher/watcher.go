package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type EventType int

const (
	Created EventType = iota
	Modified
	Deleted
	Moved
)

func (t EventType) String() string {
	switch t {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Moved:
		return "moved"
	}
	return "unknown"
}

// Event describes one observed change under a watched directory.
type Event struct {
	Type  EventType
	Path  string
	Time  time.Time
	Size  int64
	IsDir bool
}

// Handler receives events for a watch key. Handlers run on the monitoring
// goroutine; panics are recovered and logged so one bad handler cannot take
// down delivery to the others.
type Handler func(Event)

const defaultPollInterval = 5 * time.Second

// Watcher monitors directories for changes behind one contract regardless of
// backend. The native backend rides fsnotify; the polling backend rescans
// watched directories on a fixed interval and diffs modification times.
// Backend selection happens once, at construction.
type Watcher struct {
	logger       *zap.Logger
	usePolling   bool
	pollInterval time.Duration
	joinTimeout  time.Duration

	mu       sync.Mutex
	handlers map[string][]Handler
	running  bool
	stopped  bool
	stopCh   chan struct{}
	done     chan struct{}

	// native backend state
	fs      *fsnotify.Watcher
	dirKeys map[string]string // watched directory -> watch key

	// polling backend state
	pollDirs map[string]map[string]struct{} // key -> watched directories
	lastSeen map[string]map[string]time.Time
}

// New returns a watcher on the native change-notification backend, falling
// back to polling when fsnotify cannot be initialized on this system.
func New(logger *zap.Logger) *Watcher {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
		return NewPolling(logger, defaultPollInterval)
	}
	w := newWatcher(logger)
	w.fs = fs
	return w
}

// NewPolling returns a watcher that rescans on the given interval. Detection
// latency is bounded by the interval.
func NewPolling(logger *zap.Logger, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	w := newWatcher(logger)
	w.usePolling = true
	w.pollInterval = interval
	return w
}

func newWatcher(logger *zap.Logger) *Watcher {
	return &Watcher{
		logger:      logger,
		joinTimeout: 5 * time.Second,
		handlers:    make(map[string][]Handler),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		dirKeys:     make(map[string]string),
		pollDirs:    make(map[string]map[string]struct{}),
		lastSeen:    make(map[string]map[string]time.Time),
	}
}

// Polling reports whether the polling backend is in use.
func (w *Watcher) Polling() bool {
	return w.usePolling
}

// AddWatch registers a directory under key. With recursive set, every
// subdirectory existing right now is registered too; directories created
// later are not picked up automatically. Returns false when the path does
// not exist or the backend rejects it, without side effects.
func (w *Watcher) AddWatch(path string, handler Handler, key string, recursive bool) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		w.logger.Error("failed to resolve watch path", zap.String("path", path), zap.Error(err))
		return false
	}
	info, err := os.Stat(abs)
	if err != nil {
		w.logger.Warn("watch path does not exist", zap.String("path", abs), zap.Error(err))
		return false
	}
	if !info.IsDir() {
		// watching a file means watching its parent directory
		abs = filepath.Dir(abs)
	}
	if key == "" {
		key = abs
	}

	dirs := []string{abs}
	if recursive {
		filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
			if err == nil && d.IsDir() && p != abs {
				dirs = append(dirs, p)
			}
			return nil
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.usePolling {
		for _, dir := range dirs {
			if err := w.fs.Add(dir); err != nil {
				w.logger.Error("failed to add directory to fsnotify", zap.String("dir", dir), zap.Error(err))
				return false
			}
			w.dirKeys[dir] = key
		}
	} else {
		if _, ok := w.pollDirs[key]; !ok {
			w.pollDirs[key] = make(map[string]struct{})
			w.lastSeen[key] = make(map[string]time.Time)
		}
		for _, dir := range dirs {
			w.pollDirs[key][dir] = struct{}{}
		}
		// seed the snapshot so pre-existing entries do not report as Created
		w.lastSeen[key] = w.snapshotLocked(key)
	}

	w.handlers[key] = append(w.handlers[key], handler)
	w.logger.Debug("watch added",
		zap.String("path", abs),
		zap.String("key", key),
		zap.Bool("polling", w.usePolling))
	return true
}

// RemoveWatch drops everything registered under key. Removing an unknown key
// is a no-op returning true.
func (w *Watcher) RemoveWatch(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.handlers, key)

	if !w.usePolling {
		for dir, k := range w.dirKeys {
			if k == key {
				if err := w.fs.Remove(dir); err != nil {
					w.logger.Debug("fsnotify remove failed", zap.String("dir", dir), zap.Error(err))
				}
				delete(w.dirKeys, dir)
			}
		}
	} else {
		delete(w.pollDirs, key)
		delete(w.lastSeen, key)
	}

	w.logger.Debug("watch removed", zap.String("key", key))
	return true
}

// Start launches the monitoring goroutine. A second Start while running, or
// a Start after Stop, returns false.
func (w *Watcher) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running || w.stopped {
		w.logger.Warn("watcher already started")
		return false
	}
	w.running = true

	if w.usePolling {
		go w.pollLoop()
	} else {
		go w.notifyLoop()
	}
	return true
}

// Stop signals the monitoring goroutine, waits for it to exit bounded by the
// join timeout, and releases backend resources. Safe to call repeatedly.
func (w *Watcher) Stop() bool {
	w.mu.Lock()
	if !w.running {
		alreadyStopped := w.stopped
		if !w.stopped {
			w.stopped = true
			if w.fs != nil {
				w.fs.Close()
			}
		}
		w.mu.Unlock()
		return alreadyStopped
	}
	w.running = false
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.done:
	case <-time.After(w.joinTimeout):
		w.logger.Warn("timed out waiting for watcher goroutine to exit")
	}

	if w.fs != nil {
		w.fs.Close()
	}
	return true
}

func (w *Watcher) notifyLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleNotify(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleNotify(ev fsnotify.Event) {
	var typ EventType
	switch {
	case ev.Op.Has(fsnotify.Create):
		typ = Created
	case ev.Op.Has(fsnotify.Write):
		typ = Modified
	case ev.Op.Has(fsnotify.Remove):
		typ = Deleted
	case ev.Op.Has(fsnotify.Rename):
		typ = Moved
	default:
		return
	}

	w.mu.Lock()
	// the event names a watched directory itself, or an entry inside one
	key, ok := w.dirKeys[ev.Name]
	if !ok {
		key, ok = w.dirKeys[filepath.Dir(ev.Name)]
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	out := Event{Type: typ, Path: ev.Name, Time: time.Now()}
	if info, err := os.Stat(ev.Name); err == nil {
		out.Size = info.Size()
		out.IsDir = info.IsDir()
	}
	w.emit(key, out)
}

func (w *Watcher) pollLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

func (w *Watcher) pollOnce() {
	w.mu.Lock()
	keys := make([]string, 0, len(w.pollDirs))
	for key := range w.pollDirs {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.diffKey(key)
	}
}

// diffKey re-enumerates the directories of one watch key and emits the
// symmetric difference against the previous snapshot.
func (w *Watcher) diffKey(key string) {
	w.mu.Lock()
	if _, ok := w.pollDirs[key]; !ok {
		w.mu.Unlock()
		return
	}
	old := w.lastSeen[key]
	current := w.snapshotLocked(key)
	w.lastSeen[key] = current
	w.mu.Unlock()

	now := time.Now()
	for path, mtime := range current {
		prev, existed := old[path]
		if !existed {
			ev := Event{Type: Created, Path: path, Time: now}
			if info, err := os.Stat(path); err == nil {
				ev.Size = info.Size()
			}
			w.emit(key, ev)
		} else if !prev.Equal(mtime) {
			ev := Event{Type: Modified, Path: path, Time: now}
			if info, err := os.Stat(path); err == nil {
				ev.Size = info.Size()
			}
			w.emit(key, ev)
		}
	}
	for path := range old {
		if _, still := current[path]; !still {
			w.emit(key, Event{Type: Deleted, Path: path, Time: now})
		}
	}
}

// snapshotLocked collects name->mtime for regular files in the key's
// directories. Caller holds w.mu.
func (w *Watcher) snapshotLocked(key string) map[string]time.Time {
	state := make(map[string]time.Time)
	for dir := range w.pollDirs[key] {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			state[filepath.Join(dir, entry.Name())] = info.ModTime()
		}
	}
	return state
}

func (w *Watcher) emit(key string, event Event) {
	w.mu.Lock()
	handlers := make([]Handler, len(w.handlers[key]))
	copy(handlers, w.handlers[key])
	w.mu.Unlock()

	for _, handler := range handlers {
		w.safeCall(handler, event)
	}
}

func (w *Watcher) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watch handler panicked",
				zap.String("path", event.Path),
				zap.Any("panic", r))
		}
	}()
	handler(event)
}
