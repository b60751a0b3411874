package watcher

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const crashWatchKey = "afl_crashes"

// IsCrashArtifact reports whether a file name follows the AFL++ crash
// artifact convention: an "id:…" entry that is not the informational README.
func IsCrashArtifact(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "id:") && !strings.Contains(base, "README")
}

// ScanCrashDir enumerates crash artifacts currently present in dir, sorted.
// A missing directory yields an empty slice.
func ScanCrashDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if IsCrashArtifact(path) {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files
}

// CrashWatcher binds a Watcher to one crashes directory and boils its events
// down to "a new crash artifact exists". The artifact set only grows for the
// lifetime of the watcher; a fresh session gets a fresh CrashWatcher.
type CrashWatcher struct {
	logger  *zap.Logger
	dir     string
	watcher *Watcher

	// onNewCrashes receives the full current artifact set, not the delta,
	// whenever the set grows. May be nil.
	onNewCrashes func([]string)

	mu         sync.Mutex
	files      map[string]struct{}
	monitoring bool
}

func NewCrashWatcher(logger *zap.Logger, dir string, w *Watcher, onNewCrashes func([]string)) *CrashWatcher {
	return &CrashWatcher{
		logger:       logger.With(zap.String("crash_dir", dir)),
		dir:          dir,
		watcher:      w,
		onNewCrashes: onNewCrashes,
		files:        make(map[string]struct{}),
	}
}

// Start creates the crashes directory if needed, seeds the artifact set with
// an eager scan so artifacts written before monitoring began are counted,
// and begins watching. Returns false if the watch could not be established.
func (c *CrashWatcher) Start() bool {
	c.mu.Lock()
	if c.monitoring {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		c.logger.Error("failed to create crashes directory", zap.Error(err))
		return false
	}

	c.mu.Lock()
	for _, path := range ScanCrashDir(c.dir) {
		c.files[path] = struct{}{}
	}
	seeded := len(c.files)
	c.mu.Unlock()

	if !c.watcher.AddWatch(c.dir, c.handleEvent, crashWatchKey, false) {
		return false
	}
	if !c.watcher.Start() {
		c.watcher.RemoveWatch(crashWatchKey)
		return false
	}

	c.mu.Lock()
	c.monitoring = true
	c.mu.Unlock()

	c.logger.Info("crash monitoring started", zap.Int("existing_artifacts", seeded))
	return true
}

// Stop tears down the watch. Idempotent.
func (c *CrashWatcher) Stop() bool {
	c.mu.Lock()
	if !c.monitoring {
		c.mu.Unlock()
		return true
	}
	c.monitoring = false
	c.mu.Unlock()

	c.watcher.RemoveWatch(crashWatchKey)
	c.watcher.Stop()
	c.logger.Info("crash monitoring stopped")
	return true
}

func (c *CrashWatcher) handleEvent(event Event) {
	if event.Type != Created || event.IsDir {
		return
	}
	if !strings.HasPrefix(event.Path, c.dir) || !IsCrashArtifact(event.Path) {
		return
	}

	c.mu.Lock()
	before := len(c.files)
	c.files[event.Path] = struct{}{}
	grown := len(c.files) > before
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if !grown {
		return
	}
	c.logger.Info("new crash artifact detected",
		zap.String("file", event.Path),
		zap.Int("total", len(snapshot)))
	if c.onNewCrashes != nil {
		c.onNewCrashes(snapshot)
	}
}

// CrashFiles returns the de-duplicated artifact paths seen so far, sorted.
// Pure in-memory read, safe to call often.
func (c *CrashWatcher) CrashFiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// CrashCount returns the size of the artifact set.
func (c *CrashWatcher) CrashCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

func (c *CrashWatcher) snapshotLocked() []string {
	out := make([]string, 0, len(c.files))
	for path := range c.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
