package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// eventSink collects delivered events for assertions across goroutines.
type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) count(typ EventType, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ && ev.Path == path {
			n++
		}
	}
	return n
}

func TestAddWatchMissingPath(t *testing.T) {
	w := NewPolling(zap.NewNop(), 30*time.Millisecond)

	ok := w.AddWatch(filepath.Join(t.TempDir(), "missing"), func(Event) {}, "k", false)

	assert.False(t, ok)
}

func TestStartTwice(t *testing.T) {
	w := NewPolling(zap.NewNop(), 30*time.Millisecond)
	defer w.Stop()

	assert.True(t, w.Start())
	assert.False(t, w.Start())
}

func TestRemoveWatchIdempotent(t *testing.T) {
	w := NewPolling(zap.NewNop(), 30*time.Millisecond)

	assert.True(t, w.RemoveWatch("never-added"))
	assert.True(t, w.RemoveWatch("never-added"))
}

func TestPollingDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	sink := &eventSink{}

	w := NewPolling(zap.NewNop(), 20*time.Millisecond)
	require.True(t, w.AddWatch(dir, sink.handle, "k", false))
	require.True(t, w.Start())
	defer w.Stop()

	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))
	require.Eventually(t, func() bool {
		return sink.count(Created, path) >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected a Created event")

	// force an mtime change rather than relying on filesystem granularity
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now().Add(2*time.Second)))
	require.Eventually(t, func() bool {
		return sink.count(Modified, path) >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected a Modified event")

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return sink.count(Deleted, path) >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected a Deleted event")
}

func TestPollingIgnoresPreexistingFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))

	sink := &eventSink{}
	w := NewPolling(zap.NewNop(), 20*time.Millisecond)
	require.True(t, w.AddWatch(dir, sink.handle, "k", false))
	require.True(t, w.Start())
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sink.count(Created, existing))
}

func TestHandlerPanicDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	sink := &eventSink{}

	w := NewPolling(zap.NewNop(), 20*time.Millisecond)
	require.True(t, w.AddWatch(dir, func(Event) { panic("bad handler") }, "k", false))
	require.True(t, w.AddWatch(dir, sink.handle, "k", false))
	require.True(t, w.Start())
	defer w.Stop()

	path := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.Eventually(t, func() bool {
		return sink.count(Created, path) >= 1
	}, 2*time.Second, 10*time.Millisecond, "second handler must still receive events")
}

func TestNativeDetectsCreate(t *testing.T) {
	w := New(zap.NewNop())
	if w.Polling() {
		t.Skip("native notification backend unavailable")
	}
	defer w.Stop()

	dir := t.TempDir()
	sink := &eventSink{}
	require.True(t, w.AddWatch(dir, sink.handle, "k", false))
	require.True(t, w.Start())

	path := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.Eventually(t, func() bool {
		return sink.count(Created, path) >= 1
	}, 2*time.Second, 5*time.Millisecond, "expected a sub-second Created event")
}

func TestStopJoinsMonitorGoroutine(t *testing.T) {
	w := NewPolling(zap.NewNop(), 20*time.Millisecond)
	require.True(t, w.Start())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("Stop did not return within the join timeout")
	}

	// stopped watchers do not restart
	assert.False(t, w.Start())
}
