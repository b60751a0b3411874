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

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("crash input"), 0644))
	return path
}

func TestIsCrashArtifact(t *testing.T) {
	assert.True(t, IsCrashArtifact("/out/crashes/id:000000,sig:11,src:000001"))
	assert.False(t, IsCrashArtifact("/out/crashes/README.txt"))
	assert.False(t, IsCrashArtifact("/out/crashes/id:README"))
	assert.False(t, IsCrashArtifact("/out/crashes/fuzz_bitmap"))
}

func TestScanCrashDir(t *testing.T) {
	dir := t.TempDir()
	a := writeArtifact(t, dir, "id:000001,sig:06")
	b := writeArtifact(t, dir, "id:000000,sig:11")
	writeArtifact(t, dir, "README.txt")

	files := ScanCrashDir(dir)

	assert.Equal(t, []string{b, a}, files)
}

func TestScanCrashDirMissing(t *testing.T) {
	assert.Empty(t, ScanCrashDir(filepath.Join(t.TempDir(), "nope")))
}

func TestCrashWatcherInitialScan(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "crashes")
	require.NoError(t, os.MkdirAll(dir, 0755))
	existing := writeArtifact(t, dir, "id:000000,sig:11")
	writeArtifact(t, dir, "README.txt")

	cw := NewCrashWatcher(zap.NewNop(), dir, NewPolling(zap.NewNop(), 20*time.Millisecond), nil)
	require.True(t, cw.Start())
	defer cw.Stop()

	assert.Equal(t, 1, cw.CrashCount())
	assert.Equal(t, []string{existing}, cw.CrashFiles())
}

func TestCrashWatcherCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not", "yet", "crashes")

	cw := NewCrashWatcher(zap.NewNop(), dir, NewPolling(zap.NewNop(), 20*time.Millisecond), nil)
	require.True(t, cw.Start())
	defer cw.Stop()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCrashWatcherCallbackOnGrowth(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "crashes")
	require.NoError(t, os.MkdirAll(dir, 0755))

	var mu sync.Mutex
	var calls [][]string
	onNew := func(files []string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, files)
	}

	cw := NewCrashWatcher(zap.NewNop(), dir, NewPolling(zap.NewNop(), 20*time.Millisecond), onNew)
	require.True(t, cw.Start())
	defer cw.Stop()

	first := writeArtifact(t, dir, "id:000000,sig:11")
	require.Eventually(t, func() bool {
		return cw.CrashCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	writeArtifact(t, dir, "README.txt") // must never count
	second := writeArtifact(t, dir, "id:000001,sig:06")
	require.Eventually(t, func() bool {
		return cw.CrashCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, calls)
	// callback carries the full latest set, not a delta
	last := calls[len(calls)-1]
	assert.ElementsMatch(t, []string{first, second}, last)
	for _, call := range calls {
		for _, f := range call {
			assert.NotContains(t, f, "README")
		}
	}
}

func TestCrashWatcherNoDoubleCount(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "crashes")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := writeArtifact(t, dir, "id:000000,sig:11")

	cw := NewCrashWatcher(zap.NewNop(), dir, NewPolling(zap.NewNop(), 20*time.Millisecond), nil)
	require.True(t, cw.Start())
	defer cw.Stop()

	// a synthetic duplicate event must not grow the set
	cw.handleEvent(Event{Type: Created, Path: path, Time: time.Now()})
	cw.handleEvent(Event{Type: Created, Path: path, Time: time.Now()})

	assert.Equal(t, 1, cw.CrashCount())
}
