package report

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"aflwatch/internal/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReporter(t *testing.T) *Reporter {
	t.Helper()
	return &Reporter{
		logger:     zap.NewNop(),
		crashStore: t.TempDir(),
		seen:       make(map[string]struct{}),
	}
}

func TestProcessCrashFileArchivesByDigest(t *testing.T) {
	r := newTestReporter(t)

	crashFile := filepath.Join(t.TempDir(), "id:000000,sig:11")
	payload := []byte("crashing input")
	require.NoError(t, os.WriteFile(crashFile, payload, 0644))

	require.NoError(t, r.processCrashFile(CrashEvent{
		SessionID: "s1",
		Target:    "libxml",
		CrashFile: crashFile,
		Stats:     stats.Stats{CrashesFound: 1},
	}))

	sum := md5.Sum(payload)
	archived := filepath.Join(r.crashStore, "libxml", hex.EncodeToString(sum[:]))
	data, err := os.ReadFile(archived)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestProcessCrashFileDeduplicates(t *testing.T) {
	r := newTestReporter(t)
	dir := t.TempDir()

	// two artifacts with identical content
	first := filepath.Join(dir, "id:000000,sig:11")
	second := filepath.Join(dir, "id:000001,sig:11")
	require.NoError(t, os.WriteFile(first, []byte("same"), 0644))
	require.NoError(t, os.WriteFile(second, []byte("same"), 0644))

	require.NoError(t, r.processCrashFile(CrashEvent{SessionID: "s1", Target: "t", CrashFile: first}))
	require.NoError(t, r.processCrashFile(CrashEvent{SessionID: "s1", Target: "t", CrashFile: second}))

	entries, err := os.ReadDir(filepath.Join(r.crashStore, "t"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "identical payloads collapse to one archived artifact")
}

func TestProcessCrashFileSeparateSessions(t *testing.T) {
	r := newTestReporter(t)
	dir := t.TempDir()

	crashFile := filepath.Join(dir, "id:000000,sig:06")
	require.NoError(t, os.WriteFile(crashFile, []byte("same"), 0644))

	require.NoError(t, r.processCrashFile(CrashEvent{SessionID: "s1", Target: "t", CrashFile: crashFile}))
	require.NoError(t, r.processCrashFile(CrashEvent{SessionID: "s2", Target: "t", CrashFile: crashFile}))

	// dedup is per session, both sessions report the artifact
	assert.Len(t, r.seen, 2)
}

func TestProcessCrashFileMissingArtifact(t *testing.T) {
	r := newTestReporter(t)
	err := r.processCrashFile(CrashEvent{
		SessionID: "s1",
		Target:    "t",
		CrashFile: filepath.Join(t.TempDir(), "gone"),
	})
	assert.Error(t, err)
}
