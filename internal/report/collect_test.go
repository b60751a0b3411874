package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("crash"), 0644))
	return path
}

func TestCollectCrashesSingleInstance(t *testing.T) {
	out := t.TempDir()
	a := writeArtifact(t, filepath.Join(out, "default", "crashes"), "id:000000,sig:11")
	writeArtifact(t, filepath.Join(out, "default", "crashes"), "README.txt")

	found := CollectCrashes(out)
	assert.Equal(t, []string{a}, found)
}

func TestCollectCrashesParallelInstances(t *testing.T) {
	out := t.TempDir()
	a := writeArtifact(t, filepath.Join(out, "main", "crashes"), "id:000000,sig:06")
	b := writeArtifact(t, filepath.Join(out, "secondary1", "crashes"), "id:000001,sig:11")

	found := CollectCrashes(out)
	assert.ElementsMatch(t, []string{a, b}, found)
	assert.Len(t, found, 2)
}

func TestCollectCrashesBareInstanceDir(t *testing.T) {
	// outputDir pointing straight at an instance dir still works
	out := t.TempDir()
	a := writeArtifact(t, filepath.Join(out, "crashes"), "id:000000,sig:11")

	found := CollectCrashes(out)
	assert.Equal(t, []string{a}, found)
}

func TestCollectCrashesMissingDir(t *testing.T) {
	found := CollectCrashes(filepath.Join(t.TempDir(), "nope"))
	assert.Empty(t, found)
}
