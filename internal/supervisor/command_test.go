package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgsDefaults(t *testing.T) {
	opts := Options{
		TargetBinary: "/bin/target",
		TargetArgs:   []string{"@@"},
		InputDir:     "/corpus/in",
		OutputDir:    "/corpus/out",
		MemoryLimit:  NoMemoryLimit,
	}

	args := opts.buildArgs(0, nil)
	assert.Equal(t, []string{
		"-i", "/corpus/in",
		"-o", "/corpus/out",
		"-t", "1000",
		"--", "/bin/target", "@@",
	}, args)
}

func TestBuildArgsMemoryLimit(t *testing.T) {
	opts := Options{
		TargetBinary: "/bin/target",
		InputDir:     "in",
		OutputDir:    "out",
		MemoryLimit:  "256",
	}

	args := opts.buildArgs(500, nil)
	assert.Contains(t, args, "-m")
	assert.Equal(t, "256", args[indexOf(t, args, "-m")+1])
	assert.Equal(t, "500", args[indexOf(t, args, "-t")+1])
}

func TestBuildArgsDictionaryOnlyWhenPresent(t *testing.T) {
	dict := filepath.Join(t.TempDir(), "tokens.dict")
	require.NoError(t, os.WriteFile(dict, []byte("kw=\"magic\"\n"), 0644))

	opts := Options{
		TargetBinary: "/bin/target",
		InputDir:     "in",
		OutputDir:    "out",
		Dictionary:   dict,
	}
	assert.Contains(t, opts.buildArgs(0, nil), "-x")

	opts.Dictionary = filepath.Join(t.TempDir(), "missing.dict")
	assert.NotContains(t, opts.buildArgs(0, nil), "-x")
}

func TestBuildArgsQemuAndExtra(t *testing.T) {
	opts := Options{
		TargetBinary: "/bin/target",
		InputDir:     "in",
		OutputDir:    "out",
		QemuMode:     true,
	}

	args := opts.buildArgs(0, []string{"-d"})
	assert.Contains(t, args, "-Q")

	// extras sit before the target separator
	sep := indexOf(t, args, "--")
	assert.Less(t, indexOf(t, args, "-d"), sep)
	assert.Equal(t, "/bin/target", args[sep+1])
}

func TestBaseEnvDisablesUI(t *testing.T) {
	env := baseEnv()
	assert.Contains(t, env, "AFL_NO_UI=1")
	assert.Contains(t, env, "AFL_SKIP_CPUFREQ=1")
}

func TestInstancePaths(t *testing.T) {
	opts := Options{OutputDir: "/work/out"}
	assert.Equal(t, filepath.Join("/work/out", "default", "fuzzer_stats"), opts.statsFilePath())
	assert.Equal(t, filepath.Join("/work/out", "default", "crashes"), opts.crashesDirPath())
}

func indexOf(t *testing.T, args []string, want string) int {
	t.Helper()
	for i, a := range args {
		if a == want {
			return i
		}
	}
	t.Fatalf("flag %q not found in %v", want, args)
	return -1
}
