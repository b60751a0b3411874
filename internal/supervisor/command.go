package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
)

// NoMemoryLimit is the sentinel that omits the -m flag entirely.
const NoMemoryLimit = "none"

// Options describes one fuzzing session: the target under test, the corpus
// directories, and the afl-fuzz invocation knobs.
type Options struct {
	TargetBinary string   // positional target after "--"
	TargetArgs   []string // target's own arguments, "@@" included if needed
	InputDir     string   // -i
	OutputDir    string   // -o
	MemoryLimit  string   // -m value in MB, or NoMemoryLimit
	Dictionary   string   // -x, only applied when the file exists
	QemuMode     bool     // -Q, for binary-only targets

	// FuzzerPath overrides the afl-fuzz binary, mainly for tests.
	FuzzerPath string

	// ForcePolling makes the crash watcher use the polling backend even
	// when native notification is available.
	ForcePolling bool
}

// buildArgs assembles the afl-fuzz command line:
// -i <in> -o <out> [-m <limit>] -t <ms> [-x <dict>] [-Q] <extra…> -- <target> <args…>
func (o *Options) buildArgs(execTimeoutMs int, extra []string) []string {
	args := []string{"-i", o.InputDir, "-o", o.OutputDir}

	if o.MemoryLimit != "" && o.MemoryLimit != NoMemoryLimit {
		args = append(args, "-m", o.MemoryLimit)
	}

	if execTimeoutMs <= 0 {
		execTimeoutMs = 1000
	}
	args = append(args, "-t", fmt.Sprintf("%d", execTimeoutMs))

	if o.Dictionary != "" {
		if _, err := os.Stat(o.Dictionary); err == nil {
			args = append(args, "-x", o.Dictionary)
		}
	}

	if o.QemuMode {
		args = append(args, "-Q")
	}

	args = append(args, extra...)
	args = append(args, "--", o.TargetBinary)
	args = append(args, o.TargetArgs...)
	return args
}

// baseEnv returns the AFL++ environment shared by every session. The UI is
// disabled so stdout stays line-oriented for the output monitor.
func baseEnv() []string {
	return []string{
		"AFL_NO_UI=1",
		"AFL_SKIP_CPUFREQ=1",
		"AFL_TRY_AFFINITY=1",
		"AFL_FORKSRV_INIT_TMOUT=30000",
		"AFL_IGNORE_UNKNOWN_ENVS=1",
	}
}

// defaultInstanceDir is where a single-instance afl-fuzz run writes its
// fuzzer_stats and crashes.
func (o *Options) defaultInstanceDir() string {
	return filepath.Join(o.OutputDir, "default")
}

func (o *Options) statsFilePath() string {
	return filepath.Join(o.defaultInstanceDir(), "fuzzer_stats")
}

func (o *Options) crashesDirPath() string {
	return filepath.Join(o.defaultInstanceDir(), "crashes")
}
