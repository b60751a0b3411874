package report

import (
	"os"
	"path/filepath"
	"sort"

	"aflwatch/internal/watcher"
)

// CollectCrashes does a one-shot sweep of an afl-fuzz output directory and
// returns every crash artifact found, without needing a live session. Both
// the single-instance layout (out/default/crashes) and the parallel layout
// (out/<instance>/crashes per secondary) are covered.
func CollectCrashes(outputDir string) []string {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return []string{}
	}

	found := make([]string, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		crashDir := filepath.Join(outputDir, entry.Name(), "crashes")
		found = append(found, watcher.ScanCrashDir(crashDir)...)
	}

	// an output dir may itself be an instance dir
	if len(found) == 0 {
		found = append(found, watcher.ScanCrashDir(filepath.Join(outputDir, "crashes"))...)
	}

	sort.Strings(found)
	return found
}
