package snapshot

import (
	"path/filepath"
	"sort"
)

// Crashes lists the crash dumps in dir, oldest first.
func Crashes(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, crashPattern))
	if err != nil {
		return nil, err
	}
	// names embed a fixed-width nanosecond clock for the next few centuries
	sort.Strings(files)
	return files, nil
}
