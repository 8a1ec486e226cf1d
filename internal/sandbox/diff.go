package sandbox

import (
	"io/fs"
	"path/filepath"
	"time"
)

// mtimeDiff approximates a filesystem diff by comparing modification
// times under root against the recorded start time. Best-effort: it
// cannot distinguish sandboxed writes from coincidental external
// ones, and unreadable entries are skipped.
func mtimeDiff(root string, since time.Time) ([]Change, error) {
	if since.IsZero() {
		return nil, nil
	}
	var changes []Change
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(since) {
			changes = append(changes, Change{Path: path, Kind: ChangeModified})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}
