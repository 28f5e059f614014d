// Package locate finds the video written by the generation script.
package locate

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const videoExt = ".mp4"

// LatestMP4 walks fsys and returns the slash-separated path of the .mp4 file
// (extension matched case-insensitively) with the latest modification time that is
// not before since. When several files share that time the last one walked wins.
// Unreadable entries are skipped.
func LatestMP4(fsys fs.FS, since time.Time) (string, bool) {
	var latestPath string

	latest := since
	found := false

	_ = fs.WalkDir(fsys, ".", func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}

		if !strings.HasSuffix(strings.ToLower(entry.Name()), videoExt) {
			return nil
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			return nil
		}

		if !info.ModTime().Before(latest) {
			latest = info.ModTime()
			latestPath = path
			found = true
		}

		return nil
	})

	return latestPath, found
}

// Finder searches a fixed, ordered list of root directories.
type Finder struct {
	roots []string
}

// NewFinder creates a Finder that tries roots in the given order.
func NewFinder(roots ...string) *Finder {
	return &Finder{roots: roots}
}

// Find returns the OS path of the newest video since the given time from the first
// root that has one.
func (f *Finder) Find(since time.Time) (string, bool) {
	for _, root := range f.roots {
		rel, found := LatestMP4(os.DirFS(root), since)
		if found {
			return filepath.Join(root, filepath.FromSlash(rel)), true
		}
	}

	return "", false
}
