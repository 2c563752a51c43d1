// Package archive defines the entry listing and extraction contract the
// filesystem is built on, plus tar and zip engines implementing it.
package archive

import (
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

// Entry is an immutable snapshot of one archive member.
type Entry struct {
	// FullPath is the absolute path of the entry in the virtual tree. It is
	// derived from the member name verbatim, so it may still contain "."
	// segments or a trailing separator.
	FullPath string
	// Path is the directory containing the entry.
	Path string
	// Name is the leaf name.
	Name string
	// OriginalPath is the member name as the engine knows it.
	OriginalPath string
	// Size is the uncompressed size of a regular file.
	Size uint64
	// DirSize is the sum of all descendant file sizes of a directory.
	DirSize uint64
	IsDir   bool
	// Mode holds permission bits only; zero means the filesystem default.
	Mode    os.FileMode
	ModTime time.Time
}

// member is the raw information an engine reads from an archive header.
type member struct {
	name    string
	isDir   bool
	size    uint64
	mode    os.FileMode
	modTime time.Time
}

// buildListing turns raw members into entries. Missing ancestor directories
// are synthesized and every directory gets its aggregate DirSize. Members
// that resolve to the archive root itself (e.g. "./") are dropped.
func buildListing(members []member) []Entry {
	entries := make([]Entry, 0, len(members))
	index := make(map[string]int, len(members))
	synthesized := make(map[string]bool)

	add := func(e Entry, canonical string, synthetic bool) {
		if i, ok := index[canonical]; ok {
			// An explicit header beats a synthesized directory.
			if synthesized[canonical] && !synthetic {
				entries[i] = e
				delete(synthesized, canonical)
			}
			return
		}
		if synthetic {
			synthesized[canonical] = true
		}
		index[canonical] = len(entries)
		entries = append(entries, e)
	}

	for _, m := range members {
		canonical := path.Clean("/" + m.name)
		if canonical == "/" {
			continue
		}

		for dir := path.Dir(canonical); dir != "/"; dir = path.Dir(dir) {
			if _, ok := index[dir]; ok {
				continue
			}
			add(Entry{
				FullPath:     dir + "/",
				Path:         path.Dir(dir),
				Name:         path.Base(dir),
				OriginalPath: strings.TrimPrefix(dir, "/") + "/",
				IsDir:        true,
				ModTime:      m.modTime,
			}, dir, true)
		}

		fullPath := "/" + strings.TrimPrefix(m.name, "/")
		e := Entry{
			FullPath:     fullPath,
			Path:         path.Dir(canonical),
			Name:         path.Base(canonical),
			OriginalPath: m.name,
			IsDir:        m.isDir,
			Mode:         m.mode.Perm(),
			ModTime:      m.modTime,
		}
		if !m.isDir {
			e.Size = m.size
		}
		add(e, canonical, false)
	}

	// Sorting puts children after their parents, which keeps inode numbers
	// assigned on first population in tree order.
	sort.SliceStable(entries, func(i, j int) bool {
		return path.Clean(entries[i].FullPath) < path.Clean(entries[j].FullPath)
	})
	index = make(map[string]int, len(entries))
	for i, e := range entries {
		index[path.Clean(e.FullPath)] = i
	}

	for _, e := range entries {
		if e.IsDir {
			continue
		}
		for dir := path.Dir(path.Clean(e.FullPath)); dir != "/"; dir = path.Dir(dir) {
			if i, ok := index[dir]; ok {
				entries[i].DirSize += e.Size
			}
		}
	}

	return entries
}
