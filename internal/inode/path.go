package inode

import (
	"path"
)

// Canonical resolves "." and ".." segments, repeated separators and a
// trailing separator, treating relative paths as relative to "/". Archives
// may legally contain a member literally named ".", so every path equality
// check in the filesystem goes through this function.
func Canonical(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
