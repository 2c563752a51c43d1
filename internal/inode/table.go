// Package inode maps kernel inode numbers to archive entries.
//
// The table is an append-only arena of slots indexed by inode number. A
// removed entry leaves a tombstone behind, so a stale handle referring to a
// deleted inode fails with "not found" instead of aliasing a newer entry.
package inode

import (
	"sync"

	"arcmount/internal/archive"
	"arcmount/internal/logging"
)

const (
	// Reserved is never handed out; the kernel treats 0 as "no inode".
	Reserved uint64 = 0
	// Root is the synthetic root directory. It has no entry.
	Root uint64 = 1
	// First is the first inode number assigned to an archive entry.
	First uint64 = 2
)

var (
	tableLogger = logging.GetLogger().WithPrefix("inode")
)

// node is an occupied slot.
type node struct {
	entry archive.Entry
	// canonical forms of entry.FullPath and entry.Path, computed once.
	path   string
	parent string
}

// Child is one directory listing record.
type Child struct {
	Inode uint64
	Name  string
	IsDir bool
}

// Table is the inode registry. All methods are safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	slots []*node          // nil slot is a hole
	paths map[string]uint64 // FullPath -> inode, occupied slots only
}

// NewTable returns a table with the reserved inode and the root inode
// already in place.
func NewTable() *Table {
	t := &Table{paths: make(map[string]uint64)}
	t.Create(nil)
	t.Create(nil)
	return t
}

// Create appends a slot and returns its inode number. A nil entry creates a
// hole; otherwise the entry is copied and indexed by its FullPath.
func (t *Table) Create(e *archive.Entry) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.create(e)
}

func (t *Table) create(e *archive.Entry) uint64 {
	ino := uint64(len(t.slots))
	if e == nil {
		t.slots = append(t.slots, nil)
		return ino
	}

	n := &node{
		entry:  *e,
		path:   Canonical(e.FullPath),
		parent: Canonical(e.Path),
	}
	t.slots = append(t.slots, n)
	t.paths[e.FullPath] = ino
	tableLogger.Trace("Created inode %d for %q", ino, e.FullPath)
	return ino
}

// Delete tombstones inode n. Root, out-of-range and already deleted inodes
// are ignored.
func (t *Table) Delete(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delete(n)
}

func (t *Table) delete(n uint64) {
	if n <= Root || n >= uint64(len(t.slots)) {
		return
	}
	slot := t.slots[n]
	if slot == nil {
		return
	}
	if t.paths[slot.entry.FullPath] == n {
		delete(t.paths, slot.entry.FullPath)
	}
	t.slots[n] = nil
	tableLogger.Trace("Deleted inode %d (%q)", n, slot.entry.FullPath)
}

func (t *Table) get(n uint64) *node {
	if n <= Root || n >= uint64(len(t.slots)) {
		return nil
	}
	return t.slots[n]
}

// Get returns a copy of the entry stored at inode n. The root and holes
// report false.
func (t *Table) Get(n uint64) (archive.Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slot := t.get(n)
	if slot == nil {
		return archive.Entry{}, false
	}
	return slot.entry, true
}

// Inode returns the inode indexed under fullPath.
func (t *Table) Inode(fullPath string) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ino, ok := t.paths[fullPath]
	return ino, ok
}

// Len returns the number of slots, holes included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}

// CanonicalPath returns the canonical path of inode n, "/" for the root.
func (t *Table) CanonicalPath(n uint64) (string, bool) {
	if n == Root {
		return "/", true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	slot := t.get(n)
	if slot == nil {
		return "", false
	}
	return slot.path, true
}

// Size returns the apparent size of inode n: the file size, the aggregate
// size for a directory, or for the root the sum over its direct children.
// Unknown inodes have size 0.
func (t *Table) Size(n uint64) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n != Root {
		slot := t.get(n)
		if slot == nil {
			return 0
		}
		return entrySize(&slot.entry)
	}

	var total uint64
	for i := First; i < uint64(len(t.slots)); i++ {
		slot := t.slots[i]
		if slot == nil || slot.parent != "/" {
			continue
		}
		total += entrySize(&slot.entry)
	}
	return total
}

func entrySize(e *archive.Entry) uint64 {
	if e.IsDir {
		return e.DirSize
	}
	return e.Size
}

// Lookup finds the entry named name whose canonical parent is dirPath.
// When an archive holds several members resolving to the same place, the
// oldest inode wins.
func (t *Table) Lookup(dirPath, name string) (uint64, archive.Entry, bool) {
	dirPath = Canonical(dirPath)

	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := First; i < uint64(len(t.slots)); i++ {
		slot := t.slots[i]
		if slot == nil {
			continue
		}
		if slot.parent == dirPath && slot.entry.Name == name {
			return i, slot.entry, true
		}
	}
	return 0, archive.Entry{}, false
}

// Children lists the entries whose canonical parent is dirPath, in inode
// order.
func (t *Table) Children(dirPath string) []Child {
	dirPath = Canonical(dirPath)

	t.mu.RLock()
	defer t.mu.RUnlock()
	var children []Child
	for i := First; i < uint64(len(t.slots)); i++ {
		slot := t.slots[i]
		if slot == nil || slot.parent != dirPath {
			continue
		}
		children = append(children, Child{
			Inode: i,
			Name:  slot.entry.Name,
			IsDir: slot.entry.IsDir,
		})
	}
	return children
}

// Reconcile brings the table in line with a fresh listing. Entries whose
// OriginalPath vanished are tombstoned; entries whose FullPath is not yet
// indexed get new inodes. Unchanged entries keep their inode numbers.
func (t *Table) Reconcile(listing []archive.Entry) (added, removed int) {
	present := make(map[string]struct{}, len(listing))
	for i := range listing {
		present[listing[i].OriginalPath] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := First; i < uint64(len(t.slots)); i++ {
		slot := t.slots[i]
		if slot == nil {
			continue
		}
		if _, ok := present[slot.entry.OriginalPath]; !ok {
			t.delete(i)
			removed++
		}
	}

	for i := range listing {
		if _, ok := t.paths[listing[i].FullPath]; ok {
			continue
		}
		t.create(&listing[i])
		added++
	}

	tableLogger.Debug("Reconciled %d entries: %d added, %d removed, %d slots",
		len(listing), added, removed, len(t.slots))
	return added, removed
}
