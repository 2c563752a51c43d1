package inode

import (
	"testing"

	"arcmount/internal/archive"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func file(fullPath string, size uint64) archive.Entry {
	canonical := Canonical(fullPath)
	parent := canonical[:len(canonical)-len(baseName(canonical))]
	return archive.Entry{
		FullPath:     fullPath,
		Path:         parent,
		Name:         baseName(canonical),
		OriginalPath: fullPath[1:],
		Size:         size,
	}
}

func dir(fullPath string, dirSize uint64) archive.Entry {
	e := file(fullPath, 0)
	e.IsDir = true
	e.DirSize = dirSize
	return e
}

func baseName(canonical string) string {
	for i := len(canonical) - 1; i >= 0; i-- {
		if canonical[i] == '/' {
			return canonical[i+1:]
		}
	}
	return canonical
}

func sampleListing() []archive.Entry {
	return []archive.Entry{
		file("/a.txt", 10),
		dir("/dir/", 5),
		file("/dir/b.txt", 5),
	}
}

// checkBijection asserts every occupied non-root slot has exactly one index
// entry pointing back at it.
func checkBijection(t *testing.T, table *Table) {
	t.Helper()
	occupied := 0
	for i := First; i < uint64(table.Len()); i++ {
		e, ok := table.Get(i)
		if !ok {
			continue
		}
		occupied++
		ino, ok := table.Inode(e.FullPath)
		require.True(t, ok, "inode %d missing from path index", i)
		assert.Equal(t, i, ino)
	}
	table.mu.RLock()
	defer table.mu.RUnlock()
	assert.Len(t, table.paths, occupied)
}

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"":            "/",
		"/":           "/",
		"/./":         "/",
		"/dir/":       "/dir",
		"dir/sub":     "/dir/sub",
		"/dir/./b":    "/dir/b",
		"/dir/../b":   "/b",
		"//dir//b//":  "/dir/b",
		"/../../etc/": "/etc",
	}
	for in, want := range cases {
		assert.Equal(t, want, Canonical(in), in)
	}
}

func TestNewTableReservesSlots(t *testing.T) {
	table := NewTable()
	assert.Equal(t, 2, table.Len())

	_, ok := table.Get(Reserved)
	assert.False(t, ok)
	_, ok = table.Get(Root)
	assert.False(t, ok)

	e := file("/a.txt", 1)
	assert.Equal(t, First, table.Create(&e))
}

func TestDeleteIgnoresRootHolesAndOutOfRange(t *testing.T) {
	table := NewTable()
	e := file("/a.txt", 1)
	ino := table.Create(&e)

	table.Delete(Root)
	table.Delete(Reserved)
	table.Delete(99)
	_, ok := table.Get(ino)
	assert.True(t, ok)

	table.Delete(ino)
	table.Delete(ino)
	_, ok = table.Get(ino)
	assert.False(t, ok)
	_, ok = table.Inode("/a.txt")
	assert.False(t, ok)
	checkBijection(t, table)
}

func TestSize(t *testing.T) {
	table := NewTable()
	table.Reconcile(sampleListing())

	assert.EqualValues(t, 15, table.Size(Root))

	ino, _, ok := table.Lookup("/", "a.txt")
	require.True(t, ok)
	assert.EqualValues(t, 10, table.Size(ino))

	dirIno, _, ok := table.Lookup("/", "dir")
	require.True(t, ok)
	assert.EqualValues(t, 5, table.Size(dirIno))

	assert.EqualValues(t, 0, table.Size(1000))
}

func TestRootSizeAdditivity(t *testing.T) {
	table := NewTable()
	listing := sampleListing()
	table.Reconcile(listing)
	before := table.Size(Root)

	extra := file("/c.bin", 7)
	table.Reconcile(append(listing, extra))
	assert.Equal(t, before+7, table.Size(Root))

	table.Reconcile(listing)
	assert.Equal(t, before, table.Size(Root))
}

func TestLookupCanonicalizesParent(t *testing.T) {
	table := NewTable()
	e := file("/./dot.txt", 3)
	e.Path = "/./"
	table.Create(&e)

	ino, got, ok := table.Lookup("/", "dot.txt")
	require.True(t, ok)
	assert.Equal(t, First, ino)
	assert.Equal(t, "./dot.txt", got.OriginalPath)

	_, _, ok = table.Lookup("/", "missing")
	assert.False(t, ok)
}

func TestChildren(t *testing.T) {
	table := NewTable()
	table.Reconcile(sampleListing())

	root := table.Children("/")
	require.Len(t, root, 2)
	assert.Equal(t, "a.txt", root[0].Name)
	assert.Equal(t, "dir", root[1].Name)
	assert.True(t, root[1].IsDir)

	sub := table.Children("/dir/")
	require.Len(t, sub, 1)
	assert.Equal(t, "b.txt", sub[0].Name)

	path, ok := table.CanonicalPath(root[1].Inode)
	require.True(t, ok)
	assert.Equal(t, "/dir", path)
}

func TestReconcileKeepsInodesStable(t *testing.T) {
	table := NewTable()
	listing := sampleListing()
	table.Reconcile(listing)

	inodes := map[string]uint64{}
	for _, e := range listing {
		ino, ok := table.Inode(e.FullPath)
		require.True(t, ok)
		inodes[e.FullPath] = ino
	}

	for i := 0; i < 3; i++ {
		added, removed := table.Reconcile(listing)
		assert.Zero(t, added)
		assert.Zero(t, removed)
	}

	grown := append(append([]archive.Entry{}, listing...), file("/new.txt", 1))
	added, _ := table.Reconcile(grown)
	assert.Equal(t, 1, added)

	for fullPath, want := range inodes {
		got, ok := table.Inode(fullPath)
		require.True(t, ok)
		assert.Equal(t, want, got, fullPath)
	}
	checkBijection(t, table)
}

func TestReconcileNeverReusesInodes(t *testing.T) {
	table := NewTable()
	listing := sampleListing()
	table.Reconcile(listing)

	removedIno, _, ok := table.Lookup("/", "a.txt")
	require.True(t, ok)

	_, removed := table.Reconcile(listing[1:])
	assert.Equal(t, 1, removed)

	_, _, ok = table.Lookup("/", "a.txt")
	assert.False(t, ok)
	_, ok = table.Get(removedIno)
	assert.False(t, ok)

	// Re-adding the same path must produce a fresh number.
	table.Reconcile(listing)
	readded, _, ok := table.Lookup("/", "a.txt")
	require.True(t, ok)
	assert.Greater(t, readded, removedIno)

	for i := 0; i < 5; i++ {
		e := file("/x.txt", 1)
		assert.NotEqual(t, removedIno, table.Create(&e))
	}
}
