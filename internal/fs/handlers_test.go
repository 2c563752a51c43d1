package fs

import (
	"context"
	"os"
	"testing"

	"arcmount/internal/inode"

	"bazil.org/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestGetattrRoot(t *testing.T) {
	f := setupTestFS(t)

	attr, err := f.getattr(inode.Root)
	require.NoError(t, err)
	assert.EqualValues(t, inode.Root, attr.Inode)
	assert.EqualValues(t, 15, attr.Size)
	assert.Equal(t, os.ModeDir|0o755, attr.Mode)
	assert.EqualValues(t, 1, attr.Nlink)
	assert.Zero(t, attr.Valid)
}

func TestLookup(t *testing.T) {
	f := setupTestFS(t)

	t.Run("File", func(t *testing.T) {
		resp, err := f.lookup(inode.Root, "a.txt")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, uint64(resp.Node), inode.First)
		assert.EqualValues(t, 10, resp.Attr.Size)
		assert.Equal(t, os.FileMode(0o644), resp.Attr.Mode)
		assert.Equal(t, uint64(resp.Node), resp.Attr.Inode)
	})

	t.Run("Directory", func(t *testing.T) {
		resp, err := f.lookup(inode.Root, "dir")
		require.NoError(t, err)
		assert.True(t, resp.Attr.Mode.IsDir())
		assert.EqualValues(t, 5, resp.Attr.Size)

		child, err := f.lookup(uint64(resp.Node), "b.txt")
		require.NoError(t, err)
		assert.EqualValues(t, 5, child.Attr.Size)
	})

	t.Run("Dot", func(t *testing.T) {
		resp, err := f.lookup(inode.Root, ".")
		require.NoError(t, err)
		assert.EqualValues(t, inode.Root, resp.Node)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := f.lookup(inode.Root, "nope")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, fuse.Errno(unix.ENOENT), ToFuseError(err))
	})

	t.Run("UnknownParent", func(t *testing.T) {
		_, err := f.lookup(999, "a.txt")
		assert.Equal(t, fuse.Errno(unix.ENOTDIR), ToFuseError(err))
	})

	t.Run("StableAcrossCalls", func(t *testing.T) {
		first := f.mustLookup(t, inode.Root, "a.txt")
		second := f.mustLookup(t, inode.Root, "a.txt")
		assert.Equal(t, first, second)
	})
}

func TestGetattrUnknownInode(t *testing.T) {
	f := setupTestFS(t)

	_, err := f.getattr(inode.Reserved)
	assert.Equal(t, fuse.Errno(unix.ENOENT), ToFuseError(err))
	_, err = f.getattr(12345)
	assert.Equal(t, fuse.Errno(unix.ENOENT), ToFuseError(err))
}

func TestReaddir(t *testing.T) {
	f := setupTestFS(t)
	dirIno := f.mustLookup(t, inode.Root, "dir")

	t.Run("Root", func(t *testing.T) {
		buf, err := f.readdir(inode.Root, 4096, 0)
		require.NoError(t, err)
		ds := parseDirents(t, buf)
		assert.Equal(t, []string{"a.txt", "dir"}, direntNames(ds))
		assert.Equal(t, fuse.DT_File, ds[0].typ)
		assert.Equal(t, fuse.DT_Dir, ds[1].typ)
		assert.Equal(t, dirIno, ds[1].ino)
	})

	t.Run("Subdirectory", func(t *testing.T) {
		buf, err := f.readdir(dirIno, 4096, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"b.txt"}, direntNames(parseDirents(t, buf)))
	})

	t.Run("Idempotent", func(t *testing.T) {
		first, err := f.readdir(inode.Root, 4096, 0)
		require.NoError(t, err)
		second, err := f.readdir(inode.Root, 4096, 0)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("PastEnd", func(t *testing.T) {
		full, err := f.readdir(inode.Root, 4096, 0)
		require.NoError(t, err)
		rest, err := f.readdir(inode.Root, 4096, int64(len(full)))
		require.NoError(t, err)
		assert.Empty(t, rest)
	})

	t.Run("ResumeFromRecordOffset", func(t *testing.T) {
		full, err := f.readdir(inode.Root, 4096, 0)
		require.NoError(t, err)
		ds := parseDirents(t, full)
		require.Len(t, ds, 2)

		rest, err := f.readdir(inode.Root, 4096, int64(ds[0].off))
		require.NoError(t, err)
		assert.Equal(t, []string{"dir"}, direntNames(parseDirents(t, rest)))
	})

	t.Run("SizeLimit", func(t *testing.T) {
		buf, err := f.readdir(inode.Root, 10, 0)
		require.NoError(t, err)
		assert.Len(t, buf, 10)
	})

	t.Run("NotADirectory", func(t *testing.T) {
		fileIno := f.mustLookup(t, inode.Root, "a.txt")
		_, err := f.readdir(fileIno, 4096, 0)
		assert.Equal(t, fuse.Errno(unix.ENOTDIR), ToFuseError(err))

		_, err = f.readdir(999, 4096, 0)
		assert.Equal(t, fuse.Errno(unix.ENOTDIR), ToFuseError(err))
	})
}

func TestOpendir(t *testing.T) {
	f := setupTestFS(t)

	assert.NoError(t, f.opendir(inode.Root))
	assert.NoError(t, f.opendir(f.mustLookup(t, inode.Root, "dir")))

	err := f.opendir(f.mustLookup(t, inode.Root, "a.txt"))
	assert.Equal(t, fuse.Errno(unix.ENOTDIR), ToFuseError(err))
}

func TestOpen(t *testing.T) {
	f := setupTestFS(t)
	fileIno := f.mustLookup(t, inode.Root, "a.txt")

	t.Run("ReadOnly", func(t *testing.T) {
		resp, err := f.open(fileIno, fuse.OpenReadOnly)
		require.NoError(t, err)
		assert.NotZero(t, resp.Handle)
		assert.Equal(t, fuse.OpenDirectIO, resp.Flags&fuse.OpenDirectIO)
		f.release(fileIno)
	})

	t.Run("Write", func(t *testing.T) {
		_, err := f.open(fileIno, fuse.OpenWriteOnly)
		assert.Equal(t, fuse.Errno(unix.EACCES), ToFuseError(err))
		_, err = f.open(fileIno, fuse.OpenReadWrite)
		assert.Equal(t, fuse.Errno(unix.EACCES), ToFuseError(err))
	})

	t.Run("Directories", func(t *testing.T) {
		_, err := f.open(inode.Root, fuse.OpenReadOnly)
		assert.Equal(t, fuse.Errno(unix.EISDIR), ToFuseError(err))
		_, err = f.open(f.mustLookup(t, inode.Root, "dir"), fuse.OpenReadOnly)
		assert.Equal(t, fuse.Errno(unix.EISDIR), ToFuseError(err))
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := f.open(999, fuse.OpenReadOnly)
		assert.Equal(t, fuse.Errno(unix.ENOENT), ToFuseError(err))
	})

	assert.Zero(t, f.openHandles())
}

func TestReleaseCountsHandles(t *testing.T) {
	f := setupTestFS(t)
	ino := f.mustLookup(t, inode.Root, "a.txt")
	ctx := context.Background()

	_, err := f.open(ino, fuse.OpenReadOnly)
	require.NoError(t, err)
	_, err = f.open(ino, fuse.OpenReadOnly)
	require.NoError(t, err)

	rec := f.readFile(t, ctx, ino, 4, 0)
	require.NoError(t, rec.err)
	require.True(t, f.area.Exists("a.txt"))

	f.release(ino)
	assert.True(t, f.area.Exists("a.txt"), "staged file dropped while a handle is open")
	assert.Equal(t, 1, f.openHandles())

	f.release(ino)
	assert.False(t, f.area.Exists("a.txt"))
	assert.Zero(t, f.openHandles())

	// Unknown and already released inodes are ignored.
	f.release(ino)
	f.release(inode.Root)
	assert.NoError(t, f.errs.last())
}

func TestReleaseAfterTombstone(t *testing.T) {
	f := setupTestFS(t)
	ino := f.mustLookup(t, inode.Root, "a.txt")

	_, err := f.open(ino, fuse.OpenReadOnly)
	require.NoError(t, err)
	rec := f.readFile(t, context.Background(), ino, 10, 0)
	require.NoError(t, rec.err)

	f.table.Reconcile(sampleEntries()[1:])
	_, err = f.getattr(ino)
	require.ErrorIs(t, err, ErrNotFound)

	f.release(ino)
	assert.False(t, f.area.Exists("a.txt"))
}

func TestClip(t *testing.T) {
	buf := []byte("abcdef")

	assert.Equal(t, []byte("abcdef"), clip(buf, 0, 100))
	assert.Equal(t, []byte("cd"), clip(buf, 2, 2))
	assert.Equal(t, []byte("f"), clip(buf, 5, 10))
	assert.Empty(t, clip(buf, 6, 10))
	assert.Empty(t, clip(buf, 7, 10))
	assert.Empty(t, clip(buf, -1, 10))
	assert.Empty(t, clip(buf, 0, 0))
}

func TestOwnerFromEnv(t *testing.T) {
	t.Setenv("PUID", "4242")
	t.Setenv("PGID", "not-a-number")

	uid, gid := ownerFromEnv()
	assert.EqualValues(t, 4242, uid)
	assert.EqualValues(t, os.Getgid(), gid)
}
