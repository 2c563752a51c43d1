package fs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"arcmount/internal/archive"
	"arcmount/internal/inode"
	"arcmount/internal/logging"
	"arcmount/internal/staging"

	"bazil.org/fuse"
	"golang.org/x/sys/unix"
)

var (
	handlerLogger = logging.GetLogger().WithPrefix("handler")
)

const (
	dirMode  = os.ModeDir | 0o755
	fileMode = os.FileMode(0o644)
)

// fileSystem answers protocol requests for one mount. It is created when
// the session mounts and dropped on unmount together with its table.
type fileSystem struct {
	table    *inode.Table
	area     *staging.Area
	pipeline *pipeline
	errs     *errorSlot
	uid      uint32
	gid      uint32

	nextHandle atomic.Uint64
	opensMu    sync.Mutex
	opens      map[uint64]*openFile
}

// openFile counts the handles open on one inode. The member name is kept
// so the staged copy can be cleaned up even after a reconcile tombstoned
// the inode.
type openFile struct {
	originalPath string
	handles      int
}

func newFileSystem(table *inode.Table, area *staging.Area, p *pipeline, errs *errorSlot) *fileSystem {
	uid, gid := ownerFromEnv()
	return &fileSystem{
		table:    table,
		area:     area,
		pipeline: p,
		errs:     errs,
		uid:      uid,
		gid:      gid,
		opens:    make(map[uint64]*openFile),
	}
}

func inodeName(ino uint64) string {
	return fmt.Sprintf("inode %d", ino)
}

// attr fills attributes for an inode. Validity is zero so the kernel
// revalidates on every access; the listing may change under it.
func (fsys *fileSystem) attr(ino uint64, e *archive.Entry) fuse.Attr {
	a := fuse.Attr{
		Inode:     ino,
		Size:      fsys.table.Size(ino),
		Nlink:     1,
		Uid:       fsys.uid,
		Gid:       fsys.gid,
		BlockSize: 4096,
	}

	switch {
	case e == nil:
		a.Mode = dirMode
	case e.IsDir:
		a.Mode = dirMode
	default:
		a.Mode = fileMode
	}
	if e != nil {
		if perm := e.Mode.Perm(); perm != 0 {
			a.Mode = a.Mode&^os.ModePerm | perm
		}
		a.Mtime = e.ModTime
		a.Ctime = e.ModTime
		a.Atime = e.ModTime
	}
	a.Blocks = (a.Size + 511) / 512
	return a
}

// lookup resolves name inside parent.
func (fsys *fileSystem) lookup(parent uint64, name string) (*fuse.LookupResponse, error) {
	handlerLogger.Debug("Looking up %q in inode %d", name, parent)

	dirPath, ok := fsys.table.CanonicalPath(parent)
	if !ok {
		return nil, NewFSError(OpLookup, inodeName(parent), ErrNotDir)
	}

	// Nobody should look up "." by name, but if they do it is the root.
	if name == "." {
		return &fuse.LookupResponse{
			Node: fuse.NodeID(inode.Root),
			Attr: fsys.attr(inode.Root, nil),
		}, nil
	}

	ino, e, ok := fsys.table.Lookup(dirPath, name)
	if !ok {
		handlerLogger.Trace("No entry %q under %q", name, dirPath)
		return nil, NewFSError(OpLookup, dirPath+"/"+name, ErrNotFound)
	}

	return &fuse.LookupResponse{
		Node: fuse.NodeID(ino),
		Attr: fsys.attr(ino, &e),
	}, nil
}

// getattr returns the attributes of ino.
func (fsys *fileSystem) getattr(ino uint64) (fuse.Attr, error) {
	if ino == inode.Root {
		return fsys.attr(inode.Root, nil), nil
	}
	e, ok := fsys.table.Get(ino)
	if !ok {
		return fuse.Attr{}, NewFSError(OpGetattr, inodeName(ino), ErrNotFound)
	}
	return fsys.attr(ino, &e), nil
}

// directory returns the canonical path of ino if it is a directory.
func (fsys *fileSystem) directory(op string, ino uint64) (string, error) {
	if ino != inode.Root {
		e, ok := fsys.table.Get(ino)
		if !ok || !e.IsDir {
			return "", NewFSError(op, inodeName(ino), ErrNotDir)
		}
	}
	dirPath, ok := fsys.table.CanonicalPath(ino)
	if !ok {
		return "", NewFSError(op, inodeName(ino), ErrNotDir)
	}
	return dirPath, nil
}

// opendir accepts directories only.
func (fsys *fileSystem) opendir(ino uint64) error {
	_, err := fsys.directory(OpOpen, ino)
	return err
}

// readdir serializes every child of ino and returns the part of the buffer
// starting at offset, at most size bytes. The kernel passes back the
// offset stored in the last record it consumed, so asking past the end
// yields an empty reply, which ends the listing.
func (fsys *fileSystem) readdir(ino uint64, size int, offset int64) ([]byte, error) {
	dirPath, err := fsys.directory(OpReadDir, ino)
	if err != nil {
		return nil, err
	}

	var buf []byte
	children := fsys.table.Children(dirPath)
	for _, child := range children {
		typ := fuse.DT_File
		if child.IsDir {
			typ = fuse.DT_Dir
		}
		buf = fuse.AppendDirent(buf, fuse.Dirent{
			Inode: child.Inode,
			Type:  typ,
			Name:  child.Name,
		})
	}
	handlerLogger.Trace("Directory %q has %d entries (%d bytes)", dirPath, len(children), len(buf))

	return clip(buf, offset, size), nil
}

// clip returns buf[offset:] limited to size bytes, or an empty slice when
// offset is at or past the end.
func clip(buf []byte, offset int64, size int) []byte {
	if offset < 0 || offset >= int64(len(buf)) || size <= 0 {
		return []byte{}
	}
	rest := buf[offset:]
	if len(rest) > size {
		rest = rest[:size]
	}
	return rest
}

// file resolves ino to a regular file entry.
func (fsys *fileSystem) file(op string, ino uint64) (archive.Entry, error) {
	if ino == inode.Root {
		return archive.Entry{}, NewFSError(op, "/", ErrIsDir)
	}
	e, ok := fsys.table.Get(ino)
	if !ok {
		return archive.Entry{}, NewFSError(op, inodeName(ino), ErrNotFound)
	}
	if e.IsDir {
		return archive.Entry{}, NewFSError(op, e.FullPath, ErrIsDir)
	}
	return e, nil
}

// open acknowledges a read-only open of a regular file.
func (fsys *fileSystem) open(ino uint64, flags fuse.OpenFlags) (*fuse.OpenResponse, error) {
	handlerLogger.Debug("Opening inode %d with flags %v", ino, flags)

	if ino == inode.Root {
		return nil, NewFSError(OpOpen, "/", ErrIsDir)
	}
	if int(flags)&unix.O_ACCMODE != unix.O_RDONLY {
		handlerLogger.Warn("Attempted write access to inode %d", ino)
		return nil, NewFSError(OpOpen, inodeName(ino), ErrAccessDenied)
	}
	e, err := fsys.file(OpOpen, ino)
	if err != nil {
		return nil, err
	}

	fsys.opensMu.Lock()
	of, ok := fsys.opens[ino]
	if !ok {
		of = &openFile{originalPath: e.OriginalPath}
		fsys.opens[ino] = of
	}
	of.handles++
	fsys.opensMu.Unlock()

	// Direct IO lets the kernel issue reads as large as the caller asks
	// for instead of page-sized ones.
	return &fuse.OpenResponse{
		Handle: fuse.HandleID(fsys.nextHandle.Add(1)),
		Flags:  fuse.OpenDirectIO,
	}, nil
}

// read validates the request and hands it to the extraction pipeline. The
// reply is sent from the pipeline, possibly after read has returned.
func (fsys *fileSystem) read(ctx context.Context, ino uint64, size int, offset int64, reply readReplier) {
	e, err := fsys.file(OpRead, ino)
	if err != nil {
		reply.RespondError(ToFuseError(err))
		return
	}
	fsys.pipeline.start(ctx, &readTask{
		ino:    ino,
		entry:  e,
		offset: offset,
		size:   size,
		reply:  reply,
	})
}

// release drops one handle of ino. When the last handle goes away the
// staged copy is deleted, so the next reader extracts a fresh one.
// Directories and unknown inodes are ignored.
func (fsys *fileSystem) release(ino uint64) {
	fsys.opensMu.Lock()
	of, ok := fsys.opens[ino]
	if !ok {
		fsys.opensMu.Unlock()
		return
	}
	of.handles--
	last := of.handles <= 0
	if last {
		delete(fsys.opens, ino)
	}
	fsys.opensMu.Unlock()

	if !last {
		return
	}
	handlerLogger.Debug("Last handle of inode %d closed, dropping staged %q", ino, of.originalPath)
	if err := fsys.area.Remove(of.originalPath); err != nil {
		fsys.errs.record(NewFSError(OpRelease, of.originalPath, err))
	}
}

// openHandles returns the number of inodes with open handles.
func (fsys *fileSystem) openHandles() int {
	fsys.opensMu.Lock()
	defer fsys.opensMu.Unlock()
	return len(fsys.opens)
}
