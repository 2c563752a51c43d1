package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"arcmount/internal/archive"
	"arcmount/internal/inode"
	"arcmount/internal/logging"
	"arcmount/internal/staging"

	"github.com/google/uuid"
)

var (
	sessionLogger = logging.GetLogger().WithPrefix("session")
)

// Options configures a Session.
type Options struct {
	// TempDir is the parent of the mount and work directories. Empty
	// means the system temporary directory.
	TempDir string
	// Password is handed to the engine on every extraction.
	Password string
	// Mounter opens the kernel channel. Nil means FuseMounter.
	Mounter Mounter
}

// Session exposes one archive as a mounted read-only filesystem.
type Session struct {
	id       string
	engine   archive.Engine
	area     *staging.Area
	password string
	mounter  Mounter
	errs     errorSlot

	mu       sync.Mutex
	started  bool
	closed   bool
	ch       Channel
	table    *inode.Table
	fsys     *fileSystem
	pipeline *pipeline
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates the session directories and mounts the archive. The session
// takes ownership of engine and closes it in Close.
func New(ctx context.Context, engine archive.Engine, opts Options) (*Session, error) {
	id := strings.SplitN(uuid.NewString(), "-", 2)[0]

	area, err := staging.NewArea(opts.TempDir, id)
	if err != nil {
		return nil, err
	}

	mounter := opts.Mounter
	if mounter == nil {
		mounter = FuseMounter
	}

	s := &Session{
		id:       id,
		engine:   engine,
		area:     area,
		password: opts.Password,
		mounter:  mounter,
	}

	if err := s.Mount(ctx); err != nil {
		if destroyErr := area.Destroy(); destroyErr != nil {
			sessionLogger.Warn("Failed to clean up after mount error: %v", destroyErr)
		}
		return nil, err
	}
	return s, nil
}

// ID returns the short session identifier used in directory names.
func (s *Session) ID() string {
	return s.id
}

// Mount opens the kernel channel, populates the inode table from the
// engine and starts the request loop. Mounting a mounted session is a
// no-op.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NewFSError(OpMount, s.area.MountDir(), os.ErrClosed)
	}
	if s.started {
		return nil
	}

	table := inode.NewTable()
	listing, err := s.engine.Entries(ctx)
	if err != nil {
		return NewFSError(OpMount, s.area.MountDir(), fmt.Errorf("listing archive: %w", err))
	}
	table.Reconcile(listing)

	mountDir := s.area.MountDir()
	ch, err := s.mounter(mountDir)
	if err != nil {
		return NewFSError(OpMount, mountDir, err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	p := newPipeline(sessionCtx, s.engine, s.area, s.password, &s.errs)
	fsys := newFileSystem(table, s.area, p, &s.errs)
	srv := newServer(sessionCtx, fsys, ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.serve(); err != nil {
			sessionLogger.Error("Request loop failed: %v", err)
			s.errs.record(err)
		}
	}()

	s.ch = ch
	s.table = table
	s.fsys = fsys
	s.pipeline = p
	s.cancel = cancel
	s.done = done
	s.started = true

	sessionLogger.Info("Archive mounted in %s", mountDir)
	sessionLogger.Info("Archive will extract temporary files into %s", s.area.WorkDir())
	return nil
}

// Unmount stops the request loop and discards the inode table. In-flight
// reads are cancelled and answered with ECANCELED. Unmounting an
// unmounted session is a no-op. When the kernel refuses the unmount, for
// example because a file is still open, the session stays mounted and the
// call can be retried.
func (s *Session) Unmount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unmount()
}

func (s *Session) unmount() error {
	if !s.started {
		return nil
	}

	// Closing the channel of a live mount blocks until the kernel lets go
	// of it, so nothing is torn down before the unmount succeeds.
	if err := s.ch.Unmount(); err != nil {
		sessionLogger.Error("Unmount of %s failed: %v", s.area.MountDir(), err)
		return NewFSError(OpMount, s.area.MountDir(), err)
	}

	s.started = false
	s.cancel()
	closeErr := s.ch.Close()
	<-s.done
	s.pipeline.wait()

	s.ch = nil
	s.table = nil
	s.fsys = nil
	s.pipeline = nil
	s.cancel = nil
	s.done = nil

	sessionLogger.Info("Archive unmounted from %s", s.area.MountDir())
	return closeErr
}

// Mounted reports whether the filesystem is currently mounted.
func (s *Session) Mounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// MountDir returns the mount point, or "" when not mounted.
func (s *Session) MountDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ""
	}
	return s.area.MountDir()
}

// Reconcile re-reads the archive listing and updates the inode table:
// removed members are tombstoned, new ones get fresh inodes. Call it
// whenever the archive changes.
func (s *Session) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	table := s.table
	started := s.started
	s.mu.Unlock()

	if !started {
		return NewFSError(OpReconcile, "", ErrNotMounted)
	}

	listing, err := s.engine.Entries(ctx)
	if err != nil {
		return NewFSError(OpReconcile, "", fmt.Errorf("listing archive: %w", err))
	}
	added, removed := table.Reconcile(listing)
	sessionLogger.Info("Reconciled archive listing: %d added, %d removed", added, removed)
	return nil
}

// QueryFileInPath reports whether file lies below dir inside the mount.
// The drag source uses it to tell files served by this mount from others.
func (s *Session) QueryFileInPath(file, dir string) bool {
	mountDir := s.MountDir()
	if mountDir == "" || file == "" || dir == "" {
		return false
	}

	test := filepath.Join(mountDir, filepath.FromSlash(inode.Canonical(dir)))
	if _, err := os.Stat(test); err != nil {
		return false
	}

	rel, err := filepath.Rel(test, filepath.Clean(file))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// LastError returns the most recent failure of an asynchronous operation
// (extraction, staged file load or removal, request loop).
func (s *Session) LastError() error {
	return s.errs.last()
}

// Close unmounts if needed, removes the mount and work directories and
// closes the engine. If the unmount fails nothing else is released and
// Close may be called again.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	// The directories cannot be removed while still mounted.
	if err := s.unmount(); err != nil {
		return err
	}
	s.closed = true

	var errs []error
	if err := s.area.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := s.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
