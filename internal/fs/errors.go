// Package fs implements the archive filesystem on top of the FUSE
// low-level request protocol.
//
// This file contains error types and error handling utilities.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"arcmount/internal/archive"
	"arcmount/internal/logging"

	"bazil.org/fuse"
	"golang.org/x/sys/unix"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")

	// ErrNotFound indicates an inode or name is not in the table
	ErrNotFound = errors.New("no such entry")

	// ErrNotDir indicates a directory operation on something else
	ErrNotDir = errors.New("not a directory")

	// ErrIsDir indicates a file operation on a directory
	ErrIsDir = errors.New("is a directory")

	// ErrAccessDenied indicates a write access request on the read-only filesystem
	ErrAccessDenied = errors.New("access denied")

	// ErrNotMounted indicates an operation that needs a mounted session
	ErrNotMounted = errors.New("filesystem is not mounted")
)

// Error wraps filesystem errors with the operation and affected path.
type Error struct {
	Op   string // Operation that failed (e.g., "lookup", "read")
	Path string // Affected path or inode description
	Err  error  // Underlying error
}

// Error implements the error interface, providing a formatted error message
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %s on %s failed: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// NewFSError creates a new Error with the given operation, path, and underlying error
func NewFSError(op string, path string, err error) *Error {
	fsErr := &Error{
		Op:   op,
		Path: path,
		Err:  err,
	}
	errLogger.Trace("Created new FSError: %v", fsErr)
	return fsErr
}

// ToFuseError converts an error into the errno sent back to the kernel.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}

	var errno fuse.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, os.ErrNotExist):
		return fuse.Errno(unix.ENOENT)
	case errors.Is(err, ErrNotDir):
		return fuse.Errno(unix.ENOTDIR)
	case errors.Is(err, ErrIsDir):
		return fuse.Errno(unix.EISDIR)
	case errors.Is(err, ErrAccessDenied), errors.Is(err, archive.ErrEncrypted),
		errors.Is(err, os.ErrPermission):
		return fuse.Errno(unix.EACCES)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fuse.Errno(unix.ECANCELED)
	default:
		errLogger.Debug("Unmapped error, returning EIO: %v", err)
		return fuse.Errno(unix.EIO)
	}
}

// Common operation names for consistent logging and error reporting
const (
	OpLookup    = "lookup"
	OpGetattr   = "getattr"
	OpReadDir   = "readdir"
	OpOpen      = "open"
	OpRead      = "read"
	OpRelease   = "release"
	OpExtract   = "extract"
	OpMount     = "mount"
	OpReconcile = "reconcile"
)

// errorSlot keeps the most recent asynchronous failure, the only channel
// through which a background error reaches the session owner.
type errorSlot struct {
	mu  sync.Mutex
	err error
}

func (s *errorSlot) record(err error) {
	if err == nil {
		return
	}
	errLogger.Warn("%v", err)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *errorSlot) last() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
