// Package staging manages the private directories a mount session owns: the
// mount point the filesystem is exposed on and the work directory archive
// members are extracted into before being served.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"arcmount/internal/archive"
	"arcmount/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("staging")
)

// Area is one session's pair of temporary directories.
type Area struct {
	mountDir string
	workDir  string
}

// NewArea creates the mount and work directories below baseDir. An empty
// baseDir means os.TempDir(). The session id keeps concurrent mounts apart.
func NewArea(baseDir, sessionID string) (*Area, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	logger.Debug("Creating staging area in %s for session %s", baseDir, sessionID)

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory %s: %w", baseDir, err)
	}

	mountDir, err := os.MkdirTemp(baseDir, "arcmount-"+sessionID+"-mnt-")
	if err != nil {
		return nil, fmt.Errorf("failed to create mount directory: %w", err)
	}

	workDir, err := os.MkdirTemp(baseDir, "arcmount-"+sessionID+"-work-")
	if err != nil {
		os.RemoveAll(mountDir)
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	if err := os.Chmod(workDir, 0o700); err != nil {
		os.RemoveAll(mountDir)
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("failed to restrict work directory: %w", err)
	}

	logger.Info("Mount directory %s, extracting into %s", mountDir, workDir)
	return &Area{mountDir: mountDir, workDir: workDir}, nil
}

// MountDir is where the filesystem is mounted.
func (a *Area) MountDir() string {
	return a.mountDir
}

// WorkDir is where members are extracted.
func (a *Area) WorkDir() string {
	return a.workDir
}

// Path returns the staged location of the member named originalPath.
func (a *Area) Path(originalPath string) string {
	return archive.DestPath(a.workDir, originalPath)
}

// Exists reports whether the member has been staged.
func (a *Area) Exists(originalPath string) bool {
	info, err := os.Stat(a.Path(originalPath))
	return err == nil && info.Mode().IsRegular()
}

// ReadAt reads up to size bytes of the staged member starting at offset.
// Reading at or past the end yields an empty slice.
func (a *Area) ReadAt(ctx context.Context, originalPath string, offset int64, size int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(a.Path(originalPath))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if offset < 0 || size <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// Remove deletes the staged copy of a member. A member that was never
// staged is not an error.
func (a *Area) Remove(originalPath string) error {
	err := os.Remove(a.Path(originalPath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove staged file: %w", err)
	}
	return nil
}

// Destroy removes both directories recursively. The filesystem must
// already be unmounted.
func (a *Area) Destroy() error {
	logger.Debug("Removing %s and %s", a.mountDir, a.workDir)
	return errors.Join(
		os.RemoveAll(a.mountDir),
		os.RemoveAll(a.workDir),
	)
}
