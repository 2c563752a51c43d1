package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"arcmount/internal/logging"
)

var (
	archiveLogger = logging.GetLogger().WithPrefix("archive")

	// ErrNotInArchive indicates a requested member is missing from the archive.
	ErrNotInArchive = errors.New("member not in archive")

	// ErrExists indicates the destination file exists and overwrite is off.
	ErrExists = errors.New("destination already exists")

	// ErrEncrypted indicates the member is encrypted; decryption is not supported.
	ErrEncrypted = errors.New("encrypted archive members are not supported")

	// ErrUnknownFormat indicates the archive format could not be determined.
	ErrUnknownFormat = errors.New("unknown archive format")
)

// ExtractRequest describes one extraction call.
type ExtractRequest struct {
	// Paths are member names as reported in Entry.OriginalPath.
	Paths []string
	// Dest is the directory members are extracted under, keeping their
	// in-archive directory structure.
	Dest string
	// Overwrite replaces existing files. With Overwrite off an existing
	// destination fails the extraction with ErrExists.
	Overwrite bool
	Password  string
}

// Engine lists and extracts archive members.
type Engine interface {
	// Entries returns the current listing. It is called at mount time and
	// on every reconcile, so implementations must re-read the archive.
	Entries(ctx context.Context) ([]Entry, error)
	// Extract writes the requested members below req.Dest. A member file
	// appears at its final path only once it is complete.
	Extract(ctx context.Context, req ExtractRequest) error
	Close() error
}

// Format selects an engine implementation.
type Format string

const (
	FormatAuto Format = "auto"
	FormatTar  Format = "tar"
	FormatZip  Format = "zip"
)

// Options configures Open.
type Options struct {
	Format Format
	Tar    TarOptions
}

// Open returns an engine for the archive at archivePath.
func Open(archivePath string, opts Options) (Engine, error) {
	format := opts.Format
	if format == "" || format == FormatAuto {
		detected, err := DetectFormat(archivePath)
		if err != nil {
			return nil, err
		}
		format = detected
	}

	archiveLogger.Debug("Opening %s as %s", archivePath, format)
	switch format {
	case FormatTar:
		return NewTarEngine(archivePath, opts.Tar), nil
	case FormatZip:
		return NewZipEngine(archivePath), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

var zipMagic = []byte("PK\x03\x04")

// DetectFormat sniffs the archive header. Anything that is not a zip file
// is handed to the tar engine, which detects its own stream compression.
func DetectFormat(archivePath string) (Format, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(zipMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading archive header: %w", err)
	}
	if bytes.Equal(header[:n], zipMagic) || strings.EqualFold(filepath.Ext(archivePath), ".zip") {
		return FormatZip, nil
	}
	return FormatTar, nil
}

// DestPath returns where a member named originalPath lands below dest.
// The name is rooted before joining so that ".." segments cannot escape.
func DestPath(dest, originalPath string) string {
	return filepath.Join(dest, filepath.FromSlash(path.Clean("/"+originalPath)))
}

// writeMember copies r to the member's destination path. The content goes
// to a temporary sibling first and is linked into place, so concurrent
// readers never observe a partially written file.
func writeMember(dest, originalPath string, r io.Reader, mode os.FileMode, overwrite bool) error {
	target := DestPath(dest, originalPath)
	if !overwrite {
		if _, err := os.Lstat(target); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, target)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", target, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".arcmount-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", target, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := tmp.Chmod(mode.Perm() | 0o400); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", target, err)
	}

	if overwrite {
		if err := os.Rename(tmpName, target); err != nil {
			return fmt.Errorf("renaming into %s: %w", target, err)
		}
		return nil
	}
	if err := os.Link(tmpName, target); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, target)
		}
		return fmt.Errorf("linking into %s: %w", target, err)
	}
	return nil
}

// pending tracks which requested members an extraction still has to find.
type pending map[string]bool

func newPending(paths []string) pending {
	p := make(pending, len(paths))
	for _, name := range paths {
		p[name] = true
	}
	return p
}

func (p pending) err() error {
	if len(p) == 0 {
		return nil
	}
	missing := make([]string, 0, len(p))
	for name := range p {
		missing = append(missing, name)
	}
	return fmt.Errorf("%w: %s", ErrNotInArchive, strings.Join(missing, ", "))
}
