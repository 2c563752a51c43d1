package archive

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// flagEncrypted is bit 0 of the zip general purpose flags.
const flagEncrypted = 0x1

// ZipEngine reads zip archives, including zstd-compressed members.
type ZipEngine struct {
	path string
}

// NewZipEngine creates an engine for the zip archive at path.
func NewZipEngine(path string) *ZipEngine {
	return &ZipEngine{path: path}
}

func (e *ZipEngine) open() (*zip.ReadCloser, error) {
	zr, err := zip.OpenReader(e.path)
	if err != nil {
		return nil, fmt.Errorf("opening zip archive: %w", err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	return zr, nil
}

// Entries implements Engine.
func (e *ZipEngine) Entries(ctx context.Context) ([]Entry, error) {
	zr, err := e.open()
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	members := make([]member, 0, len(zr.File))
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info := f.FileInfo()
		if !info.IsDir() && !info.Mode().IsRegular() {
			archiveLogger.Trace("Skipping zip member %q with mode %v", f.Name, info.Mode())
			continue
		}
		members = append(members, member{
			name:    f.Name,
			isDir:   info.IsDir(),
			size:    f.UncompressedSize64,
			mode:    info.Mode(),
			modTime: f.Modified,
		})
	}
	archiveLogger.Debug("Listed %d zip members from %s", len(members), e.path)
	return buildListing(members), nil
}

// Extract implements Engine.
func (e *ZipEngine) Extract(ctx context.Context, req ExtractRequest) error {
	zr, err := e.open()
	if err != nil {
		return err
	}
	defer zr.Close()

	want := newPending(req.Paths)
	for _, f := range zr.File {
		if len(want) == 0 {
			break
		}
		if !want[f.Name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.Flags&flagEncrypted != 0 {
			return fmt.Errorf("%w: %s", ErrEncrypted, f.Name)
		}
		if err := e.extractOne(f, req); err != nil {
			return err
		}
		delete(want, f.Name)
	}
	return want.err()
}

func (e *ZipEngine) extractOne(f *zip.File, req ExtractRequest) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening zip member %q: %w", f.Name, err)
	}
	defer rc.Close()
	return writeMember(req.Dest, f.Name, rc, f.Mode(), req.Overwrite)
}

// Close implements Engine.
func (e *ZipEngine) Close() error {
	return nil
}
