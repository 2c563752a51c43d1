package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names a tar stream compression.
type Compression string

const (
	CompressionAuto  Compression = "auto"
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionZstd  Compression = "zstd"
	CompressionLZ4   Compression = "lz4"
	CompressionBzip2 Compression = "bzip2"
)

// TarOptions configures the tar engine.
type TarOptions struct {
	// Compression forces a stream compression; auto sniffs magic bytes.
	Compression Compression `mapstructure:"compression"`
}

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic   = []byte{0x04, 0x22, 0x4d, 0x18}
	bzip2Magic = []byte("BZh")
)

// TarEngine reads tar archives, optionally compressed. Every call reopens
// the file, so changes on disk are picked up by the next listing.
type TarEngine struct {
	path string
	opts TarOptions
}

// NewTarEngine creates an engine for the tar archive at path.
func NewTarEngine(path string, opts TarOptions) *TarEngine {
	if opts.Compression == "" {
		opts.Compression = CompressionAuto
	}
	return &TarEngine{path: path, opts: opts}
}

// Entries implements Engine.
func (e *TarEngine) Entries(ctx context.Context) ([]Entry, error) {
	var members []member
	err := e.walk(ctx, func(hdr *tar.Header, _ io.Reader) (bool, error) {
		switch hdr.Typeflag {
		case tar.TypeDir:
			members = append(members, member{
				name:    hdr.Name,
				isDir:   true,
				mode:    os.FileMode(hdr.Mode),
				modTime: hdr.ModTime,
			})
		case tar.TypeReg:
			members = append(members, member{
				name:    hdr.Name,
				size:    safeInt64ToUint64(hdr.Size),
				mode:    os.FileMode(hdr.Mode),
				modTime: hdr.ModTime,
			})
		default:
			archiveLogger.Trace("Skipping tar member %q of type %q", hdr.Name, hdr.Typeflag)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	archiveLogger.Debug("Listed %d tar members from %s", len(members), e.path)
	return buildListing(members), nil
}

// Extract implements Engine. Tar streams are sequential, so one pass picks
// up every requested member.
func (e *TarEngine) Extract(ctx context.Context, req ExtractRequest) error {
	want := newPending(req.Paths)
	err := e.walk(ctx, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if !want[hdr.Name] {
			return true, nil
		}
		if hdr.Typeflag != tar.TypeReg {
			return false, fmt.Errorf("tar member %q is not a regular file", hdr.Name)
		}
		if err := writeMember(req.Dest, hdr.Name, r, os.FileMode(hdr.Mode), req.Overwrite); err != nil {
			return false, err
		}
		delete(want, hdr.Name)
		return len(want) > 0, nil
	})
	if err != nil {
		return err
	}
	return want.err()
}

// Close implements Engine.
func (e *TarEngine) Close() error {
	return nil
}

// walk calls fn for every header until fn returns false or the stream ends.
func (e *TarEngine) walk(ctx context.Context, fn func(*tar.Header, io.Reader) (bool, error)) error {
	f, err := os.Open(e.path)
	if err != nil {
		return fmt.Errorf("opening tar archive: %w", err)
	}
	defer f.Close()

	stream, err := e.decompress(bufio.NewReader(f))
	if err != nil {
		return err
	}
	defer stream.Close()

	tr := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar header: %w", err)
		}
		more, err := fn(hdr, tr)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

func (e *TarEngine) decompress(br *bufio.Reader) (io.ReadCloser, error) {
	compression := e.opts.Compression
	if compression == CompressionAuto {
		compression = sniffCompression(br)
	}

	switch compression {
	case CompressionNone:
		return io.NopCloser(br), nil
	case CompressionGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return zr, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(br)), nil
	case CompressionBzip2:
		return io.NopCloser(bzip2.NewReader(br)), nil
	default:
		return nil, fmt.Errorf("%w: tar compression %q", ErrUnknownFormat, compression)
	}
}

func sniffCompression(br *bufio.Reader) Compression {
	head, _ := br.Peek(4)
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(head, zstdMagic):
		return CompressionZstd
	case bytes.HasPrefix(head, lz4Magic):
		return CompressionLZ4
	case bytes.HasPrefix(head, bzip2Magic):
		return CompressionBzip2
	default:
		return CompressionNone
	}
}

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
