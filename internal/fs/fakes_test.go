package fs

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"arcmount/internal/archive"
	"arcmount/internal/inode"
	"arcmount/internal/staging"

	"bazil.org/fuse"
	"github.com/stretchr/testify/require"
)

// fakeEngine serves an in-memory archive.
type fakeEngine struct {
	mu      sync.Mutex
	entries []archive.Entry
	data    map[string][]byte

	extractErr error
	// gate, when set, blocks every extraction until it is closed or the
	// extraction context is done.
	gate chan struct{}

	extracts atomic.Int32
	closed   atomic.Bool
}

func sampleEntries() []archive.Entry {
	return []archive.Entry{
		{FullPath: "/a.txt", Path: "/", Name: "a.txt", OriginalPath: "a.txt", Size: 10},
		{FullPath: "/dir/", Path: "/", Name: "dir", OriginalPath: "dir/", IsDir: true, DirSize: 5},
		{FullPath: "/dir/b.txt", Path: "/dir/", Name: "b.txt", OriginalPath: "dir/b.txt", Size: 5},
	}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		entries: sampleEntries(),
		data: map[string][]byte{
			"a.txt":     []byte("0123456789"),
			"dir/b.txt": []byte("hello"),
		},
	}
}

func (e *fakeEngine) setEntries(entries []archive.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = entries
}

func (e *fakeEngine) Entries(ctx context.Context) ([]archive.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]archive.Entry(nil), e.entries...), nil
}

func (e *fakeEngine) Extract(ctx context.Context, req archive.ExtractRequest) error {
	e.extracts.Add(1)
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.extractErr != nil {
		return e.extractErr
	}
	for _, p := range req.Paths {
		data, ok := e.data[p]
		if !ok {
			return archive.ErrNotInArchive
		}
		dest := archive.DestPath(req.Dest, p)
		if _, err := os.Stat(dest); err == nil && !req.Overwrite {
			return archive.ErrExists
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// fakeChannel has no kernel behind it: it yields no requests and reports
// EOF once unmounted. Like a bazil connection, Close waits for a pending
// ReadRequest, which only returns after a successful unmount.
type fakeChannel struct {
	once       sync.Once
	gone       chan struct{}
	unmountErr error
	unmounts   atomic.Int32
	closes     atomic.Int32
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{gone: make(chan struct{})}
}

func (c *fakeChannel) ReadRequest() (fuse.Request, error) {
	<-c.gone
	return nil, io.EOF
}

func (c *fakeChannel) Unmount() error {
	c.unmounts.Add(1)
	if c.unmountErr != nil {
		return c.unmountErr
	}
	c.once.Do(func() { close(c.gone) })
	return nil
}

func (c *fakeChannel) Close() error {
	c.closes.Add(1)
	<-c.gone
	return nil
}

// fakeMounter hands out a fresh fakeChannel per mount and remembers them.
type fakeMounter struct {
	mu       sync.Mutex
	channels []*fakeChannel
	err      error
}

func (m *fakeMounter) mount(dir string) (Channel, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := newFakeChannel()
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
	return ch, nil
}

// replyRecorder captures the single reply sent for a read.
type replyRecorder struct {
	done chan struct{}
	data []byte
	err  error
}

func newReplyRecorder() *replyRecorder {
	return &replyRecorder{done: make(chan struct{})}
}

func (r *replyRecorder) Respond(resp *fuse.ReadResponse) {
	r.data = resp.Data
	close(r.done)
}

func (r *replyRecorder) RespondError(err error) {
	r.err = err
	close(r.done)
}

func (r *replyRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("read was never answered")
	}
}

func (r *replyRecorder) answered() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

type testFS struct {
	*fileSystem
	engine *fakeEngine
	errs   *errorSlot
	cancel context.CancelFunc
}

func setupTestFS(t *testing.T) *testFS {
	t.Helper()
	engine := newFakeEngine()

	area, err := staging.NewArea(t.TempDir(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = area.Destroy() })

	table := inode.NewTable()
	entries, err := engine.Entries(context.Background())
	require.NoError(t, err)
	table.Reconcile(entries)

	ctx, cancel := context.WithCancel(context.Background())
	errs := &errorSlot{}
	p := newPipeline(ctx, engine, area, "", errs)
	t.Cleanup(func() {
		cancel()
		p.wait()
	})

	return &testFS{
		fileSystem: newFileSystem(table, area, p, errs),
		engine:     engine,
		errs:       errs,
		cancel:     cancel,
	}
}

func (f *testFS) mustLookup(t *testing.T, parent uint64, name string) uint64 {
	t.Helper()
	resp, err := f.lookup(parent, name)
	require.NoError(t, err)
	return uint64(resp.Node)
}

func (f *testFS) readFile(t *testing.T, ctx context.Context, ino uint64, size int, offset int64) *replyRecorder {
	t.Helper()
	rec := newReplyRecorder()
	f.read(ctx, ino, size, offset, rec)
	rec.wait(t)
	return rec
}

type dirent struct {
	ino  uint64
	off  uint64
	typ  fuse.DirentType
	name string
}

// parseDirents decodes the kernel dirent records produced by
// fuse.AppendDirent.
func parseDirents(t *testing.T, buf []byte) []dirent {
	t.Helper()
	const header = 24
	var out []dirent
	for len(buf) > 0 {
		require.GreaterOrEqual(t, len(buf), header)
		namelen := int(binary.LittleEndian.Uint32(buf[16:20]))
		d := dirent{
			ino:  binary.LittleEndian.Uint64(buf[0:8]),
			off:  binary.LittleEndian.Uint64(buf[8:16]),
			typ:  fuse.DirentType(binary.LittleEndian.Uint32(buf[20:24])),
			name: string(buf[header : header+namelen]),
		}
		out = append(out, d)
		rec := (header + namelen + 7) &^ 7
		if rec > len(buf) {
			rec = len(buf)
		}
		buf = buf[rec:]
	}
	return out
}

func direntNames(ds []dirent) []string {
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		names = append(names, d.name)
	}
	return names
}

// returnsWithin runs fn and fails the test if it does not return in time.
func returnsWithin(t *testing.T, fn func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return")
		return nil
	}
}

var errBoom = errors.New("boom")
