package fs

import (
	"context"
	"errors"
	"io"
	"sync"

	"arcmount/internal/logging"

	"bazil.org/fuse"
	"golang.org/x/sys/unix"
)

var (
	serveLogger = logging.GetLogger().WithPrefix("serve")
)

// Channel is the kernel side of a mount: a request source that can be
// unmounted and closed.
type Channel interface {
	ReadRequest() (fuse.Request, error)
	Unmount() error
	Close() error
}

// server is the request loop of one mount.
type server struct {
	fsys *fileSystem
	ch   Channel
	ctx  context.Context

	mu       sync.Mutex
	inflight map[fuse.RequestID]context.CancelFunc
}

func newServer(ctx context.Context, fsys *fileSystem, ch Channel) *server {
	return &server{
		fsys:     fsys,
		ch:       ch,
		ctx:      ctx,
		inflight: make(map[fuse.RequestID]context.CancelFunc),
	}
}

// serve reads and dispatches requests until the channel reports EOF,
// which happens once the filesystem is unmounted.
func (s *server) serve() error {
	for {
		req, err := s.ch.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				serveLogger.Debug("Channel closed, request loop exiting")
				return nil
			}
			return err
		}
		serveLogger.Trace("<- %v", req)
		s.dispatch(req)
	}
}

func (s *server) dispatch(r fuse.Request) {
	switch req := r.(type) {
	case *fuse.LookupRequest:
		resp, err := s.fsys.lookup(uint64(req.Node), req.Name)
		if err != nil {
			req.RespondError(ToFuseError(err))
			return
		}
		req.Respond(resp)

	case *fuse.GetattrRequest:
		attr, err := s.fsys.getattr(uint64(req.Node))
		if err != nil {
			req.RespondError(ToFuseError(err))
			return
		}
		req.Respond(&fuse.GetattrResponse{Attr: attr})

	case *fuse.OpenRequest:
		if req.Dir {
			if err := s.fsys.opendir(uint64(req.Node)); err != nil {
				req.RespondError(ToFuseError(err))
				return
			}
			req.Respond(&fuse.OpenResponse{})
			return
		}
		resp, err := s.fsys.open(uint64(req.Node), req.Flags)
		if err != nil {
			req.RespondError(ToFuseError(err))
			return
		}
		req.Respond(resp)

	case *fuse.ReadRequest:
		if req.Dir {
			data, err := s.fsys.readdir(uint64(req.Node), req.Size, req.Offset)
			if err != nil {
				req.RespondError(ToFuseError(err))
				return
			}
			req.Respond(&fuse.ReadResponse{Data: data})
			return
		}
		ctx, reply := s.track(req)
		s.fsys.read(ctx, uint64(req.Node), req.Size, req.Offset, reply)

	case *fuse.ReleaseRequest:
		if !req.Dir {
			s.fsys.release(uint64(req.Node))
		}
		req.Respond()

	case *fuse.InterruptRequest:
		s.interrupt(req.IntrID)
		req.Respond()

	case *fuse.StatfsRequest:
		req.Respond(&fuse.StatfsResponse{
			Bsize:   4096,
			Frsize:  4096,
			Namelen: 255,
			Files:   uint64(s.fsys.table.Len()),
		})

	default:
		if respond, ok := acknowledgement(r); ok {
			respond()
			return
		}
		serveLogger.Trace("Unsupported request %v", r)
		r.RespondError(fuse.Errno(unix.ENOSYS))
	}
}

// acknowledgement returns the reply for requests that carry nothing back.
// Forget and batch forget must not be answered on the wire at all.
func acknowledgement(r fuse.Request) (func(), bool) {
	switch req := r.(type) {
	case *fuse.FlushRequest:
		return req.Respond, true
	case *fuse.ForgetRequest:
		return req.Respond, true
	case *fuse.BatchForgetRequest:
		return req.Respond, true
	case *fuse.DestroyRequest:
		return req.Respond, true
	default:
		return nil, false
	}
}

// track derives a cancellable context for an asynchronous read so that a
// kernel interrupt can abort it, and wraps the reply to forget the request
// once it is answered.
func (s *server) track(req *fuse.ReadRequest) (context.Context, readReplier) {
	ctx, cancel := context.WithCancel(s.ctx)
	id := req.Hdr().ID

	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()

	return ctx, &trackedReply{
		readReplier: newOnceReply(req),
		done: func() {
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
			cancel()
		},
	}
}

func (s *server) interrupt(id fuse.RequestID) {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	s.mu.Unlock()
	if ok {
		serveLogger.Debug("Interrupting request %v", id)
		cancel()
	}
}

type trackedReply struct {
	readReplier
	done func()
}

func (r *trackedReply) Respond(resp *fuse.ReadResponse) {
	r.readReplier.Respond(resp)
	r.done()
}

func (r *trackedReply) RespondError(err error) {
	r.readReplier.RespondError(err)
	r.done()
}

// onceReply drops every reply after the first, so no code path can answer
// a request twice.
type onceReply struct {
	once  sync.Once
	inner readReplier
}

func newOnceReply(inner readReplier) *onceReply {
	return &onceReply{inner: inner}
}

func (r *onceReply) Respond(resp *fuse.ReadResponse) {
	r.once.Do(func() { r.inner.Respond(resp) })
}

func (r *onceReply) RespondError(err error) {
	r.once.Do(func() { r.inner.RespondError(err) })
}

// fuseChannel adapts a bazil connection to Channel.
type fuseChannel struct {
	*fuse.Conn
	dir string
}

func (c *fuseChannel) Unmount() error {
	return fuse.Unmount(c.dir)
}

// Mounter opens the kernel channel for a mount directory.
type Mounter func(dir string) (Channel, error)

const (
	fsName  = "arcmount"
	subtype = "arcmount"
)

// FuseMounter mounts dir read-only with kernel permission checks.
func FuseMounter(dir string) (Channel, error) {
	c, err := fuse.Mount(dir,
		fuse.FSName(fsName),
		fuse.Subtype(subtype),
		fuse.ReadOnly(),
		fuse.DefaultPermissions(),
	)
	if err != nil {
		return nil, err
	}
	return &fuseChannel{Conn: c, dir: dir}, nil
}
