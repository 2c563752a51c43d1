package fs

import (
	"context"
	"errors"
	"sync"

	"arcmount/internal/archive"
	"arcmount/internal/logging"
	"arcmount/internal/staging"

	"bazil.org/fuse"
	"golang.org/x/sync/singleflight"
)

var (
	pipelineLogger = logging.GetLogger().WithPrefix("pipeline")
)

// readReplier is the part of *fuse.ReadRequest the pipeline needs. Exactly
// one of the two methods is called per request.
type readReplier interface {
	Respond(*fuse.ReadResponse)
	RespondError(error)
}

// stage is the step a read request is in.
type stage int

const (
	stageDispatch stage = iota
	stageExtract
	stageLoad
	stageReply
)

func (s stage) String() string {
	switch s {
	case stageDispatch:
		return "dispatch"
	case stageExtract:
		return "extract"
	case stageLoad:
		return "load"
	case stageReply:
		return "reply"
	default:
		return "unknown"
	}
}

// readTask carries one read request through the pipeline. The task owns
// the reply handle from the moment it is started until it is answered.
type readTask struct {
	ino    uint64
	entry  archive.Entry
	offset int64
	size   int
	reply  readReplier
	stage  stage
}

// pipeline turns reads into extract-if-absent, load, reply. The staged
// file on disk is authoritative: once it exists the engine is not asked
// again until release removes it.
type pipeline struct {
	engine   archive.Engine
	area     *staging.Area
	password string
	errs     *errorSlot

	// sessionCtx bounds extractions. Extractions are shared by every
	// reader waiting on the same member, so they must not die with the
	// request that happened to start them.
	sessionCtx context.Context
	extracts   singleflight.Group
	wg         sync.WaitGroup
}

func newPipeline(ctx context.Context, engine archive.Engine, area *staging.Area, password string, errs *errorSlot) *pipeline {
	return &pipeline{
		engine:     engine,
		area:       area,
		password:   password,
		errs:       errs,
		sessionCtx: ctx,
	}
}

// start runs the task asynchronously; the caller returns to the request
// loop immediately.
func (p *pipeline) start(ctx context.Context, task *readTask) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, task)
	}()
}

// wait blocks until every started task has replied.
func (p *pipeline) wait() {
	p.wg.Wait()
}

func (p *pipeline) run(ctx context.Context, task *readTask) {
	data, err := p.execute(ctx, task)
	if err != nil {
		fsErr := NewFSError(OpRead, task.entry.FullPath, err)
		pipelineLogger.Debug("Read of inode %d failed in %s stage: %v", task.ino, task.stage, err)
		if !errors.Is(err, context.Canceled) {
			p.errs.record(fsErr)
		}
		task.reply.RespondError(ToFuseError(fsErr))
		return
	}

	task.stage = stageReply
	pipelineLogger.Trace("Replying %d bytes for inode %d at offset %d", len(data), task.ino, task.offset)
	task.reply.Respond(&fuse.ReadResponse{Data: data})
}

func (p *pipeline) execute(ctx context.Context, task *readTask) ([]byte, error) {
	task.stage = stageExtract
	if err := p.extract(ctx, task.entry); err != nil {
		return nil, err
	}

	task.stage = stageLoad
	return p.area.ReadAt(ctx, task.entry.OriginalPath, task.offset, task.size)
}

// extract stages the member unless it is already on disk. Concurrent
// callers for the same member share one engine call.
func (p *pipeline) extract(ctx context.Context, e archive.Entry) error {
	if p.area.Exists(e.OriginalPath) {
		return nil
	}

	ch := p.extracts.DoChan(e.OriginalPath, func() (interface{}, error) {
		if p.area.Exists(e.OriginalPath) {
			return nil, nil
		}
		pipelineLogger.Debug("Extracting %q into %s", e.OriginalPath, p.area.WorkDir())
		err := p.engine.Extract(p.sessionCtx, archive.ExtractRequest{
			Paths:     []string{e.OriginalPath},
			Dest:      p.area.WorkDir(),
			Overwrite: false,
			Password:  p.password,
		})
		// Another extraction may have won the race to the final path.
		if errors.Is(err, archive.ErrExists) && p.area.Exists(e.OriginalPath) {
			return nil, nil
		}
		if err != nil {
			return nil, NewFSError(OpExtract, e.OriginalPath, err)
		}
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
