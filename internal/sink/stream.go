package sink

import (
	"context"
	"io"
	"sync"

	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/intercept"
)

// Stream hands an ordered byte stream to the interception consumer registered
// for the task. Writes block until the consumer reads, so memory cost is one chunk.
type Stream struct {
	taskID   string
	filename string
	registry *intercept.Registry
	pw       *io.PipeWriter

	mu      sync.Mutex
	last    int
	written int64
	closed  bool
}

func newStream(opts Options) (*Stream, error) {
	if opts.Registry == nil {
		return nil, &errs.CapabilityError{Mode: string(entity.SinkStream)}
	}

	filename := opts.Name + RawExt

	pw, err := opts.Registry.Register(opts.TaskID, filename, rawContentType)
	if err != nil {
		return nil, &errs.SinkWriteError{Mode: string(entity.SinkStream), Index: -1, Err: err}
	}

	return &Stream{taskID: opts.TaskID, filename: filename, registry: opts.Registry, pw: pw, last: -1}, nil
}

func (s *Stream) Mode() entity.SinkMode { return entity.SinkStream }

func (s *Stream) Sequential() bool { return true }

func (s *Stream) WriteChunk(ctx context.Context, index int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &errs.SinkWriteError{Mode: string(entity.SinkStream), Index: index, Err: errs.ErrSinkClosed}
	}

	if index <= s.last {
		return &errs.SinkWriteError{Mode: string(entity.SinkStream), Index: index, Err: errs.ErrSinkClosed}
	}

	// A blocked write must not outlive the task.
	stop := context.AfterFunc(ctx, func() {
		_ = s.pw.CloseWithError(context.Cause(ctx))
	})
	defer stop()

	n, err := s.pw.Write(data)
	s.written += int64(n)

	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		return &errs.SinkWriteError{Mode: string(entity.SinkStream), Index: index, Err: err}
	}

	s.last = index

	return nil
}

func (s *Stream) Finalize(ctx context.Context) (entity.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return entity.Artifact{}, errs.ErrSinkClosed
	}

	if err := ctx.Err(); err != nil {
		return entity.Artifact{}, context.Cause(ctx)
	}

	s.closed = true
	_ = s.pw.Close()
	s.registry.Unregister(s.taskID)

	return entity.Artifact{Mode: entity.SinkStream, Format: entity.FormatRaw, Path: s.filename, Size: s.written}, nil
}

func (s *Stream) Abort(cause error) *entity.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cause == nil {
		cause = errs.ErrTaskCancelled
	}

	s.closed = true
	_ = s.pw.CloseWithError(cause)
	s.registry.Unregister(s.taskID)

	return nil
}
