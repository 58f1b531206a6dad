package sink

import (
	"context"
	"path/filepath"
	"slices"
	"sync"

	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
)

// Buffered keeps every chunk in memory, keyed by index, and writes the
// concatenation once on Finalize. Memory cost is the total artifact size.
type Buffered struct {
	path string

	mu     sync.Mutex
	chunks map[int][]byte
	closed bool
}

func newBuffered(opts Options) *Buffered {
	return &Buffered{
		path:   filepath.Join(opts.Dir, opts.Name+RawExt),
		chunks: make(map[int][]byte),
	}
}

func (b *Buffered) Mode() entity.SinkMode { return entity.SinkBuffered }

// Sequential is false: chunks are ordered at Finalize.
func (b *Buffered) Sequential() bool { return false }

func (b *Buffered) WriteChunk(ctx context.Context, index int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &errs.SinkWriteError{Mode: string(entity.SinkBuffered), Index: index, Err: errs.ErrSinkClosed}
	}

	b.chunks[index] = data

	return nil
}

func (b *Buffered) Finalize(ctx context.Context) (entity.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return entity.Artifact{}, errs.ErrSinkClosed
	}

	b.closed = true

	if err := ctx.Err(); err != nil {
		b.chunks = nil

		return entity.Artifact{}, context.Cause(ctx)
	}

	indices := make([]int, 0, len(b.chunks))
	for idx := range b.chunks {
		indices = append(indices, idx)
	}

	slices.Sort(indices)

	ordered := make([][]byte, 0, len(indices))
	for _, idx := range indices {
		ordered = append(ordered, b.chunks[idx])
	}

	b.chunks = nil

	size, err := writeFileAtomic(b.path, ordered)
	if err != nil {
		return entity.Artifact{}, &errs.SinkWriteError{Mode: string(entity.SinkBuffered), Index: -1, Path: b.path, Err: err}
	}

	return entity.Artifact{Mode: entity.SinkBuffered, Format: entity.FormatRaw, Path: b.path, Size: size}, nil
}

func (b *Buffered) Abort(error) *entity.Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.chunks = nil

	return nil
}
