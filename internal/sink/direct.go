package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
)

const partialExt = ".part"

// Direct writes chunks in index order straight into a ".part" file that is
// renamed on Finalize. Memory cost is one chunk.
type Direct struct {
	path string

	mu      sync.Mutex
	file    *os.File
	last    int
	written int64
	closed  bool
}

func newDirect(opts Options) (*Direct, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, &errs.SinkWriteError{Mode: string(entity.SinkDirect), Index: -1, Path: opts.Dir, Err: err}
	}

	path := filepath.Join(opts.Dir, opts.Name+RawExt)

	f, err := os.OpenFile(path+partialExt, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &errs.SinkWriteError{Mode: string(entity.SinkDirect), Index: -1, Path: path + partialExt, Err: err}
	}

	return &Direct{path: path, file: f, last: -1}, nil
}

func (d *Direct) Mode() entity.SinkMode { return entity.SinkDirect }

func (d *Direct) Sequential() bool { return true }

func (d *Direct) WriteChunk(ctx context.Context, index int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return d.fail(index, errs.ErrSinkClosed)
	}

	if index <= d.last {
		return d.fail(index, fmt.Errorf("out of order write after chunk %d", d.last))
	}

	n, err := d.file.Write(data)
	d.written += int64(n)

	if err != nil {
		return d.fail(index, err)
	}

	d.last = index

	return nil
}

func (d *Direct) fail(index int, err error) *errs.SinkWriteError {
	return &errs.SinkWriteError{
		Mode:    string(entity.SinkDirect),
		Index:   index,
		Path:    d.path + partialExt,
		Partial: d.written > 0,
		Err:     err,
	}
}

func (d *Direct) Finalize(ctx context.Context) (entity.Artifact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return entity.Artifact{}, errs.ErrSinkClosed
	}

	if err := ctx.Err(); err != nil {
		return entity.Artifact{}, context.Cause(ctx)
	}

	d.closed = true

	err := d.file.Sync()
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}

	if err == nil {
		err = os.Rename(d.path+partialExt, d.path)
	}

	if err != nil {
		return entity.Artifact{}, d.fail(d.last, err)
	}

	return entity.Artifact{Mode: entity.SinkDirect, Format: entity.FormatRaw, Path: d.path, Size: d.written}, nil
}

// Abort closes the file. Cancellation removes it; any other cause leaves the
// bytes on disk and reports them as a partial artifact.
func (d *Direct) Abort(cause error) *entity.Artifact {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		_ = d.file.Close()
	}

	partial := d.path + partialExt

	if errors.Is(cause, errs.ErrTaskCancelled) || errors.Is(cause, context.Canceled) || d.written == 0 {
		_ = os.Remove(partial)

		return nil
	}

	return &entity.Artifact{
		Mode:    entity.SinkDirect,
		Format:  entity.FormatRaw,
		Path:    partial,
		Size:    d.written,
		Partial: true,
		Warning: "partial artifact left after a fatal error; it is not a valid result",
	}
}
