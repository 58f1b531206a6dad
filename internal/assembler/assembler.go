// Package assembler restores chunk index order between the concurrent fetch
// layer and the sink, and finalizes the artifact.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/observability"
	"segmentdl/internal/sink"
)

// Remux results recorded in metrics.
const (
	remuxOK      = "ok"
	remuxFailed  = "failed"
	remuxSkipped = "skipped"
)

// Item is one terminal chunk outcome handed over by the scheduler.
type Item struct {
	Index  int
	Data   []byte
	Failed bool
}

// Remuxer rewraps a raw artifact into another container.
type Remuxer interface {
	Remux(ctx context.Context, src string) (string, error)
}

// Options configures an Assembler.
type Options struct {
	TaskID   string
	Range    entity.Range
	Format   entity.Format
	SpoolDir string
	Remuxer  Remuxer
}

// Assembler owns the reorder buffer of one task. It lives across scheduling
// passes so chunks parked behind a failed watermark survive until retried.
type Assembler struct {
	log     *slog.Logger
	metrics *observability.Metrics
	sink    sink.Sink
	opts    Options

	released atomic.Int64
	mark     atomic.Int64
	notify   chan struct{}

	mu        sync.Mutex
	watermark int
	pending   map[int][]byte
	spooled   map[int]string
	failed    map[int]struct{}
	written   int
	closed    bool
	// partial is what the sink left behind when Finalize failed.
	partial *entity.Artifact
}

// New creates an assembler writing into s.
func New(log *slog.Logger, metrics *observability.Metrics, s sink.Sink, opts Options) *Assembler {
	if opts.SpoolDir == "" {
		opts.SpoolDir = filepath.Join(os.TempDir(), "segmentdl-spool")
	}

	a := &Assembler{
		log:       log.With(slog.String("package", "assembler"), slog.String("task_id", opts.TaskID)),
		metrics:   metrics,
		sink:      s,
		opts:      opts,
		notify:    make(chan struct{}, 1),
		watermark: opts.Range.Start,
		pending:   make(map[int][]byte),
		spooled:   make(map[int]string),
		failed:    make(map[int]struct{}),
	}

	a.mark.Store(-1)
	if s.Sequential() {
		a.mark.Store(int64(opts.Range.Start))
	}

	return a
}

// Sink returns the active sink.
func (a *Assembler) Sink() sink.Sink { return a.sink }

// Released returns how many received chunks have left memory, either
// written to the sink or spooled to disk.
func (a *Assembler) Released() int64 { return a.released.Load() }

// Watermark returns the lowest index a sequential sink still waits for,
// or -1 for sinks that accept any order.
func (a *Assembler) Watermark() int { return int(a.mark.Load()) }

// Notify is signalled after Released grows.
func (a *Assembler) Notify() <-chan struct{} { return a.notify }

// Run consumes items until in is closed or ctx is done.
func (a *Assembler) Run(ctx context.Context, in <-chan Item) error {
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case item, ok := <-in:
			if !ok {
				return nil
			}

			var err error
			if item.Failed {
				err = a.markFailed(item.Index)
			} else {
				err = a.put(ctx, item.Index, item.Data)
			}

			if err != nil {
				return err
			}
		}
	}
}

// Put hands one completed chunk to the assembler directly.
func (a *Assembler) Put(ctx context.Context, index int, data []byte) error {
	return a.put(ctx, index, data)
}

func (a *Assembler) put(ctx context.Context, index int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return &errs.SinkWriteError{Mode: string(a.sink.Mode()), Index: index, Err: errs.ErrSinkClosed}
	}

	if !a.sink.Sequential() {
		defer a.release(1)

		return a.write(ctx, index, data)
	}

	switch {
	case index == a.watermark:
		if err := a.write(ctx, index, data); err != nil {
			return err
		}

		a.release(1)

		return a.drain(ctx)
	case a.blocked(index):
		if err := a.spool(index, data); err != nil {
			return err
		}

		a.release(1)
	default:
		a.pending[index] = data
		a.metrics.AddReorderBuffered(1)
	}

	return nil
}

// blocked reports whether a permanently failed chunk sits below index.
func (a *Assembler) blocked(index int) bool {
	for f := range a.failed {
		if f < index {
			return true
		}
	}

	return false
}

func (a *Assembler) markFailed(index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.failed[index] = struct{}{}

	if !a.sink.Sequential() {
		return nil
	}

	for idx, data := range a.pending {
		if idx < index {
			continue
		}

		if err := a.spool(idx, data); err != nil {
			return err
		}

		delete(a.pending, idx)
		a.metrics.AddReorderBuffered(-1)
		a.release(1)
	}

	return nil
}

// drain advances the watermark over every contiguous chunk already held.
func (a *Assembler) drain(ctx context.Context) error {
	for {
		a.watermark++
		a.mark.Store(int64(a.watermark))

		if data, ok := a.pending[a.watermark]; ok {
			if err := a.write(ctx, a.watermark, data); err != nil {
				return err
			}

			delete(a.pending, a.watermark)
			a.metrics.AddReorderBuffered(-1)
			a.release(1)

			continue
		}

		if path, ok := a.spooled[a.watermark]; ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return &errs.SinkWriteError{Mode: string(a.sink.Mode()), Index: a.watermark, Err: fmt.Errorf("read spool: %w", err)}
			}

			if err := a.write(ctx, a.watermark, data); err != nil {
				return err
			}

			delete(a.spooled, a.watermark)
			_ = os.Remove(path)

			continue
		}

		return nil
	}
}

func (a *Assembler) write(ctx context.Context, index int, data []byte) error {
	mode := string(a.sink.Mode())

	if err := a.sink.WriteChunk(ctx, index, data); err != nil {
		if !errors.Is(err, errs.ErrSinkWrite) {
			return err
		}

		a.metrics.RecordSinkWriteError(mode)

		return err
	}

	a.metrics.RecordSinkWrite(mode)
	a.written++

	return nil
}

func (a *Assembler) spool(index int, data []byte) error {
	dir := a.spoolDir()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errs.SinkWriteError{Mode: string(a.sink.Mode()), Index: index, Path: dir, Err: err}
	}

	path := filepath.Join(dir, fmt.Sprintf("%06d.chunk", index))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &errs.SinkWriteError{Mode: string(a.sink.Mode()), Index: index, Path: path, Err: err}
	}

	a.spooled[index] = path
	a.metrics.RecordChunkSpooled()
	a.log.Debug("chunk spooled", slog.Int("index", index))

	return nil
}

func (a *Assembler) spoolDir() string {
	return filepath.Join(a.opts.SpoolDir, a.opts.TaskID)
}

func (a *Assembler) release(n int64) {
	a.released.Add(n)

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Retry clears the failed marks of indices before they are fetched again.
func (a *Assembler) Retry(indices []int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, idx := range indices {
		delete(a.failed, idx)
	}
}

// Complete reports whether every chunk of the range reached the sink.
func (a *Assembler) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.written == a.opts.Range.Count()
}

// Buffered returns the indices held in memory and on disk, in order.
func (a *Assembler) Buffered() (memory, spooled []int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for idx := range a.pending {
		memory = append(memory, idx)
	}

	for idx := range a.spooled {
		spooled = append(spooled, idx)
	}

	slices.Sort(memory)
	slices.Sort(spooled)

	return memory, spooled
}

// Finalize completes the sink and runs the remux step for remuxed output.
// A remux failure degrades to the raw artifact with a warning.
func (a *Assembler) Finalize(ctx context.Context) (entity.Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return entity.Artifact{}, errs.ErrSinkClosed
	}

	if a.written != a.opts.Range.Count() {
		return entity.Artifact{}, fmt.Errorf("finalize with %d of %d chunks written", a.written, a.opts.Range.Count())
	}

	a.closed = true
	defer a.cleanup()

	art, err := a.sink.Finalize(ctx)
	if err != nil {
		if errors.Is(err, errs.ErrSinkWrite) {
			a.metrics.RecordSinkWriteError(string(a.sink.Mode()))
		}

		a.partial = a.sink.Abort(err)

		return entity.Artifact{}, err
	}

	if a.opts.Format != entity.FormatRemux {
		return art, nil
	}

	return a.remux(ctx, art), nil
}

func (a *Assembler) remux(ctx context.Context, art entity.Artifact) entity.Artifact {
	if art.Mode == entity.SinkStream {
		art.Warning = "remux is not available for streamed output, delivered raw"
		a.metrics.RecordRemux(remuxSkipped)

		return art
	}

	if a.opts.Remuxer == nil {
		art.Warning = "remux is not available, delivered raw"
		a.metrics.RecordRemux(remuxSkipped)

		return art
	}

	dst, err := a.opts.Remuxer.Remux(ctx, art.Path)
	if err != nil {
		a.log.WarnContext(ctx, "remux failed, keeping raw artifact", slog.Any("error", err))
		a.metrics.RecordRemux(remuxFailed)

		art.Warning = fmt.Sprintf("remux failed, delivered raw: %v", err)

		return art
	}

	a.metrics.RecordRemux(remuxOK)

	if info, err := os.Stat(dst); err == nil {
		art.Size = info.Size()
	}

	_ = os.Remove(art.Path)

	art.Path = dst
	art.Format = entity.FormatRemux

	return art
}

// Abort releases the sink and discards buffered chunks. It returns the
// partial artifact a fatal error or a failed Finalize left behind, if any.
func (a *Assembler) Abort(cause error) *entity.Artifact {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		partial := a.partial
		a.partial = nil

		return partial
	}

	a.closed = true
	a.cleanup()

	return a.sink.Abort(cause)
}

func (a *Assembler) cleanup() {
	if n := len(a.pending); n > 0 {
		a.metrics.AddReorderBuffered(-n)
	}

	a.pending = make(map[int][]byte)
	a.spooled = make(map[int]string)

	_ = os.RemoveAll(a.spoolDir())
}
