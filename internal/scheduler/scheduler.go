// Package scheduler drives one task's chunk fetches with bounded concurrency.
//
// A single loop goroutine owns the cursor, the retry queue and the in-flight
// count. Each fetch runs in its own goroutine and reports back on a results
// channel. Completed chunks go to the assembler goroutine in completion order.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"segmentdl/internal/assembler"
	"segmentdl/internal/control"
	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/observability"
	"segmentdl/internal/retry"
)

// Fetcher retrieves one attempt of a chunk.
type Fetcher interface {
	Fetch(ctx context.Context, c entity.Chunk, attempt int) ([]byte, error)
}

// Options configures a Scheduler.
type Options struct {
	Concurrency int
	Retry       retry.Policy
	Fetcher     Fetcher
	Gate        *control.Gate
	Assembler   *assembler.Assembler
	// Publish receives a chunk event after every terminal chunk transition.
	// It must not block.
	Publish func(entity.ProgressEvent)
}

// Scheduler runs scheduling passes for one task.
type Scheduler struct {
	log     *slog.Logger
	metrics *observability.Metrics
	task    *entity.Task
	opts    Options
}

// New creates a scheduler for task.
func New(log *slog.Logger, metrics *observability.Metrics, task *entity.Task, opts Options) *Scheduler {
	opts.Concurrency = max(opts.Concurrency, 1)

	if opts.Gate == nil {
		opts.Gate = control.NewGate()
	}

	if opts.Publish == nil {
		opts.Publish = func(entity.ProgressEvent) {}
	}

	return &Scheduler{
		log:     log.With(slog.String("package", "scheduler"), slog.String("task_id", task.ID)),
		metrics: metrics,
		task:    task,
		opts:    opts,
	}
}

type result struct {
	index   int
	attempt int
	data    []byte
	err     error
}

type retryEntry struct {
	index   int
	readyAt time.Time
}

// Run executes one pass over indices, which must be pending chunks in
// ascending order. It returns nil when every index is done or permanently
// failed, the cancellation cause when ctx ends, or the fatal sink error.
// No fetch, sink write or progress event happens after Run returns.
func (s *Scheduler) Run(ctx context.Context, indices []int) error {
	g, gctx := errgroup.WithContext(ctx)

	// One terminal item per index, so sends never block.
	items := make(chan assembler.Item, len(indices))

	g.Go(func() error {
		return s.opts.Assembler.Run(gctx, items)
	})

	g.Go(func() error {
		defer close(items)

		return s.loop(gctx, indices, items)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, errs.ErrSinkWrite) && ctx.Err() != nil {
		return context.Cause(ctx)
	}

	return err
}

type pass struct {
	*Scheduler

	indices  []int
	cursor   int
	retries  []retryEntry
	backoffs map[int]backoff.BackOff
	inflight int
	running  map[int]struct{}
	sent     int64
	results  chan result
	items    chan<- assembler.Item
}

func (s *Scheduler) loop(ctx context.Context, indices []int, items chan<- assembler.Item) error {
	p := &pass{
		Scheduler: s,
		indices:   indices,
		running:   make(map[int]struct{}, s.opts.Concurrency),
		backoffs:  make(map[int]backoff.BackOff),
		results:   make(chan result, s.opts.Concurrency),
		items:     items,
	}

	for {
		p.dispatch(ctx)

		if p.cursor == len(p.indices) && p.inflight == 0 && len(p.retries) == 0 {
			return nil
		}

		var resumed <-chan struct{}
		if s.opts.Gate.Paused() {
			resumed = s.opts.Gate.Ready()
		}

		var retryReady <-chan time.Time
		if wait, ok := p.nextRetryIn(); ok {
			retryReady = time.After(wait)
		}

		select {
		case <-ctx.Done():
			p.abandon()

			return context.Cause(ctx)
		case r := <-p.results:
			p.inflight--
			delete(p.running, r.index)
			p.handle(ctx, r)
		case <-resumed:
		case <-retryReady:
		case <-s.opts.Assembler.Notify():
		}
	}
}

// dispatch starts fetches while a slot is free and the gate is open.
// Due retries go first; ahead already counts them. New indices are taken
// only while the chunks that may end up in the reorder buffer stay below
// the concurrency.
func (p *pass) dispatch(ctx context.Context) {
	c := p.opts.Concurrency

	for p.inflight < c && !p.opts.Gate.Paused() && ctx.Err() == nil {
		idx, ok := p.popRetry()
		if !ok {
			if p.cursor == len(p.indices) || p.ahead() >= c {
				return
			}

			idx = p.indices[p.cursor]
			p.cursor++
		}

		p.start(ctx, idx)
	}
}

// ahead counts buffered chunks plus in-flight and retry-queued chunks
// other than the watermark, i.e. everything that may occupy the reorder buffer.
func (p *pass) ahead() int {
	mark := p.opts.Assembler.Watermark()
	n := int(p.sent - p.opts.Assembler.Released())

	for idx := range p.running {
		if idx != mark {
			n++
		}
	}

	for _, r := range p.retries {
		if r.index != mark {
			n++
		}
	}

	return n
}

func (p *pass) popRetry() (int, bool) {
	now := time.Now()

	for i, r := range p.retries {
		if !r.readyAt.After(now) {
			p.retries = append(p.retries[:i], p.retries[i+1:]...)

			return r.index, true
		}
	}

	return 0, false
}

func (p *pass) nextRetryIn() (time.Duration, bool) {
	if len(p.retries) == 0 {
		return 0, false
	}

	earliest := p.retries[0].readyAt
	for _, r := range p.retries[1:] {
		if r.readyAt.Before(earliest) {
			earliest = r.readyAt
		}
	}

	return max(time.Until(earliest), 0), true
}

func (p *pass) start(ctx context.Context, idx int) {
	attempt, err := p.task.Begin(idx)
	if err != nil {
		p.log.Warn("skipping chunk", slog.Int("index", idx), slog.Any("error", err))

		return
	}

	p.inflight++
	p.running[idx] = struct{}{}

	chunk := p.task.Chunk(idx)

	go func() {
		data, err := p.opts.Fetcher.Fetch(ctx, chunk, attempt)
		p.results <- result{index: idx, attempt: attempt, data: data, err: err}
	}()
}

func (p *pass) handle(ctx context.Context, r result) {
	log := p.log.With(slog.Int("index", r.index), slog.Int("attempt", r.attempt))

	switch {
	case r.err == nil:
		if err := p.task.Complete(r.index); err != nil {
			log.Error("complete chunk", slog.Any("error", err))

			return
		}

		p.sent++
		p.items <- assembler.Item{Index: r.index, Data: r.data}
		p.opts.Publish(p.task.Event(entity.EventChunk, r.index))

	case ctx.Err() != nil:
		_ = p.task.Requeue(r.index)

	case p.opts.Retry.ShouldRetry(r.attempt):
		_ = p.task.Requeue(r.index)

		b, ok := p.backoffs[r.index]
		if !ok {
			b = p.opts.Retry.NewBackOff()
			p.backoffs[r.index] = b
		}

		delay := b.NextBackOff()
		p.retries = append(p.retries, retryEntry{index: r.index, readyAt: time.Now().Add(delay)})
		p.metrics.RecordChunkRetried()

		log.Debug("chunk attempt failed, retrying", slog.Duration("delay", delay), slog.Any("error", r.err))

	default:
		if err := p.task.Fail(r.index); err != nil {
			log.Error("fail chunk", slog.Any("error", err))

			return
		}

		p.metrics.RecordChunkFailed()
		p.items <- assembler.Item{Index: r.index, Failed: true}
		p.opts.Publish(p.task.Event(entity.EventChunk, r.index))

		log.Warn("chunk failed permanently", slog.Any("error", r.err))
	}
}

// abandon waits for in-flight fetches to observe cancellation and returns
// their chunks to pending. Nothing is published.
func (p *pass) abandon() {
	for ; p.inflight > 0; p.inflight-- {
		r := <-p.results
		delete(p.running, r.index)
		_ = p.task.Requeue(r.index)
	}

	p.retries = nil
}
