package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"segmentdl/internal/assembler"
	"segmentdl/internal/control"
	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/fetch"
	"segmentdl/internal/progress"
	"segmentdl/internal/retry"
	"segmentdl/internal/scheduler"
	"segmentdl/internal/sink"
)

type passState int

const (
	passIdle passState = iota
	passQueued
	passRunning
)

// runner owns everything one task needs for its lifetime. The assembler and
// scheduler exist from the first Start on.
type runner struct {
	task        *entity.Task
	gate        *control.Gate
	token       *control.Token
	reporter    *progress.Reporter
	concurrency int
	retry       retry.Policy

	// mu serializes control operations with the end of a pass.
	mu    sync.Mutex
	asm   *assembler.Assembler
	sched *scheduler.Scheduler
	state passState
	idle  chan struct{} // closed while state is passIdle
	fatal error
}

type pass struct {
	runner  *runner
	indices []int
}

func (svc *engine) newRunner(task *entity.Task, concurrency int, policy retry.Policy) *runner {
	var callbacks []progress.Callback
	if svc.onEvent != nil {
		callbacks = append(callbacks, svc.onEvent)
	}

	idle := make(chan struct{})
	close(idle)

	return &runner{
		task:        task,
		gate:        control.NewGate(),
		token:       control.NewToken(svc.baseCtx),
		reporter:    progress.New(svc.log, callbacks...),
		concurrency: concurrency,
		retry:       policy,
		idle:        idle,
	}
}

func (r *runner) publishStatus() {
	r.reporter.Publish(r.task.Event(entity.EventStatus, -1))
}

// settle marks the runner idle. Callers hold r.mu.
func (r *runner) settle() {
	r.state = passIdle
	close(r.idle)
}

// release aborts the sink and stops event delivery. Callers hold r.mu.
func (r *runner) release(cause error) {
	if r.asm != nil {
		r.asm.Abort(cause)
	}

	r.reporter.Close()
}

// openLocked acquires the sink and builds the per-task pipeline.
func (svc *engine) openLocked(r *runner) error {
	if r.asm != nil {
		return nil
	}

	t := r.task

	s, err := sink.Open(t.SinkMode, sink.Options{
		TaskID:   t.ID,
		Name:     sink.FileName(t.Title, t.ID),
		Dir:      svc.cfg.Dir.Downloads,
		Registry: svc.registry,
	})
	if err != nil {
		return fmt.Errorf("open %s sink: %w", t.SinkMode, err)
	}

	r.asm = assembler.New(svc.log, svc.metrics, s, assembler.Options{
		TaskID:   t.ID,
		Range:    t.Range,
		Format:   t.Format,
		SpoolDir: svc.cfg.Dir.Spool,
		Remuxer:  svc.remuxer,
	})

	fetcher := fetch.New(svc.log, svc.client, svc.metrics, fetch.Options{
		UserAgent: svc.cfg.Engine.UserAgent,
		RateLimit: svc.cfg.Engine.RateLimit,
		Timeout:   svc.cfg.Engine.ChunkTimeout,
	})

	r.sched = scheduler.New(svc.log, svc.metrics, t, scheduler.Options{
		Concurrency: r.concurrency,
		Retry:       r.retry,
		Fetcher:     fetcher,
		Gate:        r.gate,
		Assembler:   r.asm,
		Publish:     r.reporter.Publish,
	})

	return nil
}

// enqueueLocked moves the task to downloading and queues a pass over indices.
// A full queue leaves the task in error so it can be retried.
func (svc *engine) enqueueLocked(ctx context.Context, r *runner, indices []int) error {
	if svc.closed.Load() {
		return errs.ErrServiceClosed
	}

	if err := r.task.Transition(entity.TaskStatusDownloading); err != nil {
		return err
	}

	r.gate.Resume()
	r.state = passQueued
	r.idle = make(chan struct{})
	r.publishStatus()

	select {
	case svc.queue <- &pass{runner: r, indices: indices}:
		svc.log.DebugContext(ctx, "pass enqueued", slog.String("task_id", r.task.ID), slog.Int("chunks", len(indices)))

		return nil
	default:
		r.settle()
		r.task.SetError(errs.ErrTaskQueueFull.Error())
		_ = r.task.Transition(entity.TaskStatusError)
		r.publishStatus()

		return fmt.Errorf("%w: %d/%d", errs.ErrTaskQueueFull, len(svc.queue), cap(svc.queue))
	}
}

func (svc *engine) worker(ctx context.Context, workerID int) {
	defer svc.wg.Done()

	log := svc.log.With(slog.Int("worker_id", workerID))

	for {
		select {
		case p := <-svc.queue:
			if p == nil {
				log.WarnContext(ctx, "received nil pass")

				continue
			}

			svc.runPass(ctx, p)
		case <-ctx.Done():
			log.InfoContext(ctx, "got ctx done signal", slog.Any("error", ctx.Err()))

			return
		case <-svc.baseCtx.Done():
			return
		}
	}
}

func (svc *engine) runPass(ctx context.Context, p *pass) {
	r := p.runner

	r.mu.Lock()
	if r.state != passQueued || r.token.Cancelled() {
		if r.state == passQueued {
			r.settle()
		}
		r.mu.Unlock()

		return
	}

	r.state = passRunning
	r.mu.Unlock()

	svc.metrics.RecordPassStarted()
	observe := svc.metrics.PassTimer()

	err := r.sched.Run(r.token.Context(), p.indices)

	observe()

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.settle()

	switch {
	case err == nil:
		svc.completeLocked(ctx, r)
	case errors.Is(err, errs.ErrTaskCancelled):
		svc.metrics.RecordTaskCancelled()
	default:
		svc.failLocked(ctx, r, err)
	}
}

// completeLocked turns a finished pass into error or, once every targeted
// chunk is written, finalizes the artifact exactly once.
func (svc *engine) completeLocked(ctx context.Context, r *runner) {
	log := svc.log.With(slog.String("task_id", r.task.ID))

	finished, failed, target := r.task.Counts()
	if failed > 0 {
		r.task.SetError(fmt.Sprintf("%d of %d chunks failed", failed, target))

		if err := r.task.Transition(entity.TaskStatusError); err != nil {
			log.ErrorContext(ctx, "transition to error", slog.Any("error", err))
		}

		svc.metrics.RecordTaskFailed()
		r.publishStatus()

		log.WarnContext(ctx, "pass ended with failed chunks", slog.Int("finished", finished), slog.Int("failed", failed))

		return
	}

	if !r.task.MarkFinalized() {
		return
	}

	art, err := r.asm.Finalize(r.token.Context())
	if err != nil {
		svc.failLocked(ctx, r, fmt.Errorf("finalize: %w", err))

		return
	}

	r.task.SetArtifact(art)

	if err := r.task.Transition(entity.TaskStatusDone); err != nil {
		log.ErrorContext(ctx, "transition to done", slog.Any("error", err))
	}

	svc.metrics.RecordTaskCompleted()
	r.publishStatus()
	r.reporter.Close()

	log.InfoContext(ctx, "task done", slog.Any("artifact", art))
}

// failLocked records a fatal error. The sink is released and the task can no longer be retried.
func (svc *engine) failLocked(ctx context.Context, r *runner, err error) {
	r.fatal = err

	if partial := r.asm.Abort(err); partial != nil {
		r.task.SetArtifact(*partial)
	}

	r.task.SetError(err.Error())

	if terr := r.task.Transition(entity.TaskStatusError); terr != nil {
		svc.log.ErrorContext(ctx, "transition to error", slog.Any("error", terr))
	}

	svc.metrics.RecordTaskFailed()
	r.publishStatus()

	svc.log.ErrorContext(ctx, "task failed", slog.String("task_id", r.task.ID), slog.Any("error", err))
}
