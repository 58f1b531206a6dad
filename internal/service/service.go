// Package service implements the download engine: task creation from a
// manifest URL and the control operations over running tasks.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"segmentdl/internal/assembler"
	"segmentdl/internal/config"
	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/intercept"
	"segmentdl/internal/manifest"
	"segmentdl/internal/observability"
	"segmentdl/internal/progress"
	"segmentdl/internal/retry"
	"segmentdl/internal/sink"
	"segmentdl/internal/storage"
	"segmentdl/pkg/gen"
	"segmentdl/pkg/ptr"
	"segmentdl/pkg/urls"
)

// Resolver turns a playlist URL into a chunk list.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (*manifest.Manifest, error)
}

// CreateRequest describes a new task. Nil and empty fields take the engine defaults.
type CreateRequest struct {
	URL      string
	Title    string
	Format   entity.Format
	SinkMode entity.SinkMode
	// Start and End select an inclusive 0-based chunk range.
	Start       *int
	End         *int
	Concurrency *int
	MaxRetries  *int
}

// Deps are the collaborators of the engine. Nil fields get defaults built from config.
type Deps struct {
	Resolver Resolver
	Detector *sink.Detector
	// Registry enables the stream sink. Nil disables it.
	Registry *intercept.Registry
	Client   *http.Client
	Remuxer  assembler.Remuxer
	Metrics  *observability.Metrics
	// OnProgress receives the progress events of every task on a reporter goroutine.
	OnProgress progress.Callback
}

// Engine is the task control surface.
type Engine interface {
	// Run starts the pass workers. It is safe to call more than once.
	Run(ctx context.Context)
	// Close stops the workers and aborts every active task.
	Close()

	Capabilities() entity.Capabilities

	Create(ctx context.Context, req CreateRequest) (entity.Snapshot, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	// Cancel aborts the task and removes it. It returns once the running pass acknowledged.
	Cancel(ctx context.Context, id string) error
	RetryFailedChunks(ctx context.Context, id string) error
	// Remove cancels the task and deletes its artifact.
	Remove(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (entity.Snapshot, error)
	List(ctx context.Context) ([]entity.Snapshot, error)
	// Subscribe streams the task's progress events until unsubscribe or removal.
	Subscribe(ctx context.Context, id string, buffer int) (<-chan entity.ProgressEvent, func(), error)
	// Wait blocks until no pass is queued or running for the task.
	Wait(ctx context.Context, id string) (entity.Snapshot, error)
}

type engine struct {
	log      *slog.Logger
	cfg      *config.Config
	metrics  *observability.Metrics
	storage  storage.Storer
	resolver Resolver
	detector *sink.Detector
	registry *intercept.Registry
	client   *http.Client
	remuxer  assembler.Remuxer
	onEvent  progress.Callback

	baseCtx context.Context
	cancel  context.CancelFunc
	queue   chan *pass

	mu      sync.RWMutex
	runners map[string]*runner

	wg        sync.WaitGroup
	closed    atomic.Bool
	startOnce sync.Once
}

var _ Engine = (*engine)(nil)

// New creates the engine and its task registry. ctx bounds the registry
// cleanup loop and every task.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, deps Deps) Engine {
	log = log.With(slog.String("package", "service"))

	if deps.Metrics == nil {
		deps.Metrics = observability.New(nil)
	}

	if deps.Resolver == nil {
		deps.Resolver = manifest.New(log, deps.Client, manifest.Options{
			UserAgent: cfg.Engine.UserAgent,
			Timeout:   cfg.Manifest.Timeout,
			MaxDepth:  cfg.Manifest.MaxDepth,
			Policy:    manifest.VariantPolicy(cfg.Manifest.VariantPolicy),
		})
	}

	if deps.Detector == nil {
		deps.Detector = sink.NewDetector(log, cfg.Dir.Downloads, deps.Registry)
	}

	baseCtx, cancel := context.WithCancel(ctx)

	svc := &engine{
		log:      log,
		cfg:      cfg,
		metrics:  deps.Metrics,
		resolver: deps.Resolver,
		detector: deps.Detector,
		registry: deps.Registry,
		client:   deps.Client,
		remuxer:  deps.Remuxer,
		onEvent:  deps.OnProgress,
		baseCtx:  baseCtx,
		cancel:   cancel,
		queue:    make(chan *pass, cfg.Engine.QueueSize),
		runners:  make(map[string]*runner),
	}

	svc.storage = storage.New(baseCtx, log, cfg.Storage, deps.Metrics, svc.evict)

	return svc
}

func (svc *engine) Run(ctx context.Context) {
	svc.startOnce.Do(func() {
		for i := range svc.cfg.Engine.Workers {
			svc.wg.Add(1)

			go svc.worker(ctx, i)
		}
	})
}

func (svc *engine) Close() {
	if !svc.closed.CompareAndSwap(false, true) {
		return
	}

	svc.cancel()
	svc.wg.Wait()

	svc.log.Info("engine closed")
}

func (svc *engine) Capabilities() entity.Capabilities {
	return svc.detector.Capabilities()
}

// Create validates the request, checks sink support, resolves the manifest and
// registers a task in status ready. Nothing is registered on failure.
func (svc *engine) Create(ctx context.Context, req CreateRequest) (entity.Snapshot, error) {
	if svc.closed.Load() {
		return entity.Snapshot{}, errs.ErrServiceClosed
	}

	log := svc.log.With(slog.String("func", "Create"))

	rawURL := urls.Normalize(req.URL)
	if !urls.IsURLValid(rawURL) {
		return entity.Snapshot{}, fmt.Errorf("%w: %q", errs.ErrInvalidURL, req.URL)
	}

	format := req.Format
	if format == "" {
		format = entity.Format(svc.cfg.Engine.DefaultFormat)
	}

	if !format.Valid() {
		return entity.Snapshot{}, fmt.Errorf("%w: %q", errs.ErrInvalidFormat, format)
	}

	requested := req.SinkMode
	if requested == "" {
		requested = entity.SinkMode(svc.cfg.Engine.SinkMode)
	}

	mode, err := sink.Choose(svc.Capabilities(), requested)
	if err != nil {
		return entity.Snapshot{}, err
	}

	concurrency := ptr.DerefOr(req.Concurrency, svc.cfg.Engine.Concurrency)
	if concurrency < config.MinConcurrency || concurrency > config.MaxConcurrency {
		return entity.Snapshot{}, fmt.Errorf("%w: concurrency %d out of range [%d,%d]",
			errs.ErrInvalidRequestBody, concurrency, config.MinConcurrency, config.MaxConcurrency)
	}

	maxRetries := ptr.DerefOr(req.MaxRetries, svc.cfg.Engine.MaxRetries)
	if maxRetries < 0 {
		return entity.Snapshot{}, fmt.Errorf("%w: negative max retries", errs.ErrInvalidRequestBody)
	}

	m, err := svc.resolver.Resolve(ctx, rawURL)
	if err != nil {
		return entity.Snapshot{}, err
	}

	rng := entity.Range{
		Start: ptr.DerefOr(req.Start, 0),
		End:   ptr.DerefOr(req.End, len(m.Chunks)-1),
	}
	if !rng.Valid(len(m.Chunks)) {
		return entity.Snapshot{}, fmt.Errorf("%w: [%d,%d] of %d chunks", errs.ErrInvalidRange, rng.Start, rng.End, len(m.Chunks))
	}

	id := gen.TaskID(rawURL, rng.Start, rng.End)
	if existing, err := svc.storage.GetTask(ctx, id); err == nil {
		return existing.Snapshot(), errs.ErrTaskAlreadyExists
	}

	title := req.Title
	if title == "" {
		title = urls.Filename(m.URL, "segmentdl")
	}

	task, err := entity.NewTask(entity.TaskParams{
		ID:             id,
		Title:          title,
		URL:            rawURL,
		Format:         format,
		SinkMode:       mode,
		Chunks:         m.Chunks,
		Range:          rng,
		TotalDuration:  m.TotalDuration,
		TargetDuration: m.TargetDuration,
		TTL:            svc.cfg.Storage.TTL,
	})
	if err != nil {
		return entity.Snapshot{}, fmt.Errorf("new task: %w", err)
	}

	r := svc.newRunner(task, concurrency, retry.Policy{
		MaxRetries: maxRetries,
		BaseDelay:  svc.cfg.Engine.RetryBaseDelay,
		MaxDelay:   svc.cfg.Engine.RetryMaxDelay,
		Jitter:     svc.cfg.Engine.RetryJitter,
	})

	if err := svc.storage.SetTask(ctx, task); err != nil {
		r.reporter.Close()

		return entity.Snapshot{}, err
	}

	svc.mu.Lock()
	svc.runners[id] = r
	svc.mu.Unlock()

	svc.storage.RegisterCancelFunc(id, func() { r.token.Cancel() })
	svc.metrics.RecordTaskCreated()

	log.InfoContext(ctx, "task created", slog.Any("task", task), slog.String("sink", string(mode)))

	return task.Snapshot(), nil
}

// Start opens the task's sink and enqueues its first pass.
func (svc *engine) Start(ctx context.Context, id string) error {
	r, err := svc.runner(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch st := r.task.Status(); st {
	case entity.TaskStatusReady:
	case entity.TaskStatusDownloading, entity.TaskStatusPaused:
		return errs.ErrTaskAlreadyRunning
	default:
		return fmt.Errorf("%w: start from %s", errs.ErrInvalidTransition, st)
	}

	if err := svc.openLocked(r); err != nil {
		return err
	}

	return svc.enqueueLocked(ctx, r, r.task.Pending())
}

func (svc *engine) Pause(ctx context.Context, id string) error {
	r, err := svc.runner(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch st := r.task.Status(); st {
	case entity.TaskStatusPaused:
		return nil
	case entity.TaskStatusDownloading:
	default:
		return fmt.Errorf("%w: pause from %s", errs.ErrInvalidTransition, st)
	}

	r.gate.Pause()

	if err := r.task.Transition(entity.TaskStatusPaused); err != nil {
		return err
	}

	r.publishStatus()
	svc.log.DebugContext(ctx, "task paused", slog.String("task_id", id))

	return nil
}

func (svc *engine) Resume(ctx context.Context, id string) error {
	r, err := svc.runner(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch st := r.task.Status(); st {
	case entity.TaskStatusDownloading:
		return nil
	case entity.TaskStatusPaused:
	default:
		return fmt.Errorf("%w: resume from %s", errs.ErrInvalidTransition, st)
	}

	if err := r.task.Transition(entity.TaskStatusDownloading); err != nil {
		return err
	}

	r.gate.Resume()
	r.publishStatus()
	svc.log.DebugContext(ctx, "task resumed", slog.String("task_id", id))

	return nil
}

func (svc *engine) Cancel(ctx context.Context, id string) error {
	r, err := svc.runner(id)
	if err != nil {
		return err
	}

	if err := svc.storage.CancelTask(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	if r.state == passQueued {
		r.settle()
	}
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	return svc.remove(ctx, r, errs.ErrTaskCancelled)
}

// RetryFailedChunks resets the failed chunks of a task in error and runs a
// pass restricted to them. Done chunks are never fetched again.
func (svc *engine) RetryFailedChunks(ctx context.Context, id string) error {
	r, err := svc.runner(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch st := r.task.Status(); st {
	case entity.TaskStatusError:
	case entity.TaskStatusDownloading, entity.TaskStatusPaused:
		return errs.ErrTaskAlreadyRunning
	default:
		return fmt.Errorf("%w: retry from %s", errs.ErrInvalidTransition, st)
	}

	if r.fatal != nil {
		return fmt.Errorf("%w: %w", errs.ErrSinkClosed, r.fatal)
	}

	failed := r.task.ResetFailed()
	r.asm.Retry(failed)

	indices := r.task.Pending()
	if len(indices) == 0 {
		return errs.ErrNoFailedChunks
	}

	svc.log.InfoContext(ctx, "retrying failed chunks", slog.String("task_id", id), slog.Any("indices", failed))

	return svc.enqueueLocked(ctx, r, indices)
}

func (svc *engine) Remove(ctx context.Context, id string) error {
	r, err := svc.runner(id)
	if err != nil {
		return err
	}

	snap := r.task.Snapshot()

	if err := svc.Cancel(ctx, id); err != nil {
		return err
	}

	if a := snap.Artifact; a != nil && a.Mode != entity.SinkStream && a.Path != "" {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove artifact: %w", err)
		}
	}

	return nil
}

func (svc *engine) Get(ctx context.Context, id string) (entity.Snapshot, error) {
	task, err := svc.storage.GetTask(ctx, id)
	if err != nil {
		return entity.Snapshot{}, err
	}

	return task.Snapshot(), nil
}

func (svc *engine) List(ctx context.Context) ([]entity.Snapshot, error) {
	tasks, err := svc.storage.GetTasks(ctx)
	if err != nil {
		return nil, err
	}

	snaps := make([]entity.Snapshot, 0, len(tasks))
	for _, task := range tasks {
		snaps = append(snaps, task.Snapshot())
	}

	return snaps, nil
}

func (svc *engine) Subscribe(_ context.Context, id string, buffer int) (<-chan entity.ProgressEvent, func(), error) {
	r, err := svc.runner(id)
	if err != nil {
		return nil, nil, err
	}

	ch, unsubscribe := r.reporter.Subscribe(buffer)

	return ch, unsubscribe, nil
}

func (svc *engine) Wait(ctx context.Context, id string) (entity.Snapshot, error) {
	r, err := svc.runner(id)
	if err != nil {
		return entity.Snapshot{}, err
	}

	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return r.task.Snapshot(), nil
	case <-ctx.Done():
		return r.task.Snapshot(), context.Cause(ctx)
	}
}

func (svc *engine) runner(id string) (*runner, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	r := svc.runners[id]
	if r == nil {
		return nil, errs.ErrTaskNotFound
	}

	return r, nil
}

// remove releases the task's resources once no pass is running and drops it from the registry.
func (svc *engine) remove(ctx context.Context, r *runner, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.task.Status() == entity.TaskStatusRemoved {
		return errs.ErrTaskNotFound
	}

	r.release(cause)

	if err := r.task.Transition(entity.TaskStatusRemoved); err != nil {
		return err
	}

	svc.storage.UnregisterCancelFunc(r.task.ID)
	_ = svc.storage.DeleteTask(ctx, r.task.ID)

	svc.mu.Lock()
	delete(svc.runners, r.task.ID)
	svc.mu.Unlock()

	svc.log.InfoContext(ctx, "task removed", slog.String("task_id", r.task.ID))

	return nil
}

// evict is called by the registry cleanup for finished tasks past their TTL.
func (svc *engine) evict(ctx context.Context, task *entity.Task) {
	r, err := svc.runner(task.ID)
	if err != nil {
		return
	}

	r.token.Cancel()

	r.mu.Lock()
	r.release(fmt.Errorf("%w: expired", errs.ErrTaskCancelled))
	_ = r.task.Transition(entity.TaskStatusRemoved)
	r.mu.Unlock()

	svc.mu.Lock()
	delete(svc.runners, task.ID)
	svc.mu.Unlock()

	svc.log.DebugContext(ctx, "task evicted", slog.String("task_id", task.ID))
}
