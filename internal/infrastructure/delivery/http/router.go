// Package httprouter exposes the engine over REST, server-sent events and
// the interception stream.
package httprouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"segmentdl/internal/consts"
	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/infrastructure/delivery/http/middleware"
	"segmentdl/internal/infrastructure/delivery/http/request"
	"segmentdl/internal/infrastructure/delivery/http/response"
	"segmentdl/internal/intercept"
	"segmentdl/internal/observability"
	"segmentdl/internal/service"
)

// Options configures a Router.
type Options struct {
	HandlerTimeout time.Duration
	// Registry serves GET /v1/tasks/{id}/stream. Nil disables the endpoint.
	Registry *intercept.Registry
	// Gatherer serves GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics
}

type Router struct {
	*http.ServeMux
	log         *slog.Logger
	globalChain []func(http.Handler) http.Handler
	routeChain  []func(http.Handler) http.Handler
	isSubRouter bool
	svc         service.Engine
	opts        Options
}

func New(log *slog.Logger, svc service.Engine, opts Options) *Router {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = consts.DefaultHandlerTimeout
	}

	r := &Router{
		ServeMux: http.NewServeMux(),
		log:      log.With(slog.String("package", "httprouter")),
		svc:      svc,
		opts:     opts,
	}

	r.SetGlobalMiddlewares()
	r.SetRoutes()

	return r
}

func (r *Router) Use(middleware ...func(http.Handler) http.Handler) {
	if r.isSubRouter {
		r.routeChain = append(r.routeChain, middleware...)
	} else {
		r.globalChain = append(r.globalChain, middleware...)
	}
}

// Group registers routes sharing the route middlewares added inside fn.
func (r *Router) Group(fn func(r *Router)) {
	subRouter := &Router{
		ServeMux:    r.ServeMux,
		log:         r.log,
		isSubRouter: true,
		routeChain:  slices.Clone(r.routeChain),
		svc:         r.svc,
		opts:        r.opts,
	}

	fn(subRouter)
}

func (r *Router) HandleFunc(pattern string, h http.HandlerFunc) {
	r.Handle(pattern, h)
}

func (r *Router) Handle(pattern string, h http.Handler) {
	for _, middleware := range slices.Backward(r.routeChain) {
		h = middleware(h)
	}

	r.ServeMux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var h http.Handler = r.ServeMux

	for _, middleware := range slices.Backward(r.globalChain) {
		h = middleware(h)
	}

	h.ServeHTTP(w, req)
}

func (r *Router) SetGlobalMiddlewares() {
	r.Use(
		middleware.Recoverer(r.log),
		middleware.RequestID,
		middleware.Logger(r.log),
	)

	if r.opts.Metrics != nil {
		r.Use(middleware.Metrics(r.opts.Metrics))
	}
}

func (r *Router) SetRoutes() {
	r.SetRoutesHealthcheck()
	r.SetRoutesTask()
	r.SetRoutesStream()
}

func (r *Router) SetRoutesHealthcheck() {
	r.HandleFunc("GET /v1/readyz", func(w http.ResponseWriter, _ *http.Request) {
		response.OK(w, consts.RespReady, nil, nil)
	})

	r.HandleFunc("GET /v1/capabilities", r.Capabilities)

	if r.opts.Gatherer != nil {
		r.Handle("GET /metrics", observability.Handler(r.opts.Gatherer))
	}
}

func (r *Router) SetRoutesTask() {
	r.Group(func(g *Router) {
		g.Use(g.timeout)

		g.HandleFunc("POST /v1/tasks", g.CreateTask)
		g.HandleFunc("GET /v1/tasks", g.GetTasks)
		g.HandleFunc("GET /v1/tasks/{id}", g.GetTask)
		g.HandleFunc("DELETE /v1/tasks/{id}", g.CancelTask)
		g.HandleFunc("POST /v1/tasks/{id}/start", g.control(g.svc.Start, consts.RespTaskStarted))
		g.HandleFunc("POST /v1/tasks/{id}/pause", g.control(g.svc.Pause, consts.RespTaskPaused))
		g.HandleFunc("POST /v1/tasks/{id}/resume", g.control(g.svc.Resume, consts.RespTaskResumed))
		g.HandleFunc("POST /v1/tasks/{id}/retry", g.control(g.svc.RetryFailedChunks, consts.RespTaskRetrying))
	})
}

// SetRoutesStream registers the long-lived endpoints. They carry no handler timeout.
func (r *Router) SetRoutesStream() {
	r.HandleFunc("GET /v1/tasks/{id}/events", r.Events)
	r.HandleFunc("GET /v1/tasks/{id}/artifact", r.Artifact)

	if r.opts.Registry != nil {
		r.HandleFunc("GET /v1/tasks/{id}/stream", r.Stream)
	}
}

func (r *Router) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), r.opts.HandlerTimeout)
		defer cancel()

		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// fail maps engine errors to HTTP statuses.
func (r *Router) fail(ctx context.Context, w http.ResponseWriter, message string, err error) {
	log := r.log.With(slog.String("message", message), slog.Any("error", err))

	switch {
	case errors.Is(err, errs.ErrTaskNotFound):
		log.DebugContext(ctx, consts.RespTaskNotFound)
		response.NotFound(w, consts.RespTaskNotFound, err)
	case errors.Is(err, errs.ErrInvalidURL),
		errors.Is(err, errs.ErrInvalidFormat),
		errors.Is(err, errs.ErrInvalidSinkMode),
		errors.Is(err, errs.ErrInvalidRange),
		errors.Is(err, errs.ErrInvalidRequestBody),
		errors.Is(err, errs.ErrCapability),
		errors.Is(err, errs.ErrManifestParse):
		log.InfoContext(ctx, consts.RespUnprocessableEntity)
		response.UnprocessableEntity(w, message, err)
	case errors.Is(err, errs.ErrManifestFetch):
		log.WarnContext(ctx, "manifest fetch failed")
		response.BadGateway(w, message, err)
	case errors.Is(err, errs.ErrInvalidTransition),
		errors.Is(err, errs.ErrTaskAlreadyRunning),
		errors.Is(err, errs.ErrNoFailedChunks),
		errors.Is(err, errs.ErrSinkClosed):
		log.InfoContext(ctx, "conflict")
		response.Conflict(w, message, err)
	case errors.Is(err, errs.ErrTaskQueueFull), errors.Is(err, errs.ErrServiceClosed):
		log.WarnContext(ctx, "unavailable")
		response.ServiceUnavailable(w, message, err)
	default:
		log.ErrorContext(ctx, message)
		response.InternalServerError(w, message, nil, err)
	}
}

func (r *Router) Capabilities(w http.ResponseWriter, _ *http.Request) {
	caps := r.svc.Capabilities()

	response.OK(w, consts.RespCapabilitiesRetrieved, struct {
		entity.Capabilities
		Recommended entity.SinkMode `json:"recommended"`
	}{caps, caps.Recommended()}, nil)
}

func (r *Router) CreateTask(w http.ResponseWriter, req *http.Request) {
	log := r.log.With(slog.String("handler", "CreateTask"))
	ctx := req.Context()

	var in request.CreateTask
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		log.InfoContext(ctx, consts.RespInvalidRequestBody, slog.Any("error", err))
		response.BadRequest(w, consts.RespInvalidRequestBody, err)

		return
	}

	if err := in.Validate(); err != nil {
		log.InfoContext(ctx, consts.RespUnprocessableEntity, slog.Any("error", err))
		response.UnprocessableEntity(w, consts.RespUnprocessableEntity, err)

		return
	}

	snap, err := r.svc.Create(ctx, in.ToService())
	if errors.Is(err, errs.ErrTaskAlreadyExists) {
		log.DebugContext(ctx, consts.RespTaskAlreadyExists, slog.String("task_id", snap.ID))
		response.OK(w, consts.RespTaskAlreadyExists, snap, nil)

		return
	}

	if err != nil {
		r.fail(ctx, w, consts.RespTaskCreateFail, err)

		return
	}

	if in.Start {
		if err := r.svc.Start(ctx, snap.ID); err != nil {
			r.fail(ctx, w, consts.RespTaskControlFail, err)

			return
		}

		snap, _ = r.svc.Get(ctx, snap.ID)
	}

	log.InfoContext(ctx, consts.RespTaskCreated, slog.String("task_id", snap.ID), slog.String("url", snap.URL))

	response.Created(w, consts.RespTaskCreated, snap, nil)
}

func (r *Router) GetTask(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	snap, err := r.svc.Get(ctx, req.PathValue("id"))
	if err != nil {
		r.fail(ctx, w, consts.RespTaskNotFound, err)

		return
	}

	response.OK(w, consts.RespTaskRetrieved, snap, nil)
}

func (r *Router) GetTasks(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	snaps, err := r.svc.List(ctx)
	if errors.Is(err, errs.ErrNoTasks) {
		r.log.DebugContext(ctx, consts.RespNoTasks)
		response.NoContent(w)

		return
	}

	if err != nil {
		r.fail(ctx, w, consts.RespNoTasks, err)

		return
	}

	response.OK(w, consts.RespTasksRetrieved, snaps, nil)
}

// CancelTask cancels and removes a task. With ?purge=true its artifact is deleted too.
func (r *Router) CancelTask(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := req.PathValue("id")

	cancel := r.svc.Cancel
	if req.URL.Query().Get("purge") == "true" {
		cancel = r.svc.Remove
	}

	if err := cancel(ctx, id); err != nil {
		r.fail(ctx, w, consts.RespTaskControlFail, err)

		return
	}

	r.log.InfoContext(ctx, consts.RespTaskCancelled, slog.String("task_id", id))

	response.OK(w, consts.RespTaskCancelled, nil, nil)
}

func (r *Router) control(op func(ctx context.Context, id string) error, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		id := req.PathValue("id")

		if err := op(ctx, id); err != nil {
			r.fail(ctx, w, consts.RespTaskControlFail, err)

			return
		}

		snap, err := r.svc.Get(ctx, id)
		if err != nil {
			r.fail(ctx, w, consts.RespTaskControlFail, err)

			return
		}

		response.Accepted(w, message, snap, nil)
	}
}

// Events streams the task's progress as server-sent events, starting with a
// snapshot. The stream ends when the task is done or removed.
func (r *Router) Events(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := req.PathValue("id")

	events, unsubscribe, err := r.svc.Subscribe(ctx, id, consts.DefaultEventBuffer)
	if err != nil {
		r.fail(ctx, w, consts.RespTaskNotFound, err)

		return
	}
	defer unsubscribe()

	snap, err := r.svc.Get(ctx, id)
	if err != nil {
		r.fail(ctx, w, consts.RespTaskNotFound, err)

		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", snap); err != nil {
		return
	}

	_ = rc.Flush()

	keepAlive := time.NewTicker(consts.SSEKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}

			if err := writeEvent(w, string(ev.Kind), ev); err != nil {
				r.log.DebugContext(ctx, "event stream write", slog.Any("error", err))

				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}

		_ = rc.Flush()
	}
}

func writeEvent(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)

	return err
}

// Stream is the interception consumer: it attaches to a stream sink and
// relays its ordered bytes as a download. Only one consumer may attach.
func (r *Router) Stream(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := req.PathValue("id")

	stream, err := r.opts.Registry.Attach(id)
	if err != nil {
		r.log.DebugContext(ctx, consts.RespStreamUnavailable, slog.String("task_id", id), slog.Any("error", err))
		response.NotFound(w, consts.RespStreamUnavailable, err)

		return
	}

	stop := context.AfterFunc(ctx, func() { stream.Detach(nil) })
	defer stop()

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", stream.Filename))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(&flushWriter{w: w, rc: http.NewResponseController(w)}, stream); err != nil {
		stream.Detach(err)
		r.log.InfoContext(ctx, "stream consumer ended early", slog.String("task_id", id), slog.Any("error", err))
	}
}

type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}

	_ = f.rc.Flush()

	return n, nil
}

// Artifact serves a finalized file artifact.
func (r *Router) Artifact(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	snap, err := r.svc.Get(ctx, req.PathValue("id"))
	if err != nil {
		r.fail(ctx, w, consts.RespTaskNotFound, err)

		return
	}

	a := snap.Artifact
	if snap.Status != entity.TaskStatusDone || a == nil || a.Partial || a.Mode == entity.SinkStream {
		response.NotFound(w, consts.RespArtifactNotFound, nil)

		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(a.Path)))
	http.ServeFile(w, req, a.Path)
}
