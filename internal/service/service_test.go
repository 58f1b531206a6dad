package service_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"segmentdl/internal/config"
	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/intercept"
	"segmentdl/internal/observability"
	"segmentdl/internal/service"
	"segmentdl/pkg/logger"
	"segmentdl/pkg/ptr"
)

const waitTimeout = 10 * time.Second

// origin serves a media playlist of n 10s chunks and their bodies.
type origin struct {
	srv *httptest.Server
	n   int

	mu       sync.Mutex
	failures map[int]int // index : failures left, -1 fails forever

	playlistHits atomic.Int64
	chunkHits    atomic.Int64
	// hold makes chunk requests at or above this index wait for the client to go away.
	hold    atomic.Int64
	holding chan int
	delay   atomic.Int64
}

func newOrigin(t *testing.T, n int) *origin {
	t.Helper()

	o := &origin{n: n, failures: make(map[int]int), holding: make(chan int, n)}
	o.hold.Store(-1)

	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)

	return o
}

func (o *origin) url() string { return o.srv.URL + "/index.m3u8" }

func (o *origin) fail(idx, times int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.failures[idx] = times
}

func chunkBody(i int) string { return fmt.Sprintf("<%02d>", i) }

func want(start, end int) string {
	var b strings.Builder
	for i := start; i <= end; i++ {
		b.WriteString(chunkBody(i))
	}

	return b.String()
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/index.m3u8" {
		o.playlistHits.Add(1)

		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")

		for i := range o.n {
			fmt.Fprintf(&b, "#EXTINF:10.0,\nseg-%d.ts\n", i)
		}

		b.WriteString("#EXT-X-ENDLIST\n")
		_, _ = io.WriteString(w, b.String())

		return
	}

	var idx int
	if _, err := fmt.Sscanf(r.URL.Path, "/seg-%d.ts", &idx); err != nil || idx < 0 || idx >= o.n {
		http.NotFound(w, r)

		return
	}

	o.chunkHits.Add(1)

	o.mu.Lock()
	left, failing := o.failures[idx]
	if failing && left > 0 {
		o.failures[idx] = left - 1
	}
	o.mu.Unlock()

	if failing && left != 0 {
		http.Error(w, "boom", http.StatusInternalServerError)

		return
	}

	if h := o.hold.Load(); h >= 0 && idx >= int(h) {
		o.holding <- idx
		<-r.Context().Done()

		return
	}

	time.Sleep(time.Duration(o.delay.Load()))

	_, _ = io.WriteString(w, chunkBody(idx))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()

	return &config.Config{
		Engine: config.Engine{
			Concurrency:         3,
			MaxRetries:          1,
			RetryBaseDelay:      time.Millisecond,
			RetryMaxDelay:       5 * time.Millisecond,
			SinkMode:            string(entity.SinkAuto),
			DefaultFormat:       string(entity.FormatRaw),
			ChunkTimeoutFactor:  3,
			ChunkTimeoutFloor:   5 * time.Second,
			ChunkTimeoutCeiling: 10 * time.Second,
			UserAgent:           "segmentdl-test",
			Workers:             2,
			QueueSize:           8,
		},
		Manifest: config.Manifest{Timeout: 5 * time.Second, MaxDepth: 3, VariantPolicy: "first"},
		Dir: config.Dir{
			Downloads: filepath.Join(dir, "downloads"),
			Spool:     filepath.Join(dir, "spool"),
		},
		Storage: config.Storage{TTL: time.Hour},
	}
}

type fixture struct {
	cfg     *config.Config
	engine  service.Engine
	metrics *observability.Metrics
}

func newFixture(t *testing.T, deps service.Deps) *fixture {
	t.Helper()

	cfg := testConfig(t)

	if deps.Metrics == nil {
		deps.Metrics = observability.New(prometheus.NewRegistry())
	}

	eng := service.New(t.Context(), cfg, logger.Discard(), deps)
	eng.Run(t.Context())
	t.Cleanup(eng.Close)

	return &fixture{cfg: cfg, engine: eng, metrics: deps.Metrics}
}

func (f *fixture) run(t *testing.T, req service.CreateRequest) entity.Snapshot {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
	defer cancel()

	snap, err := f.engine.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if err := f.engine.Start(ctx, snap.ID); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	snap, err = f.engine.Wait(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}

	return snap
}

func readArtifact(t *testing.T, snap entity.Snapshot) string {
	t.Helper()

	if snap.Artifact == nil {
		t.Fatalf("task %s has no artifact: %+v", snap.ID, snap)
	}

	data, err := os.ReadFile(snap.Artifact.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}

	return string(data)
}

func TestFullRun(t *testing.T) {
	t.Parallel()

	for _, mode := range []entity.SinkMode{entity.SinkDirect, entity.SinkBuffered} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()

			o := newOrigin(t, 8)
			o.fail(5, 1)

			f := newFixture(t, service.Deps{})

			snap := f.run(t, service.CreateRequest{URL: o.url(), Title: "clip", SinkMode: mode})

			if snap.Status != entity.TaskStatusDone {
				t.Fatalf("status = %s (%s), want done", snap.Status, snap.Error)
			}

			if snap.FinishedCount != 8 || snap.ErrorCount != 0 || snap.Progress != 1 {
				t.Errorf("counts = %d/%d progress %v", snap.FinishedCount, snap.ErrorCount, snap.Progress)
			}

			if got := readArtifact(t, snap); got != want(0, 7) {
				t.Errorf("artifact = %q, want %q", got, want(0, 7))
			}

			if snap.Artifact.Mode != mode || snap.Artifact.Format != entity.FormatRaw {
				t.Errorf("artifact = %+v", snap.Artifact)
			}

			if got := testutil.ToFloat64(f.metrics.TasksCompleted); got != 1 {
				t.Errorf("TasksCompleted = %v, want 1", got)
			}

			if got := testutil.ToFloat64(f.metrics.ChunksRetried); got != 1 {
				t.Errorf("ChunksRetried = %v, want 1", got)
			}
		})
	}
}

func TestPartialRangeWithRetry(t *testing.T) {
	t.Parallel()

	o := newOrigin(t, 5)
	o.fail(2, 1)

	f := newFixture(t, service.Deps{})

	snap := f.run(t, service.CreateRequest{
		URL:         o.url(),
		SinkMode:    entity.SinkDirect,
		Start:       ptr.Of(1),
		End:         ptr.Of(3),
		Concurrency: ptr.Of(2),
		MaxRetries:  ptr.Of(1),
	})

	if snap.Status != entity.TaskStatusDone || snap.TargetCount != 3 || snap.FinishedCount != 3 || snap.ErrorCount != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}

	if snap.TotalDuration != 50*time.Second {
		t.Errorf("TotalDuration = %v, want 50s", snap.TotalDuration)
	}

	if got := readArtifact(t, snap); got != want(1, 3) {
		t.Errorf("artifact = %q, want %q", got, want(1, 3))
	}
}

func TestRetryFailedChunks(t *testing.T) {
	t.Parallel()

	o := newOrigin(t, 6)
	o.fail(2, 2)

	f := newFixture(t, service.Deps{})

	snap := f.run(t, service.CreateRequest{URL: o.url(), SinkMode: entity.SinkDirect, MaxRetries: ptr.Of(1)})

	if snap.Status != entity.TaskStatusError || snap.ErrorCount != 1 || snap.FinishedCount != 5 {
		t.Fatalf("first pass snapshot = %+v", snap)
	}

	if len(snap.FailedIndices) != 1 || snap.FailedIndices[0] != 2 {
		t.Errorf("FailedIndices = %v, want [2]", snap.FailedIndices)
	}

	if snap.Artifact != nil {
		t.Errorf("artifact after failed pass = %+v", snap.Artifact)
	}

	ctx := t.Context()
	hitsBefore := o.chunkHits.Load()

	if err := f.engine.RetryFailedChunks(ctx, snap.ID); err != nil {
		t.Fatalf("RetryFailedChunks() failed: %v", err)
	}

	snap, err := f.engine.Wait(ctx, snap.ID)
	if err != nil {
		t.Fatal(err)
	}

	if snap.Status != entity.TaskStatusDone || snap.ErrorCount != 0 || snap.FinishedCount != 6 {
		t.Fatalf("retry pass snapshot = %+v", snap)
	}

	if got := o.chunkHits.Load() - hitsBefore; got != 1 {
		t.Errorf("retry pass fetched %d chunks, want only the failed one", got)
	}

	if got := readArtifact(t, snap); got != want(0, 5) {
		t.Errorf("artifact = %q, want %q", got, want(0, 5))
	}

	if err := f.engine.RetryFailedChunks(ctx, snap.ID); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("RetryFailedChunks() on done task err = %v", err)
	}
}

func TestCreateRejections(t *testing.T) {
	t.Parallel()

	o := newOrigin(t, 3)
	f := newFixture(t, service.Deps{})

	tests := []struct {
		name string
		req  service.CreateRequest
		want error
	}{
		{name: "invalid url", req: service.CreateRequest{URL: "ftp://nope"}, want: errs.ErrInvalidURL},
		{name: "invalid format", req: service.CreateRequest{URL: o.url(), Format: "mkv"}, want: errs.ErrInvalidFormat},
		{name: "invalid sink", req: service.CreateRequest{URL: o.url(), SinkMode: "tape"}, want: errs.ErrInvalidSinkMode},
		{name: "unsupported sink", req: service.CreateRequest{URL: o.url(), SinkMode: entity.SinkStream}, want: errs.ErrCapability},
		{name: "concurrency", req: service.CreateRequest{URL: o.url(), Concurrency: ptr.Of(17)}, want: errs.ErrInvalidRequestBody},
		{name: "retries", req: service.CreateRequest{URL: o.url(), MaxRetries: ptr.Of(-1)}, want: errs.ErrInvalidRequestBody},
	}

	for _, tc := range tests {
		_, err := f.engine.Create(t.Context(), tc.req)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	if hits := o.playlistHits.Load(); hits != 0 {
		t.Errorf("rejected requests fetched the playlist %d times", hits)
	}

	_, err := f.engine.Create(t.Context(), service.CreateRequest{URL: o.url(), End: ptr.Of(3)})
	if !errors.Is(err, errs.ErrInvalidRange) {
		t.Errorf("range err = %v", err)
	}

	_, err = f.engine.Create(t.Context(), service.CreateRequest{URL: o.srv.URL + "/missing.m3u8"})
	if !errors.Is(err, errs.ErrManifestFetch) {
		t.Errorf("manifest err = %v", err)
	}

	if _, err := f.engine.List(t.Context()); !errors.Is(err, errs.ErrNoTasks) {
		t.Errorf("List() after rejections err = %v, want no tasks", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	t.Parallel()

	o := newOrigin(t, 3)
	f := newFixture(t, service.Deps{})

	first, err := f.engine.Create(t.Context(), service.CreateRequest{URL: o.url()})
	if err != nil {
		t.Fatal(err)
	}

	if first.Status != entity.TaskStatusReady || first.SinkMode != entity.SinkDirect {
		t.Errorf("created snapshot = %+v", first)
	}

	again, err := f.engine.Create(t.Context(), service.CreateRequest{URL: o.url()})
	if !errors.Is(err, errs.ErrTaskAlreadyExists) || again.ID != first.ID {
		t.Errorf("duplicate Create() = %s, %v", again.ID, err)
	}

	other, err := f.engine.Create(t.Context(), service.CreateRequest{URL: o.url(), Start: ptr.Of(1)})
	if err != nil || other.ID == first.ID {
		t.Errorf("Create() with another range = %s, %v", other.ID, err)
	}

	list, err := f.engine.List(t.Context())
	if err != nil || len(list) != 2 {
		t.Errorf("List() = %d tasks, %v", len(list), err)
	}
}

func TestControlTransitions(t *testing.T) {
	t.Parallel()

	o := newOrigin(t, 4)
	o.hold.Store(0)

	f := newFixture(t, service.Deps{})
	ctx := t.Context()

	snap, err := f.engine.Create(ctx, service.CreateRequest{URL: o.url(), SinkMode: entity.SinkBuffered})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Pause(ctx, snap.ID); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("Pause() on ready task err = %v", err)
	}

	if err := f.engine.RetryFailedChunks(ctx, snap.ID); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("RetryFailedChunks() on ready task err = %v", err)
	}

	if err := f.engine.Start(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Start(ctx, snap.ID); !errors.Is(err, errs.ErrTaskAlreadyRunning) {
		t.Errorf("second Start() err = %v", err)
	}

	for range 2 {
		if err := f.engine.Pause(ctx, snap.ID); err != nil {
			t.Fatalf("Pause() failed: %v", err)
		}
	}

	if got, _ := f.engine.Get(ctx, snap.ID); got.Status != entity.TaskStatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}

	for range 2 {
		if err := f.engine.Resume(ctx, snap.ID); err != nil {
			t.Fatalf("Resume() failed: %v", err)
		}
	}

	if got, _ := f.engine.Get(ctx, snap.ID); got.Status != entity.TaskStatusDownloading {
		t.Errorf("status = %s, want downloading", got.Status)
	}

	if err := f.engine.Cancel(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}
}

func TestPauseHoldsNewFetches(t *testing.T) {
	t.Parallel()

	o := newOrigin(t, 8)
	o.delay.Store(int64(20 * time.Millisecond))

	f := newFixture(t, service.Deps{})
	ctx := t.Context()

	snap, err := f.engine.Create(ctx, service.CreateRequest{URL: o.url(), SinkMode: entity.SinkDirect, Concurrency: ptr.Of(2)})
	if err != nil {
		t.Fatal(err)
	}

	events, unsubscribe, err := f.engine.Subscribe(ctx, snap.ID, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	if err := f.engine.Start(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}

	for ev := range events {
		if ev.Kind == entity.EventChunk {
			break
		}
	}

	for range 2 {
		if err := f.engine.Pause(ctx, snap.ID); err != nil {
			t.Fatalf("Pause() failed: %v", err)
		}
	}

	// In-flight fetches are allowed to finish.
	time.Sleep(100 * time.Millisecond)

	hits := o.chunkHits.Load()

	time.Sleep(100 * time.Millisecond)

	if got := o.chunkHits.Load(); got != hits {
		t.Errorf("paused task issued %d new fetches", got-hits)
	}

	paused, err := f.engine.Get(ctx, snap.ID)
	if err != nil || paused.Status != entity.TaskStatusPaused || paused.FinishedCount >= 8 {
		t.Fatalf("paused snapshot = %+v, %v", paused, err)
	}

	for range 2 {
		if err := f.engine.Resume(ctx, snap.ID); err != nil {
			t.Fatalf("Resume() failed: %v", err)
		}
	}

	done, err := f.engine.Wait(ctx, snap.ID)
	if err != nil || done.Status != entity.TaskStatusDone {
		t.Fatalf("Wait() = %+v, %v", done, err)
	}

	if got := readArtifact(t, done); got != want(0, 7) {
		t.Errorf("artifact = %q, want %q", got, want(0, 7))
	}
}

func TestCancelMidFlight(t *testing.T) {
	t.Parallel()

	o := newOrigin(t, 10)
	o.hold.Store(3)

	f := newFixture(t, service.Deps{})
	ctx := t.Context()

	snap, err := f.engine.Create(ctx, service.CreateRequest{URL: o.url(), Title: "cancel me", SinkMode: entity.SinkDirect, Concurrency: ptr.Of(4)})
	if err != nil {
		t.Fatal(err)
	}

	events, unsubscribe, err := f.engine.Subscribe(ctx, snap.ID, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	if err := f.engine.Start(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}

	select {
	case <-o.holding:
	case <-time.After(waitTimeout):
		t.Fatal("no held chunk request")
	}

	if err := f.engine.Cancel(ctx, snap.ID); err != nil {
		t.Fatalf("Cancel() failed: %v", err)
	}

	for range events {
	}

	if _, err := f.engine.Get(ctx, snap.ID); !errors.Is(err, errs.ErrTaskNotFound) {
		t.Errorf("Get() after cancel err = %v", err)
	}

	if err := f.engine.Cancel(ctx, snap.ID); !errors.Is(err, errs.ErrTaskNotFound) {
		t.Errorf("second Cancel() err = %v", err)
	}

	entries, err := os.ReadDir(f.cfg.Dir.Downloads)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 0 {
		t.Errorf("downloads dir not empty after cancel: %v", entries)
	}

	if got := testutil.ToFloat64(f.metrics.TasksCancelled); got != 1 {
		t.Errorf("TasksCancelled = %v, want 1", got)
	}
}

func TestRemoveDeletesArtifact(t *testing.T) {
	t.Parallel()

	o := newOrigin(t, 3)
	f := newFixture(t, service.Deps{})

	snap := f.run(t, service.CreateRequest{URL: o.url(), SinkMode: entity.SinkDirect})
	if snap.Status != entity.TaskStatusDone {
		t.Fatalf("status = %s", snap.Status)
	}

	if err := f.engine.Remove(t.Context(), snap.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(snap.Artifact.Path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("artifact still present: %v", err)
	}
}

type fakeRemuxer struct {
	err error
}

func (r fakeRemuxer) Remux(_ context.Context, src string) (string, error) {
	if r.err != nil {
		return "", r.err
	}

	dst := strings.TrimSuffix(src, ".ts") + ".mp4"

	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}

	return dst, os.WriteFile(dst, append([]byte("mp4:"), data...), 0o600)
}

func TestRemuxFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		remuxer     fakeRemuxer
		wantFormat  entity.Format
		wantPrefix  string
		wantWarning bool
	}{
		{name: "remuxed", remuxer: fakeRemuxer{}, wantFormat: entity.FormatRemux, wantPrefix: "mp4:"},
		{name: "fallback to raw", remuxer: fakeRemuxer{err: errs.ErrRemuxFailed}, wantFormat: entity.FormatRaw, wantWarning: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			o := newOrigin(t, 3)
			f := newFixture(t, service.Deps{Remuxer: tc.remuxer})

			snap := f.run(t, service.CreateRequest{URL: o.url(), SinkMode: entity.SinkDirect, Format: entity.FormatRemux})

			if snap.Status != entity.TaskStatusDone {
				t.Fatalf("status = %s (%s), want done", snap.Status, snap.Error)
			}

			if snap.Artifact.Format != tc.wantFormat || (snap.Artifact.Warning != "") != tc.wantWarning {
				t.Errorf("artifact = %+v", snap.Artifact)
			}

			if got := readArtifact(t, snap); got != tc.wantPrefix+want(0, 2) {
				t.Errorf("artifact bytes = %q", got)
			}
		})
	}
}

func TestStreamSinkDeliversToConsumer(t *testing.T) {
	t.Parallel()

	o := newOrigin(t, 5)
	registry := intercept.NewRegistry()
	f := newFixture(t, service.Deps{Registry: registry})

	if caps := f.engine.Capabilities(); !caps.StreamingIntercept || caps.Recommended() != entity.SinkDirect {
		t.Errorf("Capabilities() = %+v", caps)
	}

	ctx := t.Context()

	snap, err := f.engine.Create(ctx, service.CreateRequest{URL: o.url(), SinkMode: entity.SinkStream})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Start(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}

	stream, err := registry.Attach(snap.ID)
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}

	var got bytes.Buffer
	if _, err := io.Copy(&got, stream); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	if got.String() != want(0, 4) {
		t.Errorf("stream = %q, want %q", got.String(), want(0, 4))
	}

	snap, err = f.engine.Wait(ctx, snap.ID)
	if err != nil || snap.Status != entity.TaskStatusDone {
		t.Fatalf("Wait() = %+v, %v", snap, err)
	}

	if registry.Len() != 0 {
		t.Errorf("stream still registered after finalize")
	}
}

func TestProgressEvents(t *testing.T) {
	t.Parallel()

	var callbacks atomic.Int64

	o := newOrigin(t, 12)
	f := newFixture(t, service.Deps{OnProgress: func(entity.ProgressEvent) { callbacks.Add(1) }})
	ctx := t.Context()

	snap, err := f.engine.Create(ctx, service.CreateRequest{URL: o.url(), SinkMode: entity.SinkDirect, Concurrency: ptr.Of(4)})
	if err != nil {
		t.Fatal(err)
	}

	events, unsubscribe, err := f.engine.Subscribe(ctx, snap.ID, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	if err := f.engine.Start(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}

	var (
		chunks int
		last   entity.ProgressEvent
	)

	// The channel closes once the task is done.
	for ev := range events {
		if ev.Completed < last.Completed {
			t.Fatalf("completed went back from %d to %d", last.Completed, ev.Completed)
		}

		if ev.Kind == entity.EventChunk {
			chunks++
		}

		last = ev
	}

	if chunks != 12 {
		t.Errorf("chunk events = %d, want 12", chunks)
	}

	if last.Kind != entity.EventStatus || last.Status != entity.TaskStatusDone || last.Fraction != 1 {
		t.Errorf("last event = %+v, want done status", last)
	}

	if _, _, err := f.engine.Subscribe(ctx, "missing", 0); !errors.Is(err, errs.ErrTaskNotFound) {
		t.Errorf("Subscribe(missing) err = %v", err)
	}
}
