// Package fetch retrieves single chunks over HTTP with a per-fetch timeout
// and an optional bandwidth limit.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/observability"
)

const (
	maxChunkSize   = 256 << 20
	defaultTimeout = time.Minute
)

// Options configures a Fetcher.
type Options struct {
	UserAgent string
	// RateLimit caps body reads in bytes per second. Zero disables it.
	RateLimit int64
	// Timeout maps a chunk's nominal duration to its fetch timeout.
	Timeout func(duration time.Duration) time.Duration
}

// Fetcher downloads chunk bodies. One Fetcher serves one task so the
// bandwidth limit is task-scoped.
type Fetcher struct {
	log     *slog.Logger
	client  *http.Client
	metrics *observability.Metrics
	limiter *rate.Limiter
	opts    Options
}

// New creates a Fetcher. A nil client uses http.DefaultClient.
func New(log *slog.Logger, client *http.Client, metrics *observability.Metrics, opts Options) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}

	f := &Fetcher{
		log:     log.With(slog.String("package", "fetch")),
		client:  client,
		metrics: metrics,
		opts:    opts,
	}

	if opts.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(opts.RateLimit))
	}

	return f
}

// Fetch downloads chunk c. Any failure of the attempt, including its own
// timeout, is reported as *errs.ChunkFetchError. If ctx itself is done the
// context's cause is returned instead so callers can tell abort from failure.
func (f *Fetcher) Fetch(ctx context.Context, c entity.Chunk, attempt int) ([]byte, error) {
	timeout := defaultTimeout
	if f.opts.Timeout != nil {
		timeout = f.opts.Timeout(c.Duration)
	}

	start := time.Now()

	data, status, err := f.do(ctx, c.URI, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		return nil, &errs.ChunkFetchError{Index: c.Index, Attempt: attempt, StatusCode: status, Err: err}
	}

	if f.metrics != nil {
		f.metrics.RecordChunkFetched(len(data), time.Since(start))
	}

	return data, nil
}

func (f *Fetcher) do(ctx context.Context, uri string, timeout time.Duration) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}

	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		return nil, resp.StatusCode, errors.New(resp.Status)
	}

	var body io.Reader = io.LimitReader(resp.Body, maxChunkSize+1)
	if f.limiter != nil {
		body = &limitedReader{ctx: ctx, r: body, limiter: f.limiter}
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 && resp.ContentLength <= maxChunkSize {
		buf.Grow(int(resp.ContentLength))
	}

	if _, err := buf.ReadFrom(body); err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}

	if buf.Len() > maxChunkSize {
		return nil, 0, fmt.Errorf("chunk exceeds %d bytes", maxChunkSize)
	}

	return buf.Bytes(), resp.StatusCode, nil
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}
