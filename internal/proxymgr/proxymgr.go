// Package proxymgr spreads manifest and chunk requests over a pool of
// upstream proxies and benches the ones that keep failing.
package proxymgr

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"segmentdl/internal/config"
	"segmentdl/internal/observability"
)

const (
	probeTimeout = 10 * time.Second
	benchCap     = time.Hour
	maxShift     = 16
)

type upstream struct {
	raw      string
	url      *url.URL
	failures int
	benched  time.Time
	probed   time.Time
}

func (u *upstream) usable(now time.Time) bool {
	return !now.Before(u.benched)
}

// Stat is a point-in-time view of one upstream.
type Stat struct {
	URL          string
	Usable       bool
	Failures     int
	BenchedUntil time.Time
	ProbedAt     time.Time
}

// Pool rotates requests over the configured proxies.
type Pool struct {
	log     *slog.Logger
	cfg     config.Proxy
	metrics *observability.Metrics

	mu    sync.Mutex
	ups   []*upstream
	index map[string]*upstream
}

// New builds a pool from cfg.Proxies. Entries without a host are skipped
// with a warning, duplicates are collapsed.
func New(log *slog.Logger, cfg config.Proxy, metrics *observability.Metrics) *Pool {
	p := &Pool{
		log:     log.With(slog.String("package", "proxymgr")),
		cfg:     cfg,
		metrics: metrics,
		index:   make(map[string]*upstream, len(cfg.Proxies)),
	}

	for _, raw := range cfg.Proxies {
		if _, ok := p.index[raw]; ok {
			continue
		}

		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			p.log.Warn("ignoring proxy", slog.String("proxy", raw), slog.Any("error", err))

			continue
		}

		up := &upstream{raw: raw, url: u}
		p.ups = append(p.ups, up)
		p.index[raw] = up
	}

	p.mu.Lock()
	p.publish(time.Now())
	p.mu.Unlock()

	return p
}

// Len is the number of configured upstreams.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}

	return len(p.ups)
}

// Usable counts upstreams that are not benched right now.
func (p *Pool) Usable() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.usable(time.Now()))
}

// Pick returns a random usable upstream, or "" when all are benched.
func (p *Pool) Pick() string {
	up := p.pick()
	if up == nil {
		return ""
	}

	return up.raw
}

func (p *Pool) pick() *upstream {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.usable(time.Now())
	if len(candidates) == 0 {
		return nil
	}

	return candidates[rand.IntN(len(candidates))]
}

// Fail records a failed request. After MaxFailures in a row the upstream
// is benched for FailureBackoff, doubling with every further failure.
func (p *Pool) Fail(raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	up, ok := p.index[raw]
	if !ok {
		return
	}

	now := time.Now()
	up.failures++

	if p.metrics != nil {
		p.metrics.RecordProxyFailure(raw)
	}

	threshold := max(p.cfg.MaxFailures, 1)
	if up.failures < threshold {
		return
	}

	d := p.cfg.FailureBackoff << min(up.failures-threshold, maxShift)
	if d <= 0 || d > benchCap {
		d = benchCap
	}

	up.benched = now.Add(d)

	p.log.Warn("proxy benched",
		slog.String("proxy", raw),
		slog.Int("failures", up.failures),
		slog.Duration("for", d))

	p.publish(now)
}

// Succeed clears the failure streak of raw.
func (p *Pool) Succeed(raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	up, ok := p.index[raw]
	if !ok || up.failures == 0 {
		return
	}

	now := time.Now()
	wasBenched := !up.usable(now)

	up.failures = 0
	up.benched = time.Time{}

	if wasBenched {
		p.log.Info("proxy back in rotation", slog.String("proxy", raw))
		p.publish(now)
	}
}

// Probe opens a TCP connection to the upstream and records the outcome.
func (p *Pool) Probe(ctx context.Context, raw string) error {
	p.mu.Lock()
	up, ok := p.index[raw]
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown proxy %q", raw)
	}

	d := net.Dialer{Timeout: probeTimeout}

	conn, err := d.DialContext(ctx, "tcp", up.url.Host)
	if err != nil {
		p.Fail(raw)

		return fmt.Errorf("probe %s: %w", up.url.Host, err)
	}

	_ = conn.Close()

	p.mu.Lock()
	up.probed = time.Now()
	p.mu.Unlock()

	p.Succeed(raw)

	return nil
}

// Watch probes every upstream each HealthCheckInterval until ctx ends.
// It returns immediately and does nothing when the interval is unset.
func (p *Pool) Watch(ctx context.Context) {
	if p.cfg.HealthCheckInterval <= 0 || len(p.ups) == 0 {
		return
	}

	p.log.Info("proxy probes started",
		slog.Duration("interval", p.cfg.HealthCheckInterval),
		slog.Int("proxies", len(p.ups)))

	go func() {
		t := time.NewTicker(p.cfg.HealthCheckInterval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}

			for _, up := range p.ups {
				if ctx.Err() != nil {
					return
				}

				if err := p.Probe(ctx, up.raw); err != nil {
					p.log.Debug("proxy probe failed", slog.String("proxy", up.raw), slog.Any("error", err))
				}
			}
		}
	}()
}

// Stats lists the upstreams in configuration order.
func (p *Pool) Stats() []Stat {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]Stat, 0, len(p.ups))

	for _, up := range p.ups {
		out = append(out, Stat{
			URL:          up.raw,
			Usable:       up.usable(now),
			Failures:     up.failures,
			BenchedUntil: up.benched,
			ProbedAt:     up.probed,
		})
	}

	return out
}

func (p *Pool) usable(now time.Time) []*upstream {
	return slices.DeleteFunc(slices.Clone(p.ups), func(u *upstream) bool { return !u.usable(now) })
}

func (p *Pool) publish(now time.Time) {
	if p.metrics != nil {
		p.metrics.SetProxiesAvailable(len(p.usable(now)))
	}
}

type proxyCtxKey struct{}

// Transport returns a RoundTripper that sends each request through a
// picked upstream, or directly when none is usable. Transport errors and
// 407/502 answers count as failures. base.Proxy is overwritten, so base
// must be dedicated to the pool.
func (p *Pool) Transport(base *http.Transport) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}

	base.Proxy = func(r *http.Request) (*url.URL, error) {
		u, _ := r.Context().Value(proxyCtxKey{}).(*url.URL)

		return u, nil
	}

	return rotator{pool: p, next: base}
}

type rotator struct {
	pool *Pool
	next http.RoundTripper
}

func (r rotator) RoundTrip(req *http.Request) (*http.Response, error) {
	up := r.pool.pick()
	if up == nil {
		return r.next.RoundTrip(req)
	}

	if r.pool.metrics != nil {
		r.pool.metrics.RecordProxyRequest(up.raw)
	}

	resp, err := r.next.RoundTrip(req.WithContext(context.WithValue(req.Context(), proxyCtxKey{}, up.url)))

	switch {
	case err != nil:
		if req.Context().Err() == nil {
			r.pool.Fail(up.raw)
		}

		return nil, err
	case resp.StatusCode == http.StatusProxyAuthRequired, resp.StatusCode == http.StatusBadGateway:
		r.pool.Fail(up.raw)
	default:
		r.pool.Succeed(up.raw)
	}

	return resp, nil
}
