// Package manifest fetches HLS playlists and resolves them into an ordered chunk list.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/pkg/urls"
)

const (
	maxPlaylistSize = 16 << 20
	defaultMaxDepth = 3
	defaultTimeout  = 30 * time.Second
)

// VariantPolicy selects one variant of a master playlist.
type VariantPolicy string

const (
	// VariantFirst picks the first listed variant.
	VariantFirst VariantPolicy = "first"
	// VariantHighest picks the variant with the largest BANDWIDTH.
	VariantHighest VariantPolicy = "highest"
)

// Manifest is a resolved media playlist.
type Manifest struct {
	// SourceURL is the URL the caller asked for.
	SourceURL string `json:"sourceUrl"`
	// URL is the media playlist the chunks were read from.
	URL            string         `json:"url"`
	Variant        *Variant       `json:"variant,omitempty"`
	Chunks         []entity.Chunk `json:"chunks"`
	TotalDuration  time.Duration  `json:"totalDuration"`
	TargetDuration time.Duration  `json:"targetDuration"`
	Ended          bool           `json:"ended"`
}

// Options configures a Resolver.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	MaxDepth  int
	Policy    VariantPolicy
}

// Resolver fetches and parses playlists.
type Resolver struct {
	log    *slog.Logger
	client *http.Client
	opts   Options
}

// New creates a Resolver. A nil client uses http.DefaultClient.
func New(log *slog.Logger, client *http.Client, opts Options) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}

	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	if opts.Policy == "" {
		opts.Policy = VariantFirst
	}

	return &Resolver{
		log:    log.With(slog.String("package", "manifest")),
		client: client,
		opts:   opts,
	}
}

// Resolve fetches rawURL and follows at most MaxDepth master playlists to a
// media playlist. It fails with ManifestFetchError or ManifestParseError.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	current := rawURL

	var chosen *Variant

	for depth := 0; ; depth++ {
		if depth > r.opts.MaxDepth {
			return nil, &errs.ManifestParseError{URL: rawURL, Reason: fmt.Sprintf("more than %d nested master playlists", r.opts.MaxDepth)}
		}

		base, err := url.Parse(current)
		if err != nil {
			return nil, &errs.ManifestParseError{URL: current, Reason: "invalid playlist url"}
		}

		doc, err := r.fetch(ctx, current)
		if err != nil {
			return nil, err
		}

		if !doc.Master {
			m, err := r.build(rawURL, current, base, doc)
			if err != nil {
				return nil, err
			}

			m.Variant = chosen

			r.log.DebugContext(ctx, "manifest resolved",
				slog.String("url", m.URL),
				slog.Int("chunks", len(m.Chunks)),
				slog.Duration("total", m.TotalDuration))

			return m, nil
		}

		v, ok := r.pick(doc.Variants)
		if !ok {
			return nil, &errs.ManifestParseError{URL: current, Reason: "master playlist lists no variants"}
		}

		next, err := urls.Resolve(base, v.URI)
		if err != nil {
			return nil, &errs.ManifestParseError{URL: current, Reason: err.Error()}
		}

		r.log.DebugContext(ctx, "master playlist, following variant",
			slog.String("variant", next), slog.Int("bandwidth", v.Bandwidth))

		v.URI = next
		chosen = &v
		current = next
	}
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &errs.ManifestFetchError{URL: rawURL, Err: err}
	}

	if r.opts.UserAgent != "" {
		req.Header.Set("User-Agent", r.opts.UserAgent)
	}

	req.Header.Set("Accept", "application/vnd.apple.mpegurl, application/x-mpegurl, */*")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &errs.ManifestFetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errs.ManifestFetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        errors.New(resp.Status),
		}
	}

	doc, err := Parse(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &errs.ManifestFetchError{URL: rawURL, Err: err}
		}

		return nil, &errs.ManifestParseError{URL: rawURL, Reason: err.Error()}
	}

	return doc, nil
}

func (r *Resolver) build(source, current string, base *url.URL, doc *Document) (*Manifest, error) {
	if doc.Unsupported != "" {
		return nil, &errs.ManifestParseError{URL: current, Reason: doc.Unsupported + " are not supported"}
	}

	if len(doc.Entries) == 0 {
		return nil, &errs.ManifestParseError{URL: current, Reason: "no chunk entries"}
	}

	chunks := make([]entity.Chunk, 0, len(doc.Entries))

	for i, e := range doc.Entries {
		uri, err := urls.Resolve(base, e.URI)
		if err != nil {
			return nil, &errs.ManifestParseError{URL: current, Reason: fmt.Sprintf("chunk %d: %v", i, err)}
		}

		chunks = append(chunks, entity.Chunk{
			Index:    i,
			URI:      uri,
			Duration: e.Duration,
			Status:   entity.ChunkPending,
		})
	}

	if !doc.Ended {
		r.log.Debug("playlist has no end marker; treating listed chunks as complete", slog.String("url", current))
	}

	return &Manifest{
		SourceURL:      source,
		URL:            current,
		Chunks:         chunks,
		TotalDuration:  doc.TotalDuration(),
		TargetDuration: doc.TargetDuration,
		Ended:          doc.Ended,
	}, nil
}

func (r *Resolver) pick(variants []Variant) (Variant, bool) {
	if len(variants) == 0 {
		return Variant{}, false
	}

	if r.opts.Policy != VariantHighest {
		return variants[0], true
	}

	best := variants[0]
	for _, v := range variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}

	return best, true
}
