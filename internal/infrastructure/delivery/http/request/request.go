// Package request holds the decoded bodies of HTTP requests.
package request

import (
	"fmt"

	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/service"
	"segmentdl/pkg/urls"
)

// CreateTask is the body of POST /v1/tasks.
type CreateTask struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Format      string `json:"format"`   // raw or remux, empty takes the default
	SinkMode    string `json:"sinkMode"` // auto, direct, stream or buffered
	StartIndex  *int   `json:"startIndex"`
	EndIndex    *int   `json:"endIndex"`
	Concurrency *int   `json:"concurrency"`
	MaxRetries  *int   `json:"maxRetries"`
	// Start enqueues the first pass right after creation.
	Start bool `json:"start"`
}

func (c *CreateTask) Validate() error {
	c.URL = urls.FixURL(urls.Normalize(c.URL))

	if !urls.IsURLValid(c.URL) {
		return errs.ErrInvalidURL
	}

	if c.Format != "" && !entity.Format(c.Format).Valid() {
		return errs.ErrInvalidFormat
	}

	if c.SinkMode != "" && !entity.SinkMode(c.SinkMode).Valid() {
		return errs.ErrInvalidSinkMode
	}

	if (c.StartIndex != nil && *c.StartIndex < 0) || (c.EndIndex != nil && *c.EndIndex < 0) {
		return fmt.Errorf("%w: negative index", errs.ErrInvalidRange)
	}

	if c.StartIndex != nil && c.EndIndex != nil && *c.StartIndex > *c.EndIndex {
		return fmt.Errorf("%w: start after end", errs.ErrInvalidRange)
	}

	return nil
}

// ToService maps the body to an engine request.
func (c *CreateTask) ToService() service.CreateRequest {
	return service.CreateRequest{
		URL:         c.URL,
		Title:       c.Title,
		Format:      entity.Format(c.Format),
		SinkMode:    entity.SinkMode(c.SinkMode),
		Start:       c.StartIndex,
		End:         c.EndIndex,
		Concurrency: c.Concurrency,
		MaxRetries:  c.MaxRetries,
	}
}
