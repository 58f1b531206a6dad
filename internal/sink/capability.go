package sink

import (
	"log/slog"
	"os"
	"sync"

	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/intercept"
)

// Detector probes the environment once and caches the support matrix.
type Detector struct {
	log      *slog.Logger
	dir      string
	registry *intercept.Registry

	once sync.Once
	caps entity.Capabilities
}

// NewDetector creates a detector. A nil registry disables the stream sink.
func NewDetector(log *slog.Logger, dir string, registry *intercept.Registry) *Detector {
	return &Detector{
		log:      log.With(slog.String("package", "sink")),
		dir:      dir,
		registry: registry,
	}
}

// Capabilities returns the support matrix, probing on first use.
func (d *Detector) Capabilities() entity.Capabilities {
	d.once.Do(func() {
		writable := d.probeDir()

		d.caps = entity.Capabilities{
			DirectFileWriter:   writable,
			StreamingIntercept: d.registry != nil,
			Buffered:           writable,
		}

		d.log.Info("sink capabilities detected",
			slog.Bool("direct", d.caps.DirectFileWriter),
			slog.Bool("stream", d.caps.StreamingIntercept),
			slog.Bool("buffered", d.caps.Buffered),
			slog.String("recommended", string(d.caps.Recommended())))
	})

	return d.caps
}

func (d *Detector) probeDir() bool {
	if d.dir == "" {
		return false
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return false
	}

	f, err := os.CreateTemp(d.dir, ".probe-*")
	if err != nil {
		return false
	}

	_ = f.Close()
	_ = os.Remove(f.Name())

	return true
}

// Choose maps a requested mode to a concrete supported one. Auto picks the
// recommended mode; an explicit unsupported mode is rejected.
func Choose(caps entity.Capabilities, requested entity.SinkMode) (entity.SinkMode, error) {
	if requested == "" {
		requested = entity.SinkAuto
	}

	if !requested.Valid() {
		return "", errs.ErrInvalidSinkMode
	}

	if !caps.Supports(requested) {
		return "", &errs.CapabilityError{Mode: string(requested)}
	}

	if requested == entity.SinkAuto {
		return caps.Recommended(), nil
	}

	return requested, nil
}
