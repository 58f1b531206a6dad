// Package sink implements the interchangeable persistence strategies for
// assembled chunk bytes and the capability detection that selects them.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/intercept"
)

// RawExt is the extension of raw-concat artifacts.
const RawExt = ".ts"

const rawContentType = "video/mp2t"

// Sink persists chunk bytes. A sink is chosen once per task and never switched.
type Sink interface {
	// Mode returns the concrete sink mode.
	Mode() entity.SinkMode
	// Sequential reports whether WriteChunk must be called in increasing index order.
	Sequential() bool
	// WriteChunk persists the bytes of chunk index.
	WriteChunk(ctx context.Context, index int, data []byte) error
	// Finalize completes the artifact and releases the sink's resources.
	Finalize(ctx context.Context) (entity.Artifact, error)
	// Abort releases the sink's resources after cancellation or a fatal error.
	// The returned artifact is non-nil when partial bytes remain on disk.
	Abort(cause error) *entity.Artifact
}

// Options configures a sink.
type Options struct {
	TaskID string
	// Name is the artifact base name without extension.
	Name     string
	Dir      string
	Registry *intercept.Registry
}

// Open creates the sink for a concrete mode. Resources such as the target
// file or the interception stream are acquired here.
func Open(mode entity.SinkMode, opts Options) (Sink, error) {
	switch mode {
	case entity.SinkBuffered:
		return newBuffered(opts), nil
	case entity.SinkDirect:
		return newDirect(opts)
	case entity.SinkStream:
		return newStream(opts)
	default:
		return nil, &errs.CapabilityError{Mode: string(mode)}
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName makes a filesystem-safe base name from title and a task id suffix.
func FileName(title, taskID string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(title, "_"), "._-")
	if len(name) > 80 {
		name = name[:80]
	}

	suffix := taskID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}

	if name == "" {
		return suffix
	}

	if suffix == "" {
		return name
	}

	return name + "-" + suffix
}

// writeFileAtomic writes chunks into path through a temp file in the same directory.
func writeFileAtomic(path string, chunks [][]byte) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".buffered-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}

	var size int64

	for _, c := range chunks {
		n, err := tmp.Write(c)
		size += int64(n)

		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())

			return size, fmt.Errorf("write temp: %w", err)
		}
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return size, fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())

		return size, fmt.Errorf("rename: %w", err)
	}

	return size, nil
}
