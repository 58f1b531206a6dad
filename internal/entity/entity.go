// Package entity defines the core entities used in the application.
package entity

import (
	"log/slog"
	"time"
)

// Format is the output format of a task.
type Format string

const (
	// FormatRaw concatenates chunk bytes in index order.
	FormatRaw Format = "raw"
	// FormatRemux rewraps the concatenated stream into an mp4 container.
	FormatRemux Format = "remux"
)

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	return f == FormatRaw || f == FormatRemux
}

// SinkMode selects where assembled bytes are persisted.
type SinkMode string

const (
	// SinkAuto picks the most capable supported sink.
	SinkAuto SinkMode = "auto"
	// SinkDirect writes chunks incrementally to a file.
	SinkDirect SinkMode = "direct"
	// SinkStream hands an ordered byte stream to an interception consumer.
	SinkStream SinkMode = "stream"
	// SinkBuffered keeps chunks in memory until finalize.
	SinkBuffered SinkMode = "buffered"
)

// Valid reports whether m is a known sink mode.
func (m SinkMode) Valid() bool {
	switch m {
	case SinkAuto, SinkDirect, SinkStream, SinkBuffered:
		return true
	default:
		return false
	}
}

// FallbackOrder lists concrete sink modes from most to least capable.
var FallbackOrder = []SinkMode{SinkDirect, SinkStream, SinkBuffered}

// Capabilities is the sink support matrix of the running environment.
type Capabilities struct {
	DirectFileWriter   bool `json:"directFileWriter"`
	StreamingIntercept bool `json:"streamingIntercept"`
	Buffered           bool `json:"buffered"`
}

// Supports reports whether mode can be used. Auto is supported when any mode is.
func (c Capabilities) Supports(mode SinkMode) bool {
	switch mode {
	case SinkDirect:
		return c.DirectFileWriter
	case SinkStream:
		return c.StreamingIntercept
	case SinkBuffered:
		return c.Buffered
	case SinkAuto:
		return c.Recommended() != ""
	default:
		return false
	}
}

// Recommended returns the first supported mode in FallbackOrder, or "" if none is.
func (c Capabilities) Recommended() SinkMode {
	for _, mode := range FallbackOrder {
		if c.Supports(mode) {
			return mode
		}
	}

	return ""
}

// Range is an inclusive, 0-based chunk index range.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Count returns the number of chunks in the range.
func (r Range) Count() int {
	return r.End - r.Start + 1
}

// Valid reports whether 0 <= Start <= End < n.
func (r Range) Valid(n int) bool {
	return r.Start >= 0 && r.Start <= r.End && r.End < n
}

// Contains reports whether idx falls inside the range.
func (r Range) Contains(idx int) bool {
	return idx >= r.Start && idx <= r.End
}

// Artifact describes the finalized output of a task.
type Artifact struct {
	Mode   SinkMode `json:"mode"`
	Format Format   `json:"format"`
	Path   string   `json:"path,omitempty"`
	Size   int64    `json:"size"`
	// Partial marks bytes left behind by a fatal sink error. They are never a result.
	Partial bool   `json:"partial,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (a Artifact) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("mode", string(a.Mode)),
		slog.String("format", string(a.Format)),
		slog.String("path", a.Path),
		slog.Int64("size", a.Size),
		slog.Bool("partial", a.Partial),
		slog.String("warning", a.Warning),
	)
}

// Snapshot is the read-only view of a task handed to callers.
type Snapshot struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	URL            string        `json:"url"`
	Format         Format        `json:"format"`
	SinkMode       SinkMode      `json:"sinkMode"`
	Status         TaskStatus    `json:"status"`
	ChunkCount     int           `json:"chunkCount"`
	Range          Range         `json:"range"`
	TargetCount    int           `json:"targetCount"`
	FinishedCount  int           `json:"finishedCount"`
	ErrorCount     int           `json:"errorCount"`
	Progress       float64       `json:"progress"`
	TotalDuration  time.Duration `json:"totalDuration"`
	EstimatedETA   time.Duration `json:"estimatedEta"`
	Artifact       *Artifact     `json:"artifact,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	ExpiresAt      time.Time     `json:"expiresAt,omitzero"`
	FailedIndices  []int         `json:"failedIndices,omitempty"`
	TargetDuration time.Duration `json:"targetDuration,omitempty"`
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (s Snapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.ID),
		slog.String("url", s.URL),
		slog.String("status", string(s.Status)),
		slog.Int("finished", s.FinishedCount),
		slog.Int("errors", s.ErrorCount),
		slog.Int("target", s.TargetCount),
	)
}

// EventKind distinguishes progress events.
type EventKind string

const (
	// EventChunk follows a chunk's terminal transition (done or permanently failed).
	EventChunk EventKind = "chunk"
	// EventStatus follows a task status change.
	EventStatus EventKind = "status"
)

// ProgressEvent is a best-effort notification of aggregate task progress.
type ProgressEvent struct {
	Kind      EventKind   `json:"kind"`
	TaskID    string      `json:"taskId"`
	Status    TaskStatus  `json:"status"`
	Index     int         `json:"index"`
	Chunk     ChunkStatus `json:"chunk,omitempty"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Target    int         `json:"target"`
	Fraction  float64     `json:"fraction"`
	Time      time.Time   `json:"time"`
}
