package entity

import (
	"log/slog"
	"time"
)

// ChunkStatus represents the lifecycle state of a chunk.
type ChunkStatus string

const (
	// ChunkPending is waiting for a worker slot, either first time or for a retry.
	ChunkPending ChunkStatus = "pending"
	// ChunkInFlight is held by a worker.
	ChunkInFlight ChunkStatus = "in-flight"
	// ChunkDone has been fetched successfully and never regresses.
	ChunkDone ChunkStatus = "done"
	// ChunkFailed exhausted its retry budget for the current pass.
	ChunkFailed ChunkStatus = "failed"
)

// CanTransition reports whether a chunk may move from s to next.
// pending -> in-flight -> {done | pending | failed}; failed -> pending on explicit retry.
func (s ChunkStatus) CanTransition(next ChunkStatus) bool {
	switch s {
	case ChunkPending:
		return next == ChunkInFlight
	case ChunkInFlight:
		return next == ChunkDone || next == ChunkPending || next == ChunkFailed
	case ChunkFailed:
		return next == ChunkPending
	default:
		return false
	}
}

// UnknownDuration marks a chunk whose playlist entry carries no usable #EXTINF.
const UnknownDuration time.Duration = 0

// Chunk is one addressable piece of the media stream.
type Chunk struct {
	Index int    `json:"index"`
	URI   string `json:"uri"`
	// Duration is the nominal duration or UnknownDuration.
	Duration time.Duration `json:"duration"`
	Status   ChunkStatus   `json:"status"`
	Attempts int           `json:"attempts"`
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (c Chunk) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("index", c.Index),
		slog.String("uri", c.URI),
		slog.Duration("duration", c.Duration),
		slog.String("status", string(c.Status)),
		slog.Int("attempts", c.Attempts),
	)
}
