// Package errs defines common error variables used across the application.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceClosed indicates that the engine is closed and cannot accept new tasks.
	ErrServiceClosed = errors.New("service is closed")
	// ErrInvalidRequestBody indicates that the request body is invalid or cannot be parsed.
	ErrInvalidRequestBody = errors.New("invalid request body")
)

// Valid request errors.
var (
	// ErrInvalidURL indicates that the manifest URL is invalid.
	ErrInvalidURL = errors.New("invalid url field")
	// ErrInvalidFormat indicates that the output format is unknown.
	ErrInvalidFormat = errors.New("invalid format field")
	// ErrInvalidSinkMode indicates that the sink mode is unknown.
	ErrInvalidSinkMode = errors.New("invalid sink mode field")
	// ErrInvalidRange indicates that the selected chunk range is out of bounds.
	ErrInvalidRange = errors.New("invalid chunk range")
)

// Task and storage errors.
var (
	// ErrNoTasks indicates that there are no tasks in storage.
	ErrNoTasks = errors.New("no tasks")
	// ErrTaskAlreadyExists indicates that a task for the same manifest and range already exists.
	ErrTaskAlreadyExists = errors.New("task already exists")
	// ErrTaskNotFound indicates that the task is not found in storage.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNil indicates that the task is nil.
	ErrTaskNil = errors.New("task is nil")
	// ErrTaskIDEmpty indicates that the task ID is empty.
	ErrTaskIDEmpty = errors.New("task_id is empty")
	// ErrTaskCancelled indicates that the task was cancelled. It is expected and never a failure.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrTaskQueueFull indicates that the task queue is full.
	ErrTaskQueueFull = errors.New("task queue is full")
	// ErrTaskAlreadyRunning indicates that a scheduling loop already drives the task.
	ErrTaskAlreadyRunning = errors.New("task already running")
	// ErrInvalidTransition indicates that the operation is not allowed in the task's current status.
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrNoFailedChunks indicates that a retry was requested but no chunk has failed.
	ErrNoFailedChunks = errors.New("no failed chunks")
)

// Manifest errors.
var (
	// ErrManifestFetch indicates that the playlist could not be retrieved.
	ErrManifestFetch = errors.New("manifest fetch failed")
	// ErrManifestParse indicates that the playlist has no resolvable chunk entries.
	ErrManifestParse = errors.New("manifest parse failed")
)

// Chunk, sink and capability errors.
var (
	// ErrChunkFetch indicates that one attempt to fetch a chunk failed.
	ErrChunkFetch = errors.New("chunk fetch failed")
	// ErrSinkWrite indicates that the active sink could not persist bytes.
	ErrSinkWrite = errors.New("sink write failed")
	// ErrCapability indicates that the requested sink mode is not supported here.
	ErrCapability = errors.New("sink mode not supported")
	// ErrSinkClosed indicates that the sink was already finalized or aborted.
	ErrSinkClosed = errors.New("sink closed")
	// ErrNoConsumer indicates that no interception consumer is registered for the task.
	ErrNoConsumer = errors.New("no interception consumer")
)

// Remux errors.
var (
	// ErrRemuxFailed indicates that the container rewrap step failed.
	ErrRemuxFailed = errors.New("remux failed")
	// ErrBinaryNotFound indicates that the required binary was not found.
	ErrBinaryNotFound = errors.New("binary not found")
	// ErrUnsupportedPlatform indicates that the current platform is not supported.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrChecksumMismatch is returned when a downloaded binary archive does not match its pinned digest.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Proxy errors.
var (
	// ErrNoProxiesAvailable indicates that no proxies are available.
	ErrNoProxiesAvailable = errors.New("no proxies available")
)

// ManifestFetchError reports a network or HTTP failure while retrieving a playlist.
type ManifestFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ManifestFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch manifest %q: unexpected status %d", e.URL, e.StatusCode)
	}

	return fmt.Sprintf("fetch manifest %q: %v", e.URL, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *ManifestFetchError) Unwrap() []error { return []error{ErrManifestFetch, e.Err} }

// ManifestParseError reports a playlist without resolvable chunk entries.
type ManifestParseError struct {
	URL    string
	Reason string
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("parse manifest %q: %s", e.URL, e.Reason)
}

// Unwrap returns ErrManifestParse.
func (e *ManifestParseError) Unwrap() error { return ErrManifestParse }

// ChunkFetchError reports one failed attempt to retrieve a chunk.
type ChunkFetchError struct {
	Index      int
	Attempt    int
	StatusCode int
	Err        error
}

func (e *ChunkFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chunk %d attempt %d: unexpected status %d", e.Index, e.Attempt, e.StatusCode)
	}

	return fmt.Sprintf("chunk %d attempt %d: %v", e.Index, e.Attempt, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *ChunkFetchError) Unwrap() []error { return []error{ErrChunkFetch, e.Err} }

// CapabilityError reports a sink mode that capability detection marked unsupported.
type CapabilityError struct {
	Mode string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("sink mode %q is not supported in this environment", e.Mode)
}

// Unwrap returns ErrCapability.
func (e *CapabilityError) Unwrap() error { return ErrCapability }

// SinkWriteError reports a fatal persistence failure. Partial is set when
// bytes already written remain at Path and must not be treated as a result.
type SinkWriteError struct {
	Mode    string
	Index   int
	Path    string
	Partial bool
	Err     error
}

func (e *SinkWriteError) Error() string {
	msg := fmt.Sprintf("%s sink: chunk %d: %v", e.Mode, e.Index, e.Err)
	if e.Partial {
		msg += fmt.Sprintf(" (partial artifact left at %s)", e.Path)
	}

	return msg
}

// Unwrap exposes both the sentinel and the cause.
func (e *SinkWriteError) Unwrap() []error { return []error{ErrSinkWrite, e.Err} }
