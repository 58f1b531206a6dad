// Package intercept pairs a stream sink producer with a single HTTP consumer.
package intercept

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"segmentdl/internal/errs"
)

// ErrConsumerGone is the write error seen by a producer whose consumer detached.
var ErrConsumerGone = errors.New("interception consumer disconnected")

// Stream is one registered byte stream.
type Stream struct {
	TaskID      string
	Filename    string
	ContentType string

	reader   *io.PipeReader
	attached bool
}

// Read reads the ordered byte stream.
func (s *Stream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Detach aborts the producer. A nil err reports ErrConsumerGone.
func (s *Stream) Detach(err error) {
	if err == nil {
		err = ErrConsumerGone
	}

	_ = s.reader.CloseWithError(err)
}

// Registry holds the active streams by task id.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Register opens a stream for taskID and returns its producer end.
func (r *Registry) Register(taskID, filename, contentType string) (*io.PipeWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[taskID]; ok {
		return nil, fmt.Errorf("stream for task %s: %w", taskID, errs.ErrTaskAlreadyRunning)
	}

	pr, pw := io.Pipe()

	r.streams[taskID] = &Stream{
		TaskID:      taskID,
		Filename:    filename,
		ContentType: contentType,
		reader:      pr,
	}

	return pw, nil
}

// Attach claims the consumer end of taskID's stream. Only one consumer may attach.
func (r *Registry) Attach(taskID string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, errs.ErrNoConsumer)
	}

	if s.attached {
		return nil, fmt.Errorf("task %s: stream already consumed", taskID)
	}

	s.attached = true

	return s, nil
}

// Unregister drops taskID's stream. It does not close the pipe.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.streams, taskID)
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.streams)
}
