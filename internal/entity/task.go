package entity

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"segmentdl/internal/errs"
	"segmentdl/pkg/calc"
)

// TaskStatus represents the status of a download task.
type TaskStatus string

const (
	// TaskStatusReady indicates that the manifest is resolved and the task awaits start.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusDownloading indicates that a scheduling pass is running.
	TaskStatusDownloading TaskStatus = "downloading"
	// TaskStatusPaused indicates that no new fetches are issued until resume.
	TaskStatusPaused TaskStatus = "paused"
	// TaskStatusDone indicates that every targeted chunk was fetched and the artifact finalized.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusError indicates that the last pass ended with failed chunks or a fatal sink error.
	TaskStatusError TaskStatus = "error"
	// TaskStatusRemoved indicates that the task was cancelled or removed. It is terminal.
	TaskStatusRemoved TaskStatus = "removed"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusReady:       {TaskStatusDownloading, TaskStatusRemoved},
	TaskStatusDownloading: {TaskStatusPaused, TaskStatusDone, TaskStatusError, TaskStatusRemoved},
	TaskStatusPaused:      {TaskStatusDownloading, TaskStatusDone, TaskStatusError, TaskStatusRemoved},
	TaskStatusError:       {TaskStatusDownloading, TaskStatusRemoved},
	TaskStatusDone:        {TaskStatusRemoved},
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Active reports whether a scheduling pass may be driving the task.
func (s TaskStatus) Active() bool {
	return s == TaskStatusDownloading || s == TaskStatusPaused
}

// TaskParams holds the immutable inputs of a task.
type TaskParams struct {
	ID             string
	Title          string
	URL            string
	Format         Format
	SinkMode       SinkMode
	Chunks         []Chunk
	Range          Range
	TotalDuration  time.Duration
	TargetDuration time.Duration
	TTL            time.Duration
}

// Task is the mutable record of one download job. Its chunk state is
// mutated only by the scheduling pass that owns it; readers use Snapshot.
type Task struct {
	ID             string
	Title          string
	URL            string
	Format         Format
	SinkMode       SinkMode
	Range          Range
	TotalDuration  time.Duration
	TargetDuration time.Duration
	CreatedAt      time.Time

	mu        sync.RWMutex
	chunks    []Chunk
	status    TaskStatus
	finished  int
	failed    int
	artifact  *Artifact
	errMsg    string
	finalized bool
	startedAt time.Time
	updatedAt time.Time
	expiresAt time.Time
	ttl       time.Duration
}

// NewTask creates a task in status ready.
func NewTask(p TaskParams) (*Task, error) {
	if p.ID == "" {
		return nil, errs.ErrTaskIDEmpty
	}

	if len(p.Chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", errs.ErrInvalidRange)
	}

	if !p.Range.Valid(len(p.Chunks)) {
		return nil, fmt.Errorf("%w: [%d,%d] of %d chunks", errs.ErrInvalidRange, p.Range.Start, p.Range.End, len(p.Chunks))
	}

	chunks := make([]Chunk, len(p.Chunks))
	for i, c := range p.Chunks {
		c.Index = i
		c.Status = ChunkPending
		c.Attempts = 0
		chunks[i] = c
	}

	now := time.Now()

	return &Task{
		ID:             p.ID,
		Title:          p.Title,
		URL:            p.URL,
		Format:         p.Format,
		SinkMode:       p.SinkMode,
		Range:          p.Range,
		TotalDuration:  p.TotalDuration,
		TargetDuration: p.TargetDuration,
		CreatedAt:      now,
		chunks:         chunks,
		status:         TaskStatusReady,
		updatedAt:      now,
		ttl:            p.TTL,
	}, nil
}

// TargetCount returns the number of chunks in the selected range.
func (t *Task) TargetCount() int {
	return t.Range.Count()
}

// Status returns the current task status.
func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// Transition moves the task to next or returns ErrInvalidTransition.
// Moving to the current status is a no-op.
func (t *Task) Transition(next TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == next {
		return nil
	}

	if !t.status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, t.status, next)
	}

	now := time.Now()
	if next == TaskStatusDownloading && t.startedAt.IsZero() {
		t.startedAt = now
	}

	if next == TaskStatusDone || next == TaskStatusError {
		if t.ttl > 0 {
			t.expiresAt = now.Add(t.ttl)
		}
	} else {
		t.expiresAt = time.Time{}
	}

	t.status = next
	t.updatedAt = now

	return nil
}

// Chunk returns a copy of the chunk at idx.
func (t *Task) Chunk(idx int) Chunk {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.chunks[idx]
}

// Pending returns the in-range indices whose chunks are pending, in index order.
func (t *Task) Pending() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int

	for i := t.Range.Start; i <= t.Range.End; i++ {
		if t.chunks[i].Status == ChunkPending {
			out = append(out, i)
		}
	}

	return out
}

// FailedIndices returns the in-range indices of permanently failed chunks.
func (t *Task) FailedIndices() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.failedLocked()
}

func (t *Task) failedLocked() []int {
	var out []int

	for i := t.Range.Start; i <= t.Range.End; i++ {
		if t.chunks[i].Status == ChunkFailed {
			out = append(out, i)
		}
	}

	return out
}

func (t *Task) move(idx int, next ChunkStatus) (*Chunk, error) {
	if !t.Range.Contains(idx) {
		return nil, fmt.Errorf("%w: chunk %d outside range", errs.ErrInvalidRange, idx)
	}

	c := &t.chunks[idx]
	if !c.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: chunk %d %s -> %s", errs.ErrInvalidTransition, idx, c.Status, next)
	}

	c.Status = next
	t.updatedAt = time.Now()

	return c, nil
}

// Begin marks a pending chunk in-flight and returns its attempt number, starting at 1.
func (t *Task) Begin(idx int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.move(idx, ChunkInFlight)
	if err != nil {
		return 0, err
	}

	c.Attempts++

	return c.Attempts, nil
}

// Complete marks an in-flight chunk done.
func (t *Task) Complete(idx int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.move(idx, ChunkDone); err != nil {
		return err
	}

	t.finished++

	return nil
}

// Requeue returns an in-flight chunk to pending for another attempt.
func (t *Task) Requeue(idx int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.move(idx, ChunkPending)

	return err
}

// Fail marks an in-flight chunk permanently failed for this pass.
func (t *Task) Fail(idx int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.move(idx, ChunkFailed); err != nil {
		return err
	}

	t.failed++

	return nil
}

// ResetFailed returns failed chunks to pending with fresh attempt counters
// and clears the error count. Done chunks are untouched.
func (t *Task) ResetFailed() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	indices := t.failedLocked()
	for _, idx := range indices {
		t.chunks[idx].Status = ChunkPending
		t.chunks[idx].Attempts = 0
	}

	t.failed = 0
	t.errMsg = ""
	t.updatedAt = time.Now()

	return indices
}

// Counts returns finished, failed and target chunk counts.
func (t *Task) Counts() (finished, failed, target int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.finished, t.failed, t.Range.Count()
}

// SetArtifact records the finalized or partial output.
func (t *Task) SetArtifact(a Artifact) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.artifact = &a
	t.updatedAt = time.Now()
}

// SetError records a human readable failure reason.
func (t *Task) SetError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errMsg = msg
	t.updatedAt = time.Now()
}

// MarkFinalized reports true the first time it is called.
func (t *Task) MarkFinalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return false
	}

	t.finalized = true

	return true
}

// Expired reports whether a finished task outlived its TTL.
func (t *Task) Expired(now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return !t.expiresAt.IsZero() && now.After(t.expiresAt)
}

// Snapshot returns a consistent read-only copy of the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	target := t.Range.Count()

	s := Snapshot{
		ID:             t.ID,
		Title:          t.Title,
		URL:            t.URL,
		Format:         t.Format,
		SinkMode:       t.SinkMode,
		Status:         t.status,
		ChunkCount:     len(t.chunks),
		Range:          t.Range,
		TargetCount:    target,
		FinishedCount:  t.finished,
		ErrorCount:     t.failed,
		Progress:       calc.Fraction(t.finished, target),
		TotalDuration:  t.TotalDuration,
		TargetDuration: t.TargetDuration,
		Error:          t.errMsg,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.updatedAt,
		ExpiresAt:      t.expiresAt,
		FailedIndices:  t.failedLocked(),
	}

	if t.status.Active() && !t.startedAt.IsZero() {
		s.EstimatedETA = calc.ETA(t.finished, target, time.Since(t.startedAt))
	}

	if t.artifact != nil {
		a := *t.artifact
		s.Artifact = &a
	}

	return s
}

// Event builds a progress event from the current counters.
func (t *Task) Event(kind EventKind, idx int) ProgressEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	target := t.Range.Count()

	ev := ProgressEvent{
		Kind:      kind,
		TaskID:    t.ID,
		Status:    t.status,
		Index:     idx,
		Completed: t.finished,
		Failed:    t.failed,
		Target:    target,
		Fraction:  calc.Fraction(t.finished, target),
		Time:      time.Now(),
	}

	if kind == EventChunk && idx >= 0 && idx < len(t.chunks) {
		ev.Chunk = t.chunks[idx].Status
	}

	return ev
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (t *Task) LogValue() slog.Value {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slog.GroupValue(
		slog.String("id", t.ID),
		slog.String("url", t.URL),
		slog.String("status", string(t.status)),
		slog.Int("start", t.Range.Start),
		slog.Int("end", t.Range.End),
		slog.Int("finished", t.finished),
		slog.Int("errors", t.failed),
	)
}
