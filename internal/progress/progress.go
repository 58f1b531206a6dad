// Package progress fans task progress events out to subscribers without
// ever blocking the publisher.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"segmentdl/internal/entity"
)

const (
	defaultSubscriberBuffer = 64
	callbackQueueSize       = 256
)

// Callback receives progress events on the reporter's dispatcher goroutine.
type Callback func(entity.ProgressEvent)

// Reporter is a task-scoped, best-effort event fan-out. Publish never blocks:
// events for a full subscriber or a saturated callback queue are dropped.
type Reporter struct {
	log *slog.Logger

	mu        sync.Mutex
	subs      map[int]chan entity.ProgressEvent
	nextID    int
	callbacks []Callback
	closed    bool

	queue    chan entity.ProgressEvent
	done     chan struct{}
	stopping atomic.Bool
	dropped  atomic.Int64
}

// New creates a reporter and starts its callback dispatcher.
func New(log *slog.Logger, callbacks ...Callback) *Reporter {
	r := &Reporter{
		log:       log.With(slog.String("package", "progress")),
		subs:      make(map[int]chan entity.ProgressEvent),
		callbacks: callbacks,
		queue:     make(chan entity.ProgressEvent, callbackQueueSize),
		done:      make(chan struct{}),
	}

	go r.dispatch()

	return r
}

// Subscribe returns a channel of events and a function that detaches it.
// The channel is closed on unsubscribe or when the reporter closes.
func (r *Reporter) Subscribe(buffer int) (<-chan entity.ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	ch := make(chan entity.ProgressEvent, buffer)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		close(ch)

		return ch, func() {}
	}

	id := r.nextID
	r.nextID++
	r.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers ev to every subscriber and callback without blocking.
func (r *Reporter) Publish(ev entity.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.dropped.Add(1)
		}
	}

	if len(r.callbacks) == 0 {
		return
	}

	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because a consumer was slow.
func (r *Reporter) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops delivery. Once Close returns no subscriber or callback sees
// another event. It waits for a callback that is already running.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done

		return
	}

	r.closed = true
	r.stopping.Store(true)

	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}

	close(r.queue)
	r.mu.Unlock()

	<-r.done
}

func (r *Reporter) dispatch() {
	defer close(r.done)

	for ev := range r.queue {
		if r.stopping.Load() {
			continue
		}

		for _, cb := range r.callbacks {
			r.invoke(cb, ev)
		}
	}
}

func (r *Reporter) invoke(cb Callback, ev entity.ProgressEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("progress callback panicked", slog.String("task_id", ev.TaskID), slog.Any("panic", rec))
		}
	}()

	cb(ev)
}
