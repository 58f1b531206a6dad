package progress_test

import (
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"segmentdl/internal/entity"
	"segmentdl/internal/progress"
	"segmentdl/pkg/logger"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()

	r := progress.New(logger.Discard())
	defer r.Close()

	a, unsubA := r.Subscribe(4)
	b, _ := r.Subscribe(4)

	r.Publish(entity.ProgressEvent{TaskID: "t", Completed: 1, Target: 3})

	for name, ch := range map[string]<-chan entity.ProgressEvent{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Completed != 1 || ev.Target != 3 {
				t.Errorf("%s got %+v", name, ev)
			}
		default:
			t.Errorf("%s got no event", name)
		}
	}

	unsubA()
	unsubA()

	if _, ok := <-a; ok {
		t.Error("unsubscribed channel still open")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})

		r := progress.New(logger.Discard(), func(entity.ProgressEvent) { <-release })

		slow, _ := r.Subscribe(1)

		for i := range 1000 {
			r.Publish(entity.ProgressEvent{Completed: i})
		}

		if len(slow) != 1 {
			t.Fatalf("slow subscriber buffered %d events, want 1", len(slow))
		}

		if r.Dropped() == 0 {
			t.Fatal("expected dropped events")
		}

		close(release)
		r.Close()
	})
}

func TestPanickingCallbackIsContained(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32

		r := progress.New(logger.Discard(),
			func(entity.ProgressEvent) { panic("boom") },
			func(entity.ProgressEvent) { calls.Add(1) },
		)

		r.Publish(entity.ProgressEvent{Completed: 1})
		r.Publish(entity.ProgressEvent{Completed: 2})

		synctest.Wait()

		if got := calls.Load(); got != 2 {
			t.Fatalf("second callback ran %d times, want 2", got)
		}

		r.Close()
	})
}

func TestNoEventsAfterClose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32

		r := progress.New(logger.Discard(), func(entity.ProgressEvent) {
			time.Sleep(time.Second)
			calls.Add(1)
		})

		sub, _ := r.Subscribe(8)

		r.Publish(entity.ProgressEvent{Completed: 1})
		r.Close()

		before := calls.Load()

		r.Publish(entity.ProgressEvent{Completed: 2})
		time.Sleep(time.Minute)
		synctest.Wait()

		if calls.Load() != before {
			t.Fatal("callback ran after Close returned")
		}

		var got []entity.ProgressEvent
		for ev := range sub {
			got = append(got, ev)
		}

		if len(got) != 1 || got[0].Completed != 1 {
			t.Fatalf("subscriber saw %+v, want only the event published before Close", got)
		}

		late, _ := r.Subscribe(1)
		if _, ok := <-late; ok {
			t.Fatal("subscription after Close is open")
		}

		r.Close()
	})
}
