package conversation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue("s", 8)
	for _, text := range []string{"a", "b", "c"} {
		if err := q.Enqueue(AudioSegmentReady{Transcript: text}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		ev, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got := ev.(AudioSegmentReady).Transcript; got != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
}

func TestBargeInDequeuedBeforePendingCompletion(t *testing.T) {
	q := NewQueue("s", 8)
	_ = q.Enqueue(ModelCompleted{Handle: "h1", Text: "done"})
	_ = q.Enqueue(RetrievalCompleted{Handle: "h2"})
	_ = q.Enqueue(BargeInDetected{})

	ev, _ := q.Dequeue(context.Background())
	if _, ok := ev.(BargeInDetected); !ok {
		t.Fatalf("first event %T, want BargeInDetected", ev)
	}
	ev, _ = q.Dequeue(context.Background())
	if _, ok := ev.(ModelCompleted); !ok {
		t.Fatalf("second event %T, want ModelCompleted", ev)
	}
}

func TestQueueOverflowEvictsTokensFirst(t *testing.T) {
	q := NewQueue("s", 3)
	_ = q.Enqueue(AudioSegmentReady{Transcript: "a"})
	_ = q.Enqueue(ModelTokenReceived{Token: "t1"})
	_ = q.Enqueue(TimerExpired{})
	_ = q.Enqueue(AudioSegmentReady{Transcript: "b"})

	if q.Len() != 3 {
		t.Fatalf("len=%d", q.Len())
	}
	var got []string
	for q.Len() > 0 {
		ev, _ := q.Dequeue(context.Background())
		got = append(got, EventName(ev))
	}
	want := []string{"audio_segment_ready", "timer_expired", "audio_segment_ready"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestCriticalEventsNeverDropped(t *testing.T) {
	q := NewQueue("s", 2)
	_ = q.Enqueue(CallEnded{})
	_ = q.Enqueue(ComplianceViolation{})
	// Full of critical events: an ordinary event has nothing to evict.
	_ = q.Enqueue(ModelTokenReceived{Token: "x"})
	_ = q.Enqueue(BargeInDetected{})

	if q.Len() != 3 {
		t.Fatalf("len=%d, want 3 critical events", q.Len())
	}
	for q.Len() > 0 {
		ev, _ := q.Dequeue(context.Background())
		if !critical(ev) {
			t.Fatalf("ordinary event %T survived", ev)
		}
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue("s", 4)
	got := make(chan Event, 1)
	go func() {
		ev, err := q.Dequeue(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	select {
	case ev := <-got:
		t.Fatalf("dequeue returned early with %T", ev)
	case <-time.After(20 * time.Millisecond):
	}
	_ = q.Enqueue(CallAccepted{})
	select {
	case ev := <-got:
		if _, ok := ev.(CallAccepted); !ok {
			t.Fatalf("got %T", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("dequeue did not wake")
	}
}

func TestDequeueHonoursContext(t *testing.T) {
	q := NewQueue("s", 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestClosedQueueDrainsThenFails(t *testing.T) {
	q := NewQueue("s", 4)
	_ = q.Enqueue(CallAccepted{})
	q.Close()
	if err := q.Enqueue(CallAccepted{}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after close: %v", err)
	}
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("pending event lost: %v", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err=%v", err)
	}
}
