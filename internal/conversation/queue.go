package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/call-voice-lab/internal/logging"
	"github.com/call-voice-lab/internal/metrics"
)

var ErrQueueClosed = errors.New("session queue closed")

// Queue is a bounded per-session FIFO with a priority lane for critical
// events. It is safe for many producers and a single consumer.
type Queue struct {
	sessionID string
	capacity  int

	mu       sync.Mutex
	priority []Event
	normal   []Event
	closed   bool
	notify   chan struct{}
}

func NewQueue(sessionID string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		sessionID: sessionID,
		capacity:  capacity,
		notify:    make(chan struct{}, 1),
	}
}

// Enqueue appends ev. When the queue is full the cheapest ordinary event is
// evicted; critical events are never evicted and are accepted even past
// capacity. An ordinary event that finds no room is dropped.
func (q *Queue) Enqueue(ev Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	full := len(q.priority)+len(q.normal) >= q.capacity
	if critical(ev) {
		if full {
			q.evictLocked()
		}
		q.priority = append(q.priority, ev)
	} else {
		if full && !q.evictLocked() {
			q.mu.Unlock()
			q.dropped(ev)
			return nil
		}
		q.normal = append(q.normal, ev)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// evictLocked removes the oldest ordinary event of the lowest eviction rank.
func (q *Queue) evictLocked() bool {
	if len(q.normal) == 0 {
		return false
	}
	victim := 0
	for i, ev := range q.normal {
		if evictionRank(ev) < evictionRank(q.normal[victim]) {
			victim = i
		}
	}
	ev := q.normal[victim]
	q.normal = append(q.normal[:victim], q.normal[victim+1:]...)
	q.dropped(ev)
	return true
}

func (q *Queue) dropped(ev Event) {
	metrics.QueueDropped.WithLabelValues(EventName(ev)).Inc()
	logging.Warnw("queue overflow: dropped event", "session.id", q.sessionID, "event", EventName(ev), "capacity", q.capacity)
}

// Dequeue blocks until an event is available, the queue is closed and
// drained, or ctx is done. Critical events are returned before ordinary ones.
func (q *Queue) Dequeue(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.priority) > 0 {
			ev := q.priority[0]
			q.priority = q.priority[1:]
			q.mu.Unlock()
			return ev, nil
		}
		if len(q.normal) > 0 {
			ev := q.normal[0]
			q.normal = q.normal[1:]
			q.mu.Unlock()
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority) + len(q.normal)
}

// Close rejects further events and wakes a blocked consumer once the
// remaining events are drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
