package conversation

import (
	"fmt"
	"sync"
	"time"
)

// TimerKind names the delayed events a session schedules.
type TimerKind int

const (
	TimerSilence TimerKind = iota
	TimerPlayback
	TimerRetrieval
	TimerModel
	TimerCancelGrace
)

func (k TimerKind) String() string {
	switch k {
	case TimerSilence:
		return "silence"
	case TimerPlayback:
		return "playback"
	case TimerRetrieval:
		return "retrieval_timeout"
	case TimerModel:
		return "model_timeout"
	case TimerCancelGrace:
		return "cancel_grace"
	default:
		return "unknown"
	}
}

// TimerID identifies one arming of a timer. Seq makes re-armed timers
// distinguishable from expirations that were already in flight.
type TimerID struct {
	Kind TimerKind
	Seq  uint64
}

func (id TimerID) String() string { return fmt.Sprintf("%s#%d", id.Kind, id.Seq) }

// Scheduler delivers TimerExpired events after a delay.
type Scheduler interface {
	Schedule(id TimerID, d time.Duration)
	Stop(id TimerID)
}

// queueTimers schedules timers that enqueue TimerExpired into a session
// queue, keeping expirations ordered with every other event.
type queueTimers struct {
	queue *Queue

	mu     sync.Mutex
	timers map[TimerID]*time.Timer
	closed bool
}

func newQueueTimers(q *Queue) *queueTimers {
	return &queueTimers{queue: q, timers: make(map[TimerID]*time.Timer)}
}

func (t *queueTimers) Schedule(id TimerID, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if prev, ok := t.timers[id]; ok {
		prev.Stop()
	}
	t.timers[id] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, id)
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			_ = t.queue.Enqueue(TimerExpired{Timer: id})
		}
	})
}

func (t *queueTimers) Stop(id TimerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
}

// StopAll cancels every pending timer and refuses new ones.
func (t *queueTimers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}
