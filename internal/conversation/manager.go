package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/call-voice-lab/internal/compliance"
	"github.com/call-voice-lab/internal/config"
	"github.com/call-voice-lab/internal/logging"
	"github.com/call-voice-lab/internal/metrics"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("concurrent session limit reached")
	ErrManagerClosed   = errors.New("session manager closed")
)

// SessionHandle identifies a running session to callers of the Manager.
type SessionHandle struct {
	ID           string
	CallID       string
	Jurisdiction string
	StartedAt    time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock used for quiet hours and call timing.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithGate(g *compliance.Gate) Option { return func(m *Manager) { m.gate = g } }

func WithScreener(s *compliance.Screener) Option { return func(m *Manager) { m.screener = s } }

// Manager owns every live session. Each session is driven by its own
// goroutine; sessions never share mutable state.
type Manager struct {
	cfg      *config.Config
	gate     *compliance.Gate
	screener *compliance.Screener
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	handle SessionHandle
	queue  *Queue
	timers *queueTimers

	subMu   sync.Mutex
	subs    map[uint64]func(Intent)
	nextSub uint64

	snap atomic.Pointer[Snapshot]
}

func NewManager(cfg *config.Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.gate == nil {
		m.gate = compliance.NewGate(cfg.Policy(), nil)
	}
	if m.screener == nil {
		m.screener = compliance.NewScreener(cfg.Policy().Safety())
	}
	return m
}

// CreateSession starts a session for callID and returns its handle. The
// session begins in Idle and moves to Listening on CallAccepted.
func (m *Manager) CreateSession(callID, jurisdiction string) (*SessionHandle, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, errors.New("call id is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		metrics.SessionsRejected.Inc()
		logging.Warnw("session rejected", append(logging.CallFields(callID, jurisdiction), "active", m.cfg.MaxSessions)...)
		return nil, ErrTooManySessions
	}
	h := SessionHandle{
		ID:           uuid.NewString(),
		CallID:       callID,
		Jurisdiction: jurisdiction,
		StartedAt:    m.now(),
	}
	q := NewQueue(h.ID, m.cfg.QueueCapacity)
	s := &session{handle: h, queue: q, timers: newQueueTimers(q), subs: make(map[uint64]func(Intent))}
	m.sessions[h.ID] = s
	m.mu.Unlock()

	sc := NewSessionContext(h.ID, callID, jurisdiction, h.StartedAt)
	mach := NewMachine(sc, MachineDeps{
		Config:   m.cfg,
		Gate:     m.gate,
		Screener: m.screener,
		Timers:   s.timers,
		Now:      m.now,
	})
	snap := mach.Snapshot()
	s.snap.Store(&snap)

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	logging.Infow("session created", append(logging.CallFields(callID, jurisdiction), "session.id", h.ID)...)

	m.wg.Add(1)
	go m.run(s, mach)
	return &h, nil
}

// run is the session's step loop: one event at a time, in queue order.
func (m *Manager) run(s *session, mach *Machine) {
	defer m.wg.Done()
	defer m.remove(s)

	for mach.State() != Ended {
		ev, err := s.queue.Dequeue(m.ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				logging.Errorw("session dequeue failed", "session.id", s.handle.ID, "err", err)
			}
			return
		}
		intents := mach.Step(ev)
		snap := mach.Snapshot()
		s.snap.Store(&snap)
		s.publish(intents)
	}
}

func (m *Manager) remove(s *session) {
	s.timers.StopAll()
	s.queue.Close()
	m.mu.Lock()
	delete(m.sessions, s.handle.ID)
	m.mu.Unlock()
	metrics.SessionsActive.Dec()
	snap := s.snap.Load()
	logging.Infow("session ended", "session.id", s.handle.ID, "call.id", s.handle.CallID, "reason", string(snap.EndReason), "turns", len(snap.Transcript))
}

// publish delivers intents in order to every subscriber. Subscribers run on
// the step loop and must not block.
func (s *session) publish(intents []Intent) {
	if len(intents) == 0 {
		return
	}
	s.subMu.Lock()
	fns := make([]func(Intent), 0, len(s.subs))
	for i := uint64(0); i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.subMu.Unlock()
	for _, in := range intents {
		for _, fn := range fns {
			fn(in)
		}
	}
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// PushEvent enqueues ev for the session. It never blocks on the step loop.
func (m *Manager) PushEvent(sessionID string, ev Event) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := s.queue.Enqueue(ev); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	return nil
}

// SubscribeIntents registers fn for every intent the session emits from now
// on. The returned func removes the subscription.
func (m *Manager) SubscribeIntents(sessionID string, fn func(Intent)) (func(), error) {
	if fn == nil {
		return nil, errors.New("nil intent callback")
	}
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}, nil
}

// EndSession asks the session to end as if the call were closed by the
// platform. It returns without waiting for the step loop.
func (m *Manager) EndSession(sessionID string) error {
	return m.PushEvent(sessionID, CallEnded{Reason: EndSessionClosed})
}

// Snapshot returns the session state as of its last processed event.
func (m *Manager) Snapshot(sessionID string) (Snapshot, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return *s.snap.Load(), nil
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close ends every session and waits for their step loops until ctx is done,
// after which remaining loops are abandoned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		_ = s.queue.Enqueue(CallEnded{Reason: EndShutdown})
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}
