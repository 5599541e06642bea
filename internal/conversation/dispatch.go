package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/call-voice-lab/internal/logging"
	"github.com/call-voice-lab/internal/metrics"
)

// Retriever looks up knowledge passages for a caller query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]string, error)
}

// Reasoner produces the agent reply. onToken is called for each streamed
// fragment before Stream returns the full text.
type Reasoner interface {
	Stream(ctx context.Context, prompt string, passages []string, onToken func(string)) (string, error)
}

// TranscriptSink stores redacted transcript turns.
type TranscriptSink interface {
	SaveTurn(ctx context.Context, callID string, turn TranscriptTurn) error
}

// Alerter notifies operators about calls that ended abnormally.
type Alerter interface {
	Alert(ctx context.Context, msg string) error
}

// EventPusher is the part of Manager the dispatcher feeds completions into.
type EventPusher interface {
	PushEvent(sessionID string, ev Event) error
}

var errNoCollaborator = errors.New("collaborator not configured")

type inflight struct {
	sessionID string
	cancel    context.CancelFunc
}

type persistJob struct {
	sessionID string
	callID    string
	turn      TranscriptTurn
}

// Dispatcher executes retrieval, model and persistence intents and turns
// their results back into session events. Speech and hang-up intents belong
// to the telephony side.
type Dispatcher struct {
	retriever Retriever
	reasoner  Reasoner
	sink      TranscriptSink
	alerter   Alerter
	pusher    EventPusher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[HandleID]inflight

	persistCh chan persistJob
	closeOnce sync.Once
}

// DispatcherDeps lists the collaborators. Any of them may be nil: a missing
// retriever yields empty context, a missing reasoner fails the model call,
// a missing sink drops persisted turns.
type DispatcherDeps struct {
	Retriever Retriever
	Reasoner  Reasoner
	Sink      TranscriptSink
	Alerter   Alerter
}

func NewDispatcher(pusher EventPusher, deps DispatcherDeps) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		retriever: deps.Retriever,
		reasoner:  deps.Reasoner,
		sink:      deps.Sink,
		alerter:   deps.Alerter,
		pusher:    pusher,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[HandleID]inflight),
		persistCh: make(chan persistJob, 256),
	}
	d.wg.Add(1)
	go d.persistWorker()
	return d
}

// Attach subscribes the dispatcher to a session created by m.
func (d *Dispatcher) Attach(m *Manager, h *SessionHandle) (func(), error) {
	return m.SubscribeIntents(h.ID, func(in Intent) { d.Handle(*h, in) })
}

// Handle executes one intent. It never blocks on a collaborator.
func (d *Dispatcher) Handle(h SessionHandle, in Intent) {
	switch it := in.(type) {
	case StartRetrieval:
		ctx := d.begin(h.ID, it.Handle)
		d.wg.Add(1)
		go d.retrieve(ctx, h, it)
	case StartModelCall:
		ctx := d.begin(h.ID, it.Handle)
		d.wg.Add(1)
		go d.reason(ctx, h, it)
	case CancelHandle:
		if it.Kind != KindPlayback {
			d.cancelHandle(it.Handle)
		}
	case PersistTranscriptTurn:
		select {
		case d.persistCh <- persistJob{sessionID: h.ID, callID: h.CallID, turn: it.Turn}:
		default:
			metrics.Errors.WithLabelValues("persist", "queue_full").Inc()
			logging.Warnw("transcript persist queue full, dropping turn", "session.id", h.ID, "turn", it.Turn.Seq)
		}
	case EndCall:
		d.cancelSession(h.ID)
		d.alert(h, it.Reason)
	case SpeakUtterance:
	default:
		logging.Errorw("dispatcher: unknown intent", "session.id", h.ID, "intent", IntentName(in))
	}
}

func (d *Dispatcher) begin(sessionID string, h HandleID) context.Context {
	ctx, cancel := context.WithCancel(d.ctx)
	d.mu.Lock()
	d.inflight[h] = inflight{sessionID: sessionID, cancel: cancel}
	d.mu.Unlock()
	return ctx
}

// finish forgets h and reports whether it was cancelled while running.
func (d *Dispatcher) finish(ctx context.Context, h HandleID) bool {
	cancelled := ctx.Err() != nil
	d.mu.Lock()
	if f, ok := d.inflight[h]; ok {
		f.cancel()
		delete(d.inflight, h)
	}
	d.mu.Unlock()
	return cancelled
}

func (d *Dispatcher) cancelHandle(h HandleID) {
	d.mu.Lock()
	f, ok := d.inflight[h]
	delete(d.inflight, h)
	d.mu.Unlock()
	if ok {
		f.cancel()
		logging.Debugw("dispatcher: cancelled", "session.id", f.sessionID, "handle.id", string(h))
	}
}

func (d *Dispatcher) cancelSession(sessionID string) {
	d.mu.Lock()
	for h, f := range d.inflight {
		if f.sessionID == sessionID {
			f.cancel()
			delete(d.inflight, h)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) push(sessionID string, ev Event) {
	if err := d.pusher.PushEvent(sessionID, ev); err != nil {
		logging.Debugw("dispatcher: completion not delivered", "session.id", sessionID, "event", EventName(ev), "err", err)
	}
}

func (d *Dispatcher) retrieve(ctx context.Context, h SessionHandle, it StartRetrieval) {
	defer d.wg.Done()
	start := time.Now()
	var (
		passages []string
		err      error
	)
	if d.retriever != nil {
		passages, err = d.retriever.Retrieve(ctx, it.Query)
	}
	metrics.StageDuration.WithLabelValues("retrieval").Observe(time.Since(start).Seconds())
	if d.finish(ctx, it.Handle) {
		return
	}
	if err != nil {
		metrics.Errors.WithLabelValues("retrieval", "collaborator").Inc()
		logging.Warnw("retrieval failed", "session.id", h.ID, "handle.id", string(it.Handle), "err", err)
	}
	d.push(h.ID, RetrievalCompleted{Handle: it.Handle, Passages: passages, Err: err})
}

func (d *Dispatcher) reason(ctx context.Context, h SessionHandle, it StartModelCall) {
	defer d.wg.Done()
	start := time.Now()
	var (
		text string
		err  error
	)
	if d.reasoner == nil {
		err = fmt.Errorf("reasoner: %w", errNoCollaborator)
	} else {
		text, err = d.reasoner.Stream(ctx, it.Prompt, it.Context, func(tok string) {
			if ctx.Err() == nil && tok != "" {
				d.push(h.ID, ModelTokenReceived{Handle: it.Handle, Token: tok})
			}
		})
	}
	metrics.StageDuration.WithLabelValues("model").Observe(time.Since(start).Seconds())
	if d.finish(ctx, it.Handle) {
		return
	}
	if err != nil {
		metrics.Errors.WithLabelValues("model", "collaborator").Inc()
		logging.Warnw("model call failed", "session.id", h.ID, "handle.id", string(it.Handle), "err", err)
	}
	d.push(h.ID, ModelCompleted{Handle: it.Handle, Text: text, Err: err})
}

func (d *Dispatcher) persistWorker() {
	defer d.wg.Done()
	for job := range d.persistCh {
		if d.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		start := time.Now()
		err := d.sink.SaveTurn(ctx, job.callID, job.turn)
		cancel()
		metrics.StageDuration.WithLabelValues("persist").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.Errors.WithLabelValues("persist", "sink").Inc()
			logging.Errorw("transcript persist failed", "session.id", job.sessionID, "call.id", job.callID, "turn", job.turn.Seq, "err", err)
		}
	}
}

func (d *Dispatcher) alert(h SessionHandle, reason EndReason) {
	switch reason {
	case EndDegradedServiceAbort, EndComplianceStop, EndEscalationRequested, EndInternalError:
	default:
		return
	}
	if d.alerter == nil {
		return
	}
	msg := fmt.Sprintf("call %s (%s) ended: %s", h.CallID, h.Jurisdiction, reason)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.alerter.Alert(ctx, msg); err != nil {
			logging.Warnw("ops alert failed", "call.id", h.CallID, "err", err)
		}
	}()
}

// Close cancels in-flight collaborator calls and drains queued transcript
// writes. Handle must not be called after Close.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		close(d.persistCh)
		d.wg.Wait()
	})
}
