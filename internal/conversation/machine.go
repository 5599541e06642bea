package conversation

import (
	"errors"
	"strings"
	"time"

	"github.com/call-voice-lab/internal/compliance"
	"github.com/call-voice-lab/internal/config"
	"github.com/call-voice-lab/internal/logging"
	"github.com/call-voice-lab/internal/metrics"
)

// State is a conversation state.
type State int

const (
	Idle State = iota
	Listening
	Retrieving
	Reasoning
	Speaking
	Interrupted
	ComplianceBlocked
	Terminating
	Ended
)

var stateNames = [...]string{"Idle", "Listening", "Retrieving", "Reasoning", "Speaking", "Interrupted", "ComplianceBlocked", "Terminating", "Ended"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// historyTurns bounds how much earlier conversation goes into a prompt.
const historyTurns = 3

// MachineDeps are the collaborators a Machine reads from. None of them hold
// per-call state.
type MachineDeps struct {
	Config   *config.Config
	Gate     *compliance.Gate
	Screener *compliance.Screener
	Timers   Scheduler
	Now      func() time.Time
}

// Machine is the per-call conversation state machine. Step is its only
// entry point and must be called from a single goroutine.
type Machine struct {
	cfg      *config.Config
	policy   *config.Policy
	gate     *compliance.Gate
	redactor *compliance.Redactor
	screener *compliance.Screener
	timers   Scheduler
	now      func() time.Time

	sc    *SessionContext
	turns *TurnController

	armed    map[TimerKind]uint64
	timerSeq uint64

	// current is the exchange in progress, not yet in the transcript.
	current     *TranscriptTurn
	partial     strings.Builder
	redirect    string
	nudges      int
	blockedHard bool
}

// NewMachine builds the state machine for one session. Missing gate,
// screener and clock fall back to ones derived from deps.Config.
func NewMachine(sc *SessionContext, deps MachineDeps) *Machine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	screener := deps.Screener
	if screener == nil {
		screener = compliance.NewScreener(deps.Config.Policy().Safety())
	}
	gate := deps.Gate
	if gate == nil {
		gate = compliance.NewGate(deps.Config.Policy(), nil)
	}
	return &Machine{
		cfg:      deps.Config,
		policy:   deps.Config.Policy(),
		gate:     gate,
		redactor: gate.Redactor(),
		screener: screener,
		timers:   deps.Timers,
		now:      now,
		sc:       sc,
		turns:    NewTurnController(),
		armed:    make(map[TimerKind]uint64),
	}
}

// State is the current conversation state.
func (m *Machine) State() State { return m.sc.state }

// Turns exposes the session's turn controller.
func (m *Machine) Turns() *TurnController { return m.turns }

// Snapshot copies the session context for observers.
func (m *Machine) Snapshot() Snapshot { return m.sc.Snapshot() }

// Context returns the live session context. Only the step loop may mutate it.
func (m *Machine) Context() *SessionContext { return m.sc }

// Step consumes one event and returns the intents it produced, in the order
// they must be dispatched.
func (m *Machine) Step(ev Event) []Intent {
	if m.sc.state == Ended {
		logging.Debugw("event after call end ignored", "session.id", m.sc.id, "event", EventName(ev))
		return nil
	}

	var out []Intent
	switch e := ev.(type) {
	case CallAccepted:
		if m.sc.state == Idle {
			m.transition(Listening)
		}
	case AudioSegmentReady:
		out = m.onAudio(e)
	case BargeInDetected:
		out = m.onBargeIn()
	case RetrievalCompleted:
		out = m.onRetrieval(e)
	case ModelTokenReceived:
		m.onToken(e)
	case ModelCompleted:
		out = m.onModel(e)
	case ComplianceViolation:
		out = m.onViolation(e)
	case ConsentChanged:
		out = m.onConsent(e)
	case TimerExpired:
		out = m.onTimer(e)
	case CallEnded:
		out = m.onCallEnded(e)
	default:
		logging.Errorw("unknown event type", "session.id", m.sc.id, "event", EventName(ev))
	}

	for _, in := range out {
		metrics.Intents.WithLabelValues(IntentName(in)).Inc()
	}
	return out
}

func (m *Machine) transition(to State) {
	from := m.sc.state
	if from == to {
		return
	}
	if from == Listening {
		m.disarm(TimerSilence)
	}
	m.sc.state = to
	if to == Listening {
		m.turns.YieldToCaller()
		m.arm(TimerSilence, m.cfg.SilenceTimeout)
	}
	metrics.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	logging.Debugw("state transition", "session.id", m.sc.id, "from", from.String(), "to", to.String())
}

func (m *Machine) arm(kind TimerKind, d time.Duration) {
	if m.timers == nil || d <= 0 {
		return
	}
	if seq, ok := m.armed[kind]; ok {
		m.timers.Stop(TimerID{Kind: kind, Seq: seq})
	}
	m.timerSeq++
	m.armed[kind] = m.timerSeq
	m.timers.Schedule(TimerID{Kind: kind, Seq: m.timerSeq}, d)
}

func (m *Machine) disarm(kind TimerKind) {
	seq, ok := m.armed[kind]
	if !ok {
		return
	}
	delete(m.armed, kind)
	if m.timers != nil {
		m.timers.Stop(TimerID{Kind: kind, Seq: seq})
	}
}

func (m *Machine) disarmAll() {
	for kind := range m.armed {
		m.disarm(kind)
	}
}

func (m *Machine) view(turnText string) compliance.View {
	return compliance.View{
		Consent:      m.sc.consent,
		Jurisdiction: m.sc.jurisdiction,
		Now:          m.now(),
		TurnText:     turnText,
	}
}

func (m *Machine) onAudio(e AudioSegmentReady) []Intent {
	m.turns.CallerSpeaking(false)
	switch m.sc.state {
	case Listening:
	case Interrupted:
		m.disarm(TimerCancelGrace)
		m.transition(Listening)
	case ComplianceBlocked:
		if m.blockedHard {
			return nil
		}
		m.sc.blockReason = ""
		m.transition(Listening)
	default:
		logging.Debugw("utterance outside listening ignored", "session.id", m.sc.id, "state", m.sc.state.String())
		return nil
	}

	text := strings.TrimSpace(e.Transcript)
	if text == "" {
		m.arm(TimerSilence, m.cfg.SilenceTimeout)
		return nil
	}
	m.nudges = 0
	m.sc.callerTurns++

	verdict := m.screener.Screen(text, m.sc.callerTurns, m.now().Sub(m.sc.startedAt))
	if verdict.Action == compliance.SafetyEscalate {
		logging.Infow("caller escalation", "session.id", m.sc.id, "reason", verdict.Reason)
		return m.terminate(EndEscalationRequested)
	}
	m.redirect = ""
	if verdict.Action == compliance.SafetyRedirect {
		m.redirect = verdict.Reason
	}

	redacted := m.redactor.Redact(text)
	m.current = &TranscriptTurn{Caller: redacted, At: m.now()}

	h, err := m.sc.BeginAsync(KindRetrieval)
	if err != nil {
		return m.invariantViolation(err)
	}
	m.transition(Retrieving)
	m.arm(TimerRetrieval, m.cfg.RetrievalTimeout)
	return []Intent{StartRetrieval{Handle: h, Query: redacted}}
}

func (m *Machine) onBargeIn() []Intent {
	m.turns.YieldToCaller()
	m.turns.CallerSpeaking(true)

	switch m.sc.state {
	case Listening:
		// Voice activity restarts the silence budget; an utterance or the
		// next expiry settles it.
		m.arm(TimerSilence, m.cfg.SilenceTimeout)
		return nil
	case Retrieving, Reasoning, Speaking:
	default:
		return nil
	}

	out := m.cancelOutstanding()
	m.disarm(TimerPlayback)
	if m.current != nil {
		m.current.Interrupted = true
		m.sc.AppendTranscript(*m.current)
		m.current = nil
	}
	m.transition(Interrupted)
	if len(out) == 0 {
		m.transition(Listening)
		return nil
	}
	m.arm(TimerCancelGrace, m.cfg.CancelGrace)
	return out
}

// cancelOutstanding clears every outstanding handle and returns the matching
// cancel intents in a fixed kind order.
func (m *Machine) cancelOutstanding() []Intent {
	var out []Intent
	for _, kind := range []AsyncKind{KindRetrieval, KindModelCall, KindPlayback} {
		if h, ok := m.sc.CancelAsync(kind); ok {
			out = append(out, CancelHandle{Handle: h, Kind: kind})
		}
	}
	m.disarm(TimerRetrieval)
	m.disarm(TimerModel)
	return out
}

func (m *Machine) stale(kind AsyncKind, h HandleID) {
	metrics.StaleCompletions.WithLabelValues(kind.String()).Inc()
	logging.Debugw("stale completion ignored", append([]interface{}{"session.id", m.sc.id}, logging.HandleFields(kind.String(), string(h))...)...)
}

func (m *Machine) onRetrieval(e RetrievalCompleted) []Intent {
	if cur, ok := m.sc.Outstanding(KindRetrieval); !ok || cur != e.Handle {
		m.stale(KindRetrieval, e.Handle)
		return nil
	}
	m.sc.CompleteAsync(e.Handle)
	m.disarm(TimerRetrieval)

	passages := e.Passages
	if e.Err != nil {
		logging.Warnw("retrieval failed, continuing without context", "session.id", m.sc.id, "err", e.Err)
		if m.collaboratorError("retrieval") {
			return m.terminate(EndDegradedServiceAbort)
		}
		passages = nil
	} else {
		m.sc.consecutiveErrors = 0
	}
	return m.startModel(passages)
}

func (m *Machine) startModel(passages []string) []Intent {
	h, err := m.sc.BeginAsync(KindModelCall)
	if err != nil {
		return m.invariantViolation(err)
	}
	m.partial.Reset()
	m.transition(Reasoning)
	m.arm(TimerModel, m.cfg.ModelTimeout)
	return []Intent{StartModelCall{Handle: h, Prompt: m.prompt(), Context: passages}}
}

func (m *Machine) prompt() string {
	var b strings.Builder
	hist := m.sc.transcript
	if len(hist) > historyTurns {
		hist = hist[len(hist)-historyTurns:]
	}
	if len(hist) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range hist {
			b.WriteString("Caller: " + t.Caller + "\n")
			if t.Agent != "" {
				b.WriteString("Agent: " + t.Agent + "\n")
			}
		}
	}
	if m.redirect != "" {
		b.WriteString("Politely steer the conversation back to how you can help (" + m.redirect + ").\n")
	}
	if m.current != nil {
		b.WriteString("Caller: " + m.current.Caller)
	}
	return b.String()
}

func (m *Machine) onToken(e ModelTokenReceived) {
	if cur, ok := m.sc.Outstanding(KindModelCall); !ok || cur != e.Handle {
		m.stale(KindModelCall, e.Handle)
		return
	}
	m.partial.WriteString(e.Token)
}

func (m *Machine) onModel(e ModelCompleted) []Intent {
	if cur, ok := m.sc.Outstanding(KindModelCall); !ok || cur != e.Handle {
		m.stale(KindModelCall, e.Handle)
		return nil
	}
	m.sc.CompleteAsync(e.Handle)
	m.disarm(TimerModel)

	text := strings.TrimSpace(e.Text)
	if text == "" && e.Err == nil {
		text = strings.TrimSpace(m.partial.String())
	}
	if e.Err != nil || text == "" {
		err := e.Err
		if err == nil {
			err = errors.New("empty model response")
		}
		logging.Warnw("model call failed, using fallback line", "session.id", m.sc.id, "err", err)
		return m.modelFailed()
	}
	m.sc.consecutiveErrors = 0
	return m.speakReply(text)
}

func (m *Machine) modelFailed() []Intent {
	if m.collaboratorError("model") {
		return m.terminate(EndDegradedServiceAbort)
	}
	return m.speakReply(m.policy.ApologyLine())
}

// collaboratorError counts a failure and reports whether the consecutive
// error budget is spent.
func (m *Machine) collaboratorError(stage string) bool {
	m.sc.consecutiveErrors++
	metrics.Errors.WithLabelValues(stage, "collaborator").Inc()
	limit := m.cfg.MaxConsecutiveErrors
	return limit > 0 && m.sc.consecutiveErrors >= limit
}

// speakReply gates and speaks the agent's answer to the current exchange.
func (m *Machine) speakReply(text string) []Intent {
	d := m.gate.Evaluate(m.view(""), compliance.ActionSpeak)
	if !d.Allowed {
		return m.block(d)
	}
	if m.turns.RequestAgentTurn() == Denied {
		logging.Debugw("agent turn denied, treating as barge-in", "session.id", m.sc.id)
		return m.onBargeIn()
	}
	redacted := m.redactor.Redact(text)
	if m.current != nil {
		m.current.Agent = redacted
	}
	return m.startPlayback(text, redacted)
}

func (m *Machine) startPlayback(text, redacted string) []Intent {
	h, err := m.sc.BeginAsync(KindPlayback)
	if err != nil {
		return m.invariantViolation(err)
	}
	m.transition(Speaking)
	m.arm(TimerPlayback, m.playbackDuration(text))
	return []Intent{SpeakUtterance{Handle: h, Text: text, RedactedForStorage: redacted}}
}

func (m *Machine) playbackDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	wps := m.cfg.WordsPerSecond
	if wps <= 0 {
		wps = 2.5
	}
	d := time.Duration(float64(words) / wps * float64(time.Second))
	return max(d, m.cfg.MinPlayback)
}

func (m *Machine) onPlaybackFinished() []Intent {
	if h, ok := m.sc.Outstanding(KindPlayback); ok {
		m.sc.CompleteAsync(h)
	}
	var out []Intent
	if m.current != nil {
		i := m.sc.AppendTranscript(*m.current)
		m.current = nil
		out = m.persist(i)
	}
	m.transition(Listening)
	return out
}

// persist gates one transcript turn. Without consent the turn stays in
// memory only; it is retried when the call ends in case consent arrived.
func (m *Machine) persist(i int) []Intent {
	turn := m.sc.transcript[i]
	d := m.gate.Evaluate(m.view(turn.Text()), compliance.ActionPersist)
	if !d.Allowed && d.Reason == compliance.RedactionRequired {
		turn.Caller = m.redactor.Redact(turn.Caller)
		turn.Agent = m.redactor.Redact(turn.Agent)
		m.sc.transcript[i] = turn
		d = m.gate.Evaluate(m.view(turn.Text()), compliance.ActionPersist)
	}
	if !d.Allowed {
		metrics.ComplianceDenials.WithLabelValues(string(d.Reason), compliance.ActionPersist.String()).Inc()
		logging.Infow("transcript turn not persisted", "session.id", m.sc.id, "turn", turn.Seq, "reason", string(d.Reason))
		return nil
	}
	m.sc.markPersisted(i)
	return []Intent{PersistTranscriptTurn{Turn: turn}}
}

func (m *Machine) flushPending() []Intent {
	if m.current != nil {
		m.sc.AppendTranscript(*m.current)
		m.current = nil
	}
	var out []Intent
	for _, i := range m.sc.pending() {
		out = append(out, m.persist(i)...)
	}
	return out
}

// block moves to ComplianceBlocked after a denial. Hard denials continue
// straight into termination.
func (m *Machine) block(d compliance.Decision) []Intent {
	metrics.ComplianceDenials.WithLabelValues(string(d.Reason), compliance.ActionSpeak.String()).Inc()
	logging.Infow("compliance denial", "session.id", m.sc.id, "reason", string(d.Reason), "hard", d.Hard, "state", m.sc.state.String())

	out := m.cancelOutstanding()
	m.disarm(TimerPlayback)
	if m.current != nil {
		m.sc.AppendTranscript(*m.current)
		m.current = nil
	}
	m.sc.blockReason = d.Reason
	m.blockedHard = d.Hard
	m.transition(ComplianceBlocked)
	if d.Hard {
		return append(out, m.terminate(EndComplianceStop)...)
	}
	m.arm(TimerSilence, m.cfg.SilenceTimeout)
	return out
}

func (m *Machine) onViolation(e ComplianceViolation) []Intent {
	switch m.sc.state {
	case Terminating, Ended:
		return nil
	}
	if e.Reason == compliance.ConsentRevoked {
		m.sc.consent = compliance.ConsentDenied
	}
	return m.block(compliance.Decision{Reason: e.Reason, Hard: e.Reason.Hard()})
}

func (m *Machine) onConsent(e ConsentChanged) []Intent {
	m.sc.consent = e.Consent
	logging.Infow("consent updated", "session.id", m.sc.id, "consent", e.Consent.String())
	switch {
	case m.sc.state == Terminating:
		return nil
	case e.Consent == compliance.ConsentDenied:
		return m.block(compliance.Decision{Reason: compliance.ConsentRequired, Hard: true})
	case e.Consent == compliance.ConsentGranted && m.sc.state == ComplianceBlocked && !m.blockedHard:
		m.sc.blockReason = ""
		m.transition(Listening)
	}
	return nil
}

func (m *Machine) onTimer(e TimerExpired) []Intent {
	if seq, ok := m.armed[e.Timer.Kind]; !ok || seq != e.Timer.Seq {
		logging.Debugw("stale timer ignored", "session.id", m.sc.id, "timer", e.Timer.String())
		return nil
	}
	delete(m.armed, e.Timer.Kind)

	switch e.Timer.Kind {
	case TimerSilence:
		switch {
		case m.sc.state == Listening:
			return m.onSilence()
		case m.sc.state == ComplianceBlocked && !m.blockedHard:
			logging.Infow("caller silent while blocked", "session.id", m.sc.id, "reason", string(m.sc.blockReason))
			return m.terminate(EndSilenceTimeout)
		}
	case TimerPlayback:
		if m.sc.state == Speaking {
			return m.onPlaybackFinished()
		}
	case TimerRetrieval:
		if h, ok := m.sc.CancelAsync(KindRetrieval); ok {
			logging.Warnw("retrieval timed out", append([]interface{}{"session.id", m.sc.id}, logging.HandleFields(KindRetrieval.String(), string(h))...)...)
			out := []Intent{CancelHandle{Handle: h, Kind: KindRetrieval}}
			if m.collaboratorError("retrieval") {
				return append(out, m.terminate(EndDegradedServiceAbort)...)
			}
			return append(out, m.startModel(nil)...)
		}
	case TimerModel:
		if h, ok := m.sc.CancelAsync(KindModelCall); ok {
			logging.Warnw("model call timed out", append([]interface{}{"session.id", m.sc.id}, logging.HandleFields(KindModelCall.String(), string(h))...)...)
			return append([]Intent{CancelHandle{Handle: h, Kind: KindModelCall}}, m.modelFailed()...)
		}
	case TimerCancelGrace:
		if m.sc.state == Interrupted {
			m.transition(Listening)
		}
	}
	return nil
}

func (m *Machine) onSilence() []Intent {
	// A whole silence budget passed without an utterance.
	m.turns.CallerSpeaking(false)
	if m.nudges < m.cfg.SilenceNudges {
		d := m.gate.Evaluate(m.view(""), compliance.ActionSpeak)
		if d.Allowed && m.turns.RequestAgentTurn() == Granted {
			m.nudges++
			line := m.policy.NudgeLine()
			return m.startPlayback(line, line)
		}
	}
	return m.terminate(EndSilenceTimeout)
}

func (m *Machine) onCallEnded(e CallEnded) []Intent {
	reason := e.Reason
	if reason == "" {
		reason = EndCallerHangup
	}
	if m.sc.state == Terminating {
		m.disarmAll()
		m.transition(Ended)
		return nil
	}
	out := m.cancelOutstanding()
	m.disarmAll()
	out = append(out, m.flushPending()...)
	m.transition(Terminating)
	m.sc.endReason = reason
	out = append(out, EndCall{Reason: reason})
	metrics.CallEnds.WithLabelValues(string(reason)).Inc()
	m.transition(Ended)
	return out
}

// terminate ends the call from the agent side. Everything except an
// internal error gets the closing line, provided the gate allows speech and
// the caller is not talking.
func (m *Machine) terminate(reason EndReason) []Intent {
	if m.sc.state == Terminating || m.sc.state == Ended {
		return nil
	}
	out := m.cancelOutstanding()
	m.disarmAll()
	out = append(out, m.flushPending()...)
	m.transition(Terminating)
	m.sc.endReason = reason

	if reason != EndInternalError {
		line := m.policy.ClosingLine(string(reason))
		d := m.gate.Evaluate(m.view(""), compliance.ActionSpeak)
		switch {
		case line == "":
		case !d.Allowed:
			metrics.ComplianceDenials.WithLabelValues(string(d.Reason), compliance.ActionSpeak.String()).Inc()
			logging.Infow("closing line suppressed", "session.id", m.sc.id, "reason", string(d.Reason))
		case m.turns.RequestAgentTurn() == Denied:
			logging.Infow("closing line skipped, caller holds the floor", "session.id", m.sc.id)
		default:
			redacted := m.redactor.Redact(line)
			out = append(out, SpeakUtterance{Handle: HandleID("closing-" + m.sc.id), Text: line, RedactedForStorage: redacted})
		}
	}
	out = append(out, EndCall{Reason: reason})
	metrics.CallEnds.WithLabelValues(string(reason)).Inc()
	logging.Infow("call terminating", "session.id", m.sc.id, "reason", string(reason))
	return out
}

func (m *Machine) invariantViolation(err error) []Intent {
	metrics.Errors.WithLabelValues("machine", "invariant_violation").Inc()
	logging.Errorw("invariant violation, dropping call", "session.id", m.sc.id, "state", m.sc.state.String(), "err", err)
	return m.terminate(EndInternalError)
}
