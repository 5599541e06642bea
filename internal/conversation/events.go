package conversation

import (
	"time"

	"github.com/call-voice-lab/internal/compliance"
)

// HandleID correlates an async start intent with its completion event.
type HandleID string

// AsyncKind is the kind of an outstanding async operation. A session holds
// at most one outstanding handle per kind.
type AsyncKind int

const (
	KindRetrieval AsyncKind = iota
	KindModelCall
	KindPlayback
)

func (k AsyncKind) String() string {
	switch k {
	case KindRetrieval:
		return "retrieval"
	case KindModelCall:
		return "model_call"
	case KindPlayback:
		return "playback"
	default:
		return "unknown"
	}
}

// EndReason explains why a call ended. The values double as closing-line
// keys in the compliance policy.
type EndReason string

const (
	EndCallerHangup         EndReason = "caller_hangup"
	EndSilenceTimeout       EndReason = "silence_timeout"
	EndDegradedServiceAbort EndReason = "degraded_service_abort"
	EndComplianceStop       EndReason = "compliance_stop"
	EndEscalationRequested  EndReason = "escalation_requested"
	EndInternalError        EndReason = "internal_error"
	EndSessionClosed        EndReason = "session_closed"
	EndShutdown             EndReason = "shutdown"
)

// Event is a closed set of occurrences delivered to a session queue. Only
// types in this file implement it.
type Event interface {
	eventName() string
}

type CallAccepted struct{}

// AudioSegmentReady marks the end of a caller utterance. Transcript is the
// recognised text supplied by the telephony side.
type AudioSegmentReady struct {
	Audio      []byte
	Transcript string
	At         time.Time
}

type BargeInDetected struct {
	At time.Time
}

type RetrievalCompleted struct {
	Handle   HandleID
	Passages []string
	Err      error
}

type ModelTokenReceived struct {
	Handle HandleID
	Token  string
}

type ModelCompleted struct {
	Handle HandleID
	Text   string
	Err    error
}

type ComplianceViolation struct {
	Reason compliance.Reason
}

// ConsentChanged carries a consent decision, usually parsed from DTMF.
type ConsentChanged struct {
	Consent compliance.Consent
}

type TimerExpired struct {
	Timer TimerID
}

type CallEnded struct {
	Reason EndReason
}

func (CallAccepted) eventName() string        { return "call_accepted" }
func (AudioSegmentReady) eventName() string   { return "audio_segment_ready" }
func (BargeInDetected) eventName() string     { return "barge_in_detected" }
func (RetrievalCompleted) eventName() string  { return "retrieval_completed" }
func (ModelTokenReceived) eventName() string  { return "model_token_received" }
func (ModelCompleted) eventName() string      { return "model_completed" }
func (ComplianceViolation) eventName() string { return "compliance_violation" }
func (ConsentChanged) eventName() string      { return "consent_changed" }
func (TimerExpired) eventName() string        { return "timer_expired" }
func (CallEnded) eventName() string           { return "call_ended" }

// EventName returns the stable label used in logs and metrics.
func EventName(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	return ev.eventName()
}

// critical events are never evicted from a full queue and are dequeued ahead
// of ordinary events.
func critical(ev Event) bool {
	switch ev.(type) {
	case CallEnded, BargeInDetected, ComplianceViolation:
		return true
	}
	return false
}

// evictionRank orders ordinary events by how cheaply they can be dropped.
// Lower ranks go first.
func evictionRank(ev Event) int {
	switch ev.(type) {
	case ModelTokenReceived:
		return 0
	case AudioSegmentReady:
		return 1
	case TimerExpired:
		return 3
	default:
		return 2
	}
}
