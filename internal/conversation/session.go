package conversation

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/call-voice-lab/internal/compliance"
)

// ErrAlreadyOutstanding is returned when an async operation of a kind is
// started while another of the same kind has not completed.
var ErrAlreadyOutstanding = errors.New("async operation already outstanding")

// SessionContext is the mutable record of one call. Only the Machine that
// owns it writes to it.
type SessionContext struct {
	id           string
	callID       string
	jurisdiction string
	startedAt    time.Time

	state       State
	consent     compliance.Consent
	transcript  []TranscriptTurn
	persisted   []bool
	outstanding map[AsyncKind]HandleID

	consecutiveErrors int
	callerTurns       int
	blockReason       compliance.Reason
	endReason         EndReason
}

func NewSessionContext(id, callID, jurisdiction string, startedAt time.Time) *SessionContext {
	return &SessionContext{
		id:           id,
		callID:       callID,
		jurisdiction: jurisdiction,
		startedAt:    startedAt,
		state:        Idle,
		outstanding:  make(map[AsyncKind]HandleID, 3),
	}
}

// BeginAsync registers a new outstanding handle of kind.
func (s *SessionContext) BeginAsync(kind AsyncKind) (HandleID, error) {
	if h, ok := s.outstanding[kind]; ok {
		return "", fmt.Errorf("%w: %s handle %s", ErrAlreadyOutstanding, kind, h)
	}
	h := HandleID(uuid.NewString())
	s.outstanding[kind] = h
	return h, nil
}

// CompleteAsync clears the outstanding marker for h. It returns false when h
// is not outstanding, which covers cancelled and replayed completions.
func (s *SessionContext) CompleteAsync(h HandleID) bool {
	if h == "" {
		return false
	}
	for kind, cur := range s.outstanding {
		if cur == h {
			delete(s.outstanding, kind)
			return true
		}
	}
	return false
}

// CancelAsync drops the outstanding handle of kind, if any.
func (s *SessionContext) CancelAsync(kind AsyncKind) (HandleID, bool) {
	h, ok := s.outstanding[kind]
	if ok {
		delete(s.outstanding, kind)
	}
	return h, ok
}

// Outstanding returns the handle currently outstanding for kind.
func (s *SessionContext) Outstanding(kind AsyncKind) (HandleID, bool) {
	h, ok := s.outstanding[kind]
	return h, ok
}

// AppendTranscript adds an already-redacted turn and returns its index.
func (s *SessionContext) AppendTranscript(turn TranscriptTurn) int {
	turn.Seq = len(s.transcript) + 1
	s.transcript = append(s.transcript, turn)
	s.persisted = append(s.persisted, false)
	return len(s.transcript) - 1
}

func (s *SessionContext) markPersisted(i int) { s.persisted[i] = true }

// pending returns indexes of turns not yet persisted.
func (s *SessionContext) pending() []int {
	var out []int
	for i, done := range s.persisted {
		if !done {
			out = append(out, i)
		}
	}
	return out
}

// Snapshot is a point-in-time copy of a session for observability.
type Snapshot struct {
	SessionID         string
	CallID            string
	Jurisdiction      string
	StartedAt         time.Time
	State             State
	Consent           compliance.Consent
	Transcript        []TranscriptTurn
	PendingTurns      int
	Outstanding       map[AsyncKind]HandleID
	ConsecutiveErrors int
	CallerTurns       int
	BlockReason       compliance.Reason
	EndReason         EndReason
}

func (s *SessionContext) Snapshot() Snapshot {
	return Snapshot{
		SessionID:         s.id,
		CallID:            s.callID,
		Jurisdiction:      s.jurisdiction,
		StartedAt:         s.startedAt,
		State:             s.state,
		Consent:           s.consent,
		Transcript:        slices.Clone(s.transcript),
		PendingTurns:      len(s.pending()),
		Outstanding:       maps.Clone(s.outstanding),
		ConsecutiveErrors: s.consecutiveErrors,
		CallerTurns:       s.callerTurns,
		BlockReason:       s.blockReason,
		EndReason:         s.endReason,
	}
}
