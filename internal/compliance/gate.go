package compliance

import (
	"strings"
	"time"

	"github.com/call-voice-lab/internal/config"
)

// Consent is the caller's recording consent status.
type Consent int

const (
	ConsentUnknown Consent = iota
	ConsentGranted
	ConsentDenied
)

func (c Consent) String() string {
	switch c {
	case ConsentGranted:
		return "granted"
	case ConsentDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ParseConsentDigits applies strict opt-in: only DTMF "1" grants consent.
func ParseConsentDigits(digits string) Consent {
	if strings.TrimSpace(digits) == "1" {
		return ConsentGranted
	}
	return ConsentDenied
}

// Action is the side effect a proposed intent would have.
type Action int

const (
	ActionSpeak Action = iota
	ActionPersist
	ActionRetrieve
	ActionModelCall
	ActionCancel
	ActionEndCall
)

func (a Action) String() string {
	switch a {
	case ActionSpeak:
		return "speak"
	case ActionPersist:
		return "persist"
	case ActionRetrieve:
		return "retrieve"
	case ActionModelCall:
		return "model_call"
	case ActionCancel:
		return "cancel"
	case ActionEndCall:
		return "end_call"
	default:
		return "unknown"
	}
}

// Reason names why an action was denied.
type Reason string

const (
	ConsentRequired   Reason = "ConsentRequired"
	QuietHoursActive  Reason = "QuietHoursActive"
	RedactionRequired Reason = "RedactionRequired"
	// Reported from outside the gate via ComplianceViolation events.
	ConsentRevoked   Reason = "ConsentRevoked"
	SafetyEscalation Reason = "SafetyEscalation"
)

// Hard reasons stop the call; soft reasons only defer output.
func (r Reason) Hard() bool {
	return r == ConsentRevoked || r == SafetyEscalation
}

// Decision is the result of a gate evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason
	Hard    bool
}

func allow() Decision { return Decision{Allowed: true} }

func deny(r Reason, hard bool) Decision {
	return Decision{Reason: r, Hard: hard || r.Hard()}
}

// View is the slice of session context the gate decides on. Now is supplied
// by the caller so evaluation stays deterministic.
type View struct {
	Consent      Consent
	Jurisdiction string
	Now          time.Time
	// TurnText is the transcript turn a persist action would store.
	TurnText string
}

// Gate evaluates proposed actions against the shared compliance policy.
// It holds no per-call state.
type Gate struct {
	policy   *config.Policy
	redactor *Redactor
}

func NewGate(policy *config.Policy, redactor *Redactor) *Gate {
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &Gate{policy: policy, redactor: redactor}
}

// Evaluate checks consent, then quiet hours, then PII, and returns the first
// failure.
func (g *Gate) Evaluate(v View, a Action) Decision {
	switch a {
	case ActionPersist:
		if v.Consent != ConsentGranted {
			return deny(ConsentRequired, false)
		}
	case ActionSpeak:
		if v.Consent == ConsentDenied {
			return deny(ConsentRequired, true)
		}
	}
	if a == ActionSpeak && g.QuietHoursActive(v.Jurisdiction, v.Now) {
		return deny(QuietHoursActive, false)
	}
	if a == ActionPersist && g.redactor.ContainsPII(v.TurnText) {
		return deny(RedactionRequired, false)
	}
	return allow()
}

// QuietHoursActive reports whether now falls inside the jurisdiction's quiet
// window. A jurisdiction that cannot be resolved counts as quiet.
func (g *Gate) QuietHoursActive(jurisdiction string, now time.Time) bool {
	j, ok := g.policy.Jurisdiction(jurisdiction)
	if !ok {
		return true
	}
	local := now.In(j.Location)
	for _, w := range j.Quiet {
		if w.Contains(local) {
			return true
		}
	}
	return false
}

// Redactor exposes the redactor used for PII checks.
func (g *Gate) Redactor() *Redactor { return g.redactor }
