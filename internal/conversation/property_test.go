package conversation

import (
	"math/rand"
	"testing"

	"github.com/call-voice-lab/internal/compliance"
)

var utterances = []string{
	"What are your opening hours?",
	"my card is 4111111111111111",
	"call me at +14165550123",
	"",
	"this is terrible and I am upset",
	"thanks, that was helpful",
	"I need a lawyer",
}

// randomEvent picks the next event, biased towards completions of handles
// the machine is actually waiting for so that sequences reach deep states.
func randomEvent(r *rand.Rand, h *harness) Event {
	sc := h.m.Context()
	switch r.Intn(12) {
	case 0:
		return CallAccepted{}
	case 1, 2:
		return AudioSegmentReady{Transcript: utterances[r.Intn(len(utterances))]}
	case 3:
		return BargeInDetected{}
	case 4:
		var err error
		if r.Intn(3) == 0 {
			err = errBoom
		}
		if id, ok := sc.Outstanding(KindRetrieval); ok && r.Intn(4) > 0 {
			return RetrievalCompleted{Handle: id, Passages: []string{"p"}, Err: err}
		}
		return RetrievalCompleted{Handle: "stale", Err: err}
	case 5:
		if id, ok := sc.Outstanding(KindModelCall); ok {
			return ModelTokenReceived{Handle: id, Token: "tok "}
		}
		return ModelTokenReceived{Handle: "stale", Token: "x"}
	case 6:
		var err error
		if r.Intn(3) == 0 {
			err = errBoom
		}
		if id, ok := sc.Outstanding(KindModelCall); ok && r.Intn(4) > 0 {
			return ModelCompleted{Handle: id, Text: "Sure, my number is 555-12-3456.", Err: err}
		}
		return ModelCompleted{Handle: "stale", Err: err}
	case 7, 8:
		for id := range h.timers.armed {
			delete(h.timers.armed, id)
			return TimerExpired{Timer: id}
		}
		return TimerExpired{Timer: TimerID{Kind: TimerKind(r.Intn(5)), Seq: 999}}
	case 9:
		return ConsentChanged{Consent: compliance.Consent(r.Intn(3))}
	case 10:
		if r.Intn(4) == 0 {
			reasons := []compliance.Reason{compliance.ConsentRevoked, compliance.SafetyEscalation, compliance.QuietHoursActive}
			return ComplianceViolation{Reason: reasons[r.Intn(len(reasons))]}
		}
		return BargeInDetected{}
	default:
		if r.Intn(6) == 0 {
			return CallEnded{Reason: EndCallerHangup}
		}
		return AudioSegmentReady{Transcript: "And on weekends?"}
	}
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 200; seed++ {
		r := rand.New(rand.NewSource(seed))
		h := newHarness(t, testConfig(), torontoAt(t, r.Intn(24), r.Intn(60)))
		for i := 0; i < 80; i++ {
			ev := randomEvent(r, h)
			h.step(ev)

			sc := h.m.Context()
			switch h.m.State() {
			case Retrieving, Reasoning, Speaking:
			default:
				if len(sc.outstanding) != 0 {
					t.Fatalf("seed %d step %d: %s with outstanding %v", seed, i, h.m.State(), sc.outstanding)
				}
			}
			if _, ended := ev.(CallEnded); ended && h.m.State() != Ended {
				t.Fatalf("seed %d step %d: CallEnded left state %s", seed, i, h.m.State())
			}
		}
	}
}
