package conversation

import (
	"errors"
	"testing"
	"time"
)

func TestTurnControllerBargeIn(t *testing.T) {
	tc := NewTurnController()
	if tc.CurrentTurn() != Caller {
		t.Fatalf("caller should start with the turn")
	}
	if tc.RequestAgentTurn() != Granted || tc.CurrentTurn() != Agent {
		t.Fatalf("agent turn not granted on a quiet line")
	}
	granted := tc.Epoch()

	tc.YieldToCaller()
	if tc.CurrentTurn() != Caller {
		t.Fatalf("yield did not return the turn")
	}
	if tc.Epoch() == granted {
		t.Fatalf("yield must invalidate the agent grant")
	}

	tc.CallerSpeaking(true)
	if tc.RequestAgentTurn() != Denied {
		t.Fatalf("agent granted while caller speaks")
	}
	tc.CallerSpeaking(false)
	if tc.RequestAgentTurn() != Granted {
		t.Fatalf("agent denied after caller stopped")
	}
}

func TestBeginAsyncAtMostOnePerKind(t *testing.T) {
	sc := NewSessionContext("s", "c", "America/Toronto", time.Now())
	h1, err := sc.BeginAsync(KindRetrieval)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := sc.BeginAsync(KindRetrieval); !errors.Is(err, ErrAlreadyOutstanding) {
		t.Fatalf("second begin err=%v", err)
	}
	// Other kinds are independent.
	h2, err := sc.BeginAsync(KindModelCall)
	if err != nil {
		t.Fatalf("model begin: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("handles collide")
	}

	if !sc.CompleteAsync(h1) {
		t.Fatalf("complete of outstanding handle failed")
	}
	if sc.CompleteAsync(h1) {
		t.Fatalf("second completion must be ignored")
	}
	if _, err := sc.BeginAsync(KindRetrieval); err != nil {
		t.Fatalf("begin after complete: %v", err)
	}
}

func TestCancelledHandleCompletionIgnored(t *testing.T) {
	sc := NewSessionContext("s", "c", "", time.Now())
	h, _ := sc.BeginAsync(KindModelCall)
	if got, ok := sc.CancelAsync(KindModelCall); !ok || got != h {
		t.Fatalf("cancel returned %s %v", got, ok)
	}
	if sc.CompleteAsync(h) {
		t.Fatalf("completion after cancel accepted")
	}
	if sc.CompleteAsync("") {
		t.Fatalf("empty handle accepted")
	}
}

func TestTranscriptPendingAndSnapshot(t *testing.T) {
	sc := NewSessionContext("s", "c", "", time.Now())
	i := sc.AppendTranscript(TranscriptTurn{Caller: "hi"})
	j := sc.AppendTranscript(TranscriptTurn{Caller: "bye"})
	sc.markPersisted(i)

	if p := sc.pending(); len(p) != 1 || p[0] != j {
		t.Fatalf("pending=%v", p)
	}
	snap := sc.Snapshot()
	if snap.PendingTurns != 1 || len(snap.Transcript) != 2 || snap.Transcript[1].Seq != 2 {
		t.Fatalf("snapshot %+v", snap)
	}
	snap.Transcript[0].Caller = "mutated"
	if sc.transcript[0].Caller != "hi" {
		t.Fatalf("snapshot aliases session transcript")
	}
}
