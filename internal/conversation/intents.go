package conversation

import (
	"time"

	"github.com/call-voice-lab/internal/compliance"
)

// TranscriptTurn is one caller/agent exchange. Text fields are always
// stored redacted.
type TranscriptTurn struct {
	Seq         int       `json:"seq"`
	Caller      string    `json:"caller"`
	Agent       string    `json:"agent,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	At          time.Time `json:"at"`
}

// Text joins both sides of the turn for PII checks.
func (t TranscriptTurn) Text() string {
	if t.Agent == "" {
		return t.Caller
	}
	return t.Caller + "\n" + t.Agent
}

// Intent is a one-way command from the state machine to a collaborator.
type Intent interface {
	Action() compliance.Action
	intentName() string
}

// SpeakUtterance asks telephony to play Text. Handle identifies the playback
// so a barge-in can cancel it.
type SpeakUtterance struct {
	Handle             HandleID
	Text               string
	RedactedForStorage string
}

type StartRetrieval struct {
	Handle HandleID
	Query  string
}

type StartModelCall struct {
	Handle  HandleID
	Prompt  string
	Context []string
}

type CancelHandle struct {
	Handle HandleID
	Kind   AsyncKind
}

type PersistTranscriptTurn struct {
	Turn TranscriptTurn
}

type EndCall struct {
	Reason EndReason
}

func (SpeakUtterance) Action() compliance.Action        { return compliance.ActionSpeak }
func (StartRetrieval) Action() compliance.Action        { return compliance.ActionRetrieve }
func (StartModelCall) Action() compliance.Action        { return compliance.ActionModelCall }
func (CancelHandle) Action() compliance.Action          { return compliance.ActionCancel }
func (PersistTranscriptTurn) Action() compliance.Action { return compliance.ActionPersist }
func (EndCall) Action() compliance.Action               { return compliance.ActionEndCall }

func (SpeakUtterance) intentName() string        { return "speak_utterance" }
func (StartRetrieval) intentName() string        { return "start_retrieval" }
func (StartModelCall) intentName() string        { return "start_model_call" }
func (CancelHandle) intentName() string          { return "cancel_handle" }
func (PersistTranscriptTurn) intentName() string { return "persist_transcript_turn" }
func (EndCall) intentName() string               { return "end_call" }

// IntentName returns the stable label used in logs and metrics.
func IntentName(in Intent) string {
	if in == nil {
		return "<nil>"
	}
	return in.intentName()
}
