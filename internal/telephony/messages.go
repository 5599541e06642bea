package telephony

import (
	"encoding/binary"
	"encoding/json"
)

// Inbound message types sent by the media gateway.
const (
	msgStart       = "start"
	msgMedia       = "media"
	msgSpeechStart = "speech_start"
	msgUtterance   = "utterance"
	msgDTMF        = "dtmf"
	msgStop        = "stop"
)

// Outbound message types sent to the media gateway.
const (
	msgAccepted = "accepted"
	msgSpeak    = "speak"
	msgClear    = "clear"
	msgHangup   = "hangup"
)

// inbound is the envelope for every text frame read from the gateway.
// Payload carries one base64 opus frame for media messages.
type inbound struct {
	Type         string `json:"type"`
	CallID       string `json:"call_id,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	Digits       string `json:"digits,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
}

type outbound struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Handle  string `json:"handle,omitempty"`
	Text    string `json:"text,omitempty"`
	Audio   []byte `json:"audio,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func decodeInbound(data []byte) (inbound, error) {
	var m inbound
	err := json.Unmarshal(data, &m)
	return m, err
}

// frameDecoder turns one encoded media frame into PCM samples.
type frameDecoder interface {
	Decode(frame []byte) ([]int16, error)
}

// pcmBytes encodes samples as 16-bit little-endian PCM.
func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
