//go:build opus
// +build opus

package telephony

import "github.com/hraban/opus"

const (
	opusSampleRate = 48000
	// 120ms is the longest opus frame.
	maxFrameSamples = opusSampleRate * 120 / 1000
)

type opusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

// newFrameDecoder returns a mono 48kHz opus decoder for inbound media frames.
func newFrameDecoder() (frameDecoder, error) {
	dec, err := opus.NewDecoder(opusSampleRate, 1)
	if err != nil {
		return nil, err
	}
	return &opusDecoder{dec: dec, pcm: make([]int16, maxFrameSamples)}, nil
}

func (d *opusDecoder) Decode(frame []byte) ([]int16, error) {
	n, err := d.dec.Decode(frame, d.pcm)
	if err != nil {
		return nil, err
	}
	out := make([]int16, n)
	copy(out, d.pcm[:n])
	return out, nil
}
