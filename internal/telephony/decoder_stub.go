//go:build !opus
// +build !opus

package telephony

// Builds without libopus carry no decoder; media frames are ignored and the
// bridge relies on the transcript supplied with each utterance.
func newFrameDecoder() (frameDecoder, error) {
	return nil, nil
}
