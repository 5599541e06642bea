package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/call-voice-lab/internal/logging"
	"github.com/call-voice-lab/internal/metrics"
)

// Synthesizer turns agent text into audio for the media bridge.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, correlationID string) ([]byte, error)
}

// TTSClient posts text to an HTTP TTS service and returns the audio bytes
// it answers with (WAV for the reference service).
type TTSClient struct {
	URL       string
	AuthToken string
	Client    *http.Client
	Timeout   time.Duration
	Attempts  int
}

func NewTTSClient(url, authToken string) *TTSClient {
	if url == "" {
		return nil
	}
	return &TTSClient{URL: url, AuthToken: authToken, Timeout: 10 * time.Second, Attempts: 2}
}

func (t *TTSClient) Synthesize(ctx context.Context, text, correlationID string) ([]byte, error) {
	if t == nil || t.URL == "" {
		return nil, errors.New("tts client not configured")
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	start := time.Now()
	status, audio, err := postWithRetries(ctx, t.Client, t.URL, body, t.AuthToken, timeout, t.Attempts, correlationID)
	metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "request").Inc()
		logging.Debugw("tts: POST failed", "err", err, "correlation_id", correlationID)
		return nil, err
	}
	if status >= 300 {
		metrics.Errors.WithLabelValues("tts", "status").Inc()
		logging.Warnw("tts: returned non-2xx", "status", status, "correlation_id", correlationID)
		return nil, fmt.Errorf("tts returned status %d", status)
	}
	return audio, nil
}
