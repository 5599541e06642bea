package telephony

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/call-voice-lab/internal/logging"
	"github.com/call-voice-lab/internal/metrics"
)

// Transcriber turns one utterance of 48kHz mono PCM16LE into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, correlationID string) (string, error)
}

// WhisperClient posts WAV audio to a whisper-style STT endpoint that answers
// with {"text": "..."}.
type WhisperClient struct {
	URL      string
	Language string
	Client   *http.Client
	Timeout  time.Duration
	Attempts int
}

func NewWhisperClient(rawurl, language string) *WhisperClient {
	if rawurl == "" {
		return nil
	}
	return &WhisperClient{URL: rawurl, Language: language, Client: &http.Client{}, Timeout: 15 * time.Second, Attempts: 3}
}

func (w *WhisperClient) endpoint() string {
	if w.Language == "" {
		return w.URL
	}
	u, err := url.Parse(w.URL)
	if err != nil {
		return w.URL
	}
	q := u.Query()
	q.Set("language", w.Language)
	u.RawQuery = q.Encode()
	return u.String()
}

// Transcribe retries transport failures and 5xx responses with exponential
// backoff.
func (w *WhisperClient) Transcribe(ctx context.Context, pcm []byte, correlationID string) (string, error) {
	if w == nil || w.URL == "" {
		return "", errors.New("stt client not configured")
	}
	wav := buildWAV(pcm, 48000, 1, 16)
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	start := time.Now()
	defer func() { metrics.StageDuration.WithLabelValues("stt").Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(200*(1<<(attempt-1))) * time.Millisecond):
			}
		}
		text, retry, err := w.post(ctx, wav, correlationID)
		if err == nil {
			return text, nil
		}
		lastErr = err
		logging.Warnw("stt: request failed", "attempt", attempt, "err", err, "correlation_id", correlationID)
		if !retry {
			break
		}
	}
	metrics.Errors.WithLabelValues("stt", "request").Inc()
	return "", lastErr
}

func (w *WhisperClient) post(ctx context.Context, wav []byte, correlationID string) (string, bool, error) {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.endpoint(), bytes.NewReader(wav))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "audio/wav")
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("server error status=%d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return "", false, fmt.Errorf("stt returned status %d", resp.StatusCode)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, err
	}
	return strings.TrimSpace(out.Text), false, nil
}

// buildWAV prefixes 16-bit PCM with a RIFF/WAVE header.
func buildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}
