package telephony

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/call-voice-lab/internal/logging"
)

// postWithRetries posts JSON to url and returns the status and body of the
// first response that is not a server error. Network failures and 5xx
// responses are retried with 200ms * 2^i backoff while ctx allows.
func postWithRetries(ctx context.Context, client *http.Client, url string, body []byte, authToken string, timeout time.Duration, attempts int, correlationID string) (int, []byte, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		status, data, err := postOnce(ctx, client, url, body, authToken, timeout)
		switch {
		case err == nil && status < 500:
			return status, data, nil
		case err == nil:
			lastErr = fmt.Errorf("status %d", status)
		default:
			lastErr = err
		}
		logging.Debugw("postWithRetries: attempt failed", "attempt", i+1, "err", lastErr, "correlation_id", correlationID)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(time.Duration(200*(1<<i)) * time.Millisecond):
		}
	}
	return 0, nil, lastErr
}

func postOnce(ctx context.Context, client *http.Client, url string, body []byte, authToken string, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}
