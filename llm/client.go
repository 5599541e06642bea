package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/call-voice-lab/internal/config"
	"github.com/call-voice-lab/internal/logging"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

// Client streams chat completions from an OpenAI-compatible endpoint. A
// transient failure on the primary model is retried once on Fallback.
type Client struct {
	BaseURL      string
	APIKey       string
	Model        string
	Fallback     string
	MaxTokens    int
	SystemPrompt string
	HTTP         *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(cfg.LLMBaseURL, "/"),
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
		Fallback:     cfg.LLMFallback,
		MaxTokens:    cfg.LLMMaxTokens,
		SystemPrompt: cfg.SystemPrompt,
		HTTP:         &http.Client{Timeout: 20 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
}

// Stream sends prompt with passages as grounding context and calls onToken
// for each streamed fragment. It returns the full reply.
func (c *Client) Stream(ctx context.Context, prompt string, passages []string, onToken func(string)) (string, error) {
	model := c.Model
	if model == "" {
		model = "local"
	}
	text, err := c.stream(ctx, model, prompt, passages, onToken)
	if err != nil && errors.Is(err, ErrTransient) && c.Fallback != "" && c.Fallback != model && ctx.Err() == nil {
		logging.Warnw("llm primary model failed, trying fallback", "model", model, "fallback", c.Fallback, "err", err)
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		}
		return c.stream(ctx, c.Fallback, prompt, passages, onToken)
	}
	return text, err
}

func (c *Client) stream(ctx context.Context, model, prompt string, passages []string, onToken func(string)) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemWithContext(c.SystemPrompt, passages)},
			{Role: "user", Content: prompt},
		},
		MaxTokens: c.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return decodeWhole(resp.Body, onToken)
	}
	return decodeEvents(resp.Body, onToken)
}

// decodeEvents reads a server-sent event stream of chat completion chunks.
func decodeEvents(r io.Reader, onToken func(string)) (string, error) {
	var sb strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return sb.String(), fmt.Errorf("%w: decode chunk: %v", ErrTransient, err)
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			sb.WriteString(ch.Delta.Content)
			if onToken != nil {
				onToken(ch.Delta.Content)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return sb.String(), fmt.Errorf("%w: read stream: %v", ErrTransient, err)
	}
	return sb.String(), nil
}

// decodeWhole handles servers that ignore stream=true.
func decodeWhole(r io.Reader, onToken func(string)) (string, error) {
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode error: %v", ErrTransient, err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	content := out.Choices[0].Message.Content
	if content != "" && onToken != nil {
		onToken(content)
	}
	return content, nil
}

// SystemWithContext appends retrieved passages to the system prompt.
func SystemWithContext(system string, passages []string) string {
	if len(passages) == 0 {
		return system + "\nNo reference material is available for this question."
	}
	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\nReference material:\n")
	for _, p := range passages {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}
