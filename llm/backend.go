package llm

import (
	"context"
	"fmt"

	"github.com/call-voice-lab/internal/config"
)

// Streamer is implemented by every backend.
type Streamer interface {
	Stream(ctx context.Context, prompt string, passages []string, onToken func(string)) (string, error)
}

// New selects the backend named by cfg.LLMBackend: "http" (default),
// "agents" or "gemini".
func New(ctx context.Context, cfg *config.Config) (Streamer, error) {
	switch cfg.LLMBackend {
	case "", "http":
		return NewClient(cfg), nil
	case "agents":
		return NewAgentClient(cfg), nil
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("%w: GEMINI_API_KEY is required for the gemini backend", ErrPermanent)
		}
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown LLM_BACKEND %q", ErrPermanent, cfg.LLMBackend)
	}
}
