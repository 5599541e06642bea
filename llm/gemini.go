package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/call-voice-lab/internal/config"
)

// GeminiClient streams replies from the Gemini API.
type GeminiClient struct {
	client       *genai.Client
	model        string
	maxTokens    int32
	systemPrompt string
}

func NewGeminiClient(ctx context.Context, cfg *config.Config) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model := cfg.LLMModel
	if model == "" || model == "local" {
		model = "gemini-2.0-flash"
	}
	return &GeminiClient{
		client:       client,
		model:        model,
		maxTokens:    int32(cfg.LLMMaxTokens),
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

func (g *GeminiClient) Stream(ctx context.Context, prompt string, passages []string, onToken func(string)) (string, error) {
	conf := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemWithContext(g.systemPrompt, passages), genai.RoleUser),
	}
	if g.maxTokens > 0 {
		conf.MaxOutputTokens = g.maxTokens
	}
	var sb strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, genai.Text(prompt), conf) {
		if err != nil {
			return sb.String(), fmt.Errorf("%w: gemini stream: %v", ErrTransient, err)
		}
		tok := resp.Text()
		if tok == "" {
			continue
		}
		sb.WriteString(tok)
		if onToken != nil {
			onToken(tok)
		}
	}
	return sb.String(), nil
}
