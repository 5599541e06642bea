package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/call-voice-lab/internal/config"
)

// AgentClient runs a single-turn agent through the OpenAI Agents SDK.
type AgentClient struct {
	provider     agents.ModelProvider
	model        string
	maxTokens    int
	systemPrompt string
}

func NewAgentClient(cfg *config.Config) *AgentClient {
	params := agents.OpenAIProviderParams{UseResponses: param.NewOpt(false)}
	if cfg.LLMAPIKey != "" {
		params.APIKey = param.NewOpt(cfg.LLMAPIKey)
	}
	if cfg.LLMBaseURL != "" {
		params.BaseURL = param.NewOpt(cfg.LLMBaseURL + "/")
	}
	return &AgentClient{
		provider:     agents.NewOpenAIProvider(params),
		model:        cfg.LLMModel,
		maxTokens:    cfg.LLMMaxTokens,
		systemPrompt: cfg.SystemPrompt,
	}
}

func (a *AgentClient) Stream(ctx context.Context, prompt string, passages []string, onToken func(string)) (string, error) {
	agent := agents.New("receptionist").
		WithInstructions(SystemWithContext(a.systemPrompt, passages)).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	events, errCh, err := runner.RunStreamedChan(ctx, agent, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: agent stream start: %v", ErrTransient, err)
	}
	var sb strings.Builder
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok || raw.Data.Type != "response.output_text.delta" {
			continue
		}
		sb.WriteString(raw.Data.Delta)
		if onToken != nil {
			onToken(raw.Data.Delta)
		}
	}
	if err := <-errCh; err != nil {
		return sb.String(), fmt.Errorf("%w: agent stream: %v", ErrTransient, err)
	}
	return sb.String(), nil
}
