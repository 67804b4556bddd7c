package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tymektm/asystent-server/pkg/models"
)

// OpenAIProvider implements Provider against the Chat Completions API,
// grounded on the reference agent framework's OpenAIProvider but reduced
// to a single non-streaming call per turn.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	retry        retrier
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewOpenAIProvider builds a Provider backed by the go-openai client.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	return &OpenAIProvider{
		client:       openai.NewClient(cfg.APIKey),
		defaultModel: cfg.DefaultModel,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Chat sends req to the Chat Completions API and waits for the full reply.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*models.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := convertOpenAIMessages(req.Messages, req.System)
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	err := p.retry.Do(ctx, func() error {
		r, callErr := p.client.CreateChatCompletion(ctx, chatReq)
		if callErr != nil {
			return p.wrapError(callErr, model)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, newProviderError("openai", model, errors.New("no choices returned"))
	}

	choice := resp.Choices[0].Message
	out := &models.ChatResponse{
		Provider:         "openai",
		Model:            model,
		Text:             choice.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func convertOpenAIMessages(messages []models.ChatMessage, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case models.RoleAssistant:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}

func convertOpenAITools(tools []models.FunctionSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := newProviderError("openai", model, err)
		return pe.withStatus(apiErr.HTTPStatusCode)
	}
	return fmt.Errorf("%w", newProviderError("openai", model, err))
}
