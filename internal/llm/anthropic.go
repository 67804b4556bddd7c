package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tymektm/asystent-server/pkg/models"
)

// AnthropicProvider implements Provider against Anthropic's Messages API,
// grounded on the reference agent framework's AnthropicProvider but
// reduced to a single non-streaming call per turn.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retry        retrier
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewAnthropicProvider builds a Provider backed by the Anthropic SDK.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Chat sends req to Claude and waits for the full response.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*models.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	var msg *anthropic.Message
	err = p.retry.Do(ctx, func() error {
		resp, callErr := p.client.Messages.New(ctx, params)
		if callErr != nil {
			return p.wrapError(callErr, model)
		}
		msg = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &models.ChatResponse{Provider: "anthropic", Model: model}
	if msg.Usage.InputTokens > 0 {
		out.PromptTokens = int(msg.Usage.InputTokens)
	}
	if msg.Usage.OutputTokens > 0 {
		out.CompletionTokens = int(msg.Usage.OutputTokens)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:   tu.ID,
				Name: tu.Name,
				Args: json.RawMessage(tu.Input),
			})
		}
	}
	out.Text = text.String()
	return out, nil
}

func convertMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		switch m.Role {
		case models.RoleTool:
			blocks = append(blocks, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			result = append(result, anthropic.NewUserMessage(blocks...))
		case models.RoleAssistant:
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		default:
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}
	return result, nil
}

func convertTools(tools []models.FunctionSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid schema for %s: %w", t.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := newProviderError("anthropic", model, err)
		pe = pe.withStatus(apiErr.StatusCode)
		return pe
	}
	return newProviderError("anthropic", model, err)
}
