package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/internal/llm"
	"github.com/tymektm/asystent-server/internal/plugins"
	"github.com/tymektm/asystent-server/pkg/models"
)

type scriptedProvider struct {
	responses []*models.ChatResponse
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*models.ChatResponse, error) {
	if p.calls >= len(p.responses) {
		return nil, errors.New("scriptedProvider: no more responses")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func newEchoRegistry(t *testing.T) *plugins.Registry {
	t.Helper()
	reg := plugins.NewRegistry(0, nil)
	desc := models.PluginDescriptor{
		Name:        "echo",
		Description: "echoes back its input",
		FunctionSchemas: []models.FunctionSchema{
			{Name: "echo", Description: "echo", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
		TierRequired: models.TierFree,
	}
	handler := func(ctx context.Context, userID, sessionID string, args json.RawMessage) (models.ToolResult, error) {
		return models.ToolResult{OK: true, Content: "echoed"}, nil
	}
	if err := reg.Register(desc, handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Enable("u1", "echo"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	return reg
}

func TestRunReturnsTextWhenNoToolCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []*models.ChatResponse{{Text: "final answer"}}}
	gw := llm.NewGateway(provider, llm.GatewayConfig{})
	reg := newEchoRegistry(t)
	d := New(gw, reg, Config{})

	res, err := d.Run(context.Background(), Request{UserID: "u1", SessionID: "s1", UserTier: models.TierFree})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalText != "final answer" {
		t.Fatalf("unexpected final text: %q", res.FinalText)
	}
}

func TestRunExecutesToolThenReturnsFollowup(t *testing.T) {
	provider := &scriptedProvider{responses: []*models.ChatResponse{
		{ToolCalls: []models.ToolCall{{ID: "call1", Name: "echo", Args: json.RawMessage(`{}`)}}},
		{Text: "done after tool"},
	}}
	gw := llm.NewGateway(provider, llm.GatewayConfig{})
	reg := newEchoRegistry(t)
	d := New(gw, reg, Config{})

	res, err := d.Run(context.Background(), Request{UserID: "u1", SessionID: "s1", UserTier: models.TierFree})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalText != "done after tool" {
		t.Fatalf("unexpected final text: %q", res.FinalText)
	}
	if len(res.ToolResults) != 1 || res.ToolResults[0].Content != "echoed" {
		t.Fatalf("unexpected tool results: %+v", res.ToolResults)
	}
}

func TestRunExceedsMaxDepth(t *testing.T) {
	var responses []*models.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, &models.ChatResponse{
			ToolCalls: []models.ToolCall{{ID: "call", Name: "echo", Args: json.RawMessage(`{}`)}},
		})
	}
	provider := &scriptedProvider{responses: responses}
	gw := llm.NewGateway(provider, llm.GatewayConfig{})
	reg := newEchoRegistry(t)
	d := New(gw, reg, Config{MaxDepth: 2})

	res, err := d.Run(context.Background(), Request{UserID: "u1", SessionID: "s1", UserTier: models.TierFree})
	if !errors.Is(err, apperrors.ErrToolLoopExceeded) {
		t.Fatalf("expected ErrToolLoopExceeded, got %v", err)
	}
	if !res.DepthExceeded {
		t.Fatal("expected DepthExceeded to be set")
	}
}
