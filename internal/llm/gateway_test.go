package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/pkg/models"
)

type fakeProvider struct {
	name    string
	resp    *models.ChatResponse
	err     error
	delay   time.Duration
	lastReq ChatRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (*models.ChatResponse, error) {
	f.lastReq = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestGatewayClampsMaxTokens(t *testing.T) {
	var captured ChatRequest
	provider := &fakeProvider{name: "fake", resp: &models.ChatResponse{Text: "hi"}}
	gw := NewGateway(provider, GatewayConfig{})

	_, err := gw.Chat(context.Background(), ChatRequest{MaxTokens: 10_000}, 100)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	captured = provider.lastReq
	if captured.MaxTokens != 100 {
		t.Fatalf("expected MaxTokens clamped to 100, got %d", captured.MaxTokens)
	}
}

func TestGatewayClassifiesTransientFailure(t *testing.T) {
	provider := &fakeProvider{name: "fake", err: errors.New("rate limit exceeded, 429")}
	gw := NewGateway(provider, GatewayConfig{})

	_, err := gw.Chat(context.Background(), ChatRequest{}, 0)
	if !errors.Is(err, apperrors.ErrLLMTransient) {
		t.Fatalf("expected ErrLLMTransient, got %v", err)
	}
}

func TestGatewayClassifiesFatalFailure(t *testing.T) {
	provider := &fakeProvider{name: "fake", err: errors.New("invalid api key: 401 unauthorized")}
	gw := NewGateway(provider, GatewayConfig{})

	_, err := gw.Chat(context.Background(), ChatRequest{}, 0)
	if !errors.Is(err, apperrors.ErrLLMFatal) {
		t.Fatalf("expected ErrLLMFatal, got %v", err)
	}
}

func TestGatewayEnforcesTimeout(t *testing.T) {
	provider := &fakeProvider{name: "fake", resp: &models.ChatResponse{Text: "late"}, delay: 50 * time.Millisecond}
	gw := NewGateway(provider, GatewayConfig{Timeout: 5 * time.Millisecond})

	_, err := gw.Chat(context.Background(), ChatRequest{}, 0)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
