package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/pkg/models"
)

// Gateway fronts a Provider with the server's own policy: a hard request
// timeout and classification of failures into the sentinel errors the
// orchestrator's fallback path understands.
type Gateway struct {
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewGateway wraps provider with the given policy.
func NewGateway(provider Provider, cfg GatewayConfig) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{provider: provider, timeout: cfg.Timeout, logger: cfg.Logger}
}

// Chat enforces maxTokens as a hard ceiling before delegating to the
// provider, bounds the call with the gateway's timeout, and classifies
// any failure into ErrLLMTransient or ErrLLMFatal.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest, maxTokens int) (*models.ChatResponse, error) {
	if maxTokens > 0 && (req.MaxTokens <= 0 || req.MaxTokens > maxTokens) {
		req.MaxTokens = maxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.provider.Chat(ctx, req)
	if err != nil {
		g.logger.Error("llm provider call failed", "provider", g.provider.Name(), "model", req.Model, "error", err)
		if IsRetryable(err) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrLLMTransient, err)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrLLMFatal, err)
	}
	return resp, nil
}

// IsFatal reports whether err (from Chat) should trigger the fallback
// reply path rather than a user-visible retry prompt.
func IsFatal(err error) bool {
	return errors.Is(err, apperrors.ErrLLMFatal)
}
