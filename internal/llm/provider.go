// Package llm implements the LLM Gateway component: a provider-agnostic
// chat interface with token-ceiling enforcement, timeout/retry handling,
// and error classification, fronting concrete Anthropic and OpenAI
// adapters. Grounded on the reference agent framework's provider
// abstraction, reduced here from streaming chunks to single-shot chat
// completions since this server has no token-by-token delivery surface.
package llm

import (
	"context"

	"github.com/tymektm/asystent-server/pkg/models"
)

// ChatRequest is the provider-agnostic shape of a completion request.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []models.ChatMessage
	Tools     []models.FunctionSchema
	MaxTokens int
}

// Provider is the capability interface each concrete LLM backend
// implements. A single call is non-streaming: it returns once the model
// has finished, or an error classified as transient/fatal.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*models.ChatResponse, error)
}
