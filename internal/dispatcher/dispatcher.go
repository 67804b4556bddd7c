// Package dispatcher implements the bounded function-calling loop: it
// drives the LLM gateway and plugin registry through repeated rounds of
// "model asks for tools, tools run, results go back to the model" until
// the model produces a final answer or the depth limit is hit.
//
// Grounded on the reference agent framework's AgenticLoop/Executor pair,
// reduced from a streaming multi-phase state machine to a simple
// round-based loop (this server has no token-by-token delivery surface)
// and with tool fan-out moved onto golang.org/x/sync/errgroup instead of
// a hand-rolled WaitGroup+semaphore.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/internal/llm"
	"github.com/tymektm/asystent-server/internal/observability"
	"github.com/tymektm/asystent-server/internal/plugins"
	"github.com/tymektm/asystent-server/pkg/models"
)

const (
	defaultMaxDepth           = 5
	defaultMaxParallelTools   = 4
	apologyOnLoopExceededText = "I wasn't able to finish that after several tool attempts. Could you rephrase or try something simpler?"
)

// Config tunes the dispatcher's bound on function-calling depth and
// fan-out width.
type Config struct {
	MaxDepth         int
	MaxParallelTools int
	Logger           *slog.Logger
	Metrics          *observability.Metrics
	Tracer           *observability.Tracer
}

// Dispatcher drives one bounded tool-calling round trip for a query.
type Dispatcher struct {
	gateway  *llm.Gateway
	registry *plugins.Registry
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// New builds a Dispatcher.
func New(gateway *llm.Gateway, registry *plugins.Registry, cfg Config) *Dispatcher {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = defaultMaxParallelTools
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{gateway: gateway, registry: registry, cfg: cfg, logger: logger, metrics: cfg.Metrics, tracer: cfg.Tracer}
}

// Request bundles everything the dispatcher needs for one round trip.
type Request struct {
	UserID       string
	SessionID    string
	UserTier     models.Tier
	Model        string
	System       string
	Messages     []models.ChatMessage
	MaxTokens    int
	MaxReplyToks int

	// OnToolResult, if set, is called once per completed tool invocation
	// as soon as its result is known (before the next LLM round starts).
	// The transport layer uses this to emit progress frames; it is never
	// required for correctness and may be called concurrently.
	OnToolResult func(call models.ToolCall, result models.ToolResult)
}

// Result is the dispatcher's final answer for one round trip, including
// every tool call made along the way so the caller can persist turns.
type Result struct {
	FinalText        string
	ToolCalls        []models.ToolCall
	ToolResults      []models.ToolResult
	PromptTokens     int
	CompletionTokens int
	DepthExceeded    bool
}

// Run drives the function-calling loop to completion or until MaxDepth
// rounds have been spent dispatching tool calls.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*Result, error) {
	messages := append([]models.ChatMessage(nil), req.Messages...)
	schemas := d.registry.SchemasFor(req.UserID, req.UserTier)

	result := &Result{}

	depth := 0
	for ; depth < d.cfg.MaxDepth; depth++ {
		iterCtx, iterSpan := d.tracer.Start(ctx, "dispatcher_iteration")

		llmCtx, llmSpan := d.tracer.Start(iterCtx, "llm_call")
		resp, err := d.gateway.Chat(llmCtx, llm.ChatRequest{
			Model:    req.Model,
			System:   req.System,
			Messages: messages,
			Tools:    schemas,
		}, req.MaxReplyToks)
		llmSpan.End()
		if err != nil {
			iterSpan.End()
			return nil, err
		}
		result.PromptTokens += resp.PromptTokens
		result.CompletionTokens += resp.CompletionTokens

		if len(resp.ToolCalls) == 0 {
			result.FinalText = resp.Text
			iterSpan.End()
			d.observeLoops(depth + 1)
			return result, nil
		}

		result.ToolCalls = append(result.ToolCalls, resp.ToolCalls...)
		messages = append(messages, models.ChatMessage{Role: models.RoleAssistant, Content: resp.Text})

		toolResults, err := d.runTools(iterCtx, req, resp.ToolCalls)
		iterSpan.End()
		if err != nil {
			return nil, err
		}
		result.ToolResults = append(result.ToolResults, toolResults...)

		for i, tc := range resp.ToolCalls {
			messages = append(messages, models.ChatMessage{
				Role:       models.RoleTool,
				Content:    toolResults[i].Content,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
	}

	d.logger.Warn("tool loop exceeded max depth", "user_id", req.UserID, "session_id", req.SessionID, "max_depth", d.cfg.MaxDepth)
	d.observeLoops(depth)
	result.DepthExceeded = true
	result.FinalText = apologyOnLoopExceededText
	return result, fmt.Errorf("%w: exceeded %d rounds", apperrors.ErrToolLoopExceeded, d.cfg.MaxDepth)
}

func (d *Dispatcher) observeLoops(iterations int) {
	if d.metrics != nil {
		d.metrics.DispatcherLoops.Observe(float64(iterations))
	}
}

// runTools fans tool calls out across a bounded worker pool and
// reassembles results in call order, so persisted turn order matches
// the order the model asked for tools rather than completion order.
func (d *Dispatcher) runTools(ctx context.Context, req Request, calls []models.ToolCall) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxParallelTools)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			res, err := d.registry.Invoke(gctx, req.UserID, req.SessionID, call.Name, call.Args, req.UserTier)
			outcome := "ok"
			if err != nil {
				d.logger.Error("tool invocation failed", "function", call.Name, "user_id", req.UserID, "error", err)
				res = models.ToolResult{OK: false, Content: toolErrorContent(err)}
				outcome = "error"
			}
			if d.metrics != nil {
				d.metrics.ToolInvocations.WithLabelValues(call.Name, outcome).Inc()
			}
			results[i] = res
			if req.OnToolResult != nil {
				req.OnToolResult(call, res)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// toolErrorPayload is the JSON envelope fed back to the model in place of a
// failed tool's output, per the function-calling contract: structured
// {"error": "<kind>: <message>"}, not free-form prose.
type toolErrorPayload struct {
	Error string `json:"error"`
}

func toolErrorContent(err error) string {
	kind := "tool_failed"
	switch {
	case errors.Is(err, apperrors.ErrInvalidToolArgs):
		kind = "invalid_args"
	case errors.Is(err, apperrors.ErrToolTimeout):
		kind = "timeout"
	}
	payload, marshalErr := json.Marshal(toolErrorPayload{Error: kind + ": " + err.Error()})
	if marshalErr != nil {
		return `{"error":"` + kind + `"}`
	}
	return string(payload)
}
