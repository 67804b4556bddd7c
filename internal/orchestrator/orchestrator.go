// Package orchestrator wires identity, memory, plugins, the dispatcher,
// the LLM gateway, and the rate limiter into the single handle_query
// entry point the transport layer calls for every incoming query.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tymektm/asystent-server/internal/dispatcher"
	"github.com/tymektm/asystent-server/internal/memory"
	"github.com/tymektm/asystent-server/internal/observability"
	"github.com/tymektm/asystent-server/internal/plugins"
	"github.com/tymektm/asystent-server/internal/ratelimit"
	"github.com/tymektm/asystent-server/internal/sessiond"
	"github.com/tymektm/asystent-server/pkg/models"
)

// Reply is handle_query's return value.
type Reply struct {
	Text     string
	Metadata ReplyMetadata
}

// ReplyMetadata carries the per-call accounting the client/transport
// surfaces alongside the text.
type ReplyMetadata struct {
	Model        string
	UsedTools    []UsedTool
	LatencyMS    int64
	FromFallback bool
}

// UsedTool names one plugin function invoked while answering a query and
// whether every call to it succeeded.
type UsedTool struct {
	Name string
	OK   bool
}

// Options lets a caller override the model and system preamble for one
// query; zero values fall back to the orchestrator's configured defaults.
type Options struct {
	Model  string
	System string

	// OnToolResult, if set, is forwarded to the dispatcher so a
	// transport can surface per-tool progress notifications.
	OnToolResult func(call models.ToolCall, result models.ToolResult)
}

// Config bundles the orchestrator's per-tier token ceilings.
type Config struct {
	MaxTokensFree int
	MaxTokensPaid int
	ReplyReserve  int
	DefaultModel  string
	DefaultSystem string
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	Tracer        *observability.Tracer
}

const fallbackReplyText = "I'm having trouble reaching the language model right now. Please try again in a moment."

// Orchestrator implements handle_query.
type Orchestrator struct {
	memory     *memory.Manager
	plugins    *plugins.Registry
	dispatcher *dispatcher.Dispatcher
	limiter    *ratelimit.Policy
	sessions   *sessiond.Queue
	cfg        Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// New builds an Orchestrator from its component dependencies.
func New(mem *memory.Manager, reg *plugins.Registry, disp *dispatcher.Dispatcher, limiter *ratelimit.Policy, cfg Config) *Orchestrator {
	if cfg.ReplyReserve <= 0 {
		cfg.ReplyReserve = 512
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		memory: mem, plugins: reg, dispatcher: disp, limiter: limiter,
		sessions: sessiond.NewQueue(), cfg: cfg, logger: logger,
		metrics: cfg.Metrics, tracer: cfg.Tracer,
	}
}

// HandleQuery runs the 7-step pipeline described by the design notes:
// charge the rate limiter, load memory context at the model's budget minus
// a reply reservation, obtain enabled tool schemas, run the dispatcher, then
// — only once the dispatcher has produced an uncancelled result — append
// both the user and assistant turns together and return the reply with its
// metadata. Queries run and complete concurrently; only the final append
// pair is serialized per session, so one query's user and assistant turns
// are stored next to each other without holding up the (much longer)
// dispatcher round-trip of other in-flight queries on the same session.
// Turns are persisted in the order queries reach the append step, not in
// the order they were admitted.
func (o *Orchestrator) HandleQuery(ctx context.Context, userID, sessionID, text string, tier models.Tier, opts Options) (*Reply, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "handle_query")
	defer span.End()
	defer func() { o.observeLatency(time.Since(start)) }()

	if err := o.limiter.Admit(userID, tier, start); err != nil {
		o.recordAdmission(tier, false)
		return nil, err
	}
	o.recordAdmission(tier, true)

	model := opts.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	system := opts.System
	if system == "" {
		system = o.cfg.DefaultSystem
	}

	maxTokens := o.cfg.MaxTokensFree
	if tier == models.TierPaid {
		maxTokens = o.cfg.MaxTokensPaid
	}
	replyBudget := o.cfg.ReplyReserve
	if replyBudget > maxTokens {
		replyBudget = maxTokens
	}
	contextBudget := maxTokens - replyBudget
	if contextBudget < 0 {
		contextBudget = 0
	}

	memCtx, memSpan := o.tracer.Start(ctx, "memory_load")
	loaded := o.memory.LoadContext(memCtx, userID, sessionID, text, contextBudget)
	memSpan.End()
	messages := buildMessages(loaded, text)

	result, err := o.dispatcher.Run(ctx, dispatcher.Request{
		UserID:       userID,
		SessionID:    sessionID,
		UserTier:     tier,
		Model:        model,
		System:       system,
		Messages:     messages,
		MaxReplyToks: replyBudget,
		OnToolResult: opts.OnToolResult,
	})
	if ctx.Err() != nil {
		// S6: a cancelled query (e.g. the WebSocket closed mid-query) must
		// not leave a turn behind — neither the user's text nor a partial
		// reply is persisted.
		return nil, ctx.Err()
	}
	if result == nil {
		// The gateway failed outright (fatal or exhausted-retry transient
		// error) rather than the dispatcher returning a depth-exceeded
		// apology, which always comes back with a non-nil result.
		o.logger.Warn("dispatcher returned no result, falling back", "user_id", userID, "error", err)
		return o.fallback(model, start), nil
	}

	finalText := result.FinalText

	// Only the append pair is serialized per session, so this query's user
	// and assistant turns land next to each other; the (much slower)
	// dispatcher round-trip above does not block other in-flight queries on
	// this session from running concurrently.
	release, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := o.memory.AppendTurn(ctx, &models.ConversationTurn{
		UserID:    userID,
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   text,
	}); err != nil {
		o.logger.Warn("failed to append user turn", "user_id", userID, "error", err)
	}
	if err := o.memory.AppendTurn(ctx, &models.ConversationTurn{
		UserID:    userID,
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   finalText,
	}); err != nil {
		o.logger.Warn("failed to append assistant turn", "user_id", userID, "error", err)
	}
	release()

	return &Reply{
		Text: finalText,
		Metadata: ReplyMetadata{
			Model:     model,
			UsedTools: usedTools(result.ToolCalls, result.ToolResults),
			LatencyMS: time.Since(start).Milliseconds(),
		},
	}, nil
}

func (o *Orchestrator) recordAdmission(tier models.Tier, admitted bool) {
	if o.metrics == nil {
		return
	}
	if admitted {
		o.metrics.QueriesAdmitted.WithLabelValues(string(tier)).Inc()
		return
	}
	o.metrics.QueriesRejected.WithLabelValues("rate_limited").Inc()
}

func (o *Orchestrator) observeLatency(d time.Duration) {
	if o.metrics != nil {
		o.metrics.QueryLatency.Observe(d.Seconds())
	}
}

func (o *Orchestrator) fallback(model string, start time.Time) *Reply {
	return &Reply{
		Text: fallbackReplyText,
		Metadata: ReplyMetadata{
			Model:        model,
			LatencyMS:    time.Since(start).Milliseconds(),
			FromFallback: true,
		},
	}
}

func buildMessages(ctxData *memory.Context, text string) []models.ChatMessage {
	var messages []models.ChatMessage
	for _, fact := range ctxData.RelevantFacts {
		messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: "Known fact: " + fact.Text})
	}
	for _, t := range ctxData.Turns {
		messages = append(messages, models.ChatMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: text})
	return messages
}

// usedTools zips the dispatcher's call/result slices (which stay aligned
// by index across every round) into one entry per distinct plugin
// function, marking it ok:false if any call to it failed (S5).
func usedTools(calls []models.ToolCall, results []models.ToolResult) []UsedTool {
	order := make([]string, 0, len(calls))
	ok := make(map[string]bool, len(calls))
	for i, c := range calls {
		success := i < len(results) && results[i].OK
		existing, seen := ok[c.Name]
		if !seen {
			order = append(order, c.Name)
			ok[c.Name] = success
			continue
		}
		ok[c.Name] = existing && success
	}
	out := make([]UsedTool, 0, len(order))
	for _, name := range order {
		out = append(out, UsedTool{Name: name, OK: ok[name]})
	}
	return out
}

// newCorrelationID is exposed for transport handlers that need to stamp
// a request/response pair with a matching ID.
func newCorrelationID() string { return uuid.NewString() }
