package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/tymektm/asystent-server/internal/dispatcher"
	"github.com/tymektm/asystent-server/internal/llm"
	"github.com/tymektm/asystent-server/internal/memory"
	"github.com/tymektm/asystent-server/internal/plugins"
	"github.com/tymektm/asystent-server/internal/ratelimit"
	"github.com/tymektm/asystent-server/pkg/models"
)

type fakeRepo struct {
	turns []*models.ConversationTurn
	facts []*models.Fact
}

func (r *fakeRepo) AppendTurn(ctx context.Context, t *models.ConversationTurn) error {
	cp := *t
	r.turns = append(r.turns, &cp)
	return nil
}
func (r *fakeRepo) NextSeq(ctx context.Context, userID string) (int64, error) { return int64(len(r.turns) + 1), nil }
func (r *fakeRepo) TurnsSince(ctx context.Context, userID string, since time.Time, limit int) ([]*models.ConversationTurn, error) {
	return nil, nil
}
func (r *fakeRepo) TurnsForSession(ctx context.Context, userID, sessionID string, limit int) ([]*models.ConversationTurn, error) {
	return nil, nil
}
func (r *fakeRepo) InsertFact(ctx context.Context, f *models.Fact) error { r.facts = append(r.facts, f); return nil }
func (r *fakeRepo) FactsForUser(ctx context.Context, userID string) ([]*models.Fact, error) {
	return r.facts, nil
}

type scriptedProvider struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*models.ChatResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &models.ChatResponse{Text: p.text}, nil
}

func newTestOrchestrator(t *testing.T, provider llm.Provider) *Orchestrator {
	t.Helper()
	mem := memory.NewManager(&fakeRepo{}, memory.Config{})
	reg := plugins.NewRegistry(0, nil)
	gw := llm.NewGateway(provider, llm.GatewayConfig{})
	disp := dispatcher.New(gw, reg, dispatcher.Config{})
	limiter := ratelimit.NewPolicy(ratelimit.PolicyConfig{FreeRequestsPerMonth: 500, FreeRequestsPerMin: 10, PaidRequestsPerMin: 120})
	return New(mem, reg, disp, limiter, Config{MaxTokensFree: 150, MaxTokensPaid: 2000})
}

func TestHandleQueryHappyPath(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProvider{text: "hello there"})
	reply, err := o.HandleQuery(context.Background(), "u1", "s1", "hi", models.TierFree, Options{})
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if reply.Text != "hello there" {
		t.Fatalf("unexpected reply text: %q", reply.Text)
	}
	if reply.Metadata.FromFallback {
		t.Fatal("expected FromFallback=false on success")
	}
}

func TestHandleQueryFallsBackOnGatewayFailure(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProvider{err: errFatal{}})
	reply, err := o.HandleQuery(context.Background(), "u1", "s1", "hi", models.TierFree, Options{})
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if !reply.Metadata.FromFallback {
		t.Fatal("expected FromFallback=true when the gateway fails")
	}
}

type errFatal struct{}

func (errFatal) Error() string { return "invalid api key: 401 unauthorized" }

// toolCallingProvider returns one round of tool calls, then a final answer
// once it sees tool-result messages in the conversation.
type toolCallingProvider struct {
	toolName string
	called   bool
}

func (p *toolCallingProvider) Name() string { return "scripted" }
func (p *toolCallingProvider) Chat(ctx context.Context, req llm.ChatRequest) (*models.ChatResponse, error) {
	if !p.called {
		p.called = true
		return &models.ChatResponse{ToolCalls: []models.ToolCall{{ID: "call1", Name: p.toolName, Args: json.RawMessage(`{}`)}}}, nil
	}
	return &models.ChatResponse{Text: "done"}, nil
}

func failingHandler(ctx context.Context, userID, sessionID string, args json.RawMessage) (models.ToolResult, error) {
	return models.ToolResult{}, fmt.Errorf("always fails")
}

// TestHandleQueryMarksFailedToolNotOK covers S5: a plugin that always raises
// still yields a successful reply, with metadata.used_tools marking it
// ok:false rather than omitting it.
func TestHandleQueryMarksFailedToolNotOK(t *testing.T) {
	mem := memory.NewManager(&fakeRepo{}, memory.Config{})
	reg := plugins.NewRegistry(time.Second, nil)
	if err := reg.Register(models.PluginDescriptor{
		Name: "broken",
		FunctionSchemas: []models.FunctionSchema{
			{Name: "always_fails", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	}, failingHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Enable("u1", "broken"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	gw := llm.NewGateway(&toolCallingProvider{toolName: "always_fails"}, llm.GatewayConfig{})
	disp := dispatcher.New(gw, reg, dispatcher.Config{})
	limiter := ratelimit.NewPolicy(ratelimit.PolicyConfig{FreeRequestsPerMonth: 500, FreeRequestsPerMin: 10, PaidRequestsPerMin: 120})
	o := New(mem, reg, disp, limiter, Config{MaxTokensFree: 150, MaxTokensPaid: 2000})

	reply, err := o.HandleQuery(context.Background(), "u1", "s1", "do the thing", models.TierFree, Options{})
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if reply.Text != "done" {
		t.Fatalf("expected a successful final reply, got %q", reply.Text)
	}
	if len(reply.Metadata.UsedTools) != 1 || reply.Metadata.UsedTools[0].Name != "always_fails" || reply.Metadata.UsedTools[0].OK {
		t.Fatalf("expected used_tools=[{always_fails ok:false}], got %+v", reply.Metadata.UsedTools)
	}
}

// blockingProvider blocks until ctx is cancelled, simulating a slow LLM
// call that a mid-query disconnect interrupts.
type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }
func (blockingProvider) Chat(ctx context.Context, req llm.ChatRequest) (*models.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// TestHandleQueryPersistsNothingOnCancellation covers S6: cancelling the
// query context must leave no turn behind.
func TestHandleQueryPersistsNothingOnCancellation(t *testing.T) {
	repo := &fakeRepo{}
	mem := memory.NewManager(repo, memory.Config{})
	reg := plugins.NewRegistry(0, nil)
	gw := llm.NewGateway(blockingProvider{}, llm.GatewayConfig{})
	disp := dispatcher.New(gw, reg, dispatcher.Config{})
	limiter := ratelimit.NewPolicy(ratelimit.PolicyConfig{FreeRequestsPerMonth: 500, FreeRequestsPerMin: 10, PaidRequestsPerMin: 120})
	o := New(mem, reg, disp, limiter, Config{MaxTokensFree: 150, MaxTokensPaid: 2000})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.HandleQuery(ctx, "u1", "s1", "hi", models.TierFree, Options{}); err == nil {
		t.Fatal("expected a cancellation error")
	}
	if len(repo.turns) != 0 {
		t.Fatalf("expected no persisted turns after cancellation, got %d", len(repo.turns))
	}
}

func TestHandleQueryRespectsRateLimit(t *testing.T) {
	mem := memory.NewManager(&fakeRepo{}, memory.Config{})
	reg := plugins.NewRegistry(0, nil)
	gw := llm.NewGateway(&scriptedProvider{text: "ok"}, llm.GatewayConfig{})
	disp := dispatcher.New(gw, reg, dispatcher.Config{})
	limiter := ratelimit.NewPolicy(ratelimit.PolicyConfig{FreeRequestsPerMonth: 1, FreeRequestsPerMin: 1, PaidRequestsPerMin: 120})
	o := New(mem, reg, disp, limiter, Config{MaxTokensFree: 150, MaxTokensPaid: 2000})

	if _, err := o.HandleQuery(context.Background(), "u1", "s1", "hi", models.TierFree, Options{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := o.HandleQuery(context.Background(), "u1", "s1", "hi again", models.TierFree, Options{}); err == nil {
		t.Fatal("expected second call within the same window to be rate limited")
	}
}
