package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tymektm/asystent-server/internal/dispatcher"
	"github.com/tymektm/asystent-server/internal/identity"
	"github.com/tymektm/asystent-server/internal/llm"
	"github.com/tymektm/asystent-server/internal/memory"
	"github.com/tymektm/asystent-server/internal/orchestrator"
	"github.com/tymektm/asystent-server/internal/plugins"
	"github.com/tymektm/asystent-server/internal/ratelimit"
	"github.com/tymektm/asystent-server/internal/storage"
	"github.com/tymektm/asystent-server/pkg/models"
)

// toolCallingProvider answers the first round with a get_weather call and
// the second round with a final answer, so a WebSocket client sees exactly
// one function_result followed by one ai_response (S2).
type toolCallingProvider struct{ called bool }

func (p *toolCallingProvider) Name() string { return "scripted" }
func (p *toolCallingProvider) Chat(ctx context.Context, req llm.ChatRequest) (*models.ChatResponse, error) {
	if !p.called {
		p.called = true
		return &models.ChatResponse{ToolCalls: []models.ToolCall{
			{ID: "call1", Name: "get_weather", Args: json.RawMessage(`{"location":"Warsaw"}`)},
		}}, nil
	}
	return &models.ChatResponse{Text: "it is sunny in Warsaw"}, nil
}

func testWSServer(t *testing.T, provider llm.Provider) (*httptest.Server, string) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	idSvc := identity.NewService(identity.NewSQLStore(db), identity.Config{SessionTTL: time.Hour, MaxSessionsPerUser: 5})
	ctx := context.Background()
	if _, err := idSvc.Register(ctx, "bob@example.com", "correct horse battery staple"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, token, _, err := idSvc.Authenticate(ctx, "bob@example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	mem := memory.NewManager(memory.NewSQLRepository(db), memory.Config{})
	reg := plugins.NewRegistry(time.Second, nil)
	if err := reg.Register(plugins.WeatherDescriptor(), plugins.NewWeatherHandler(func(ctx context.Context, location string) (string, error) {
		return "sunny in " + location, nil
	})); err != nil {
		t.Fatalf("register weather: %v", err)
	}
	gw := llm.NewGateway(provider, llm.GatewayConfig{})
	disp := dispatcher.New(gw, reg, dispatcher.Config{})
	limiter := ratelimit.NewPolicy(ratelimit.PolicyConfig{FreeRequestsPerMonth: 500, FreeRequestsPerMin: 60, PaidRequestsPerMin: 120})
	orch := orchestrator.New(mem, reg, disp, limiter, orchestrator.Config{MaxTokensFree: 150, MaxTokensPaid: 2000})

	srv := New(idSvc, mem, reg, orch, Config{})

	userID, _, err := idSvc.Resume(ctx, token)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := reg.Enable(userID, "weather"); err != nil {
		t.Fatalf("enable weather for user: %v", err)
	}

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, token
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/client1?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWSWeatherQueryEmitsFunctionResultThenResponse(t *testing.T) {
	ts, token := testWSServer(t, &toolCallingProvider{})
	conn := dialWS(t, ts, token)
	defer conn.Close()

	if err := conn.WriteJSON(wsFrame{Type: frameAIQuery, CorrelationID: "corr1", Query: "What's the weather in Warsaw?"}); err != nil {
		t.Fatalf("write ai_query: %v", err)
	}

	var frames []wsFrame
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		frames = append(frames, f)
	}

	if frames[0].Type != frameFunctionResult || frames[0].Function != "get_weather" {
		t.Fatalf("expected first frame to be a get_weather function_result, got %+v", frames[0])
	}
	var result toolResultPayload
	if err := json.Unmarshal(frames[0].Result, &result); err != nil {
		t.Fatalf("decode function_result payload: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected the weather tool call to succeed, got %+v", result)
	}

	if frames[1].Type != frameAIResponse || frames[1].CorrelationID != "corr1" {
		t.Fatalf("expected second frame to be the ai_response, got %+v", frames[1])
	}
	if frames[1].Text != "it is sunny in Warsaw" {
		t.Fatalf("unexpected final text: %q", frames[1].Text)
	}
}

// blockingProvider blocks until its context is cancelled, standing in for a
// slow in-flight LLM call interrupted by a disconnect.
type blockingProvider struct{ started, cancelled chan struct{} }

func (p *blockingProvider) Name() string { return "blocking" }
func (p *blockingProvider) Chat(ctx context.Context, req llm.ChatRequest) (*models.ChatResponse, error) {
	close(p.started)
	<-ctx.Done()
	close(p.cancelled)
	return nil, ctx.Err()
}

func TestWSDisconnectCancelsInFlightQuery(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	ts, token := testWSServer(t, &blockingProvider{started: started, cancelled: cancelled})
	conn := dialWS(t, ts, token)

	if err := conn.WriteJSON(wsFrame{Type: frameAIQuery, CorrelationID: "corr1", Query: "hi"}); err != nil {
		t.Fatalf("write ai_query: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("query never reached the (blocking) LLM call")
	}

	// S6: closing the connection must cancel the outstanding query.
	// blockingProvider.Chat only gets past ctx.Done() once the query's
	// context is cancelled, and it signals that on the cancelled channel.
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("closing the connection did not cancel the in-flight LLM call within 1s")
	}
}
