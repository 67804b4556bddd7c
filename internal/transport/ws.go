package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/internal/orchestrator"
	"github.com/tymektm/asystent-server/pkg/models"
)

// Heartbeat and framing constants from spec.md §4.G: heartbeats every 30s,
// idle connections closed after 120s without traffic, frames over 64KiB
// rejected. Grounded on the reference gateway's ws_control_plane.go
// read-loop/write-loop/heartbeat shape, but with this server's own
// numbers — the teacher's 45s/15s/1MiB constants do not apply here.
const (
	wsIdleTimeout   = 120 * time.Second
	wsHeartbeatTick = 30 * time.Second
	wsWriteWait     = 10 * time.Second
	wsMaxFrameBytes = 64 * 1024
	wsSendBuffer    = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSession is one authenticated connection, bound to exactly one
// identity session for its lifetime.
type wsSession struct {
	conn      *websocket.Conn
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	userID    string
	sessionID string
	tier      models.Tier
	clientID  string

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc // correlation_id -> cancel, for S6

	logger *slog.Logger
}

// handleWS upgrades the request and registers the connection as belonging
// to the session resolved from the bearer token. Browsers cannot set an
// Authorization header on a WebSocket handshake, so the token travels as
// the "token" query parameter instead; everything after the upgrade is
// exactly as authenticated as the REST surface.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, sessionID, err := s.identity.Resume(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tier, err := s.identity.UserTier(r.Context(), userID)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	ctx, cancel := context.WithCancel(context.Background())
	sess := &wsSession{
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		userID:    userID,
		sessionID: sessionID,
		tier:      tier,
		clientID:  clientID,
		inflight:  make(map[string]context.CancelFunc),
		logger:    s.logger,
	}

	go sess.writeLoop()
	sess.readLoop(s)
}

func (sess *wsSession) readLoop(s *Server) {
	defer sess.close()

	sess.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		var f wsFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			sess.sendError(f.CorrelationID, "bad_frame", "frame is not valid JSON")
			continue
		}
		s.dispatchFrame(sess, f)
	}
}

func (sess *wsSession) writeLoop() {
	ticker := time.NewTicker(wsHeartbeatTick)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case msg, ok := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sess *wsSession) close() {
	sess.cancel()
	sess.inflightMu.Lock()
	for _, cancel := range sess.inflight {
		cancel() // S6: cancel in-flight queries on disconnect
	}
	sess.inflightMu.Unlock()
}

// enqueue drops the frame rather than blocking the write loop forever when
// a slow client has let its send buffer fill up.
func (sess *wsSession) enqueue(f wsFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		sess.logger.Error("failed to marshal outgoing frame", "type", f.Type, "error", err)
		return
	}
	select {
	case sess.send <- b:
	default:
		sess.logger.Warn("dropping frame, send buffer full", "client_id", sess.clientID, "type", f.Type)
	}
}

func (sess *wsSession) sendError(correlationID, code, message string) {
	sess.enqueue(wsFrame{Type: frameError, CorrelationID: correlationID, Code: code, Message: message})
}

func (sess *wsSession) sendRateLimited(correlationID string, rl *apperrors.RateLimited) {
	sess.enqueue(wsFrame{
		Type:              frameError,
		CorrelationID:     correlationID,
		Code:              "rate_limited",
		Message:           rl.Error(),
		RetryAfterSeconds: rl.RetryAfterSeconds,
	})
}

// dispatchFrame routes one decoded client frame by its declared type.
// ai_query is handled on its own goroutine rather than inline so multiple
// queries can be in flight at once on the same connection, each tracked by
// its own correlation id; every other frame type is fast enough to handle
// synchronously without blocking the read loop.
func (s *Server) dispatchFrame(sess *wsSession, f wsFrame) {
	switch f.Type {
	case frameAIQuery:
		go s.handleWSQuery(sess, f)
	case framePluginToggle:
		s.handleWSPluginToggle(sess, f)
	case framePluginList:
		s.handleWSPluginList(sess)
	default:
		sess.sendError(f.CorrelationID, "unknown_type", "unrecognized frame type: "+f.Type)
	}
}

func (s *Server) handleWSQuery(sess *wsSession, f wsFrame) {
	if f.Query == "" {
		sess.sendError(f.CorrelationID, "invalid_request", "query must not be empty")
		return
	}

	queryCtx, cancel := context.WithCancel(sess.ctx)
	if f.CorrelationID != "" {
		sess.inflightMu.Lock()
		sess.inflight[f.CorrelationID] = cancel
		sess.inflightMu.Unlock()
	}
	defer func() {
		if f.CorrelationID != "" {
			sess.inflightMu.Lock()
			delete(sess.inflight, f.CorrelationID)
			sess.inflightMu.Unlock()
		}
	}()

	onToolResult := func(call models.ToolCall, result models.ToolResult) {
		payload, _ := json.Marshal(toolResultPayload{OK: result.OK, Content: result.Content})
		sess.enqueue(wsFrame{
			Type:          frameFunctionResult,
			CorrelationID: f.CorrelationID,
			Function:      call.Name,
			Result:        payload,
		})
	}

	reply, err := s.orchestrator.HandleQuery(queryCtx, sess.userID, sess.sessionID, f.Query, sess.tier, orchestrator.Options{
		OnToolResult: onToolResult,
	})
	if err != nil {
		var rl *apperrors.RateLimited
		if errors.As(err, &rl) {
			sess.sendRateLimited(f.CorrelationID, rl)
			return
		}
		sess.sendError(f.CorrelationID, "internal_error", "failed to process query")
		return
	}

	sess.enqueue(wsFrame{
		Type:          frameAIResponse,
		CorrelationID: f.CorrelationID,
		Text:          reply.Text,
		Metadata:      toWireMetadata(reply.Metadata),
	})
}

func (s *Server) handleWSPluginToggle(sess *wsSession, f wsFrame) {
	if f.Plugin == "" {
		sess.sendError(f.CorrelationID, "invalid_request", "plugin name required")
		return
	}
	var err error
	switch f.Action {
	case "enable":
		err = s.plugins.Enable(sess.userID, f.Plugin)
	case "disable":
		err = s.plugins.Disable(sess.userID, f.Plugin)
	default:
		sess.sendError(f.CorrelationID, "invalid_request", "action must be enable or disable")
		return
	}
	if err != nil {
		sess.sendError(f.CorrelationID, "invalid_request", err.Error())
		return
	}
	status := "disabled"
	if f.Action == "enable" {
		status = "enabled"
	}
	sess.enqueue(wsFrame{Type: framePluginToggled, Plugin: f.Plugin, Status: status})
}

func (s *Server) handleWSPluginList(sess *wsSession) {
	sess.enqueue(wsFrame{Type: framePluginList, Plugins: s.pluginStatesFor(sess.userID)})
}

func (s *Server) pluginStatesFor(userID string) map[string]bool {
	out := make(map[string]bool)
	for _, d := range s.plugins.Discover() {
		out[d.Name] = s.plugins.IsEnabled(userID, d.Name)
	}
	return out
}

func toWireMetadata(m orchestrator.ReplyMetadata) *wireMetadata {
	tools := make([]wireUsedTool, 0, len(m.UsedTools))
	for _, t := range m.UsedTools {
		tools = append(tools, wireUsedTool{Name: t.Name, OK: t.OK})
	}
	return &wireMetadata{
		Model:        m.Model,
		UsedTools:    tools,
		LatencyMS:    m.LatencyMS,
		FromFallback: m.FromFallback,
	}
}

