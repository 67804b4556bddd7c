package transport

import "encoding/json"

// Frame type constants for the WebSocket wire protocol (spec.md §6's
// "WebSocket /ws/{client_id} — JSON frames" table), grounded on the
// reference gateway's ws_control_plane.go envelope shape but with this
// server's own vocabulary instead of the teacher's RPC method names.
const (
	frameAIQuery       = "ai_query"
	frameAIResponse    = "ai_response"
	framePluginToggle  = "plugin_toggle"
	framePluginToggled = "plugin_toggled"
	framePluginList    = "plugin_list"
	frameFunctionResult = "function_result"
	frameError         = "error"
)

// wsFrame is the single envelope type for every client<->server message.
// Fields not meaningful for a given Type are omitted on the wire.
type wsFrame struct {
	Type string `json:"type"`

	// client -> server
	CorrelationID string          `json:"correlation_id,omitempty"`
	Query         string          `json:"query,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	Plugin        string          `json:"plugin,omitempty"`
	Action        string          `json:"action,omitempty"`

	// server -> client
	Text              string          `json:"text,omitempty"`
	Metadata          *wireMetadata   `json:"metadata,omitempty"`
	Function          string          `json:"function,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Plugins           map[string]bool `json:"plugins,omitempty"`
	Status            string          `json:"status,omitempty"`
	Code              string          `json:"code,omitempty"`
	Message           string          `json:"message,omitempty"`
	RetryAfterSeconds int             `json:"retry_after_seconds,omitempty"`
}

// wireMetadata is orchestrator.ReplyMetadata reshaped for JSON.
type wireMetadata struct {
	Model        string         `json:"model"`
	UsedTools    []wireUsedTool `json:"used_tools,omitempty"`
	LatencyMS    int64          `json:"latency_ms"`
	FromFallback bool           `json:"from_fallback"`
}

type wireUsedTool struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

type toolResultPayload struct {
	OK      bool   `json:"ok"`
	Content string `json:"content"`
}
