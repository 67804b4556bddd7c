// Package models holds the core record types shared across the server:
// identity, sessions, conversation turns, memory facts, and plugin
// descriptors. These are plain data records; behavior lives in the
// components that own each table.
package models

import (
	"encoding/json"
	"time"
)

// Tier is a user's entitlement class.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// SystemRole is a user's system role, separate from conversational Role below.
type SystemRole string

const (
	SystemRoleAdmin SystemRole = "admin"
	SystemRoleUser  SystemRole = "user"
)

// User is an account record. Mutated only by the identity component.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	PasswordSalt      string
	PBKDF2Iterations  int
	Role              SystemRole
	Tier              Tier
	LockedUntil       time.Time
	ConsecutiveFails  int
	LastFailureAt     time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Session represents one logical channel between a client and the server.
type Session struct {
	ID           string
	UserID       string
	TokenHash    string
	CreatedAt    time.Time
	LastSeenAt   time.Time
	ExpiresAt    time.Time
	Attached     bool // WebSocket-attachment flag; nothing in this server sets it, so it stays false
}

// Role indicates the author of a ConversationTurn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRef links a tool-role turn back to the function invocation it
// carries the result of.
type ToolCallRef struct {
	Name string `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
	OK   bool   `json:"ok"`
}

// ConversationTurn is one append-only entry in a user's turn log.
type ConversationTurn struct {
	TurnID      string
	UserID      string
	SessionID   string
	Role        Role
	Content     string
	ToolCallRef *ToolCallRef
	TokenCount  int
	CreatedAt   time.Time
	Seq         int64 // monotonic per-user ordering key
}

// Fact is a durable long-term memory entry. Its ID is a random UUID, not
// derived from its content.
type Fact struct {
	ID          string
	UserID      string
	SourceTurnID string
	Text        string
	Importance  float64
	CreatedAt   time.Time
	Embedding   []float32 // optional; nil when no embedding backend configured
}

// FunctionSchema describes one tool a plugin exposes to the LLM.
type FunctionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON-schema document
}

// PluginDescriptor is the static description of a loaded plugin.
type PluginDescriptor struct {
	Name            string
	Version         string
	Description     string
	FunctionSchemas []FunctionSchema
	TierRequired    Tier
}

// ToolResult is the outcome of invoking one plugin function.
type ToolResult struct {
	OK        bool
	Content   string
	Artifacts map[string]any
}

// ChatMessage is the provider-agnostic message passed to the LLM gateway.
type ChatMessage struct {
	Role       Role
	Content    string
	ToolCallID string // set on tool-role messages
	ToolName   string // set on tool-role messages
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ChatResponse is what the LLM gateway returns for one completion.
type ChatResponse struct {
	Text             string
	ToolCalls        []ToolCall
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
}
