package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a request from the model to execute a named tool.
// Signature is an opaque provider token (Gemini thought signatures);
// providers that do not use it leave it empty.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Signature []byte          `json:"signature,omitempty"`
}

// Turn is one entry of the AI conversation history. Assistant turns may
// carry ToolCalls; tool turns reference the originating call through
// ToolCallID and ToolName.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ConversationLog is the durable record of a turn, used to rebuild the
// fast cache after eviction.
type ConversationLog struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content,omitempty"`
	ToolName    string    `json:"tool_name,omitempty"`
	ToolArgs    string    `json:"tool_args,omitempty"`
	ToolCallRef string    `json:"tool_call_ref,omitempty"`
	Model       string    `json:"model,omitempty"`
	TokensUsed  int       `json:"tokens_used,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
