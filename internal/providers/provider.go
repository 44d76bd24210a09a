// Package providers adapts chat-completion backends (Gemini, OpenAI)
// to one request/response shape and layers failover on top.
package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentic-mx/agentic/pkg/models"
)

// Per-call deadlines. Chat covers the full completion round trip;
// cache covers context-cache management calls.
const (
	chatTimeout  = 120 * time.Second
	cacheTimeout = 15 * time.Second
)

// ToolDef is a function the model may call. Parameters is a JSON
// Schema object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is one completion call. Provider is the bot's pinned
// backend; the failover layer serves the request from it when it is
// one of the configured clients.
type ChatRequest struct {
	Provider    models.AIProvider
	Model       string
	System      string
	Temperature float32
	History     []models.Turn
	Tools       []ToolDef
}

// ChatResponse is the model's reply. Content and ToolCalls may both be
// set when the model narrates while calling tools.
type ChatResponse struct {
	Content    string
	ToolCalls  []models.ToolCall
	Model      string
	TokensUsed int
}

// ChatClient is one provider backend.
type ChatClient interface {
	Name() models.AIProvider
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
