package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/agentic-mx/agentic/pkg/models"
)

// cacheMinTokens is the estimated prompt size, in tokens, above which
// the system prompt and tool definitions are pushed into a Gemini
// context cache instead of being resent on every call.
const cacheMinTokens = 4096

// cacheReuseMargin is the minimum remaining cache lifetime required to
// reference an existing cache instead of creating a fresh one.
const cacheReuseMargin = time.Minute

// cacheTTL is the lifetime requested for new context caches.
const cacheTTL = time.Hour

type cacheEntry struct {
	name      string
	expiresAt time.Time
}

// GeminiClient implements ChatClient over the Google Gen AI SDK.
type GeminiClient struct {
	client *genai.Client
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	caches map[string]cacheEntry
}

// GeminiOption configures a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithGeminiLogger sets the logger.
func WithGeminiLogger(log *slog.Logger) GeminiOption {
	return func(c *GeminiClient) { c.log = log }
}

// WithGeminiClock overrides the clock. Test use only.
func WithGeminiClock(now func() time.Time) GeminiOption {
	return func(c *GeminiClient) { c.now = now }
}

// NewGeminiClient creates a Gemini-backed chat client.
func NewGeminiClient(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c := &GeminiClient{
		client: client,
		log:    slog.Default(),
		now:    time.Now,
		caches: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name implements ChatClient.
func (c *GeminiClient) Name() models.AIProvider {
	return models.ProviderGemini
}

// Chat implements ChatClient.
func (c *GeminiClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	contents, err := c.convertHistory(req.History)
	if err != nil {
		return nil, fmt.Errorf("gemini: convert history: %w", err)
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}

	tools := toGeminiTools(req.Tools)
	if cacheName := c.maybeCache(ctx, req.Model, req.System, req.Tools, tools); cacheName != "" {
		config.CachedContent = cacheName
	} else {
		if req.System != "" {
			config.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: req.System}},
			}
		}
		config.Tools = tools
	}

	resp, err := c.generateWithRetry(ctx, req.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	return c.parseResponse(resp, req.Model)
}

func (c *GeminiClient) generateWithRetry(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var lastErr error
	delay := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}
		resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		c.log.Warn("gemini call failed, retrying",
			"attempt", attempt+1, "model", model, "error", err)
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "500", "502", "503", "rate limit", "timeout", "connection", "overloaded", "unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// maybeCache returns the name of a context cache holding the system
// prompt and tool definitions, creating one when the static prefix is
// large enough to be worth it. Returns "" to inline the prefix instead.
func (c *GeminiClient) maybeCache(ctx context.Context, model, system string, defs []ToolDef, tools []*genai.Tool) string {
	if system == "" && len(defs) == 0 {
		return ""
	}
	size := len(system)
	for _, d := range defs {
		size += len(d.Name) + len(d.Description) + len(d.Parameters)
	}
	// Rough chars-to-tokens estimate; caching only pays past the
	// provider's minimum cacheable size.
	if (size+3)/4 <= cacheMinTokens {
		return ""
	}

	sum := sha256.Sum256([]byte(model + "\x00" + system + "\x00" + fingerprintTools(defs)))
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	entry, ok := c.caches[key]
	c.mu.Unlock()
	if ok && entry.expiresAt.After(c.now().Add(cacheReuseMargin)) {
		return entry.name
	}

	cctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()

	cacheCfg := &genai.CreateCachedContentConfig{TTL: cacheTTL}
	if system != "" {
		cacheCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	cacheCfg.Tools = tools

	created, err := c.client.Caches.Create(cctx, model, cacheCfg)
	if err != nil {
		c.log.Warn("gemini context cache create failed, inlining prefix",
			"model", model, "error", err)
		return ""
	}

	entry = cacheEntry{name: created.Name, expiresAt: created.ExpireTime}
	if entry.expiresAt.IsZero() {
		entry.expiresAt = c.now().Add(cacheTTL)
	}
	c.mu.Lock()
	c.caches[key] = entry
	c.mu.Unlock()

	c.log.Info("gemini context cache created",
		"model", model, "cache", created.Name)
	return created.Name
}

func fingerprintTools(defs []ToolDef) string {
	var b strings.Builder
	for _, d := range defs {
		b.WriteString(d.Name)
		b.WriteByte(0)
		b.WriteString(d.Description)
		b.WriteByte(0)
		b.Write(d.Parameters)
		b.WriteByte(0)
	}
	return b.String()
}

// convertHistory maps turns to Gemini contents. Historical assistant
// tool calls are replayed with their thought signatures; a call whose
// signature was lost (eviction, reconstruction, fallback origin) is
// downgraded to plain text because Gemini rejects unsigned replayed
// function calls. The tool turn paired with a downgraded call is
// rewritten as text too: a FunctionResponse without its FunctionCall
// is rejected as well.
func (c *GeminiClient) convertHistory(history []models.Turn) ([]*genai.Content, error) {
	var out []*genai.Content
	downgraded := make(map[string]bool)
	for _, turn := range history {
		switch turn.Role {
		case models.RoleUser:
			out = append(out, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: turn.Content}},
			})
		case models.RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if turn.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: turn.Content})
			}
			for _, call := range turn.ToolCalls {
				if len(call.Signature) == 0 {
					downgraded[call.ID] = true
					content.Parts = append(content.Parts, &genai.Part{
						Text: fmt.Sprintf("[Called tool: %s(%s)]", call.Name, call.Arguments),
					})
					continue
				}
				var args map[string]any
				if err := json.Unmarshal(call.Arguments, &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall:     &genai.FunctionCall{Name: call.Name, Args: args},
					ThoughtSignature: call.Signature,
				})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}
		case models.RoleTool:
			if downgraded[turn.ToolCallID] {
				out = append(out, &genai.Content{
					Role: genai.RoleModel,
					Parts: []*genai.Part{{
						Text: fmt.Sprintf("[Tool %s returned: %s]", turn.ToolName, turn.Content),
					}},
				})
				continue
			}
			out = append(out, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     turn.ToolName,
						Response: map[string]any{"result": turn.Content},
					},
				}},
			})
		}
	}
	return out, nil
}

func (c *GeminiClient) parseResponse(resp *genai.GenerateContentResponse, model string) (*ChatResponse, error) {
	out := &ChatResponse{Model: model}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}

	var text strings.Builder
	for i, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("gemini: marshal call args: %w", err)
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        fmt.Sprintf("call_%d", i),
				Name:      part.FunctionCall.Name,
				Arguments: args,
				Signature: part.ThoughtSignature,
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// toGeminiTools converts tool definitions to Gemini declarations.
func toGeminiTools(defs []ToolDef) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		var schemaMap map[string]any
		if err := json.Unmarshal(d.Parameters, &schemaMap); err != nil {
			schemaMap = nil
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}
