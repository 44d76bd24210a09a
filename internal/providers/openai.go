package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentic-mx/agentic/pkg/models"
)

// OpenAIClient implements ChatClient over the OpenAI chat API.
type OpenAIClient struct {
	client *openai.Client
	log    *slog.Logger
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithOpenAILogger sets the logger.
func WithOpenAILogger(log *slog.Logger) OpenAIOption {
	return func(c *OpenAIClient) { c.log = log }
}

// NewOpenAIClient creates an OpenAI-backed chat client.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		client: openai.NewClient(apiKey),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements ChatClient.
func (c *OpenAIClient) Name() models.AIProvider {
	return models.ProviderOpenAI
}

// Chat implements ChatClient.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, convertTurns(req.History)...)

	request := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		Tools:       convertToolDefs(req.Tools),
	}

	var resp openai.ChatCompletionResponse
	var err error
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
		resp, err = c.client.CreateChatCompletion(ctx, request)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("openai: chat completion: %w", err)
		}
		c.log.Warn("openai call failed, retrying",
			"attempt", attempt+1, "model", req.Model, "error", err)
	}
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty response")
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{
		Content:    choice.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}
	for _, call := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return out, nil
}

func convertTurns(history []models.Turn) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	for _, turn := range history {
		switch turn.Role {
		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: turn.Content,
			})
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: turn.Content,
			}
			for _, call := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, msg)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    turn.Content,
				Name:       turn.ToolName,
				ToolCallID: turn.ToolCallID,
			})
		}
	}
	return out
}

func convertToolDefs(defs []ToolDef) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}
