// Package tools manages the function surface a bot exposes to its AI
// model: bot-defined tools stored in Postgres plus a fixed set of
// built-ins, and the executor that dispatches calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentic-mx/agentic/internal/providers"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/pkg/models"
)

// toolNameRe is the only accepted shape for tool names. Providers
// reject anything fancier.
var toolNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// Registry resolves the tool set of a bot.
type Registry struct {
	tools storage.ToolStore
}

// NewRegistry creates a Registry over the tool store.
func NewRegistry(tools storage.ToolStore) *Registry {
	return &Registry{tools: tools}
}

// ToolsForBot returns the definitions offered to the model: the bot's
// ACTIVE tools plus the built-ins. Built-in names cannot be shadowed;
// a row that collides with one is skipped.
func (r *Registry) ToolsForBot(ctx context.Context, botID string) ([]providers.ToolDef, error) {
	rows, err := r.tools.ListActive(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("list bot tools: %w", err)
	}

	defs := make([]providers.ToolDef, 0, len(rows)+len(builtins))
	for _, row := range rows {
		if isBuiltin(row.Name) {
			continue
		}
		params := row.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, providers.ToolDef{
			Name:        row.Name,
			Description: row.Description,
			Parameters:  params,
		})
	}
	for _, b := range builtins {
		defs = append(defs, providers.ToolDef{
			Name:        b.Name,
			Description: b.Description,
			Parameters:  b.Parameters,
		})
	}
	return defs, nil
}

// CreateTool validates and persists a bot-defined tool. Names are
// lowercased and must match ^[a-z0-9_]+$; built-in names are reserved;
// Parameters, when present, must be a valid JSON Schema.
func (r *Registry) CreateTool(ctx context.Context, tool *models.Tool) error {
	tool.Name = strings.ToLower(strings.TrimSpace(tool.Name))
	if !toolNameRe.MatchString(tool.Name) {
		return fmt.Errorf("invalid tool name %q: must match %s", tool.Name, toolNameRe)
	}
	if isBuiltin(tool.Name) {
		return fmt.Errorf("tool name %q is reserved: %w", tool.Name, storage.ErrAlreadyExists)
	}
	if len(tool.Parameters) > 0 {
		if err := validateSchema(tool.Parameters); err != nil {
			return fmt.Errorf("invalid parameters schema: %w", err)
		}
	}
	switch tool.ActionType {
	case models.ActionFlow:
		if tool.FlowID == "" {
			return fmt.Errorf("FLOW tool requires flow_id")
		}
	case models.ActionWebhook:
		var cfg webhookConfig
		if err := json.Unmarshal(tool.ActionConfig, &cfg); err != nil || cfg.URL == "" {
			return fmt.Errorf("WEBHOOK tool requires action_config with url")
		}
	case models.ActionBuiltin:
		return fmt.Errorf("BUILTIN tools cannot be created")
	default:
		return fmt.Errorf("unknown action type %q", tool.ActionType)
	}
	if tool.Status == "" {
		tool.Status = models.ToolActive
	}
	return r.tools.Create(ctx, tool)
}

func validateSchema(raw json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return err
	}
	_, err := compiler.Compile("schema.json")
	return err
}
