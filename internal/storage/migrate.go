package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate applies the schema. Statements are idempotent so the call is
// safe on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS bots (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		temperature REAL NOT NULL DEFAULT 0.7,
		message_delay_ms INTEGER NOT NULL DEFAULT 0,
		ignored_labels TEXT[] NOT NULL DEFAULT '{}',
		ignore_groups BOOLEAN NOT NULL DEFAULT true,
		ai_enabled BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
		identifier TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (bot_id, identifier)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		external_id TEXT UNIQUE,
		sender TEXT NOT NULL,
		from_me BOOLEAN NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		media_url TEXT,
		is_processed BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session_created
		ON messages (session_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS tools (
		id UUID PRIMARY KEY,
		bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		parameters JSONB,
		action_type TEXT NOT NULL,
		action_config JSONB,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		flow_id UUID,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (bot_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS flows (
		id UUID PRIMARY KEY,
		bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		cooldown_ms INTEGER NOT NULL DEFAULT 0,
		usage_limit INTEGER NOT NULL DEFAULT 0,
		excludes_flows TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS steps (
		id UUID PRIMARY KEY,
		flow_id UUID NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		content TEXT,
		media_url TEXT,
		metadata JSONB,
		delay_ms INTEGER NOT NULL DEFAULT 0,
		jitter_pct INTEGER NOT NULL DEFAULT 0,
		"order" INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (flow_id, "order")
	)`,
	`CREATE TABLE IF NOT EXISTS triggers (
		id UUID PRIMARY KEY,
		bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
		session_id UUID REFERENCES sessions(id) ON DELETE CASCADE,
		keyword TEXT NOT NULL,
		match_type TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT 'INCOMING',
		is_active BOOLEAN NOT NULL DEFAULT true,
		flow_id UUID NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		flow_id UUID NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
		platform_user_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		trigger TEXT,
		error TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_session_flow
		ON executions (session_id, flow_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS labels (
		id UUID PRIMARY KEY,
		bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
		wa_label_id TEXT NOT NULL,
		name TEXT NOT NULL,
		color INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (bot_id, wa_label_id)
	)`,
	`CREATE TABLE IF NOT EXISTS session_labels (
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		label_id UUID NOT NULL REFERENCES labels(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, label_id)
	)`,
	`CREATE TABLE IF NOT EXISTS automations (
		id UUID PRIMARY KEY,
		bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		event TEXT NOT NULL,
		label_name TEXT,
		timeout_ms BIGINT NOT NULL,
		prompt TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (bot_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_logs (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT,
		tool_name TEXT,
		tool_args TEXT,
		tool_call_ref TEXT,
		model TEXT,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_logs_session_created
		ON conversation_logs (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS clients (
		id UUID PRIMARY KEY,
		bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		curp TEXT,
		phone TEXT,
		email TEXT,
		username TEXT,
		password TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (bot_id, curp)
	)`,
}
