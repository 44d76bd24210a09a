// Package models defines the shared data types of the orchestrator:
// tenants (bots), sessions, messages, tools, flows, labels and automations.
package models

import (
	"encoding/json"
	"time"
)

// Platform identifies the messaging platform a session lives on.
type Platform string

const (
	PlatformWhatsApp Platform = "WHATSAPP"
	PlatformTelegram Platform = "TELEGRAM"
)

// SessionStatus tracks the connection state of a session.
type SessionStatus string

const (
	SessionConnected      SessionStatus = "CONNECTED"
	SessionDisconnected   SessionStatus = "DISCONNECTED"
	SessionAuthenticating SessionStatus = "AUTHENTICATING"
	SessionFailed         SessionStatus = "FAILED"
)

// MessageType classifies the content of a message.
type MessageType string

const (
	MessageText     MessageType = "TEXT"
	MessageImage    MessageType = "IMAGE"
	MessageAudio    MessageType = "AUDIO"
	MessageDocument MessageType = "DOCUMENT"
)

// ActionType selects how a tool call is executed.
type ActionType string

const (
	ActionFlow    ActionType = "FLOW"
	ActionWebhook ActionType = "WEBHOOK"
	ActionBuiltin ActionType = "BUILTIN"
)

// ToolStatus enables or disables a bot-defined tool.
type ToolStatus string

const (
	ToolActive   ToolStatus = "ACTIVE"
	ToolDisabled ToolStatus = "DISABLED"
)

// StepType classifies a flow step.
type StepType string

const (
	StepText            StepType = "TEXT"
	StepImage           StepType = "IMAGE"
	StepAudio           StepType = "AUDIO"
	StepPTT             StepType = "PTT"
	StepConditionalTime StepType = "CONDITIONAL_TIME"
)

// MatchType selects how a trigger keyword is compared against content.
type MatchType string

const (
	MatchExact      MatchType = "EXACT"
	MatchContains   MatchType = "CONTAINS"
	MatchStartsWith MatchType = "STARTS_WITH"
	MatchRegex      MatchType = "REGEX"
)

// TriggerScope restricts a trigger to a message direction.
type TriggerScope string

const (
	ScopeIncoming TriggerScope = "INCOMING"
	ScopeOutgoing TriggerScope = "OUTGOING"
	ScopeBoth     TriggerScope = "BOTH"
)

// ExecutionStatus tracks the lifecycle of a flow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// AutomationEvent names the condition an automation reacts to.
type AutomationEvent string

// AutomationInactivity fires when a session has had no inbound
// message for the configured timeout.
const AutomationInactivity AutomationEvent = "INACTIVITY"

// AIProvider names a chat-completion backend.
type AIProvider string

const (
	ProviderGemini AIProvider = "GEMINI"
	ProviderOpenAI AIProvider = "OPENAI"
)

// Bot is a tenant record. One bot owns one long-lived messaging session
// pool plus its tools, flows, labels and automations.
type Bot struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Provider       AIProvider `json:"provider"`
	Model          string     `json:"model"`
	SystemPrompt   string     `json:"system_prompt,omitempty"`
	Temperature    float32    `json:"temperature"`
	MessageDelayMs int        `json:"message_delay_ms"`
	IgnoredLabels  []string   `json:"ignored_labels,omitempty"`
	IgnoreGroups   bool       `json:"ignore_groups"`
	AIEnabled      bool       `json:"ai_enabled"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Session is one conversation thread, unique under (BotID, Identifier).
type Session struct {
	ID         string        `json:"id"`
	BotID      string        `json:"bot_id"`
	Identifier string        `json:"identifier"`
	Name       string        `json:"name,omitempty"`
	Platform   Platform      `json:"platform"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Message is one inbound or outbound unit. ExternalID is the
// transport-level identifier and is globally unique: a second insert
// with the same ExternalID resolves to the existing row.
type Message struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	ExternalID  string      `json:"external_id,omitempty"`
	Sender      string      `json:"sender"`
	FromMe      bool        `json:"from_me"`
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
	MediaURL    string      `json:"media_url,omitempty"`
	IsProcessed bool        `json:"is_processed"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Tool is a bot-defined function exposed to the AI model, unique under
// (BotID, Name). ActionConfig shape depends on ActionType.
type Tool struct {
	ID           string          `json:"id"`
	BotID        string          `json:"bot_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	ActionType   ActionType      `json:"action_type"`
	ActionConfig json.RawMessage `json:"action_config,omitempty"`
	Status       ToolStatus      `json:"status"`
	FlowID       string          `json:"flow_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Flow is an ordered, delay-interspersed sequence of outbound steps.
type Flow struct {
	ID            string    `json:"id"`
	BotID         string    `json:"bot_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	CooldownMs    int       `json:"cooldown_ms"`
	UsageLimit    int       `json:"usage_limit"`
	ExcludesFlows []string  `json:"excludes_flows,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Step is one unit of a flow, ordered by Order ascending. Content may
// contain {{placeholder}} substitutions. Metadata carries branch data
// for CONDITIONAL_TIME steps.
type Step struct {
	ID        string          `json:"id"`
	FlowID    string          `json:"flow_id"`
	Type      StepType        `json:"type"`
	Content   string          `json:"content,omitempty"`
	MediaURL  string          `json:"media_url,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	DelayMs   int             `json:"delay_ms"`
	JitterPct int             `json:"jitter_pct"`
	Order     int             `json:"order"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Trigger starts a flow when a message matches its keyword. A trigger
// is either session-scoped (SessionID set) or bot-wide.
type Trigger struct {
	ID        string       `json:"id"`
	BotID     string       `json:"bot_id"`
	SessionID string       `json:"session_id,omitempty"`
	Keyword   string       `json:"keyword"`
	MatchType MatchType    `json:"match_type"`
	Scope     TriggerScope `json:"scope"`
	IsActive  bool         `json:"is_active"`
	FlowID    string       `json:"flow_id"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`

	// Constraint fields joined from the flow row.
	CooldownMs    int      `json:"cooldown_ms,omitempty"`
	UsageLimit    int      `json:"usage_limit,omitempty"`
	ExcludesFlows []string `json:"excludes_flows,omitempty"`
}

// Execution records one run of a flow against a session.
type Execution struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	FlowID         string          `json:"flow_id"`
	PlatformUserID string          `json:"platform_user_id"`
	Status         ExecutionStatus `json:"status"`
	CurrentStep    int             `json:"current_step"`
	Trigger        string          `json:"trigger,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Label mirrors a WhatsApp label, unique under (BotID, WaLabelID).
type Label struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	WaLabelID string    `json:"wa_label_id"`
	Name      string    `json:"name"`
	Color     int       `json:"color,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionLabel associates a label with a session, unique under
// (SessionID, LabelID).
type SessionLabel struct {
	SessionID string    `json:"session_id"`
	LabelID   string    `json:"label_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Automation injects a synthetic AI turn into sessions that have been
// inactive for TimeoutMs. LabelName filters candidate sessions; when
// empty, only sessions with no labels at all qualify.
type Automation struct {
	ID        string          `json:"id"`
	BotID     string          `json:"bot_id"`
	Name      string          `json:"name"`
	Enabled   bool            `json:"enabled"`
	Event     AutomationEvent `json:"event"`
	LabelName string          `json:"label_name,omitempty"`
	TimeoutMs int64           `json:"timeout_ms"`
	Prompt    string          `json:"prompt"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Client is a tenant-CRM record managed by the built-in
// lookup_client / register_client / save_credentials tools.
type Client struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Name      string    `json:"name"`
	CURP      string    `json:"curp,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
