// Package storage defines the repository interfaces of the orchestrator
// and provides Postgres-backed and in-memory implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agentic-mx/agentic/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on unique-key violations. Callers
	// racing on session or message creation re-read and reuse the row.
	ErrAlreadyExists = errors.New("already exists")
)

// BotStore persists tenant records.
type BotStore interface {
	Get(ctx context.Context, id string) (*models.Bot, error)
	List(ctx context.Context) ([]*models.Bot, error)
	Create(ctx context.Context, bot *models.Bot) error
	Update(ctx context.Context, bot *models.Bot) error
}

// SessionStore persists sessions, unique under (bot_id, identifier).
type SessionStore interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	FindByIdentifier(ctx context.Context, botID, identifier string) (*models.Session, error)

	// GetOrCreate inserts the session or, on the unique-key race,
	// re-reads and returns the existing row. Reports whether a new
	// row was created.
	GetOrCreate(ctx context.Context, session *models.Session) (*models.Session, bool, error)

	// ListByLabelName returns the bot's sessions holding the named
	// label (case-insensitive).
	ListByLabelName(ctx context.Context, botID, labelName string) ([]*models.Session, error)

	// ListUnlabeled returns the bot's sessions with no labels at all.
	ListUnlabeled(ctx context.Context, botID string) ([]*models.Session, error)
}

// MessageStore persists messages, unique under external_id.
type MessageStore interface {
	// Upsert inserts the message or resolves to the existing row when
	// external_id is already present. Reports whether the row was
	// created by this call; only created rows proceed downstream.
	// Messages without an external_id are always inserted.
	Upsert(ctx context.Context, msg *models.Message) (*models.Message, bool, error)

	Get(ctx context.Context, id string) (*models.Message, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Message, error)

	// ListByIDs returns the identified rows ordered by created_at ASC.
	ListByIDs(ctx context.Context, ids []string) ([]*models.Message, error)

	// LastInbound returns the newest from_me=false message of a session.
	LastInbound(ctx context.Context, sessionID string) (*models.Message, error)

	// LastN returns the newest n messages of a session, oldest first.
	LastN(ctx context.Context, sessionID string, n int) ([]*models.Message, error)

	MarkProcessed(ctx context.Context, ids []string) error
}

// ToolStore persists bot-defined tools, unique under (bot_id, name).
type ToolStore interface {
	Create(ctx context.Context, tool *models.Tool) error
	GetActive(ctx context.Context, botID, name string) (*models.Tool, error)
	ListActive(ctx context.Context, botID string) ([]*models.Tool, error)
	Delete(ctx context.Context, id string) error
}

// FlowStore persists flows, steps and triggers.
type FlowStore interface {
	GetFlow(ctx context.Context, id string) (*models.Flow, error)

	// ListSteps returns the flow's steps ordered by "order" ASC.
	ListSteps(ctx context.Context, flowID string) ([]*models.Step, error)
	GetStep(ctx context.Context, id string) (*models.Step, error)

	// ListTriggers returns active triggers for the bot within the given
	// scopes: session-scoped triggers for sessionID plus bot-wide ones,
	// with flow constraint fields joined in.
	ListTriggers(ctx context.Context, botID, sessionID string, scopes []models.TriggerScope) ([]*models.Trigger, error)
	CreateTrigger(ctx context.Context, trigger *models.Trigger) error
}

// ExecutionStore persists flow executions.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.Execution) error
	Get(ctx context.Context, id string) (*models.Execution, error)
	SetCurrentStep(ctx context.Context, id string, step int) error
	SetStatus(ctx context.Context, id string, status models.ExecutionStatus, errMsg string) error

	// LastForFlow returns the newest execution of a flow against a
	// session, ignoring FAILED rejection records.
	LastForFlow(ctx context.Context, sessionID, flowID string) (*models.Execution, error)

	// CountForFlow and CountForFlows count executions that actually
	// started; FAILED rejections do not consume limits.
	CountForFlow(ctx context.Context, sessionID, flowID string) (int, error)
	CountForFlows(ctx context.Context, sessionID string, flowIDs []string) (int, error)
	ListRunning(ctx context.Context) ([]*models.Execution, error)
}

// LabelStore mirrors WhatsApp labels and their session associations.
type LabelStore interface {
	Upsert(ctx context.Context, label *models.Label) (*models.Label, error)
	List(ctx context.Context, botID string) ([]*models.Label, error)
	GetByName(ctx context.Context, botID, name string) (*models.Label, error)
	CountSessions(ctx context.Context, labelID string) (int, error)
	Assign(ctx context.Context, sessionID, labelID string) error
	Unassign(ctx context.Context, sessionID, labelID string) error
	ListForSession(ctx context.Context, sessionID string) ([]*models.Label, error)
}

// AutomationStore persists inactivity automations.
type AutomationStore interface {
	ListEnabled(ctx context.Context) ([]*models.Automation, error)
	Create(ctx context.Context, automation *models.Automation) error
}

// ConversationLogStore is the durable tier of the conversation store.
type ConversationLogStore interface {
	Append(ctx context.Context, entry *models.ConversationLog) error
	AppendMany(ctx context.Context, entries []*models.ConversationLog) error

	// ListSince returns the session's entries with created_at >= since,
	// capped at limit, ordered by created_at ASC.
	ListSince(ctx context.Context, sessionID string, since time.Time, limit int) ([]*models.ConversationLog, error)

	DeleteForSession(ctx context.Context, sessionID string) error

	// TagRecentAssistant stamps model and token usage onto the newest
	// limit assistant entries of a session.
	TagRecentAssistant(ctx context.Context, sessionID, model string, tokens, limit int) error
}

// ClientStore is the tenant-CRM backing the built-in client tools.
type ClientStore interface {
	Create(ctx context.Context, client *models.Client) error
	Find(ctx context.Context, botID, query string) (*models.Client, error)
	SaveCredentials(ctx context.Context, botID, clientID, username, password string) error
}

// Store groups the repository dependencies.
type Store struct {
	Bots          BotStore
	Sessions      SessionStore
	Messages      MessageStore
	Tools         ToolStore
	Flows         FlowStore
	Executions    ExecutionStore
	Labels        LabelStore
	Automations   AutomationStore
	Conversations ConversationLogStore
	Clients       ClientStore

	closer func() error
}

// Close releases any underlying resources.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
