// Package convstore keeps AI conversation history in two tiers: a
// fast Redis list per session with a sliding TTL, backed by a durable
// Postgres log used to rebuild the list after eviction.
package convstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentic-mx/agentic/internal/kv"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/pkg/models"
)

// Config bounds the history a session can accumulate.
type Config struct {
	// TTL is the sliding expiry of the fast tier, refreshed on append.
	TTL time.Duration

	// MaxMessages caps both the fast list and reconstruction reads.
	MaxMessages int

	// HistoryDays bounds how far back reconstruction looks.
	HistoryDays int
}

// ConversationStore is the two-tier history for AI turns.
type ConversationStore struct {
	kv   kv.Store
	logs storage.ConversationLogStore
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
}

// Option configures a ConversationStore.
type Option func(*ConversationStore)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *ConversationStore) { s.log = log }
}

// WithClock overrides the store clock. Test use only.
func WithClock(now func() time.Time) Option {
	return func(s *ConversationStore) { s.now = now }
}

// New creates a ConversationStore over the given tiers.
func New(kvStore kv.Store, logs storage.ConversationLogStore, cfg Config, opts ...Option) *ConversationStore {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 100
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 30
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	s := &ConversationStore{
		kv:   kvStore,
		logs: logs,
		cfg:  cfg,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(sessionID string) string {
	return "conv:" + sessionID
}

// Append writes turns to both tiers. The fast tier is authoritative for
// the current exchange; a durable-tier failure is logged and swallowed
// so an AI turn is never lost to a Postgres hiccup.
func (s *ConversationStore) Append(ctx context.Context, sessionID string, turns ...models.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	encoded := make([]string, 0, len(turns))
	for _, turn := range turns {
		raw, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		encoded = append(encoded, string(raw))
	}
	if err := s.kv.AppendList(ctx, cacheKey(sessionID), encoded, int64(s.cfg.MaxMessages), s.cfg.TTL); err != nil {
		return fmt.Errorf("append conversation cache: %w", err)
	}

	if err := s.logs.AppendMany(ctx, s.toLogs(sessionID, turns)); err != nil {
		s.log.Warn("durable conversation append failed",
			"session_id", sessionID, "error", err)
	}
	return nil
}

// History returns the session's turns, oldest first. An empty or
// evicted fast tier is rebuilt from the durable log and rehydrated.
func (s *ConversationStore) History(ctx context.Context, sessionID string) ([]models.Turn, error) {
	raw, err := s.kv.LRange(ctx, cacheKey(sessionID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read conversation cache: %w", err)
	}
	if len(raw) > 0 {
		turns := make([]models.Turn, 0, len(raw))
		for _, item := range raw {
			var turn models.Turn
			if err := json.Unmarshal([]byte(item), &turn); err != nil {
				s.log.Warn("skipping corrupt cached turn",
					"session_id", sessionID, "error", err)
				continue
			}
			turns = append(turns, turn)
		}
		// Refresh the sliding TTL on read as well as on write.
		if err := s.kv.Expire(ctx, cacheKey(sessionID), s.cfg.TTL); err != nil {
			s.log.Warn("refresh conversation ttl failed",
				"session_id", sessionID, "error", err)
		}
		return turns, nil
	}
	return s.reconstruct(ctx, sessionID)
}

// reconstruct rebuilds history from the durable tier. Tool activity is
// compressed into plain assistant text: raw tool frames from an evicted
// exchange cannot be replayed to a provider without their pairing.
func (s *ConversationStore) reconstruct(ctx context.Context, sessionID string) ([]models.Turn, error) {
	since := s.now().UTC().AddDate(0, 0, -s.cfg.HistoryDays)
	entries, err := s.logs.ListSince(ctx, sessionID, since, s.cfg.MaxMessages)
	if err != nil {
		return nil, fmt.Errorf("read durable conversation log: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	turns := make([]models.Turn, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.Role == models.RoleTool:
			turns = append(turns, models.Turn{
				Role:    models.RoleAssistant,
				Content: fmt.Sprintf("[Previous tool: %s → %s]", e.ToolName, e.Content),
			})
		case e.Role == models.RoleAssistant && e.ToolName != "":
			if e.Content != "" {
				turns = append(turns, models.Turn{Role: models.RoleAssistant, Content: e.Content})
			}
		default:
			turns = append(turns, models.Turn{Role: e.Role, Content: e.Content})
		}
	}

	encoded := make([]string, 0, len(turns))
	for _, turn := range turns {
		raw, merr := json.Marshal(turn)
		if merr != nil {
			continue
		}
		encoded = append(encoded, string(raw))
	}
	if err := s.kv.AppendList(ctx, cacheKey(sessionID), encoded, int64(s.cfg.MaxMessages), s.cfg.TTL); err != nil {
		s.log.Warn("rehydrate conversation cache failed",
			"session_id", sessionID, "error", err)
	}
	return turns, nil
}

// Has reports whether the fast tier currently holds history.
func (s *ConversationStore) Has(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.kv.LLen(ctx, cacheKey(sessionID))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear erases both tiers. Exposed to the clear_conversation tool.
func (s *ConversationStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.kv.Del(ctx, cacheKey(sessionID)); err != nil {
		return fmt.Errorf("clear conversation cache: %w", err)
	}
	if err := s.logs.DeleteForSession(ctx, sessionID); err != nil {
		return fmt.Errorf("clear durable conversation log: %w", err)
	}
	return nil
}

// TagUsage stamps provider accounting onto the newest assistant rows of
// the durable tier after a completed AI turn.
func (s *ConversationStore) TagUsage(ctx context.Context, sessionID, model string, tokens, turns int) {
	if err := s.logs.TagRecentAssistant(ctx, sessionID, model, tokens, turns); err != nil {
		s.log.Warn("tag conversation usage failed",
			"session_id", sessionID, "error", err)
	}
}

// toLogs converts turns to durable log rows. An assistant turn with
// tool calls yields one row per call so arguments survive eviction.
func (s *ConversationStore) toLogs(sessionID string, turns []models.Turn) []*models.ConversationLog {
	now := s.now().UTC()
	var out []*models.ConversationLog
	for i, turn := range turns {
		createdAt := now.Add(time.Duration(i) * time.Microsecond)
		switch {
		case turn.Role == models.RoleAssistant && len(turn.ToolCalls) > 0:
			for _, call := range turn.ToolCalls {
				out = append(out, &models.ConversationLog{
					SessionID:   sessionID,
					Role:        models.RoleAssistant,
					Content:     turn.Content,
					ToolName:    call.Name,
					ToolArgs:    string(call.Arguments),
					ToolCallRef: call.ID,
					CreatedAt:   createdAt,
				})
			}
		case turn.Role == models.RoleTool:
			out = append(out, &models.ConversationLog{
				SessionID:   sessionID,
				Role:        models.RoleTool,
				Content:     turn.Content,
				ToolName:    turn.ToolName,
				ToolCallRef: turn.ToolCallID,
				CreatedAt:   createdAt,
			})
		default:
			out = append(out, &models.ConversationLog{
				SessionID: sessionID,
				Role:      turn.Role,
				Content:   turn.Content,
				CreatedAt: createdAt,
			})
		}
	}
	return out
}
