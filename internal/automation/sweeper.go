// Package automation periodically injects synthetic AI turns into
// sessions that have gone quiet: label-filtered candidates whose last
// inbound message is older than the automation's timeout.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentic-mx/agentic/internal/kv"
	"github.com/agentic-mx/agentic/internal/observability"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/pkg/models"
)

// defaultInterval is the sweep period.
const defaultInterval = 30 * time.Minute

// AIEngine is the turn entry point the sweeper feeds.
type AIEngine interface {
	ProcessMessages(ctx context.Context, sessionID string, messageIDs []string) error
}

// Sweeper scans for inactive sessions and fires their automations.
type Sweeper struct {
	store    *storage.Store
	kv       kv.Store
	engine   AIEngine
	interval time.Duration
	log      *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sweeper) { s.log = log }
}

// WithInterval overrides the sweep period.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithMetrics records automation firings.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock overrides the clock. Test use only.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New wires the sweeper.
func New(store *storage.Store, kvStore kv.Store, engine AIEngine, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		kv:       kvStore,
		engine:   engine,
		interval: defaultInterval,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func leaseKey(automationID, sessionID string) string {
	return "automation:done:" + automationID + ":" + sessionID
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error("automation sweep failed", "error", err)
				if s.metrics != nil {
					s.metrics.ErrorCounter.WithLabelValues("automation").Inc()
				}
			}
		}
	}
}

// SweepOnce evaluates every enabled automation against its candidate
// sessions. Per-session failures are logged and skipped so one bad
// row cannot stall a sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	automations, err := s.store.Automations.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list automations: %w", err)
	}
	for _, auto := range automations {
		bot, err := s.store.Bots.Get(ctx, auto.BotID)
		if err != nil {
			s.log.Warn("automation bot lookup failed",
				"automation_id", auto.ID, "bot_id", auto.BotID, "error", err)
			continue
		}
		if !bot.AIEnabled {
			continue
		}
		candidates, err := s.candidates(ctx, bot, auto)
		if err != nil {
			s.log.Warn("automation candidate query failed",
				"automation_id", auto.ID, "error", err)
			continue
		}
		for _, session := range candidates {
			if err := s.fire(ctx, bot, auto, session); err != nil {
				s.log.Warn("automation firing failed",
					"automation_id", auto.ID, "session_id", session.ID, "error", err)
			}
		}
	}
	return nil
}

// candidates resolves the sessions an automation applies to: sessions
// under its label minus the bot's ignored labels, or sessions with no
// labels at all when the automation names none.
func (s *Sweeper) candidates(ctx context.Context, bot *models.Bot, auto *models.Automation) ([]*models.Session, error) {
	if auto.LabelName == "" {
		return s.store.Sessions.ListUnlabeled(ctx, bot.ID)
	}
	sessions, err := s.store.Sessions.ListByLabelName(ctx, bot.ID, auto.LabelName)
	if err != nil {
		return nil, err
	}
	if len(bot.IgnoredLabels) == 0 {
		return sessions, nil
	}
	ignored := make(map[string]bool, len(bot.IgnoredLabels))
	for _, name := range bot.IgnoredLabels {
		ignored[strings.ToLower(name)] = true
	}
	out := sessions[:0]
	for _, session := range sessions {
		labels, err := s.store.Labels.ListForSession(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		skip := false
		for _, label := range labels {
			if ignored[strings.ToLower(label.Name)] {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, session)
		}
	}
	return out, nil
}

// fire injects one synthetic turn if the session has been quiet past
// the timeout and no lease for this (automation, session) pair is
// live. The lease TTL equals the timeout, giving at most one firing
// per window.
func (s *Sweeper) fire(ctx context.Context, bot *models.Bot, auto *models.Automation, session *models.Session) error {
	last, err := s.store.Messages.LastInbound(ctx, session.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("last inbound: %w", err)
	}
	timeout := time.Duration(auto.TimeoutMs) * time.Millisecond
	if s.now().Sub(last.CreatedAt) < timeout {
		return nil
	}

	acquired, err := s.kv.SetNX(ctx, leaseKey(auto.ID, session.ID), "1", timeout)
	if err != nil {
		return fmt.Errorf("idempotency lease: %w", err)
	}
	if !acquired {
		return nil
	}

	synthetic := &models.Message{
		SessionID: session.ID,
		Sender:    session.Identifier,
		Content:   fmt.Sprintf("[Automation: %s] %s", auto.Name, auto.Prompt),
		Type:      models.MessageText,
	}
	msg, _, err := s.store.Messages.Upsert(ctx, synthetic)
	if err != nil {
		return fmt.Errorf("persist synthetic message: %w", err)
	}

	s.log.Info("automation fired",
		"automation", auto.Name, "bot_id", bot.ID, "session_id", session.ID)
	if s.metrics != nil {
		s.metrics.AutomationCounter.WithLabelValues(auto.Name).Inc()
	}
	return s.engine.ProcessMessages(ctx, session.ID, []string{msg.ID})
}
