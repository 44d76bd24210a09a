// Package agent runs the AI turn of a session: one serialized
// conversation exchange covering media preprocessing, provider calls
// with failover, the tool loop and the final send. Concurrent arrivals
// for the same session coalesce through a KV lock and pending queue.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/agentic-mx/agentic/internal/bus"
	"github.com/agentic-mx/agentic/internal/convstore"
	"github.com/agentic-mx/agentic/internal/kv"
	"github.com/agentic-mx/agentic/internal/observability"
	"github.com/agentic-mx/agentic/internal/providers"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/internal/tools"
	"github.com/agentic-mx/agentic/pkg/models"
)

const (
	// defaultLockTTL bounds one AI turn; a crashed holder yields after
	// this long.
	defaultLockTTL = 60 * time.Second

	// pendingGrace is added to the lock TTL for the pending queue so a
	// deferred batch outlives the turn that deferred it.
	pendingGrace = 30 * time.Second

	// maxToolIterations bounds the tool loop within one turn.
	maxToolIterations = 10

	// maxPendingRetries bounds the drain recursion depth per session.
	maxPendingRetries = 3
)

// apologyText is sent best-effort when a turn fails outright.
const apologyText = "Lo siento, ocurrió un error al procesar tu mensaje. Por favor, inténtalo de nuevo en unos momentos."

// stopReplyText is the synthetic tool result for a duplicate
// reply_to_message call within one turn.
const stopReplyText = "Ya respondiste a este mensaje. No vuelvas a llamar reply_to_message para el mismo message_id."

// Presence is a chat presence state raised around an AI turn.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Transport is the gateway surface the engine depends on. The send
// half matches tools.Sender so one implementation serves both.
type Transport interface {
	Send(ctx context.Context, out *models.OutgoingPayload) error
	MarkRead(ctx context.Context, botID, identifier string, externalIDs []string) error
	SetPresence(ctx context.Context, botID, identifier string, state Presence) error
}

// ChatCaller is the provider surface, satisfied by providers.Failover.
type ChatCaller interface {
	Chat(ctx context.Context, sessionID string, req *providers.ChatRequest) (*providers.ChatResponse, error)
}

// ToolRunner executes one tool call, satisfied by tools.Executor.
type ToolRunner interface {
	Execute(ctx context.Context, bot *models.Bot, session *models.Session, call models.ToolCall) tools.Result
}

// MediaResolver turns a message into its text representation,
// satisfied by media.Preprocessor.
type MediaResolver interface {
	Resolve(ctx context.Context, msg *models.Message) string
}

// TriggerSink receives messages of AI-disabled bots for flow trigger
// evaluation, satisfied by flows.Engine.
type TriggerSink interface {
	ProcessIncomingMessage(ctx context.Context, session *models.Session, msg *models.Message) error
}

// Engine orchestrates AI turns.
type Engine struct {
	store     *storage.Store
	kv        kv.Store
	conv      *convstore.ConversationStore
	registry  *tools.Registry
	executor  ToolRunner
	chat      ChatCaller
	transport Transport

	media   MediaResolver
	flows   TriggerSink
	events  *bus.Bus
	metrics *observability.Metrics
	log     *slog.Logger

	lockTTL           time.Duration
	maxToolIterations int
	maxPendingRetries int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMedia enables media preprocessing of inbound messages.
func WithMedia(m MediaResolver) Option {
	return func(e *Engine) { e.media = m }
}

// WithTriggerSink routes messages of AI-disabled bots to flow
// trigger evaluation.
func WithTriggerSink(s TriggerSink) Option {
	return func(e *Engine) { e.flows = s }
}

// WithBus publishes message:sent events on the given bus.
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) { e.events = b }
}

// WithMetrics records turn, token and tool metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLockTTL overrides the session lock TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.lockTTL = ttl }
}

// New wires the engine.
func New(store *storage.Store, kvStore kv.Store, conv *convstore.ConversationStore, registry *tools.Registry, executor ToolRunner, chat ChatCaller, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		store:             store,
		kv:                kvStore,
		conv:              conv,
		registry:          registry,
		executor:          executor,
		chat:              chat,
		transport:         transport,
		log:               slog.Default(),
		lockTTL:           defaultLockTTL,
		maxToolIterations: maxToolIterations,
		maxPendingRetries: maxPendingRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func lockKey(sessionID string) string    { return "ai:lock:" + sessionID }
func pendingKey(sessionID string) string { return "ai:pending:" + sessionID }

// ProcessMessage is the single-message convenience wrapper.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, messageID string) error {
	return e.ProcessMessages(ctx, sessionID, []string{messageID})
}

// ProcessMessages runs one AI turn over a batch of stored messages.
// If the session is mid-turn the batch is deferred to the pending
// queue and picked up when the running turn drains. Turn-level
// failures are handled internally (apology, release, drain) and do
// not surface as errors.
func (e *Engine) ProcessMessages(ctx context.Context, sessionID string, messageIDs []string) error {
	return e.processBatch(ctx, sessionID, messageIDs, 0)
}

func (e *Engine) processBatch(ctx context.Context, sessionID string, messageIDs []string, depth int) error {
	if len(messageIDs) == 0 {
		return nil
	}

	session, err := e.store.Sessions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	bot, err := e.store.Bots.Get(ctx, session.BotID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	msgs, err := e.store.Messages.ListByIDs(ctx, messageIDs)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	if !bot.AIEnabled {
		if e.flows != nil {
			for _, msg := range msgs {
				if err := e.flows.ProcessIncomingMessage(ctx, session, msg); err != nil {
					e.log.Warn("trigger evaluation failed",
						"session_id", sessionID, "message_id", msg.ID, "error", err)
				}
			}
		}
		return nil
	}

	acquired, err := e.kv.SetNX(ctx, lockKey(sessionID), "1", e.lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		batch, merr := json.Marshal(messageIDs)
		if merr != nil {
			return merr
		}
		if err := e.kv.RPush(ctx, pendingKey(sessionID), string(batch)); err != nil {
			return err
		}
		if err := e.kv.Expire(ctx, pendingKey(sessionID), e.lockTTL+pendingGrace); err != nil {
			e.log.Warn("pending queue ttl refresh failed", "session_id", sessionID, "error", err)
		}
		if e.metrics != nil {
			e.metrics.PendingEnqueued.Inc()
		}
		e.log.Debug("session locked, batch deferred",
			"session_id", sessionID, "messages", len(messageIDs))
		return nil
	}

	start := time.Now()
	turnErr := e.runTurn(ctx, bot, session, msgs)
	if turnErr != nil {
		e.log.Error("ai turn failed",
			"session_id", sessionID, "bot_id", bot.ID, "error", turnErr)
		e.sendApology(ctx, bot, session)
	}
	e.observeTurn(bot, time.Since(start), turnErr)

	if err := e.kv.Del(ctx, lockKey(sessionID)); err != nil {
		e.log.Error("session lock release failed", "session_id", sessionID, "error", err)
	}

	e.drain(ctx, sessionID, depth)
	return nil
}

// drain pops at most one deferred batch and recurses into it. Depth
// bounds how many consecutive batches a single arrival can chain.
func (e *Engine) drain(ctx context.Context, sessionID string, depth int) {
	if depth >= e.maxPendingRetries {
		e.log.Warn("pending drain depth exhausted", "session_id", sessionID)
		return
	}
	raw, err := e.kv.LPop(ctx, pendingKey(sessionID))
	if errors.Is(err, kv.ErrNil) {
		return
	}
	if err != nil {
		e.log.Warn("pending queue pop failed", "session_id", sessionID, "error", err)
		return
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		e.log.Warn("discarding corrupt pending batch", "session_id", sessionID, "error", err)
		return
	}
	if err := e.processBatch(ctx, sessionID, ids, depth+1); err != nil {
		e.log.Warn("pending batch processing failed", "session_id", sessionID, "error", err)
	}
}

// runTurn executes steps 4a–4i of a turn under the held lock.
func (e *Engine) runTurn(ctx context.Context, bot *models.Bot, session *models.Session, msgs []*models.Message) error {
	e.markReadAndComposing(ctx, bot, session, msgs)
	defer e.setPresence(ctx, bot, session, PresencePaused)

	userTurn := e.buildUserTurn(ctx, msgs)
	history, err := e.conv.History(ctx, session.ID)
	if err != nil {
		return err
	}
	if err := e.conv.Append(ctx, session.ID, userTurn); err != nil {
		return err
	}
	history = append(history, userTurn)

	var defs []providers.ToolDef
	if e.registry != nil {
		defs, err = e.registry.ToolsForBot(ctx, bot.ID)
		if err != nil {
			e.log.Warn("tool listing failed, turn proceeds without tools",
				"bot_id", bot.ID, "error", err)
			defs = nil
		}
	}

	req := &providers.ChatRequest{
		Provider:    bot.Provider,
		Model:       bot.Model,
		System:      bot.SystemPrompt,
		Temperature: bot.Temperature,
		History:     history,
		Tools:       defs,
	}
	resp, err := e.chat.Chat(ctx, session.ID, req)
	if err != nil {
		return err
	}

	// reply_to_message dedup is scoped to this turn.
	replied := make(map[string]bool)
	replySent := false
	finalRecorded := false
	assistantRows := 0

	for iter := 0; len(resp.ToolCalls) > 0 && iter < e.maxToolIterations; iter++ {
		assistant := models.Turn{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		toolTurns := make([]models.Turn, 0, len(resp.ToolCalls))
		deduped := 0
		for _, call := range resp.ToolCalls {
			result := e.dispatchCall(ctx, bot, session, call, replied, &replySent, &deduped)
			toolTurns = append(toolTurns, models.Turn{
				Role:       models.RoleTool,
				Content:    result.Encode(),
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}

		turns := append([]models.Turn{assistant}, toolTurns...)
		if err := e.conv.Append(ctx, session.ID, turns...); err != nil {
			return err
		}
		assistantRows++

		if deduped == len(resp.ToolCalls) {
			// The model is looping on replies it already sent. Its
			// current content was recorded with the call turn above.
			finalRecorded = true
			break
		}

		history, err = e.conv.History(ctx, session.ID)
		if err != nil {
			return err
		}
		resp, err = e.chat.Chat(ctx, session.ID, &providers.ChatRequest{
			Provider:    bot.Provider,
			Model:       bot.Model,
			System:      bot.SystemPrompt,
			Temperature: bot.Temperature,
			History:     history,
			Tools:       defs,
		})
		if err != nil {
			return err
		}
	}

	e.setPresence(ctx, bot, session, PresencePaused)

	if resp.Content != "" {
		if replySent {
			e.log.Debug("final send suppressed, reply already delivered",
				"session_id", session.ID)
		} else if e.transport != nil {
			out := &models.OutgoingPayload{
				BotID:   bot.ID,
				Target:  session.Identifier,
				Payload: models.SendPayload{Text: resp.Content},
			}
			if err := e.transport.Send(ctx, out); err != nil {
				e.log.Error("final send failed", "session_id", session.ID, "error", err)
			} else {
				e.publishSent(bot.ID, session.ID, resp.Content)
				if e.metrics != nil {
					e.metrics.MessageCounter.WithLabelValues("outbound").Inc()
				}
			}
		}
		if !finalRecorded {
			if err := e.conv.Append(ctx, session.ID, models.Turn{
				Role:    models.RoleAssistant,
				Content: resp.Content,
			}); err != nil {
				return err
			}
			assistantRows++
		}
	}

	if assistantRows > 0 {
		e.conv.TagUsage(ctx, session.ID, resp.Model, resp.TokensUsed, assistantRows)
	}
	if e.metrics != nil && resp.TokensUsed > 0 {
		e.metrics.TokensUsed.WithLabelValues(string(bot.Provider), resp.Model).Add(float64(resp.TokensUsed))
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if err := e.store.Messages.MarkProcessed(ctx, ids); err != nil {
		e.log.Warn("mark processed failed", "session_id", session.ID, "error", err)
	}
	return nil
}

// dispatchCall runs one tool call, short-circuiting repeated
// reply_to_message targets with a synthetic stop result.
func (e *Engine) dispatchCall(ctx context.Context, bot *models.Bot, session *models.Session, call models.ToolCall, replied map[string]bool, replySent *bool, deduped *int) tools.Result {
	if call.Name == "reply_to_message" {
		target := replyTarget(call.Arguments)
		if target != "" && replied[target] {
			*deduped++
			return tools.Result{Success: false, Error: stopReplyText}
		}
		result := e.executor.Execute(ctx, bot, session, call)
		if result.Success && target != "" {
			replied[target] = true
			*replySent = true
		}
		e.observeTool(call.Name, result.Success)
		return result
	}
	result := e.executor.Execute(ctx, bot, session, call)
	e.observeTool(call.Name, result.Success)
	return result
}

func replyTarget(args json.RawMessage) string {
	var parsed struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.MessageID)
}

// buildUserTurn resolves media and concatenates the batch into a
// single user turn, each message prefixed with its external id.
func (e *Engine) buildUserTurn(ctx context.Context, msgs []*models.Message) models.Turn {
	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		content := msg.Content
		if e.media != nil {
			content = e.media.Resolve(ctx, msg)
		}
		if msg.ExternalID != "" {
			content = "[msg:" + msg.ExternalID + "] " + content
		}
		parts = append(parts, content)
	}
	return models.Turn{Role: models.RoleUser, Content: strings.Join(parts, "\n")}
}

// markReadAndComposing acknowledges the batch on the transport.
// Transient transport failures never abort a turn.
func (e *Engine) markReadAndComposing(ctx context.Context, bot *models.Bot, session *models.Session, msgs []*models.Message) {
	if e.transport == nil {
		return
	}
	externalIDs := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if !msg.FromMe && msg.ExternalID != "" {
			externalIDs = append(externalIDs, msg.ExternalID)
		}
	}
	if len(externalIDs) > 0 {
		if err := e.transport.MarkRead(ctx, bot.ID, session.Identifier, externalIDs); err != nil {
			e.log.Warn("mark read failed", "session_id", session.ID, "error", err)
		}
	}
	e.setPresence(ctx, bot, session, PresenceComposing)
}

func (e *Engine) setPresence(ctx context.Context, bot *models.Bot, session *models.Session, state Presence) {
	if e.transport == nil {
		return
	}
	if err := e.transport.SetPresence(ctx, bot.ID, session.Identifier, state); err != nil {
		e.log.Warn("presence update failed",
			"session_id", session.ID, "state", state, "error", err)
	}
}

func (e *Engine) sendApology(ctx context.Context, bot *models.Bot, session *models.Session) {
	if e.transport == nil {
		return
	}
	out := &models.OutgoingPayload{
		BotID:   bot.ID,
		Target:  session.Identifier,
		Payload: models.SendPayload{Text: apologyText},
	}
	if err := e.transport.Send(ctx, out); err != nil {
		e.log.Warn("apology send failed", "session_id", session.ID, "error", err)
	}
}

func (e *Engine) publishSent(botID, sessionID, content string) {
	if e.events == nil {
		return
	}
	e.events.PublishJSON(bus.EventMessageSent, botID, map[string]string{
		"session_id": sessionID,
		"content":    content,
	})
}

func (e *Engine) observeTurn(bot *models.Bot, elapsed time.Duration, err error) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		e.metrics.ErrorCounter.WithLabelValues("agent").Inc()
	}
	e.metrics.AITurnCounter.WithLabelValues(string(bot.Provider), status).Inc()
	e.metrics.AITurnDuration.WithLabelValues(string(bot.Provider), bot.Model).Observe(elapsed.Seconds())
}

func (e *Engine) observeTool(name string, success bool) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	e.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
}
