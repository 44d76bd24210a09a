package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentic-mx/agentic/internal/bus"
	"github.com/agentic-mx/agentic/internal/debounce"
	"github.com/agentic-mx/agentic/internal/observability"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/pkg/models"
)

const (
	// readCount bounds one XREADGROUP batch.
	readCount = 10

	// readBlock is how long one read waits before polling again.
	readBlock = 5 * time.Second
)

// AIEngine is the turn entry point for created inbound messages.
type AIEngine interface {
	ProcessMessages(ctx context.Context, sessionID string, messageIDs []string) error
}

// FlowSink receives trigger evaluation and step commands.
type FlowSink interface {
	ProcessIncomingMessage(ctx context.Context, session *models.Session, msg *models.Message) error
	ExecuteStep(ctx context.Context, executionID, stepID string) error
}

// Consumer drains the incoming stream: it persists NEW_MESSAGE
// payloads, dispatches created rows to the AI engine (through the
// debounce accumulator) or the flow engine, and executes EXECUTE_STEP
// commands. Every entry is acked, parse failures included; a poison
// payload must not wedge the group.
type Consumer struct {
	rdb   StreamClient
	store *storage.Store
	ai    AIEngine
	flows FlowSink
	acc   *debounce.Accumulator

	name    string
	events  *bus.Bus
	metrics *observability.Metrics
	log     *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(log *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.log = log }
}

// WithConsumerName names this consumer within the group.
func WithConsumerName(name string) ConsumerOption {
	return func(c *Consumer) { c.name = name }
}

// WithConsumerBus publishes session and message events.
func WithConsumerBus(b *bus.Bus) ConsumerOption {
	return func(c *Consumer) { c.events = b }
}

// WithConsumerMetrics records message flow metrics.
func WithConsumerMetrics(m *observability.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// NewConsumer wires the consumer. Inbound batches debounce through an
// internal accumulator keyed by session, using each bot's configured
// message delay.
func NewConsumer(rdb StreamClient, store *storage.Store, ai AIEngine, flows FlowSink, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		rdb:   rdb,
		store: store,
		ai:    ai,
		flows: flows,
		name:  "core-1",
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.acc = debounce.NewAccumulator(func(sessionID string, messageIDs []string) {
		if err := c.ai.ProcessMessages(context.Background(), sessionID, messageIDs); err != nil {
			c.log.Error("ai dispatch failed", "session_id", sessionID, "error", err)
			if c.metrics != nil {
				c.metrics.ErrorCounter.WithLabelValues("transport").Inc()
			}
		}
	})
	return c
}

// Run consumes the incoming stream until ctx is cancelled. Buffered
// batches are flushed on the way out.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	defer func() {
		c.acc.FlushAll()
		c.acc.Stop()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		c.poll(ctx)
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, IncomingStream, ConsumerGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (c *Consumer) poll(ctx context.Context) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: c.name,
		Streams:  []string{IncomingStream, ">"},
		Count:    readCount,
		Block:    readBlock,
	}).Result()
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if err != nil {
		c.log.Error("incoming stream read failed", "error", err)
		time.Sleep(time.Second)
		return
	}
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			c.handleEntry(ctx, entry)
			if err := c.rdb.XAck(ctx, IncomingStream, ConsumerGroup, entry.ID).Err(); err != nil {
				c.log.Warn("ack failed", "entry_id", entry.ID, "error", err)
			}
		}
	}
}

func (c *Consumer) handleEntry(ctx context.Context, entry redis.XMessage) {
	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		c.log.Warn("incoming entry without payload field", "entry_id", entry.ID)
		return
	}
	var payload models.IncomingPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		c.log.Warn("discarding unparseable incoming entry",
			"entry_id", entry.ID, "error", err)
		return
	}

	switch payload.Type {
	case models.IncomingNewMessage:
		c.handleNewMessage(ctx, &payload)
	case models.IncomingExecuteStep:
		if err := c.flows.ExecuteStep(ctx, payload.ExecutionID, payload.StepID); err != nil {
			c.log.Warn("execute step failed",
				"execution_id", payload.ExecutionID, "step_id", payload.StepID, "error", err)
		}
	default:
		c.log.Warn("unknown incoming payload type", "type", payload.Type)
	}
}

func (c *Consumer) handleNewMessage(ctx context.Context, payload *models.IncomingPayload) {
	if payload.Message == nil {
		c.log.Warn("NEW_MESSAGE without message body", "bot_id", payload.BotID)
		return
	}

	platform := payload.Platform
	if platform == "" {
		platform = models.PlatformWhatsApp
	}
	session, createdSession, err := c.store.Sessions.GetOrCreate(ctx, &models.Session{
		BotID:      payload.BotID,
		Identifier: payload.Identifier,
		Platform:   platform,
		Status:     models.SessionConnected,
	})
	if err != nil {
		c.log.Error("session upsert failed",
			"bot_id", payload.BotID, "identifier", payload.Identifier, "error", err)
		return
	}
	if createdSession && c.events != nil {
		c.events.PublishJSON(bus.EventSessionCreated, session.BotID, map[string]string{
			"session_id": session.ID,
			"identifier": session.Identifier,
		})
	}

	msgType := payload.Message.Type
	if msgType == "" {
		msgType = models.MessageText
	}
	createdAt := time.Now().UTC()
	if payload.Message.Timestamp > 0 {
		createdAt = time.Unix(payload.Message.Timestamp, 0).UTC()
	}
	msg, created, err := c.store.Messages.Upsert(ctx, &models.Message{
		SessionID:  session.ID,
		ExternalID: payload.Message.ExternalID,
		Sender:     payload.Sender,
		FromMe:     payload.FromMe,
		Content:    payload.Message.Text,
		Type:       msgType,
		MediaURL:   payload.Message.MediaURL,
		CreatedAt:  createdAt,
	})
	if err != nil {
		c.log.Error("message upsert failed",
			"session_id", session.ID, "external_id", payload.Message.ExternalID, "error", err)
		return
	}
	if !created {
		// Redelivery of a known external id; downstream already ran.
		return
	}

	if c.metrics != nil {
		c.metrics.MessageCounter.WithLabelValues("inbound").Inc()
	}
	if c.events != nil {
		c.events.PublishJSON(bus.EventMessageReceived, session.BotID, map[string]string{
			"session_id": session.ID,
			"message_id": msg.ID,
		})
	}

	bot, err := c.store.Bots.Get(ctx, session.BotID)
	if err != nil {
		c.log.Error("bot lookup failed", "bot_id", session.BotID, "error", err)
		return
	}
	if bot.IgnoreGroups && strings.HasSuffix(session.Identifier, "@g.us") {
		return
	}

	if payload.FromMe {
		// Own messages only feed OUTGOING triggers.
		if err := c.flows.ProcessIncomingMessage(ctx, session, msg); err != nil {
			c.log.Warn("trigger evaluation failed",
				"session_id", session.ID, "message_id", msg.ID, "error", err)
		}
		return
	}
	c.acc.Add(session.ID, msg.ID, time.Duration(bot.MessageDelayMs)*time.Millisecond)
}
