// Package transport bridges the core to the WhatsApp gateway process
// over two Redis streams: agentic:queue:outgoing carries sends and
// control frames to the gateway, agentic:queue:incoming delivers new
// messages and step commands back.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/agentic-mx/agentic/internal/agent"
	"github.com/agentic-mx/agentic/pkg/models"
)

const (
	// OutgoingStream is the gateway-bound stream.
	OutgoingStream = "agentic:queue:outgoing"

	// IncomingStream is the core-bound stream.
	IncomingStream = "agentic:queue:incoming"

	// ConsumerGroup is the core's consumer group on IncomingStream.
	ConsumerGroup = "agentic_core_group"

	// outgoingMaxLen caps the outgoing stream; trimming is approximate.
	outgoingMaxLen = 10000

	// payloadField is the single field every stream entry carries.
	payloadField = "payload"
)

// StreamClient is the subset of go-redis stream commands the
// transport uses. *redis.Client satisfies it.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
}

// Gateway publishes outbound traffic to the gateway process. It is
// the concrete Transport of the AI engine and the Sender of the flow
// and tool layers.
type Gateway struct {
	rdb StreamClient
}

// NewGateway creates a Gateway over the stream client.
func NewGateway(rdb StreamClient) *Gateway {
	return &Gateway{rdb: rdb}
}

// Send publishes one outbound send.
func (g *Gateway) Send(ctx context.Context, out *models.OutgoingPayload) error {
	if out.Type == "" {
		out.Type = models.OutgoingSend
	}
	return g.publish(ctx, out)
}

// MarkRead asks the gateway to mark messages as read.
func (g *Gateway) MarkRead(ctx context.Context, botID, identifier string, externalIDs []string) error {
	return g.publish(ctx, &models.OutgoingPayload{
		Type:        models.OutgoingMarkRead,
		BotID:       botID,
		Target:      identifier,
		ExternalIDs: externalIDs,
	})
}

// SetPresence raises or drops the typing indicator on a chat.
func (g *Gateway) SetPresence(ctx context.Context, botID, identifier string, state agent.Presence) error {
	return g.publish(ctx, &models.OutgoingPayload{
		Type:     models.OutgoingPresence,
		BotID:    botID,
		Target:   identifier,
		Presence: string(state),
	})
}

func (g *Gateway) publish(ctx context.Context, out *models.OutgoingPayload) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outgoing payload: %w", err)
	}
	err = g.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: OutgoingStream,
		MaxLen: outgoingMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(raw)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish outgoing payload: %w", err)
	}
	return nil
}
