package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentic-mx/agentic/internal/agent"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/pkg/models"
)

// fakeStream scripts XREADGROUP batches and records XADD / XACK.
type fakeStream struct {
	mu      sync.Mutex
	batches [][]redis.XMessage
	added   []*redis.XAddArgs
	acked   []string
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, a)
	return redis.NewStringResult("1-1", nil)
}

func (f *fakeStream) XReadGroup(_ context.Context, _ *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return redis.NewXStreamSliceCmdResult([]redis.XStream{
		{Stream: IncomingStream, Messages: batch},
	}, nil)
}

func (f *fakeStream) XAck(_ context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStream) XGroupCreateMkStream(_ context.Context, _, _, _ string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStream) payloads(t *testing.T) []*models.OutgoingPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.OutgoingPayload, 0, len(f.added))
	for _, a := range f.added {
		raw, ok := a.Values.(map[string]any)[payloadField].(string)
		if !ok {
			t.Fatal("entry missing payload field")
		}
		var p models.OutgoingPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			t.Fatal(err)
		}
		out = append(out, &p)
	}
	return out
}

type aiRecorder struct {
	mu    sync.Mutex
	calls map[string][][]string
}

func (a *aiRecorder) ProcessMessages(_ context.Context, sessionID string, messageIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[string][][]string)
	}
	a.calls[sessionID] = append(a.calls[sessionID], messageIDs)
	return nil
}

type flowRecorder struct {
	mu       sync.Mutex
	messages []*models.Message
	steps    [][2]string
}

func (f *flowRecorder) ProcessIncomingMessage(_ context.Context, _ *models.Session, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *flowRecorder) ExecuteStep(_ context.Context, executionID, stepID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, [2]string{executionID, stepID})
	return nil
}

func entry(id string, payload any) redis.XMessage {
	raw, _ := json.Marshal(payload)
	return redis.XMessage{ID: id, Values: map[string]any{payloadField: string(raw)}}
}

func newMessagePayload(botID, identifier, externalID, text string, fromMe bool) *models.IncomingPayload {
	return &models.IncomingPayload{
		Type:       models.IncomingNewMessage,
		BotID:      botID,
		Identifier: identifier,
		Platform:   models.PlatformWhatsApp,
		FromMe:     fromMe,
		Sender:     identifier,
		Message: &models.IncomingContent{
			ExternalID: externalID,
			Text:       text,
			Type:       models.MessageText,
			Timestamp:  time.Now().Unix(),
		},
	}
}

func TestGatewayPublishesSendAndControlFrames(t *testing.T) {
	ctx := context.Background()
	stream := &fakeStream{}
	gw := NewGateway(stream)

	if err := gw.Send(ctx, &models.OutgoingPayload{
		BotID:   "b1",
		Target:  "111@s.whatsapp.net",
		Payload: models.SendPayload{Text: "hola"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := gw.MarkRead(ctx, "b1", "111@s.whatsapp.net", []string{"e1", "e2"}); err != nil {
		t.Fatal(err)
	}
	if err := gw.SetPresence(ctx, "b1", "111@s.whatsapp.net", agent.PresenceComposing); err != nil {
		t.Fatal(err)
	}

	payloads := stream.payloads(t)
	if len(payloads) != 3 {
		t.Fatalf("published %d entries, want 3", len(payloads))
	}
	if payloads[0].Type != models.OutgoingSend || payloads[0].Payload.Text != "hola" {
		t.Fatalf("send frame = %+v", payloads[0])
	}
	if payloads[1].Type != models.OutgoingMarkRead || len(payloads[1].ExternalIDs) != 2 {
		t.Fatalf("mark read frame = %+v", payloads[1])
	}
	if payloads[2].Type != models.OutgoingPresence || payloads[2].Presence != "composing" {
		t.Fatalf("presence frame = %+v", payloads[2])
	}
	for _, a := range stream.added {
		if a.Stream != OutgoingStream || a.MaxLen != outgoingMaxLen || !a.Approx {
			t.Fatalf("XAdd args = %+v, want capped outgoing stream", a)
		}
	}
}

func TestConsumerPersistsAndDispatchesCreatedMessages(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bot := &models.Bot{Name: "support", Provider: models.ProviderGemini, Model: "m", AIEnabled: true}
	if err := store.Bots.Create(ctx, bot); err != nil {
		t.Fatal(err)
	}

	ai := &aiRecorder{}
	flows := &flowRecorder{}
	stream := &fakeStream{batches: [][]redis.XMessage{{
		entry("1-1", newMessagePayload(bot.ID, "111@s.whatsapp.net", "e1", "hola", false)),
		entry("1-2", newMessagePayload(bot.ID, "111@s.whatsapp.net", "e1", "hola", false)), // redelivery
	}}}
	c := NewConsumer(stream, store, ai, flows)

	c.poll(ctx)

	if len(stream.acked) != 2 {
		t.Fatalf("acked %d entries, want both including the redelivery", len(stream.acked))
	}
	session, err := store.Sessions.FindByIdentifier(ctx, bot.ID, "111@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	// Zero message delay flushes through the accumulator synchronously.
	if got := len(ai.calls[session.ID]); got != 1 {
		t.Fatalf("ai dispatches = %d, want exactly 1 for a redelivered external id", got)
	}
	msg, err := store.Messages.GetByExternalID(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "hola" || msg.FromMe {
		t.Fatalf("stored message = %+v", msg)
	}
}

func TestConsumerDebouncesWithBotDelay(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bot := &models.Bot{Name: "support", Provider: models.ProviderGemini, Model: "m", AIEnabled: true, MessageDelayMs: 60000}
	if err := store.Bots.Create(ctx, bot); err != nil {
		t.Fatal(err)
	}

	ai := &aiRecorder{}
	stream := &fakeStream{batches: [][]redis.XMessage{{
		entry("1-1", newMessagePayload(bot.ID, "111@s.whatsapp.net", "e1", "primera", false)),
		entry("1-2", newMessagePayload(bot.ID, "111@s.whatsapp.net", "e2", "segunda", false)),
	}}}
	c := NewConsumer(stream, store, ai, &flowRecorder{})

	c.poll(ctx)

	session, err := store.Sessions.FindByIdentifier(ctx, bot.ID, "111@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if len(ai.calls) != 0 {
		t.Fatalf("ai called before the debounce window: %v", ai.calls)
	}
	if n := c.acc.PendingCount(session.ID); n != 2 {
		t.Fatalf("pending = %d, want both messages buffered", n)
	}

	c.acc.Flush(session.ID)
	batches := ai.calls[session.ID]
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("flush dispatched %v, want one batch of two", batches)
	}
}

func TestConsumerRoutesOwnMessagesToTriggers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bot := &models.Bot{Name: "support", Provider: models.ProviderGemini, Model: "m"}
	if err := store.Bots.Create(ctx, bot); err != nil {
		t.Fatal(err)
	}

	ai := &aiRecorder{}
	flows := &flowRecorder{}
	stream := &fakeStream{batches: [][]redis.XMessage{{
		entry("1-1", newMessagePayload(bot.ID, "111@s.whatsapp.net", "e1", "enviado por mí", true)),
	}}}
	c := NewConsumer(stream, store, ai, flows)

	c.poll(ctx)

	if len(ai.calls) != 0 {
		t.Fatal("own messages must not reach the AI engine")
	}
	if len(flows.messages) != 1 || !flows.messages[0].FromMe {
		t.Fatalf("flow sink got %v, want the outgoing message", flows.messages)
	}
}

func TestConsumerExecutesStepCommands(t *testing.T) {
	ctx := context.Background()
	flows := &flowRecorder{}
	stream := &fakeStream{batches: [][]redis.XMessage{{
		entry("1-1", &models.IncomingPayload{
			Type:        models.IncomingExecuteStep,
			ExecutionID: "x1",
			StepID:      "s1",
		}),
	}}}
	c := NewConsumer(stream, storage.NewMemoryStore(), &aiRecorder{}, flows)

	c.poll(ctx)

	if len(flows.steps) != 1 || flows.steps[0] != [2]string{"x1", "s1"} {
		t.Fatalf("steps = %v, want the EXECUTE_STEP dispatch", flows.steps)
	}
}

func TestConsumerAcksPoisonEntries(t *testing.T) {
	ctx := context.Background()
	stream := &fakeStream{batches: [][]redis.XMessage{{
		{ID: "1-1", Values: map[string]any{payloadField: "{not json"}},
		{ID: "1-2", Values: map[string]any{"other": "x"}},
	}}}
	c := NewConsumer(stream, storage.NewMemoryStore(), &aiRecorder{}, &flowRecorder{})

	c.poll(ctx)

	if len(stream.acked) != 2 {
		t.Fatalf("acked %d, want poison entries acked too", len(stream.acked))
	}
}

func TestConsumerIgnoresGroupChats(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bot := &models.Bot{Name: "support", Provider: models.ProviderGemini, Model: "m", AIEnabled: true, IgnoreGroups: true}
	if err := store.Bots.Create(ctx, bot); err != nil {
		t.Fatal(err)
	}

	ai := &aiRecorder{}
	stream := &fakeStream{batches: [][]redis.XMessage{{
		entry("1-1", newMessagePayload(bot.ID, "12036304@g.us", "e1", "mensaje de grupo", false)),
	}}}
	c := NewConsumer(stream, store, ai, &flowRecorder{})

	c.poll(ctx)

	if len(ai.calls) != 0 {
		t.Fatal("group chat must be ignored when the bot says so")
	}
	// The message is still persisted for the record.
	if _, err := store.Messages.GetByExternalID(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
}
