// Package bus is the in-process event hub. Gateway and engine code
// publish lifecycle and traffic events; API surfaces and tests
// subscribe, optionally filtered to one bot.
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType names a bus subject.
type EventType string

const (
	EventBotQR           EventType = "bot:qr"
	EventBotConnected    EventType = "bot:connected"
	EventBotDisconnected EventType = "bot:disconnected"
	EventMessageReceived EventType = "message:received"
	EventMessageSent     EventType = "message:sent"
	EventSessionCreated  EventType = "session:created"
	EventSystemLog       EventType = "system:log"
)

// Event is the envelope published on the bus.
type Event struct {
	Type      EventType       `json:"type"`
	BotID     string          `json:"bot_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

type subscriber struct {
	ch    chan Event
	botID string // empty subscribes to all bots
}

// Bus fans events out to subscribers. Delivery is non-blocking: a
// subscriber that cannot keep up drops events rather than stalling
// publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a listener. botID filters events to one bot;
// pass "" to receive everything. The returned cancel func must be
// called to release the subscription.
func (b *Bus) Subscribe(botID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, 32), botID: botID}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to matching subscribers.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	for sub := range b.subs {
		if sub.botID != "" && sub.botID != evt.BotID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}

// PublishJSON marshals payload and publishes it under typ for botID.
// Marshal failures publish an event with an empty payload.
func (b *Bus) PublishJSON(typ EventType, botID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	b.Publish(Event{Type: typ, BotID: botID, Payload: raw})
}
