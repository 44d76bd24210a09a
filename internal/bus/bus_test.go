package bus

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("")
	defer cancel()

	b.PublishJSON(EventMessageReceived, "bot-1", map[string]string{"content": "hola"})

	evt := recv(t, ch)
	if evt.Type != EventMessageReceived || evt.BotID != "bot-1" {
		t.Fatalf("got %+v", evt)
	}
	if evt.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}

func TestBotFilter(t *testing.T) {
	b := New()
	filtered, cancelF := b.Subscribe("bot-1")
	defer cancelF()
	all, cancelA := b.Subscribe("")
	defer cancelA()

	b.Publish(Event{Type: EventBotConnected, BotID: "bot-2"})
	b.Publish(Event{Type: EventBotConnected, BotID: "bot-1"})

	if evt := recv(t, filtered); evt.BotID != "bot-1" {
		t.Fatalf("filtered subscriber saw %+v", evt)
	}
	select {
	case evt := <-filtered:
		t.Fatalf("filtered subscriber saw extra event %+v", evt)
	default:
	}

	if evt := recv(t, all); evt.BotID != "bot-2" {
		t.Fatalf("unfiltered subscriber first event %+v", evt)
	}
	if evt := recv(t, all); evt.BotID != "bot-1" {
		t.Fatalf("unfiltered subscriber second event %+v", evt)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventSystemLog})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer holds %d events, want full %d then drops", len(ch), cap(ch))
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe("")
	cancel()
	cancel()

	// Publishing after cancel must not panic on the closed channel.
	b.Publish(Event{Type: EventSystemLog})
}
