package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentic-mx/agentic/pkg/models"
)

type stubClient struct {
	name  models.AIProvider
	calls int
	resp  *ChatResponse
	err   error

	lastModel string
}

func (s *stubClient) Name() models.AIProvider { return s.name }

func (s *stubClient) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.calls++
	s.lastModel = req.Model
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestFailoverPrefersPrimary(t *testing.T) {
	primary := &stubClient{name: models.ProviderGemini, resp: &ChatResponse{Content: "ok"}}
	fallback := &stubClient{name: models.ProviderOpenAI, resp: &ChatResponse{Content: "fb"}}
	f := NewFailover(primary, fallback, "gpt-4o-mini")

	resp, err := f.Chat(context.Background(), "s1", &ChatRequest{Model: "gemini-2.0-flash"})
	if err != nil || resp.Content != "ok" {
		t.Fatalf("Chat = (%+v, %v)", resp, err)
	}
	if fallback.calls != 0 {
		t.Fatal("fallback called although primary succeeded")
	}
}

func TestFailoverSwitchesAndSwapsModel(t *testing.T) {
	primary := &stubClient{name: models.ProviderGemini, err: errors.New("503 overloaded")}
	fallback := &stubClient{name: models.ProviderOpenAI, resp: &ChatResponse{Content: "fb"}}
	f := NewFailover(primary, fallback, "gpt-4o-mini")

	resp, err := f.Chat(context.Background(), "s1", &ChatRequest{Model: "gemini-2.0-flash"})
	if err != nil || resp.Content != "fb" {
		t.Fatalf("Chat = (%+v, %v)", resp, err)
	}
	if fallback.lastModel != "gpt-4o-mini" {
		t.Fatalf("fallback model = %q, want gpt-4o-mini", fallback.lastModel)
	}
}

func TestFailoverReturnsPrimaryErrorOnDoubleFailure(t *testing.T) {
	primaryErr := errors.New("primary exploded")
	primary := &stubClient{name: models.ProviderGemini, err: primaryErr}
	fallback := &stubClient{name: models.ProviderOpenAI, err: errors.New("fallback exploded")}
	f := NewFailover(primary, fallback, "")

	_, err := f.Chat(context.Background(), "s1", &ChatRequest{Model: "m"})
	if !errors.Is(err, primaryErr) {
		t.Fatalf("err = %v, want the primary's error", err)
	}
}

func TestFailoverPinsSession(t *testing.T) {
	now := time.Now()
	primary := &stubClient{name: models.ProviderGemini, err: errors.New("down")}
	fallback := &stubClient{name: models.ProviderOpenAI, resp: &ChatResponse{Content: "fb"}}
	f := NewFailover(primary, fallback, "gpt-4o-mini",
		WithFailoverClock(func() time.Time { return now }))

	if _, err := f.Chat(context.Background(), "s1", &ChatRequest{Model: "m"}); err != nil {
		t.Fatal(err)
	}
	primaryCalls := primary.calls

	// Second turn in the same session goes straight to the fallback.
	if _, err := f.Chat(context.Background(), "s1", &ChatRequest{Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if primary.calls != primaryCalls {
		t.Fatal("pinned session still hit the primary")
	}

	// Another session is unaffected by the pin.
	if _, err := f.Chat(context.Background(), "s2", &ChatRequest{Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if primary.calls != primaryCalls+1 {
		t.Fatal("unpinned session skipped the primary")
	}

	// The pin lapses after its TTL.
	now = now.Add(defaultPinTTL + time.Second)
	if _, err := f.Chat(context.Background(), "s1", &ChatRequest{Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if primary.calls != primaryCalls+2 {
		t.Fatal("expired pin did not restore the primary")
	}
}

func TestFailoverRoutesByRequestProvider(t *testing.T) {
	gemini := &stubClient{name: models.ProviderGemini, resp: &ChatResponse{Content: "g"}}
	openai := &stubClient{name: models.ProviderOpenAI, resp: &ChatResponse{Content: "o"}}
	f := NewFailover(gemini, openai, "gpt-4o-mini")

	// A bot pinned to the provider that is globally the fallback is
	// served by it first, keeping the bot's own model.
	resp, err := f.Chat(context.Background(), "s1", &ChatRequest{
		Provider: models.ProviderOpenAI, Model: "gpt-4o",
	})
	if err != nil || resp.Content != "o" {
		t.Fatalf("Chat = (%+v, %v)", resp, err)
	}
	if gemini.calls != 0 {
		t.Fatal("pinned provider request still hit the global primary")
	}
	if openai.lastModel != "gpt-4o" {
		t.Fatalf("model = %q, want the bot's own model", openai.lastModel)
	}
}

func TestFailoverBacksUpPinnedProviderWithPrimary(t *testing.T) {
	gemini := &stubClient{name: models.ProviderGemini, resp: &ChatResponse{Content: "g"}}
	openai := &stubClient{name: models.ProviderOpenAI, err: errors.New("503 overloaded")}
	f := NewFailover(gemini, openai, "gpt-4o-mini")

	resp, err := f.Chat(context.Background(), "s1", &ChatRequest{
		Provider: models.ProviderOpenAI, Model: "gpt-4o",
	})
	if err != nil || resp.Content != "g" {
		t.Fatalf("Chat = (%+v, %v)", resp, err)
	}
	if gemini.calls != 1 {
		t.Fatal("failed pinned provider did not fail over to the primary")
	}
}

func TestFailoverWithoutFallback(t *testing.T) {
	primaryErr := errors.New("down")
	primary := &stubClient{name: models.ProviderGemini, err: primaryErr}
	f := NewFailover(primary, nil, "")

	_, err := f.Chat(context.Background(), "s1", &ChatRequest{Model: "m"})
	if !errors.Is(err, primaryErr) {
		t.Fatalf("err = %v, want primary error", err)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  string
		want bool
	}{
		{"googleapi: Error 429: rate limit exceeded", true},
		{"503 service unavailable", true},
		{"dial tcp: connection refused", true},
		{"invalid api key", false},
		{"400 bad request", false},
	}
	for _, tc := range cases {
		if got := isRetryable(errors.New(tc.err)); got != tc.want {
			t.Fatalf("isRetryable(%q) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
