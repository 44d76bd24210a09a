package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-mx/agentic/pkg/models"
)

// defaultPinTTL is how long a session stays pinned to the fallback
// provider after the primary failed for it.
const defaultPinTTL = 5 * time.Minute

// Failover routes chat calls to a primary client and falls back to a
// secondary on failure. A session that needed the fallback is pinned
// to it for a while so a burst of turns does not pay the primary's
// failure latency on every call.
type Failover struct {
	primary       ChatClient
	fallback      ChatClient
	fallbackModel string
	pinTTL        time.Duration
	log           *slog.Logger
	now           func() time.Time

	mu   sync.Mutex
	pins map[string]time.Time
}

// FailoverOption configures a Failover.
type FailoverOption func(*Failover)

// WithFailoverLogger sets the logger.
func WithFailoverLogger(log *slog.Logger) FailoverOption {
	return func(f *Failover) { f.log = log }
}

// WithPinTTL sets how long sessions stay pinned to the fallback.
func WithPinTTL(ttl time.Duration) FailoverOption {
	return func(f *Failover) { f.pinTTL = ttl }
}

// WithFailoverClock overrides the clock. Test use only.
func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *Failover) { f.now = now }
}

// NewFailover wires primary and fallback clients. fallbackModel
// replaces the request model on fallback calls; pass "" to keep the
// original model. fallback may be nil, in which case primary errors
// surface directly.
func NewFailover(primary, fallback ChatClient, fallbackModel string, opts ...FailoverOption) *Failover {
	f := &Failover{
		primary:       primary,
		fallback:      fallback,
		fallbackModel: fallbackModel,
		pinTTL:        defaultPinTTL,
		log:           slog.Default(),
		now:           time.Now,
		pins:          make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Primary returns the primary provider's identity.
func (f *Failover) Primary() models.AIProvider {
	return f.primary.Name()
}

// Chat runs the completion for a session on the request's pinned
// provider, failing over to the other backend on error. When both
// backends fail, the preferred backend's error is returned: it names
// the provider the bot is actually configured for.
func (f *Failover) Chat(ctx context.Context, sessionID string, req *ChatRequest) (*ChatResponse, error) {
	first, second, secondModel := f.route(req)

	if second != nil && f.pinned(sessionID) {
		resp, err := second.Chat(ctx, withModel(req, secondModel))
		if err == nil {
			return resp, nil
		}
		f.unpin(sessionID)
		f.log.Warn("pinned backup provider failed, retrying preferred",
			"session_id", sessionID, "provider", second.Name(), "error", err)
	}

	resp, firstErr := first.Chat(ctx, req)
	if firstErr == nil {
		return resp, nil
	}
	if second == nil {
		return nil, firstErr
	}

	f.log.Warn("preferred provider failed, trying backup",
		"session_id", sessionID,
		"preferred", first.Name(),
		"backup", second.Name(),
		"error", firstErr)

	resp, secondErr := second.Chat(ctx, withModel(req, secondModel))
	if secondErr != nil {
		f.log.Error("backup provider also failed",
			"session_id", sessionID,
			"backup", second.Name(),
			"error", secondErr)
		return nil, firstErr
	}

	f.pin(sessionID)
	return resp, nil
}

// route orders the backends for one request. A bot pinned to the
// provider that is globally the fallback is served by that client
// first, with the request's own model, and the global primary becomes
// its backup.
func (f *Failover) route(req *ChatRequest) (first, second ChatClient, secondModel string) {
	if req.Provider != "" && f.fallback != nil && f.fallback.Name() == req.Provider {
		return f.fallback, f.primary, ""
	}
	return f.primary, f.fallback, f.fallbackModel
}

func withModel(req *ChatRequest, model string) *ChatRequest {
	if model == "" {
		return req
	}
	clone := *req
	clone.Model = model
	return &clone
}

func (f *Failover) pinned(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.pins[sessionID]
	if !ok {
		return false
	}
	if f.now().After(until) {
		delete(f.pins, sessionID)
		return false
	}
	return true
}

func (f *Failover) pin(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[sessionID] = f.now().Add(f.pinTTL)
}

func (f *Failover) unpin(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pins, sessionID)
}
