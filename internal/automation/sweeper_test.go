package automation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentic-mx/agentic/internal/kv"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/pkg/models"
)

type engineRecorder struct {
	mu    sync.Mutex
	calls []engineCall
}

type engineCall struct {
	sessionID  string
	messageIDs []string
}

func (e *engineRecorder) ProcessMessages(_ context.Context, sessionID string, messageIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, engineCall{sessionID: sessionID, messageIDs: messageIDs})
	return nil
}

func (e *engineRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fixture struct {
	store  *storage.Store
	kv     *kv.MemoryStore
	engine *engineRecorder
	sweep  *Sweeper
	bot    *models.Bot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		kv:     kv.NewMemoryStore(),
		engine: &engineRecorder{},
	}
	f.sweep = New(f.store, f.kv, f.engine)

	f.bot = &models.Bot{Name: "support", Provider: models.ProviderGemini, Model: "gemini-2.0-flash", AIEnabled: true}
	if err := f.store.Bots.Create(context.Background(), f.bot); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) addSession(t *testing.T, identifier string, lastInboundAge time.Duration) *models.Session {
	t.Helper()
	ctx := context.Background()
	sess, _, err := f.store.Sessions.GetOrCreate(ctx, &models.Session{
		BotID:      f.bot.ID,
		Identifier: identifier,
		Platform:   models.PlatformWhatsApp,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = f.store.Messages.Upsert(ctx, &models.Message{
		SessionID: sess.ID,
		Sender:    identifier,
		Content:   "último mensaje",
		Type:      models.MessageText,
		CreatedAt: time.Now().UTC().Add(-lastInboundAge),
	})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func (f *fixture) addAutomation(t *testing.T, name, labelName string, timeout time.Duration) *models.Automation {
	t.Helper()
	auto := &models.Automation{
		BotID:     f.bot.ID,
		Name:      name,
		Enabled:   true,
		Event:     models.AutomationInactivity,
		LabelName: labelName,
		TimeoutMs: timeout.Milliseconds(),
		Prompt:    "Pregunta si el cliente sigue interesado.",
	}
	if err := f.store.Automations.Create(context.Background(), auto); err != nil {
		t.Fatal(err)
	}
	return auto
}

func (f *fixture) addLabel(t *testing.T, name string, sessionIDs ...string) {
	t.Helper()
	ctx := context.Background()
	label, err := f.store.Labels.Upsert(ctx, &models.Label{
		BotID:     f.bot.ID,
		WaLabelID: "wa-" + name,
		Name:      name,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range sessionIDs {
		if err := f.store.Labels.Assign(ctx, id, label.ID); err != nil {
			t.Fatal(err)
		}
	}
}

func TestInactiveUnlabeledSessionFiresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.addSession(t, "111@s.whatsapp.net", 2*time.Hour)
	f.addAutomation(t, "seguimiento", "", time.Hour)

	if err := f.sweep.SweepOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if f.engine.count() != 1 {
		t.Fatalf("engine calls = %d, want 1", f.engine.count())
	}
	call := f.engine.calls[0]
	if call.sessionID != sess.ID || len(call.messageIDs) != 1 {
		t.Fatalf("call = %+v", call)
	}
	msg, err := f.store.Messages.Get(ctx, call.messageIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(msg.Content, "[Automation: seguimiento] ") {
		t.Fatalf("synthetic content = %q", msg.Content)
	}
	if msg.FromMe || msg.ExternalID != "" {
		t.Fatalf("synthetic message = %+v, want inbound with no external id", msg)
	}

	// A second sweep inside the window must not fire again.
	if err := f.sweep.SweepOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if f.engine.count() != 1 {
		t.Fatalf("engine calls after resweep = %d, want still 1", f.engine.count())
	}
}

func TestRecentActivitySkips(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "111@s.whatsapp.net", 10*time.Minute)
	f.addAutomation(t, "seguimiento", "", time.Hour)

	if err := f.sweep.SweepOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.engine.count() != 0 {
		t.Fatalf("engine calls = %d, want 0 for an active session", f.engine.count())
	}
}

func TestLabelledCandidatesHonorIgnoredLabels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.bot.IgnoredLabels = []string{"VIP"}
	if err := f.store.Bots.Update(ctx, f.bot); err != nil {
		t.Fatal(err)
	}

	s1 := f.addSession(t, "111@s.whatsapp.net", 2*time.Hour)
	s2 := f.addSession(t, "222@s.whatsapp.net", 2*time.Hour)
	f.addLabel(t, "ventas", s1.ID, s2.ID)
	f.addLabel(t, "vip", s2.ID)
	f.addAutomation(t, "reactivar", "ventas", time.Hour)

	if err := f.sweep.SweepOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if f.engine.count() != 1 {
		t.Fatalf("engine calls = %d, want only the non-VIP session", f.engine.count())
	}
	if f.engine.calls[0].sessionID != s1.ID {
		t.Fatalf("fired for %s, want %s", f.engine.calls[0].sessionID, s1.ID)
	}
}

func TestLabelledAutomationSkipsUnlabeledSessions(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "111@s.whatsapp.net", 2*time.Hour)
	f.addAutomation(t, "reactivar", "ventas", time.Hour)

	if err := f.sweep.SweepOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.engine.count() != 0 {
		t.Fatalf("engine calls = %d, want 0 without the label", f.engine.count())
	}
}

func TestDisabledAIBotIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.bot.AIEnabled = false
	if err := f.store.Bots.Update(ctx, f.bot); err != nil {
		t.Fatal(err)
	}
	f.addSession(t, "111@s.whatsapp.net", 2*time.Hour)
	f.addAutomation(t, "seguimiento", "", time.Hour)

	if err := f.sweep.SweepOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if f.engine.count() != 0 {
		t.Fatalf("engine calls = %d, want 0 for an AI-disabled bot", f.engine.count())
	}
}
