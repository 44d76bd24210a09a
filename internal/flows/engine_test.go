package flows

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentic-mx/agentic/internal/kv"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/pkg/models"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*models.OutgoingPayload
}

func (r *recordingSender) Send(_ context.Context, out *models.OutgoingPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, out)
	return nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.Payload.Text)
	}
	return out
}

type flowSeeder interface {
	PutFlow(*models.Flow)
	PutStep(*models.Step)
}

type fixture struct {
	store   *storage.Store
	kv      *kv.MemoryStore
	sender  *recordingSender
	engine  *Engine
	session *models.Session
	delays  []time.Duration
}

// newFixture builds an engine with a synchronous scheduler: timers
// fire immediately and their requested delays are recorded.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		kv:     kv.NewMemoryStore(),
		sender: &recordingSender{},
	}
	base := []Option{
		WithScheduler(func(d time.Duration, fn func()) {
			f.delays = append(f.delays, d)
			fn()
		}),
		WithJitter(func() float64 { return 0.5 }), // zero jitter offset
	}
	f.engine = New(f.store, f.kv, f.sender, append(base, opts...)...)

	sess, _, err := f.store.Sessions.GetOrCreate(context.Background(), &models.Session{
		BotID:      "b1",
		Identifier: "5215512345678@s.whatsapp.net",
		Platform:   models.PlatformWhatsApp,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.session = sess
	return f
}

func (f *fixture) seedFlow(t *testing.T, flow *models.Flow, steps ...*models.Step) {
	t.Helper()
	seeder, ok := f.store.Flows.(flowSeeder)
	if !ok {
		t.Fatal("memory flow store lost its seeding helpers")
	}
	seeder.PutFlow(flow)
	for _, step := range steps {
		step.FlowID = flow.ID
		seeder.PutStep(step)
	}
}

func (f *fixture) addTrigger(t *testing.T, trigger *models.Trigger) {
	t.Helper()
	if err := f.engine.CreateTrigger(context.Background(), trigger); err != nil {
		t.Fatal(err)
	}
}

func inbound(content string) *models.Message {
	return &models.Message{Content: content, Type: models.MessageText}
}

func TestTriggerRunsFlowToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedFlow(t, &models.Flow{ID: "f1", BotID: "b1", Name: "bienvenida"},
		&models.Step{Type: models.StepText, Content: "¡Hola!", Order: 0},
		&models.Step{Type: models.StepText, Content: "¿En qué te ayudo?", Order: 1, DelayMs: 1500},
	)
	f.addTrigger(t, &models.Trigger{BotID: "b1", Keyword: "hola", MatchType: models.MatchContains, Scope: models.ScopeIncoming, FlowID: "f1"})

	if err := f.engine.ProcessIncomingMessage(ctx, f.session, inbound("hola")); err != nil {
		t.Fatal(err)
	}

	texts := f.sender.texts()
	if len(texts) != 2 || texts[0] != "¡Hola!" || texts[1] != "¿En qué te ayudo?" {
		t.Fatalf("sent = %v, want both steps in order", texts)
	}
	if len(f.delays) < 2 || f.delays[1] != 1500*time.Millisecond {
		t.Fatalf("delays = %v, want the second step deferred 1.5s", f.delays)
	}

	last, err := f.store.Executions.LastForFlow(ctx, f.session.ID, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if last.Status != models.ExecutionCompleted || last.CurrentStep != 2 {
		t.Fatalf("execution = %+v, want COMPLETED at step 2", last)
	}
}

func TestFlowLockDebouncesDuplicateStarts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedFlow(t, &models.Flow{ID: "f1", BotID: "b1", Name: "promo"},
		&models.Step{Type: models.StepText, Content: "oferta", Order: 0},
	)
	f.addTrigger(t, &models.Trigger{BotID: "b1", Keyword: "promo", MatchType: models.MatchContains, Scope: models.ScopeBoth, FlowID: "f1"})

	if err := f.engine.ProcessIncomingMessage(ctx, f.session, inbound("promo")); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ProcessIncomingMessage(ctx, f.session, inbound("promo")); err != nil {
		t.Fatal(err)
	}
	if got := len(f.sender.texts()); got != 1 {
		t.Fatalf("sent %d messages, want the duplicate start debounced", got)
	}
}

func TestCooldownRejectionRecordsFailedExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedFlow(t, &models.Flow{ID: "f1", BotID: "b1", Name: "promo", CooldownMs: 3600000},
		&models.Step{Type: models.StepText, Content: "oferta", Order: 0},
	)
	f.addTrigger(t, &models.Trigger{BotID: "b1", Keyword: "promo", MatchType: models.MatchContains, Scope: models.ScopeIncoming, FlowID: "f1"})

	if err := f.engine.ProcessIncomingMessage(ctx, f.session, inbound("promo")); err != nil {
		t.Fatal(err)
	}
	// Release the debounce lock so only the cooldown can reject.
	if err := f.kv.Del(ctx, "flow:lock:"+f.session.ID+":f1"); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ProcessIncomingMessage(ctx, f.session, inbound("promo")); err != nil {
		t.Fatal(err)
	}

	if got := len(f.sender.texts()); got != 1 {
		t.Fatalf("sent %d messages, want the second start rejected", got)
	}
	running, err := f.store.Executions.ListRunning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 0 {
		t.Fatalf("still running: %v", running)
	}
	// The rejection leaves a FAILED record naming the reason, which
	// LastForFlow (non-FAILED) must not surface.
	last, err := f.store.Executions.LastForFlow(ctx, f.session.ID, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if last.Status != models.ExecutionCompleted {
		t.Fatalf("LastForFlow = %+v, want the completed run", last)
	}
}

func TestUsageLimitRejectsAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedFlow(t, &models.Flow{ID: "f1", BotID: "b1", Name: "promo", UsageLimit: 1},
		&models.Step{Type: models.StepText, Content: "oferta", Order: 0},
	)
	f.addTrigger(t, &models.Trigger{BotID: "b1", Keyword: "promo", MatchType: models.MatchContains, Scope: models.ScopeIncoming, FlowID: "f1"})

	if err := f.engine.ProcessIncomingMessage(ctx, f.session, inbound("promo")); err != nil {
		t.Fatal(err)
	}
	if err := f.kv.Del(ctx, "flow:lock:"+f.session.ID+":f1"); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ProcessIncomingMessage(ctx, f.session, inbound("promo")); err != nil {
		t.Fatal(err)
	}
	if got := len(f.sender.texts()); got != 1 {
		t.Fatalf("sent %d messages, want usage limit enforced", got)
	}
}

func TestExcludedFlowBlocksStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedFlow(t, &models.Flow{ID: "f1", BotID: "b1", Name: "bienvenida"},
		&models.Step{Type: models.StepText, Content: "hola", Order: 0},
	)
	f.seedFlow(t, &models.Flow{ID: "f2", BotID: "b1", Name: "recordatorio", ExcludesFlows: []string{"f1"}},
		&models.Step{Type: models.StepText, Content: "recuerda", Order: 0},
	)
	f.addTrigger(t, &models.Trigger{BotID: "b1", Keyword: "hola", MatchType: models.MatchExact, Scope: models.ScopeIncoming, FlowID: "f1"})
	f.addTrigger(t, &models.Trigger{BotID: "b1", Keyword: "recordatorio", MatchType: models.MatchExact, Scope: models.ScopeIncoming, FlowID: "f2"})

	if err := f.engine.ProcessIncomingMessage(ctx, f.session, inbound("hola")); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ProcessIncomingMessage(ctx, f.session, inbound("recordatorio")); err != nil {
		t.Fatal(err)
	}
	texts := f.sender.texts()
	if len(texts) != 1 || texts[0] != "hola" {
		t.Fatalf("sent = %v, want the excluded flow blocked", texts)
	}
}

func TestScopeGuardSkipsOutgoingForIncomingTriggers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedFlow(t, &models.Flow{ID: "f1", BotID: "b1", Name: "promo"},
		&models.Step{Type: models.StepText, Content: "oferta", Order: 0},
	)
	f.addTrigger(t, &models.Trigger{BotID: "b1", Keyword: "promo", MatchType: models.MatchContains, Scope: models.ScopeIncoming, FlowID: "f1"})

	msg := inbound("promo")
	msg.FromMe = true
	if err := f.engine.ProcessIncomingMessage(ctx, f.session, msg); err != nil {
		t.Fatal(err)
	}
	if got := len(f.sender.texts()); got != 0 {
		t.Fatalf("sent %d messages, want outgoing message ignored by INCOMING trigger", got)
	}
}

func TestConditionalTimeBranching(t *testing.T) {
	meta, _ := json.Marshal(conditionalMeta{
		Branches: []timeBranch{
			{StartTime: "09:00", EndTime: "18:00", Type: models.StepText, Content: "buenos días"},
			{StartTime: "22:00", EndTime: "06:00", Type: models.StepText, Content: "buenas noches"},
		},
		Fallback: &timeBranch{Type: models.StepText, Content: "hasta pronto"},
	})

	cases := []struct {
		name string
		hour int
		want string
	}{
		{"daytime branch", 10, "buenos días"},
		{"midnight crossing late", 23, "buenas noches"},
		{"midnight crossing early", 5, "buenas noches"},
		{"fallback between windows", 20, "hasta pronto"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := time.Date(2026, 8, 24, tc.hour, 30, 0, 0, time.UTC)
			f := newFixture(t,
				WithTimezone(time.UTC),
				WithClock(func() time.Time { return clock }),
			)
			f.seedFlow(t, &models.Flow{ID: "f1", BotID: "b1", Name: "saludo"},
				&models.Step{Type: models.StepConditionalTime, Metadata: meta, Order: 0},
			)
			f.addTrigger(t, &models.Trigger{BotID: "b1", Keyword: "hola", MatchType: models.MatchContains, Scope: models.ScopeIncoming, FlowID: "f1"})

			if err := f.engine.ProcessIncomingMessage(context.Background(), f.session, inbound("hola")); err != nil {
				t.Fatal(err)
			}
			texts := f.sender.texts()
			if len(texts) != 1 || texts[0] != tc.want {
				t.Fatalf("sent = %v, want %q", texts, tc.want)
			}
		})
	}
}

func TestJitterWidensDelay(t *testing.T) {
	f := newFixture(t, WithJitter(func() float64 { return 1.0 }))
	f.seedFlow(t, &models.Flow{ID: "f1", BotID: "b1", Name: "promo"},
		&models.Step{Type: models.StepText, Content: "a", Order: 0, DelayMs: 1000, JitterPct: 50},
	)
	f.addTrigger(t, &models.Trigger{BotID: "b1", Keyword: "promo", MatchType: models.MatchContains, Scope: models.ScopeIncoming, FlowID: "f1"})

	if err := f.engine.ProcessIncomingMessage(context.Background(), f.session, inbound("promo")); err != nil {
		t.Fatal(err)
	}
	// jitter=1.0 maps to +50% of a 1000ms delay.
	if len(f.delays) == 0 || f.delays[0] != 1500*time.Millisecond {
		t.Fatalf("delays = %v, want 1.5s", f.delays)
	}
}

func TestRecoverRunningExecutions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedFlow(t, &models.Flow{ID: "f1", BotID: "b1", Name: "promo"},
		&models.Step{Type: models.StepText, Content: "uno", Order: 0},
		&models.Step{Type: models.StepText, Content: "dos", Order: 1},
	)
	exec := &models.Execution{
		SessionID:      f.session.ID,
		FlowID:         "f1",
		PlatformUserID: f.session.Identifier,
		Status:         models.ExecutionRunning,
		CurrentStep:    1,
	}
	if err := f.store.Executions.Create(ctx, exec); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Executions.SetCurrentStep(ctx, exec.ID, 1); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.RecoverRunningExecutions(ctx); err != nil {
		t.Fatal(err)
	}
	texts := f.sender.texts()
	if len(texts) != 1 || texts[0] != "dos" {
		t.Fatalf("sent = %v, want only the remaining step", texts)
	}
	got, err := f.store.Executions.Get(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ExecutionCompleted {
		t.Fatalf("status = %q, want COMPLETED", got.Status)
	}
}

func TestCreateTriggerValidatesRegex(t *testing.T) {
	f := newFixture(t)
	err := f.engine.CreateTrigger(context.Background(), &models.Trigger{
		BotID:     "b1",
		Keyword:   `([`,
		MatchType: models.MatchRegex,
		FlowID:    "f1",
	})
	if err == nil || !strings.Contains(err.Error(), "invalid trigger pattern") {
		t.Fatalf("CreateTrigger = %v, want pattern rejection", err)
	}
}
