package convstore

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/agentic-mx/agentic/internal/kv"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/pkg/models"
)

func newTestStore(t *testing.T) (*ConversationStore, kv.Store, storage.ConversationLogStore) {
	t.Helper()
	mem := kv.NewMemoryStore()
	logs := storage.NewMemoryStore().Conversations
	cs := New(mem, logs, Config{TTL: time.Hour, MaxMessages: 10, HistoryDays: 30})
	return cs, mem, logs
}

func TestAppendAndHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := newTestStore(t)

	err := cs.Append(ctx, "s1",
		models.Turn{Role: models.RoleUser, Content: "hola"},
		models.Turn{Role: models.RoleAssistant, Content: "¿en qué te ayudo?"},
	)
	if err != nil {
		t.Fatal(err)
	}

	turns, err := cs.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("History returned %d turns, want 2", len(turns))
	}
	if turns[0].Role != models.RoleUser || turns[1].Content != "¿en qué te ayudo?" {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestHistoryCapsAtMaxMessages(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := newTestStore(t)

	for i := 0; i < 15; i++ {
		if err := cs.Append(ctx, "s1", models.Turn{Role: models.RoleUser, Content: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}
	turns, err := cs.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 10 {
		t.Fatalf("History returned %d turns, want cap of 10", len(turns))
	}
	if turns[0].Content != "f" {
		t.Fatalf("oldest kept turn = %q, want f (oldest five trimmed)", turns[0].Content)
	}
}

func TestReconstructionFromDurableTier(t *testing.T) {
	ctx := context.Background()
	cs, mem, _ := newTestStore(t)

	args := json.RawMessage(`{"label":"vip"}`)
	err := cs.Append(ctx, "s1",
		models.Turn{Role: models.RoleUser, Content: "etiquétame"},
		models.Turn{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "assign_label", Arguments: args}}},
		models.Turn{Role: models.RoleTool, ToolCallID: "c1", ToolName: "assign_label", Content: "label assigned"},
		models.Turn{Role: models.RoleAssistant, Content: "listo"},
	)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate fast-tier eviction.
	if err := mem.Del(ctx, "conv:s1"); err != nil {
		t.Fatal(err)
	}

	turns, err := cs.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 {
		t.Fatalf("reconstructed %d turns, want 3: %+v", len(turns), turns)
	}
	if turns[0].Content != "etiquétame" {
		t.Fatalf("first turn = %+v", turns[0])
	}
	if turns[1].Role != models.RoleAssistant || !strings.Contains(turns[1].Content, "[Previous tool: assign_label") {
		t.Fatalf("tool activity not compressed: %+v", turns[1])
	}
	if len(turns[1].ToolCalls) != 0 {
		t.Fatal("reconstructed history must not carry raw tool frames")
	}
	if turns[2].Content != "listo" {
		t.Fatalf("final turn = %+v", turns[2])
	}

	// Reconstruction rehydrates the fast tier.
	if ok, _ := cs.Has(ctx, "s1"); !ok {
		t.Fatal("fast tier not rehydrated")
	}
}

func TestHistoryBoundedByAge(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	logs := storage.NewMemoryStore().Conversations
	cs := New(mem, logs, Config{TTL: time.Hour, MaxMessages: 10, HistoryDays: 30})

	old := &models.ConversationLog{
		SessionID: "s1", Role: models.RoleUser, Content: "ancient",
		CreatedAt: time.Now().UTC().AddDate(0, 0, -45),
	}
	recent := &models.ConversationLog{
		SessionID: "s1", Role: models.RoleUser, Content: "fresh",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := logs.AppendMany(ctx, []*models.ConversationLog{old, recent}); err != nil {
		t.Fatal(err)
	}

	turns, err := cs.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Content != "fresh" {
		t.Fatalf("turns = %+v, want only the recent entry", turns)
	}
}

func TestClearErasesBothTiers(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := newTestStore(t)

	if err := cs.Append(ctx, "s1", models.Turn{Role: models.RoleUser, Content: "hola"}); err != nil {
		t.Fatal(err)
	}
	if err := cs.Clear(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := cs.Has(ctx, "s1"); ok {
		t.Fatal("fast tier survives Clear")
	}
	turns, err := cs.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Fatalf("history after Clear = %+v", turns)
	}
}
