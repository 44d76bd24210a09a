package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentic-mx/agentic/pkg/models"
)

// NewMemoryStore builds a fully in-memory Store. Used by tests and by
// the engine packages' unit tests as a stand-in for Postgres.
func NewMemoryStore() *Store {
	m := &memoryDB{
		bots:       make(map[string]*models.Bot),
		sessions:   make(map[string]*models.Session),
		messages:   make(map[string]*models.Message),
		tools:      make(map[string]*models.Tool),
		flows:      make(map[string]*models.Flow),
		steps:      make(map[string]*models.Step),
		triggers:   make(map[string]*models.Trigger),
		executions: make(map[string]*models.Execution),
		labels:     make(map[string]*models.Label),
		clients:    make(map[string]*models.Client),
	}
	return &Store{
		Bots:          &memBotStore{m},
		Sessions:      &memSessionStore{m},
		Messages:      &memMessageStore{m},
		Tools:         &memToolStore{m},
		Flows:         &memFlowStore{m},
		Executions:    &memExecutionStore{m},
		Labels:        &memLabelStore{m},
		Automations:   &memAutomationStore{m},
		Conversations: &memConversationLogStore{m},
		Clients:       &memClientStore{m},
	}
}

type memoryDB struct {
	mu            sync.RWMutex
	bots          map[string]*models.Bot
	sessions      map[string]*models.Session
	messages      map[string]*models.Message
	tools         map[string]*models.Tool
	flows         map[string]*models.Flow
	steps         map[string]*models.Step
	triggers      map[string]*models.Trigger
	executions    map[string]*models.Execution
	labels        map[string]*models.Label
	sessionLabels []models.SessionLabel
	automations   []*models.Automation
	convLogs      []*models.ConversationLog
	clients       map[string]*models.Client
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// --- bots ---

type memBotStore struct{ db *memoryDB }

func (s *memBotStore) Get(_ context.Context, id string) (*models.Bot, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	b, ok := s.db.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memBotStore) List(_ context.Context) ([]*models.Bot, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := make([]*models.Bot, 0, len(s.db.bots))
	for _, b := range s.db.bots {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memBotStore) Create(_ context.Context, bot *models.Bot) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ensureID(&bot.ID)
	if _, ok := s.db.bots[bot.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	bot.CreatedAt, bot.UpdatedAt = now, now
	cp := *bot
	s.db.bots[bot.ID] = &cp
	return nil
}

func (s *memBotStore) Update(_ context.Context, bot *models.Bot) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.bots[bot.ID]; !ok {
		return ErrNotFound
	}
	bot.UpdatedAt = time.Now().UTC()
	cp := *bot
	s.db.bots[bot.ID] = &cp
	return nil
}

// --- sessions ---

type memSessionStore struct{ db *memoryDB }

func (s *memSessionStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessionStore) FindByIdentifier(_ context.Context, botID, identifier string) (*models.Session, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.findLocked(botID, identifier)
}

func (s *memSessionStore) findLocked(botID, identifier string) (*models.Session, error) {
	for _, sess := range s.db.sessions {
		if sess.BotID == botID && sess.Identifier == identifier {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memSessionStore) GetOrCreate(_ context.Context, session *models.Session) (*models.Session, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if existing, err := s.findLocked(session.BotID, session.Identifier); err == nil {
		return existing, false, nil
	}
	ensureID(&session.ID)
	now := time.Now().UTC()
	session.CreatedAt, session.UpdatedAt = now, now
	cp := *session
	s.db.sessions[session.ID] = &cp
	return session, true, nil
}

func (s *memSessionStore) ListByLabelName(_ context.Context, botID, labelName string) ([]*models.Session, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	labelIDs := map[string]bool{}
	for _, l := range s.db.labels {
		if l.BotID == botID && strings.EqualFold(l.Name, labelName) {
			labelIDs[l.ID] = true
		}
	}
	var out []*models.Session
	for _, sl := range s.db.sessionLabels {
		if !labelIDs[sl.LabelID] {
			continue
		}
		if sess, ok := s.db.sessions[sl.SessionID]; ok {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memSessionStore) ListUnlabeled(_ context.Context, botID string) ([]*models.Session, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	labeled := map[string]bool{}
	for _, sl := range s.db.sessionLabels {
		labeled[sl.SessionID] = true
	}
	var out []*models.Session
	for _, sess := range s.db.sessions {
		if sess.BotID == botID && !labeled[sess.ID] {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- messages ---

type memMessageStore struct{ db *memoryDB }

func (s *memMessageStore) Upsert(_ context.Context, msg *models.Message) (*models.Message, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if msg.ExternalID != "" {
		for _, m := range s.db.messages {
			if m.ExternalID == msg.ExternalID {
				m.UpdatedAt = time.Now().UTC()
				cp := *m
				return &cp, false, nil
			}
		}
	}
	ensureID(&msg.ID)
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	cp := *msg
	s.db.messages[msg.ID] = &cp
	return msg, true, nil
}

func (s *memMessageStore) Get(_ context.Context, id string) (*models.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	m, ok := s.db.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memMessageStore) GetByExternalID(_ context.Context, externalID string) (*models.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, m := range s.db.messages {
		if m.ExternalID == externalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memMessageStore) ListByIDs(_ context.Context, ids []string) ([]*models.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.Message
	for _, id := range ids {
		if m, ok := s.db.messages[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memMessageStore) LastInbound(_ context.Context, sessionID string) (*models.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var last *models.Message
	for _, m := range s.db.messages {
		if m.SessionID != sessionID || m.FromMe {
			continue
		}
		if last == nil || m.CreatedAt.After(last.CreatedAt) {
			last = m
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	cp := *last
	return &cp, nil
}

func (s *memMessageStore) LastN(_ context.Context, sessionID string, n int) ([]*models.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var all []*models.Message
	for _, m := range s.db.messages {
		if m.SessionID == sessionID {
			cp := *m
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (s *memMessageStore) MarkProcessed(_ context.Context, ids []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.db.messages[id]; ok {
			m.IsProcessed = true
			m.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// --- tools ---

type memToolStore struct{ db *memoryDB }

func (s *memToolStore) Create(_ context.Context, tool *models.Tool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, t := range s.db.tools {
		if t.BotID == tool.BotID && t.Name == tool.Name {
			return ErrAlreadyExists
		}
	}
	ensureID(&tool.ID)
	now := time.Now().UTC()
	tool.CreatedAt, tool.UpdatedAt = now, now
	cp := *tool
	s.db.tools[tool.ID] = &cp
	return nil
}

func (s *memToolStore) GetActive(_ context.Context, botID, name string) (*models.Tool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, t := range s.db.tools {
		if t.BotID == botID && t.Name == name && t.Status == models.ToolActive {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memToolStore) ListActive(_ context.Context, botID string) ([]*models.Tool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.Tool
	for _, t := range s.db.tools {
		if t.BotID == botID && t.Status == models.ToolActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memToolStore) Delete(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.tools[id]; !ok {
		return ErrNotFound
	}
	delete(s.db.tools, id)
	return nil
}

// --- flows ---

type memFlowStore struct{ db *memoryDB }

// PutFlow seeds a flow. Test helper, not part of FlowStore.
func (s *memFlowStore) PutFlow(flow *models.Flow) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ensureID(&flow.ID)
	cp := *flow
	s.db.flows[flow.ID] = &cp
}

// PutStep seeds a step. Test helper, not part of FlowStore.
func (s *memFlowStore) PutStep(step *models.Step) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ensureID(&step.ID)
	cp := *step
	s.db.steps[step.ID] = &cp
}

func (s *memFlowStore) GetFlow(_ context.Context, id string) (*models.Flow, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	f, ok := s.db.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *memFlowStore) ListSteps(_ context.Context, flowID string) ([]*models.Step, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.Step
	for _, st := range s.db.steps {
		if st.FlowID == flowID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *memFlowStore) GetStep(_ context.Context, id string) (*models.Step, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	st, ok := s.db.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *memFlowStore) ListTriggers(_ context.Context, botID, sessionID string, scopes []models.TriggerScope) ([]*models.Trigger, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	inScope := map[models.TriggerScope]bool{}
	for _, sc := range scopes {
		inScope[sc] = true
	}
	var out []*models.Trigger
	for _, t := range s.db.triggers {
		if !t.IsActive || !inScope[t.Scope] {
			continue
		}
		if t.SessionID != "" && t.SessionID != sessionID {
			continue
		}
		if t.SessionID == "" && t.BotID != botID {
			continue
		}
		cp := *t
		if f, ok := s.db.flows[t.FlowID]; ok {
			cp.CooldownMs = f.CooldownMs
			cp.UsageLimit = f.UsageLimit
			cp.ExcludesFlows = f.ExcludesFlows
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memFlowStore) CreateTrigger(_ context.Context, trigger *models.Trigger) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ensureID(&trigger.ID)
	now := time.Now().UTC()
	trigger.CreatedAt, trigger.UpdatedAt = now, now
	cp := *trigger
	s.db.triggers[trigger.ID] = &cp
	return nil
}

// --- executions ---

type memExecutionStore struct{ db *memoryDB }

func (s *memExecutionStore) Create(_ context.Context, exec *models.Execution) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ensureID(&exec.ID)
	now := time.Now().UTC()
	exec.StartedAt, exec.UpdatedAt = now, now
	cp := *exec
	s.db.executions[exec.ID] = &cp
	return nil
}

func (s *memExecutionStore) Get(_ context.Context, id string) (*models.Execution, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	e, ok := s.db.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memExecutionStore) SetCurrentStep(_ context.Context, id string, step int) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	e, ok := s.db.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.CurrentStep = step
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memExecutionStore) SetStatus(_ context.Context, id string, status models.ExecutionStatus, errMsg string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	e, ok := s.db.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	if errMsg != "" {
		e.Error = errMsg
	}
	e.UpdatedAt = time.Now().UTC()
	if status == models.ExecutionCompleted || status == models.ExecutionFailed {
		now := time.Now().UTC()
		e.CompletedAt = &now
	}
	return nil
}

func (s *memExecutionStore) LastForFlow(_ context.Context, sessionID, flowID string) (*models.Execution, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var last *models.Execution
	for _, e := range s.db.executions {
		if e.SessionID != sessionID || e.FlowID != flowID || e.Status == models.ExecutionFailed {
			continue
		}
		if last == nil || e.StartedAt.After(last.StartedAt) {
			last = e
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	cp := *last
	return &cp, nil
}

func (s *memExecutionStore) CountForFlow(_ context.Context, sessionID, flowID string) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	n := 0
	for _, e := range s.db.executions {
		if e.SessionID == sessionID && e.FlowID == flowID && e.Status != models.ExecutionFailed {
			n++
		}
	}
	return n, nil
}

func (s *memExecutionStore) CountForFlows(_ context.Context, sessionID string, flowIDs []string) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	wanted := map[string]bool{}
	for _, id := range flowIDs {
		wanted[id] = true
	}
	n := 0
	for _, e := range s.db.executions {
		if e.SessionID == sessionID && wanted[e.FlowID] && e.Status != models.ExecutionFailed {
			n++
		}
	}
	return n, nil
}

func (s *memExecutionStore) ListRunning(_ context.Context) ([]*models.Execution, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.Execution
	for _, e := range s.db.executions {
		if e.Status == models.ExecutionRunning {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- labels ---

type memLabelStore struct{ db *memoryDB }

func (s *memLabelStore) Upsert(_ context.Context, label *models.Label) (*models.Label, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, l := range s.db.labels {
		if l.BotID == label.BotID && l.WaLabelID == label.WaLabelID {
			l.Name = label.Name
			l.Color = label.Color
			cp := *l
			return &cp, nil
		}
	}
	ensureID(&label.ID)
	if label.CreatedAt.IsZero() {
		label.CreatedAt = time.Now().UTC()
	}
	cp := *label
	s.db.labels[label.ID] = &cp
	return label, nil
}

func (s *memLabelStore) List(_ context.Context, botID string) ([]*models.Label, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.Label
	for _, l := range s.db.labels {
		if l.BotID == botID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memLabelStore) GetByName(_ context.Context, botID, name string) (*models.Label, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, l := range s.db.labels {
		if l.BotID == botID && strings.EqualFold(l.Name, name) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memLabelStore) CountSessions(_ context.Context, labelID string) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	n := 0
	for _, sl := range s.db.sessionLabels {
		if sl.LabelID == labelID {
			n++
		}
	}
	return n, nil
}

func (s *memLabelStore) Assign(_ context.Context, sessionID, labelID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, sl := range s.db.sessionLabels {
		if sl.SessionID == sessionID && sl.LabelID == labelID {
			return nil
		}
	}
	s.db.sessionLabels = append(s.db.sessionLabels, models.SessionLabel{
		SessionID: sessionID,
		LabelID:   labelID,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *memLabelStore) Unassign(_ context.Context, sessionID, labelID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	kept := s.db.sessionLabels[:0]
	for _, sl := range s.db.sessionLabels {
		if sl.SessionID == sessionID && sl.LabelID == labelID {
			continue
		}
		kept = append(kept, sl)
	}
	s.db.sessionLabels = kept
	return nil
}

func (s *memLabelStore) ListForSession(_ context.Context, sessionID string) ([]*models.Label, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.Label
	for _, sl := range s.db.sessionLabels {
		if sl.SessionID != sessionID {
			continue
		}
		if l, ok := s.db.labels[sl.LabelID]; ok {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- automations ---

type memAutomationStore struct{ db *memoryDB }

func (s *memAutomationStore) ListEnabled(_ context.Context) ([]*models.Automation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.Automation
	for _, a := range s.db.automations {
		if a.Enabled {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memAutomationStore) Create(_ context.Context, automation *models.Automation) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ensureID(&automation.ID)
	now := time.Now().UTC()
	automation.CreatedAt, automation.UpdatedAt = now, now
	cp := *automation
	s.db.automations = append(s.db.automations, &cp)
	return nil
}

// --- conversation logs ---

type memConversationLogStore struct{ db *memoryDB }

func (s *memConversationLogStore) Append(ctx context.Context, entry *models.ConversationLog) error {
	return s.AppendMany(ctx, []*models.ConversationLog{entry})
}

func (s *memConversationLogStore) AppendMany(_ context.Context, entries []*models.ConversationLog) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, e := range entries {
		ensureID(&e.ID)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		cp := *e
		s.db.convLogs = append(s.db.convLogs, &cp)
	}
	return nil
}

func (s *memConversationLogStore) ListSince(_ context.Context, sessionID string, since time.Time, limit int) ([]*models.ConversationLog, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.ConversationLog
	for _, e := range s.db.convLogs {
		if e.SessionID == sessionID && !e.CreatedAt.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memConversationLogStore) DeleteForSession(_ context.Context, sessionID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	kept := s.db.convLogs[:0]
	for _, e := range s.db.convLogs {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	s.db.convLogs = kept
	return nil
}

func (s *memConversationLogStore) TagRecentAssistant(_ context.Context, sessionID, model string, tokens, limit int) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var assistant []*models.ConversationLog
	for _, e := range s.db.convLogs {
		if e.SessionID == sessionID && e.Role == models.RoleAssistant {
			assistant = append(assistant, e)
		}
	}
	sort.Slice(assistant, func(i, j int) bool { return assistant[i].CreatedAt.After(assistant[j].CreatedAt) })
	if len(assistant) > limit {
		assistant = assistant[:limit]
	}
	for _, e := range assistant {
		e.Model = model
		e.TokensUsed = tokens
	}
	return nil
}

// --- clients ---

type memClientStore struct{ db *memoryDB }

func (s *memClientStore) Create(_ context.Context, client *models.Client) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, c := range s.db.clients {
		if c.BotID == client.BotID && c.CURP != "" && c.CURP == client.CURP {
			return ErrAlreadyExists
		}
	}
	ensureID(&client.ID)
	now := time.Now().UTC()
	client.CreatedAt, client.UpdatedAt = now, now
	cp := *client
	s.db.clients[client.ID] = &cp
	return nil
}

func (s *memClientStore) Find(_ context.Context, botID, query string) (*models.Client, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, c := range s.db.clients {
		if c.BotID != botID {
			continue
		}
		if strings.EqualFold(c.CURP, query) || c.Phone == query || strings.EqualFold(c.Email, query) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memClientStore) SaveCredentials(_ context.Context, botID, clientID, username, password string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c, ok := s.db.clients[clientID]
	if !ok || c.BotID != botID {
		return ErrNotFound
	}
	c.Username = username
	c.Password = password
	c.UpdatedAt = time.Now().UTC()
	return nil
}
