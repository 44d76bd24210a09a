package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentic-mx/agentic/internal/kv"
	"github.com/agentic-mx/agentic/internal/observability"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/pkg/models"
)

// flowLockTTL debounces duplicate starts of the same (session, flow)
// pair while the first steps are going out.
const flowLockTTL = 30 * time.Second

// Sender is the outbound half of the transport used for flow steps.
type Sender interface {
	Send(ctx context.Context, out *models.OutgoingPayload) error
}

// Engine matches triggers and runs flow executions.
type Engine struct {
	store   *storage.Store
	kv      kv.Store
	sender  Sender
	log     *slog.Logger
	metrics *observability.Metrics
	tz      *time.Location

	schedule func(time.Duration, func())
	jitter   func() float64
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics records flow execution metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTimezone sets the zone for CONDITIONAL_TIME branches.
func WithTimezone(tz *time.Location) Option {
	return func(e *Engine) { e.tz = tz }
}

// WithScheduler overrides deferred step dispatch. Test use only.
func WithScheduler(schedule func(time.Duration, func())) Option {
	return func(e *Engine) { e.schedule = schedule }
}

// WithJitter overrides the jitter source. Test use only.
func WithJitter(jitter func() float64) Option {
	return func(e *Engine) { e.jitter = jitter }
}

// WithClock overrides the clock. Test use only.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires the flow engine.
func New(store *storage.Store, kvStore kv.Store, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		kv:       kvStore,
		sender:   sender,
		log:      slog.Default(),
		tz:       time.FixedZone("America/Mexico_City", -6*3600),
		schedule: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		jitter:   rand.Float64,
		now:      time.Now,
	}
	if tz, err := time.LoadLocation("America/Mexico_City"); err == nil {
		e.tz = tz
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func flowLockKey(sessionID, flowID string) string {
	return "flow:lock:" + sessionID + ":" + flowID
}

// CreateTrigger validates and persists a trigger. REGEX keywords must
// compile; invalid patterns are rejected here rather than silently
// never matching.
func (e *Engine) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	trigger.Keyword = strings.TrimSpace(trigger.Keyword)
	if trigger.Keyword == "" {
		return fmt.Errorf("trigger keyword is required")
	}
	if trigger.FlowID == "" {
		return fmt.Errorf("trigger flow_id is required")
	}
	if trigger.MatchType == "" {
		trigger.MatchType = models.MatchContains
	}
	if trigger.Scope == "" {
		trigger.Scope = models.ScopeIncoming
	}
	if trigger.MatchType == models.MatchRegex {
		if _, err := regexp.Compile("(?i)" + trigger.Keyword); err != nil {
			return fmt.Errorf("invalid trigger pattern: %w", err)
		}
	}
	trigger.IsActive = true
	return e.store.Flows.CreateTrigger(ctx, trigger)
}

// ProcessIncomingMessage evaluates the message against the session's
// triggers and starts the best-matching flow, if any.
func (e *Engine) ProcessIncomingMessage(ctx context.Context, session *models.Session, msg *models.Message) error {
	triggers, err := e.store.Flows.ListTriggers(ctx, session.BotID, session.ID, scopesFor(msg.FromMe))
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}
	trigger := BestMatch(triggers, msg.Content)
	if trigger == nil {
		return nil
	}
	return e.startFlow(ctx, session, trigger)
}

// startFlow applies the per-(session, flow) debounce lock and the
// flow's run constraints, then creates a RUNNING execution and
// schedules its first step. Constraint rejections leave a FAILED
// execution naming the reason.
func (e *Engine) startFlow(ctx context.Context, session *models.Session, trigger *models.Trigger) error {
	acquired, err := e.kv.SetNX(ctx, flowLockKey(session.ID, trigger.FlowID), "1", flowLockTTL)
	if err != nil {
		return fmt.Errorf("flow lock: %w", err)
	}
	if !acquired {
		e.log.Debug("flow already starting for session",
			"session_id", session.ID, "flow_id", trigger.FlowID)
		return nil
	}

	if reason := e.checkConstraints(ctx, session, trigger); reason != "" {
		return e.recordRejection(ctx, session, trigger, reason)
	}

	exec := &models.Execution{
		SessionID:      session.ID,
		FlowID:         trigger.FlowID,
		PlatformUserID: session.Identifier,
		Status:         models.ExecutionRunning,
		Trigger:        trigger.Keyword,
	}
	if err := e.store.Executions.Create(ctx, exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	e.log.Info("flow started",
		"session_id", session.ID, "flow_id", trigger.FlowID,
		"execution_id", exec.ID, "trigger", trigger.Keyword)
	e.scheduleStep(exec.ID, 0)
	return nil
}

func (e *Engine) checkConstraints(ctx context.Context, session *models.Session, trigger *models.Trigger) string {
	if trigger.CooldownMs > 0 {
		last, err := e.store.Executions.LastForFlow(ctx, session.ID, trigger.FlowID)
		if err == nil && last != nil {
			elapsed := e.now().Sub(last.StartedAt)
			if elapsed < time.Duration(trigger.CooldownMs)*time.Millisecond {
				return "cooldown active for " + strconv.Itoa(trigger.CooldownMs) + "ms"
			}
		}
	}
	if trigger.UsageLimit > 0 {
		n, err := e.store.Executions.CountForFlow(ctx, session.ID, trigger.FlowID)
		if err == nil && n >= trigger.UsageLimit {
			return "usage limit reached"
		}
	}
	if len(trigger.ExcludesFlows) > 0 {
		n, err := e.store.Executions.CountForFlows(ctx, session.ID, trigger.ExcludesFlows)
		if err == nil && n > 0 {
			return "excluded by a previously executed flow"
		}
	}
	return ""
}

func (e *Engine) recordRejection(ctx context.Context, session *models.Session, trigger *models.Trigger, reason string) error {
	exec := &models.Execution{
		SessionID:      session.ID,
		FlowID:         trigger.FlowID,
		PlatformUserID: session.Identifier,
		Status:         models.ExecutionFailed,
		Trigger:        trigger.Keyword,
		Error:          reason,
	}
	if err := e.store.Executions.Create(ctx, exec); err != nil {
		return fmt.Errorf("record rejected execution: %w", err)
	}
	if e.metrics != nil {
		e.metrics.FlowExecutionCounter.WithLabelValues(string(models.ExecutionFailed)).Inc()
	}
	e.log.Info("flow start rejected",
		"session_id", session.ID, "flow_id", trigger.FlowID, "reason", reason)
	return nil
}

// scheduleStep arms the timer for one step. The execution is reloaded
// when the timer fires so a cancellation in between is honored.
func (e *Engine) scheduleStep(executionID string, order int) {
	ctx := context.Background()
	exec, err := e.store.Executions.Get(ctx, executionID)
	if err != nil || exec.Status != models.ExecutionRunning {
		return
	}
	steps, err := e.store.Flows.ListSteps(ctx, exec.FlowID)
	if err != nil {
		e.log.Error("flow steps load failed", "execution_id", executionID, "error", err)
		return
	}
	if order >= len(steps) {
		e.complete(ctx, executionID)
		return
	}

	step := steps[order]
	delay := time.Duration(step.DelayMs) * time.Millisecond
	if step.JitterPct > 0 && delay > 0 {
		spread := float64(delay) * float64(step.JitterPct) / 100
		delay += time.Duration((e.jitter()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	e.schedule(delay, func() { e.fireStep(executionID, order) })
}

// fireStep executes the step at order and always advances: a failed
// step is recorded on the execution but does not stop the flow.
func (e *Engine) fireStep(executionID string, order int) {
	ctx := context.Background()
	exec, err := e.store.Executions.Get(ctx, executionID)
	if err != nil || exec.Status != models.ExecutionRunning {
		return
	}
	steps, err := e.store.Flows.ListSteps(ctx, exec.FlowID)
	if err != nil || order >= len(steps) {
		e.complete(ctx, executionID)
		return
	}

	if err := e.executeStep(ctx, exec, steps[order]); err != nil {
		e.log.Warn("flow step failed",
			"execution_id", executionID, "step", order, "error", err)
		if serr := e.store.Executions.SetStatus(ctx, executionID, models.ExecutionRunning, err.Error()); serr != nil {
			e.log.Warn("record step error failed", "execution_id", executionID, "error", serr)
		}
	}
	if err := e.store.Executions.SetCurrentStep(ctx, executionID, order+1); err != nil {
		e.log.Warn("advance execution failed", "execution_id", executionID, "error", err)
	}
	e.scheduleStep(executionID, order+1)
}

// ExecuteStep runs a single named step of an execution immediately.
// It backs the EXECUTE_STEP gateway payload.
func (e *Engine) ExecuteStep(ctx context.Context, executionID, stepID string) error {
	exec, err := e.store.Executions.Get(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	step, err := e.store.Flows.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("load step: %w", err)
	}
	return e.executeStep(ctx, exec, step)
}

func (e *Engine) complete(ctx context.Context, executionID string) {
	if err := e.store.Executions.SetStatus(ctx, executionID, models.ExecutionCompleted, ""); err != nil {
		e.log.Warn("complete execution failed", "execution_id", executionID, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.FlowExecutionCounter.WithLabelValues(string(models.ExecutionCompleted)).Inc()
	}
}

// RecoverRunningExecutions re-schedules executions left RUNNING by a
// previous process, picking up from their recorded current step.
func (e *Engine) RecoverRunningExecutions(ctx context.Context) error {
	running, err := e.store.Executions.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}
	for _, exec := range running {
		e.log.Info("recovering flow execution",
			"execution_id", exec.ID, "flow_id", exec.FlowID, "step", exec.CurrentStep)
		e.scheduleStep(exec.ID, exec.CurrentStep)
	}
	return nil
}

// --- step execution ---

func (e *Engine) executeStep(ctx context.Context, exec *models.Execution, step *models.Step) error {
	session, err := e.store.Sessions.Get(ctx, exec.SessionID)
	if err != nil {
		return fmt.Errorf("session gone: %w", err)
	}

	payload, err := e.stepPayload(step)
	if err != nil {
		return err
	}
	if payload == nil {
		// No branch applied; nothing to send.
		return nil
	}
	out := &models.OutgoingPayload{
		BotID:       session.BotID,
		Target:      session.Identifier,
		ExecutionID: exec.ID,
		StepOrder:   step.Order,
		Payload:     *payload,
	}
	if err := e.sender.Send(ctx, out); err != nil {
		return fmt.Errorf("send step %d: %w", step.Order, err)
	}
	return nil
}

func (e *Engine) stepPayload(step *models.Step) (*models.SendPayload, error) {
	if step.Type == models.StepConditionalTime {
		return e.conditionalPayload(step)
	}
	return buildPayload(step.Type, step.Content, step.MediaURL)
}

func buildPayload(typ models.StepType, content, mediaURL string) (*models.SendPayload, error) {
	switch typ {
	case models.StepText:
		if content == "" {
			return nil, fmt.Errorf("empty text step")
		}
		return &models.SendPayload{Text: content}, nil
	case models.StepImage:
		if mediaURL == "" {
			return nil, fmt.Errorf("image step without media url")
		}
		return &models.SendPayload{Image: &models.MediaRef{URL: mediaURL}, Caption: content}, nil
	case models.StepAudio:
		if mediaURL == "" {
			return nil, fmt.Errorf("audio step without media url")
		}
		return &models.SendPayload{Audio: &models.MediaRef{URL: mediaURL}}, nil
	case models.StepPTT:
		if mediaURL == "" {
			return nil, fmt.Errorf("ptt step without media url")
		}
		ptt := true
		return &models.SendPayload{Audio: &models.MediaRef{URL: mediaURL}, PTT: &ptt}, nil
	default:
		return nil, fmt.Errorf("step type %q not sendable", typ)
	}
}

// timeBranch is one arm of a CONDITIONAL_TIME step. Times are "HH:MM"
// in the engine zone; a window whose start is after its end crosses
// midnight.
type timeBranch struct {
	StartTime string          `json:"startTime"`
	EndTime   string          `json:"endTime"`
	Type      models.StepType `json:"type"`
	Content   string          `json:"content,omitempty"`
	MediaURL  string          `json:"mediaUrl,omitempty"`
}

type conditionalMeta struct {
	Branches []timeBranch `json:"branches"`
	Fallback *timeBranch  `json:"fallback,omitempty"`
}

func (e *Engine) conditionalPayload(step *models.Step) (*models.SendPayload, error) {
	var meta conditionalMeta
	if err := json.Unmarshal(step.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("conditional step metadata: %w", err)
	}
	minute := minutesOfDay(e.now().In(e.tz))

	for _, branch := range meta.Branches {
		start, err := parseClock(branch.StartTime)
		if err != nil {
			return nil, fmt.Errorf("branch start: %w", err)
		}
		end, err := parseClock(branch.EndTime)
		if err != nil {
			return nil, fmt.Errorf("branch end: %w", err)
		}
		if inWindow(minute, start, end) {
			return buildPayload(branch.Type, branch.Content, branch.MediaURL)
		}
	}
	if meta.Fallback != nil {
		return buildPayload(meta.Fallback.Type, meta.Fallback.Content, meta.Fallback.MediaURL)
	}
	return nil, nil
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// inWindow handles windows that cross midnight: 22:00–06:00 covers
// late evening and early morning.
func inWindow(minute, start, end int) bool {
	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

func parseClock(v string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(v), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock value %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", v)
	}
	return h*60 + m, nil
}
