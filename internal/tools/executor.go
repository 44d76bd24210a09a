package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/agentic-mx/agentic/internal/convstore"
	"github.com/agentic-mx/agentic/internal/storage"
	"github.com/agentic-mx/agentic/pkg/models"
)

// webhookTimeout bounds one WEBHOOK tool call.
const webhookTimeout = 15 * time.Second

// sessionPreviewMessages is how many recent messages accompany each
// session in get_sessions_by_label.
const sessionPreviewMessages = 5

var (
	curpRe  = regexp.MustCompile(`^[A-Z0-9]{18}$`)
	phoneRe = regexp.MustCompile(`^[0-9]{10,15}$`)
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Sender is the outbound half of the transport, as much of it as tool
// execution needs.
type Sender interface {
	Send(ctx context.Context, out *models.OutgoingPayload) error
}

// Result is what a tool call produces. Tool failures are data, not
// errors: the model reads them and decides how to proceed.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Encode renders the result as the content of a tool turn.
func (r Result) Encode() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"unencodable result"}`
	}
	return string(raw)
}

// Executor dispatches tool calls to flows, webhooks and built-ins.
type Executor struct {
	store      *storage.Store
	conv       *convstore.ConversationStore
	sender     Sender
	httpClient *http.Client
	log        *slog.Logger
	tz         *time.Location
	sleep      func(time.Duration)
	now        func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// WithTimezone sets the default zone for get_current_time.
func WithTimezone(tz *time.Location) ExecutorOption {
	return func(e *Executor) { e.tz = tz }
}

// WithWebhookClient overrides the webhook HTTP client.
func WithWebhookClient(client *http.Client) ExecutorOption {
	return func(e *Executor) { e.httpClient = client }
}

// WithSleep overrides the inter-step sleep. Test use only.
func WithSleep(sleep func(time.Duration)) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// WithExecutorClock overrides the clock. Test use only.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor wires the executor's dependencies.
func NewExecutor(store *storage.Store, conv *convstore.ConversationStore, sender Sender, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:      store,
		conv:       conv,
		sender:     sender,
		httpClient: &http.Client{Timeout: webhookTimeout},
		log:        slog.Default(),
		tz:         time.FixedZone("America/Mexico_City", -6*3600),
		sleep:      time.Sleep,
		now:        time.Now,
	}
	if tz, err := time.LoadLocation("America/Mexico_City"); err == nil {
		e.tz = tz
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call for a session. It never returns an
// error: every failure becomes a Result the model can read.
func (e *Executor) Execute(ctx context.Context, bot *models.Bot, session *models.Session, call models.ToolCall) Result {
	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return fail("invalid tool arguments: %v", err)
		}
	}

	// Built-ins dispatch without a store lookup: a bot row can never
	// shadow them and a store outage can never take them down.
	if isBuiltin(call.Name) {
		return e.executeBuiltin(ctx, bot, session, call.Name, args)
	}

	tool, err := e.store.Tools.GetActive(ctx, bot.ID, call.Name)
	switch {
	case err == nil:
		switch tool.ActionType {
		case models.ActionFlow:
			return e.executeFlow(ctx, bot, session, tool, args)
		case models.ActionWebhook:
			return e.executeWebhook(ctx, session, tool, args)
		default:
			return fail("tool %q has unsupported action type %q", call.Name, tool.ActionType)
		}
	case errors.Is(err, storage.ErrNotFound):
		return fail("unknown tool %q", call.Name)
	default:
		e.log.Error("tool lookup failed", "tool", call.Name, "error", err)
		return fail("tool %q is temporarily unavailable", call.Name)
	}
}

// --- FLOW dispatch ---

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

func substitute(content string, args map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := args[key]; ok {
			return fmt.Sprint(v)
		}
		return match
	})
}

func (e *Executor) executeFlow(ctx context.Context, bot *models.Bot, session *models.Session, tool *models.Tool, args map[string]any) Result {
	flowID := tool.FlowID
	if flowID == "" {
		// Older tool rows keep the flow id inside action_config.
		var cfg struct {
			FlowID string `json:"flowId"`
		}
		if err := json.Unmarshal(tool.ActionConfig, &cfg); err == nil {
			flowID = cfg.FlowID
		}
	}
	flow, err := e.store.Flows.GetFlow(ctx, flowID)
	if err != nil {
		e.log.Error("flow lookup failed", "tool", tool.Name, "flow_id", flowID, "error", err)
		return fail("flow for tool %q not found", tool.Name)
	}
	steps, err := e.store.Flows.ListSteps(ctx, flow.ID)
	if err != nil {
		e.log.Error("flow steps lookup failed", "flow_id", flow.ID, "error", err)
		return fail("flow %q could not be loaded", flow.Name)
	}

	sent := 0
	for _, step := range steps {
		payload, buildErr := stepPayload(step, substitute(step.Content, args))
		if buildErr != nil {
			e.log.Warn("skipping flow step", "flow_id", flow.ID, "step", step.Order, "error", buildErr)
			continue
		}
		out := &models.OutgoingPayload{
			BotID:   bot.ID,
			Target:  session.Identifier,
			Payload: *payload,
		}
		if err := e.sender.Send(ctx, out); err != nil {
			e.log.Warn("flow step send failed", "flow_id", flow.ID, "step", step.Order, "error", err)
			continue
		}
		sent++
		if step.DelayMs > 0 {
			e.sleep(time.Duration(step.DelayMs) * time.Millisecond)
		}
	}
	return ok(fmt.Sprintf("Flow %q executed: %d of %d steps sent.", flow.Name, sent, len(steps)))
}

// stepPayload maps a flow step to an outbound payload.
func stepPayload(step *models.Step, content string) (*models.SendPayload, error) {
	switch step.Type {
	case models.StepText:
		if content == "" {
			return nil, fmt.Errorf("empty text step")
		}
		return &models.SendPayload{Text: content}, nil
	case models.StepImage:
		if step.MediaURL == "" {
			return nil, fmt.Errorf("image step without media url")
		}
		return &models.SendPayload{Image: &models.MediaRef{URL: step.MediaURL}, Caption: content}, nil
	case models.StepAudio:
		if step.MediaURL == "" {
			return nil, fmt.Errorf("audio step without media url")
		}
		return &models.SendPayload{Audio: &models.MediaRef{URL: step.MediaURL}}, nil
	case models.StepPTT:
		if step.MediaURL == "" {
			return nil, fmt.Errorf("ptt step without media url")
		}
		ptt := true
		return &models.SendPayload{Audio: &models.MediaRef{URL: step.MediaURL}, PTT: &ptt}, nil
	default:
		return nil, fmt.Errorf("step type %q not sendable here", step.Type)
	}
}

// --- WEBHOOK dispatch ---

type webhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (e *Executor) executeWebhook(ctx context.Context, session *models.Session, tool *models.Tool, args map[string]any) Result {
	var cfg webhookConfig
	if err := json.Unmarshal(tool.ActionConfig, &cfg); err != nil || cfg.URL == "" {
		return fail("tool %q has invalid webhook configuration", tool.Name)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	// GET carries no body.
	var reader io.Reader
	if method != http.MethodGet {
		body := make(map[string]any, len(args)+2)
		for k, v := range args {
			body[k] = v
		}
		body["session_id"] = session.ID
		body["identifier"] = session.Identifier
		encoded, err := json.Marshal(body)
		if err != nil {
			return fail("tool %q arguments are not serializable", tool.Name)
		}
		reader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, reader)
	if err != nil {
		return fail("tool %q has an invalid url", tool.Name)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.log.Warn("webhook call failed", "tool", tool.Name, "url", cfg.URL, "error", err)
		return fail("tool %q request failed", tool.Name)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Success: false, Data: data, Error: fmt.Sprintf("webhook returned status %d", resp.StatusCode)}
	}
	return ok(data)
}

// --- built-ins ---

func (e *Executor) executeBuiltin(ctx context.Context, bot *models.Bot, session *models.Session, name string, args map[string]any) Result {
	switch name {
	case "get_current_time":
		return e.currentTime(args)
	case "clear_conversation":
		return e.clearConversation(ctx, session)
	case "get_labels":
		return e.getLabels(ctx, bot)
	case "assign_label":
		return e.assignLabel(ctx, bot, session, args)
	case "remove_label":
		return e.removeLabel(ctx, bot, session, args)
	case "get_sessions_by_label":
		return e.sessionsByLabel(ctx, bot, args)
	case "reply_to_message":
		return e.replyToMessage(ctx, bot, args)
	case "send_followup_message":
		return e.sendFollowup(ctx, bot, args)
	case "lookup_client":
		return e.lookupClient(ctx, bot, args)
	case "register_client":
		return e.registerClient(ctx, bot, args)
	case "save_credentials":
		return e.saveCredentials(ctx, bot, args)
	default:
		return fail("unknown tool %q", name)
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func (e *Executor) currentTime(args map[string]any) Result {
	tz := e.tz
	if zone := stringArg(args, "timezone"); zone != "" {
		loaded, err := time.LoadLocation(zone)
		if err != nil {
			return fail("unknown timezone %q", zone)
		}
		tz = loaded
	}
	now := e.now().In(tz)
	return ok(map[string]any{
		"datetime": now.Format("Monday, 2 January 2006, 15:04"),
		"iso":      now.Format(time.RFC3339),
		"timezone": tz.String(),
	})
}

func (e *Executor) clearConversation(ctx context.Context, session *models.Session) Result {
	if err := e.conv.Clear(ctx, session.ID); err != nil {
		e.log.Error("clear conversation failed", "session_id", session.ID, "error", err)
		return fail("could not clear the conversation")
	}
	return ok("Conversation history cleared.")
}

func (e *Executor) getLabels(ctx context.Context, bot *models.Bot) Result {
	labels, err := e.store.Labels.List(ctx, bot.ID)
	if err != nil {
		return fail("could not list labels")
	}
	out := make([]map[string]any, 0, len(labels))
	for _, l := range labels {
		n, _ := e.store.Labels.CountSessions(ctx, l.ID)
		out = append(out, map[string]any{"name": l.Name, "sessions": n})
	}
	return ok(out)
}

func (e *Executor) assignLabel(ctx context.Context, bot *models.Bot, session *models.Session, args map[string]any) Result {
	name := stringArg(args, "label")
	if name == "" {
		return fail("label name is required")
	}
	label, err := e.store.Labels.GetByName(ctx, bot.ID, name)
	if err != nil {
		return fail("label %q does not exist on this account", name)
	}
	if err := e.store.Labels.Assign(ctx, session.ID, label.ID); err != nil {
		return fail("could not assign label %q", label.Name)
	}
	return ok(fmt.Sprintf("Label %q assigned.", label.Name))
}

func (e *Executor) removeLabel(ctx context.Context, bot *models.Bot, session *models.Session, args map[string]any) Result {
	name := stringArg(args, "label")
	if name == "" {
		return fail("label name is required")
	}
	label, err := e.store.Labels.GetByName(ctx, bot.ID, name)
	if err != nil {
		return fail("label %q does not exist on this account", name)
	}
	if err := e.store.Labels.Unassign(ctx, session.ID, label.ID); err != nil {
		return fail("could not remove label %q", label.Name)
	}
	return ok(fmt.Sprintf("Label %q removed.", label.Name))
}

func (e *Executor) sessionsByLabel(ctx context.Context, bot *models.Bot, args map[string]any) Result {
	name := stringArg(args, "label")
	if name == "" {
		return fail("label name is required")
	}
	sessions, err := e.store.Sessions.ListByLabelName(ctx, bot.ID, name)
	if err != nil {
		return fail("could not list sessions for label %q", name)
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		msgs, _ := e.store.Messages.LastN(ctx, s.ID, sessionPreviewMessages)
		preview := make([]map[string]any, 0, len(msgs))
		for _, m := range msgs {
			preview = append(preview, map[string]any{
				"from_me": m.FromMe,
				"content": m.Content,
			})
		}
		out = append(out, map[string]any{
			"identifier": s.Identifier,
			"name":       s.Name,
			"messages":   preview,
		})
	}
	return ok(out)
}

func (e *Executor) replyToMessage(ctx context.Context, bot *models.Bot, args map[string]any) Result {
	externalID := stringArg(args, "message_id")
	text := stringArg(args, "text")
	if externalID == "" || text == "" {
		return fail("message_id and text are required")
	}

	msg, err := e.store.Messages.GetByExternalID(ctx, externalID)
	if err != nil {
		return fail("message %q not found", externalID)
	}
	session, err := e.store.Sessions.Get(ctx, msg.SessionID)
	if err != nil || session.BotID != bot.ID {
		// A message of another tenant must look nonexistent.
		return fail("message %q not found", externalID)
	}

	out := &models.OutgoingPayload{
		BotID:  bot.ID,
		Target: session.Identifier,
		Payload: models.SendPayload{
			Text: text,
			Context: &models.QuoteContext{
				StanzaID:      msg.ExternalID,
				Participant:   msg.Sender,
				QuotedMessage: models.QuotedMessage{Conversation: msg.Content},
			},
		},
	}
	if err := e.sender.Send(ctx, out); err != nil {
		e.log.Error("quote reply send failed", "external_id", externalID, "error", err)
		return fail("could not send the reply")
	}
	return ok(map[string]any{"replied_to": externalID})
}

// sendFollowup delivers a message to another chat of the same account
// and records it in that chat's log.
func (e *Executor) sendFollowup(ctx context.Context, bot *models.Bot, args map[string]any) Result {
	identifier := stringArg(args, "identifier")
	text := stringArg(args, "text")
	if identifier == "" || text == "" {
		return fail("identifier and text are required")
	}
	target, err := e.store.Sessions.FindByIdentifier(ctx, bot.ID, identifier)
	if err != nil {
		return fail("no chat found for %q on this account", identifier)
	}
	out := &models.OutgoingPayload{
		BotID:   bot.ID,
		Target:  target.Identifier,
		Payload: models.SendPayload{Text: text},
	}
	if err := e.sender.Send(ctx, out); err != nil {
		e.log.Error("followup send failed", "session_id", target.ID, "error", err)
		return fail("could not send the message")
	}
	if _, _, err := e.store.Messages.Upsert(ctx, &models.Message{
		SessionID: target.ID,
		Sender:    bot.Name,
		FromMe:    true,
		Content:   text,
		Type:      models.MessageText,
	}); err != nil {
		e.log.Warn("followup message not persisted", "session_id", target.ID, "error", err)
	}
	return ok(map[string]any{"sent_to": target.Identifier})
}

func (e *Executor) lookupClient(ctx context.Context, bot *models.Bot, args map[string]any) Result {
	query := stringArg(args, "query")
	if query == "" {
		return fail("query is required")
	}
	client, err := e.store.Clients.Find(ctx, bot.ID, query)
	if err != nil {
		return fail("no client found for %q", query)
	}
	return ok(map[string]any{
		"client_id": client.ID,
		"name":      client.Name,
		"curp":      client.CURP,
		"phone":     client.Phone,
		"email":     client.Email,
		"username":  client.Username,
	})
}

func (e *Executor) registerClient(ctx context.Context, bot *models.Bot, args map[string]any) Result {
	name := stringArg(args, "name")
	if name == "" {
		return fail("name is required")
	}
	curp := strings.ToUpper(stringArg(args, "curp"))
	phone := stringArg(args, "phone")
	email := stringArg(args, "email")

	if curp != "" && !curpRe.MatchString(curp) {
		return fail("CURP must be exactly 18 letters and digits")
	}
	if phone != "" && !phoneRe.MatchString(phone) {
		return fail("phone must be 10 to 15 digits")
	}
	if email != "" && !emailRe.MatchString(email) {
		return fail("email %q is not valid", email)
	}
	if curp == "" && phone == "" && email == "" {
		return fail("at least one of curp, phone or email is required")
	}

	client := &models.Client{
		BotID: bot.ID,
		Name:  name,
		CURP:  curp,
		Phone: phone,
		Email: email,
	}
	if err := e.store.Clients.Create(ctx, client); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fail("a client with this CURP is already registered")
		}
		e.log.Error("client create failed", "error", err)
		return fail("could not register the client")
	}
	return ok(map[string]any{"client_id": client.ID, "name": client.Name})
}

func (e *Executor) saveCredentials(ctx context.Context, bot *models.Bot, args map[string]any) Result {
	clientID := stringArg(args, "client_id")
	username := stringArg(args, "username")
	password := stringArg(args, "password")
	if clientID == "" || username == "" || password == "" {
		return fail("client_id, username and password are required")
	}
	if err := e.store.Clients.SaveCredentials(ctx, bot.ID, clientID, username, password); err != nil {
		return fail("client %q not found", clientID)
	}
	return ok("Credentials saved.")
}
