package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agentic-mx/agentic/pkg/models"
)

// NewPostgresStore opens a Postgres-backed Store from a DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStoreWithDB(db), nil
}

// NewPostgresStoreWithDB builds a Store over an existing handle. The
// caller keeps ownership of db when using this constructor directly.
func NewPostgresStoreWithDB(db *sql.DB) *Store {
	return &Store{
		Bots:          &pgBotStore{db: db},
		Sessions:      &pgSessionStore{db: db},
		Messages:      &pgMessageStore{db: db},
		Tools:         &pgToolStore{db: db},
		Flows:         &pgFlowStore{db: db},
		Executions:    &pgExecutionStore{db: db},
		Labels:        &pgLabelStore{db: db},
		Automations:   &pgAutomationStore{db: db},
		Conversations: &pgConversationLogStore{db: db},
		Clients:       &pgClientStore{db: db},
		closer:        db.Close,
	}
}

// isUniqueViolation reports whether err is a Postgres unique-key error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}

// --- bots ---

type pgBotStore struct{ db *sql.DB }

const botColumns = `id, name, provider, model, system_prompt, temperature,
	message_delay_ms, ignored_labels, ignore_groups, ai_enabled, created_at, updated_at`

func scanBot(row interface{ Scan(...any) error }) (*models.Bot, error) {
	var b models.Bot
	var ignored pq.StringArray
	err := row.Scan(&b.ID, &b.Name, &b.Provider, &b.Model, &b.SystemPrompt,
		&b.Temperature, &b.MessageDelayMs, &ignored, &b.IgnoreGroups,
		&b.AIEnabled, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.IgnoredLabels = ignored
	return &b, nil
}

func (s *pgBotStore) Get(ctx context.Context, id string) (*models.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	return scanBot(row)
}

func (s *pgBotStore) List(ctx context.Context) ([]*models.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *pgBotStore) Create(ctx context.Context, bot *models.Bot) error {
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	bot.CreatedAt, bot.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (`+botColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		bot.ID, bot.Name, bot.Provider, bot.Model, bot.SystemPrompt,
		bot.Temperature, bot.MessageDelayMs, pq.StringArray(bot.IgnoredLabels),
		bot.IgnoreGroups, bot.AIEnabled, bot.CreatedAt, bot.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *pgBotStore) Update(ctx context.Context, bot *models.Bot) error {
	bot.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET name=$2, provider=$3, model=$4, system_prompt=$5,
			temperature=$6, message_delay_ms=$7, ignored_labels=$8,
			ignore_groups=$9, ai_enabled=$10, updated_at=$11
		WHERE id = $1`,
		bot.ID, bot.Name, bot.Provider, bot.Model, bot.SystemPrompt,
		bot.Temperature, bot.MessageDelayMs, pq.StringArray(bot.IgnoredLabels),
		bot.IgnoreGroups, bot.AIEnabled, bot.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- sessions ---

type pgSessionStore struct{ db *sql.DB }

const sessionColumns = `id, bot_id, identifier, name, platform, status, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.BotID, &s.Identifier, &s.Name, &s.Platform,
		&s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *pgSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *pgSessionStore) FindByIdentifier(ctx context.Context, botID, identifier string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE bot_id = $1 AND identifier = $2`,
		botID, identifier)
	return scanSession(row)
}

func (s *pgSessionStore) GetOrCreate(ctx context.Context, session *models.Session) (*models.Session, bool, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	session.CreatedAt, session.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		session.ID, session.BotID, session.Identifier, session.Name,
		session.Platform, session.Status, session.CreatedAt, session.UpdatedAt)
	if err == nil {
		return session, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, err
	}
	// Lost the creation race: reuse the winner's row.
	existing, ferr := s.FindByIdentifier(ctx, session.BotID, session.Identifier)
	if ferr != nil {
		return nil, false, ferr
	}
	return existing, false, nil
}

func (s *pgSessionStore) ListByLabelName(ctx context.Context, botID, labelName string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed(sessionColumns, "s.")+`
		FROM sessions s
		JOIN session_labels sl ON sl.session_id = s.id
		JOIN labels l ON l.id = sl.label_id
		WHERE s.bot_id = $1 AND LOWER(l.name) = LOWER($2)`,
		botID, labelName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *pgSessionStore) ListUnlabeled(ctx context.Context, botID string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed(sessionColumns, "s.")+`
		FROM sessions s
		LEFT JOIN session_labels sl ON sl.session_id = s.id
		WHERE s.bot_id = $1 AND sl.session_id IS NULL`,
		botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// --- messages ---

type pgMessageStore struct{ db *sql.DB }

const messageColumns = `id, session_id, external_id, sender, from_me, content,
	type, media_url, is_processed, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var externalID, mediaURL sql.NullString
	err := row.Scan(&m.ID, &m.SessionID, &externalID, &m.Sender, &m.FromMe,
		&m.Content, &m.Type, &mediaURL, &m.IsProcessed, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	m.MediaURL = mediaURL.String
	return &m, nil
}

func (s *pgMessageStore) Upsert(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	// A caller-supplied created_at (the gateway timestamp) survives;
	// only a zero value falls back to server arrival time.
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	if msg.ExternalID == "" {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES ($1,$2,NULL,$3,$4,$5,$6,$7,$8,$9,$10)`,
			msg.ID, msg.SessionID, msg.Sender, msg.FromMe, msg.Content,
			msg.Type, nullable(msg.MediaURL), msg.IsProcessed, msg.CreatedAt, msg.UpdatedAt)
		return msg, err == nil, err
	}

	// Atomic upsert keyed on external_id. The created flag comes from
	// xmax: it is zero only for a freshly inserted row. Comparing
	// timestamps instead would misfire, since timestamptz keeps
	// microseconds while Go keeps nanoseconds.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (external_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
		RETURNING `+messageColumns+`, (xmax = 0) AS created`,
		msg.ID, msg.SessionID, msg.ExternalID, msg.Sender, msg.FromMe,
		msg.Content, msg.Type, nullable(msg.MediaURL), msg.IsProcessed,
		msg.CreatedAt, msg.UpdatedAt)

	var stored models.Message
	var externalID, mediaURL sql.NullString
	var created bool
	err := row.Scan(&stored.ID, &stored.SessionID, &externalID, &stored.Sender,
		&stored.FromMe, &stored.Content, &stored.Type, &mediaURL,
		&stored.IsProcessed, &stored.CreatedAt, &stored.UpdatedAt, &created)
	if err != nil {
		return nil, false, err
	}
	stored.ExternalID = externalID.String
	stored.MediaURL = mediaURL.String
	return &stored, created, nil
}

func (s *pgMessageStore) Get(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *pgMessageStore) GetByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = $1`, externalID)
	return scanMessage(row)
}

func (s *pgMessageStore) ListByIDs(ctx context.Context, ids []string) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE id = ANY($1) ORDER BY created_at ASC`,
		pq.StringArray(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *pgMessageStore) LastInbound(ctx context.Context, sessionID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = $1 AND from_me = false
		ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanMessage(row)
}

func (s *pgMessageStore) LastN(ctx context.Context, sessionID string, n int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2
		) sub ORDER BY created_at ASC`, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *pgMessageStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_processed = true, updated_at = NOW()
		WHERE id = ANY($1)`, pq.StringArray(ids))
	return err
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- tools ---

type pgToolStore struct{ db *sql.DB }

const toolColumns = `id, bot_id, name, description, parameters, action_type,
	action_config, status, flow_id, created_at, updated_at`

func scanTool(row interface{ Scan(...any) error }) (*models.Tool, error) {
	var t models.Tool
	var params, config, flowID sql.NullString
	err := row.Scan(&t.ID, &t.BotID, &t.Name, &t.Description, &params,
		&t.ActionType, &config, &t.Status, &flowID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if params.Valid {
		t.Parameters = []byte(params.String)
	}
	if config.Valid {
		t.ActionConfig = []byte(config.String)
	}
	t.FlowID = flowID.String
	return &t, nil
}

func (s *pgToolStore) Create(ctx context.Context, tool *models.Tool) error {
	if tool.ID == "" {
		tool.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tool.CreatedAt, tool.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tools (`+toolColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		tool.ID, tool.BotID, tool.Name, tool.Description,
		nullable(string(tool.Parameters)), tool.ActionType,
		nullable(string(tool.ActionConfig)), tool.Status,
		nullable(tool.FlowID), tool.CreatedAt, tool.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *pgToolStore) GetActive(ctx context.Context, botID, name string) (*models.Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+` FROM tools
		WHERE bot_id = $1 AND name = $2 AND status = 'ACTIVE'`, botID, name)
	return scanTool(row)
}

func (s *pgToolStore) ListActive(ctx context.Context, botID string) ([]*models.Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolColumns+` FROM tools
		WHERE bot_id = $1 AND status = 'ACTIVE' ORDER BY created_at`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *pgToolStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- flows ---

type pgFlowStore struct{ db *sql.DB }

func (s *pgFlowStore) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	var f models.Flow
	var excludes pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, name, description, cooldown_ms, usage_limit,
			excludes_flows, created_at, updated_at
		FROM flows WHERE id = $1`, id).
		Scan(&f.ID, &f.BotID, &f.Name, &f.Description, &f.CooldownMs,
			&f.UsageLimit, &excludes, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.ExcludesFlows = excludes
	return &f, nil
}

const stepColumns = `id, flow_id, type, content, media_url, metadata,
	delay_ms, jitter_pct, "order", created_at, updated_at`

func scanStep(row interface{ Scan(...any) error }) (*models.Step, error) {
	var st models.Step
	var content, mediaURL, metadata sql.NullString
	err := row.Scan(&st.ID, &st.FlowID, &st.Type, &content, &mediaURL,
		&metadata, &st.DelayMs, &st.JitterPct, &st.Order, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Content = content.String
	st.MediaURL = mediaURL.String
	if metadata.Valid {
		st.Metadata = []byte(metadata.String)
	}
	return &st, nil
}

func (s *pgFlowStore) ListSteps(ctx context.Context, flowID string) ([]*models.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM steps WHERE flow_id = $1 ORDER BY "order" ASC`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *pgFlowStore) GetStep(ctx context.Context, id string) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = $1`, id)
	return scanStep(row)
}

func (s *pgFlowStore) ListTriggers(ctx context.Context, botID, sessionID string, scopes []models.TriggerScope) ([]*models.Trigger, error) {
	scopeStrs := make([]string, len(scopes))
	for i, sc := range scopes {
		scopeStrs[i] = string(sc)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.bot_id, t.session_id, t.keyword, t.match_type, t.scope,
			t.is_active, t.flow_id, t.created_at, t.updated_at,
			f.cooldown_ms, f.usage_limit, f.excludes_flows
		FROM triggers t
		JOIN flows f ON f.id = t.flow_id
		WHERE t.is_active = true
		  AND t.scope = ANY($1)
		  AND (t.session_id = $2 OR (t.bot_id = $3 AND t.session_id IS NULL))`,
		pq.StringArray(scopeStrs), sessionID, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Trigger
	for rows.Next() {
		var t models.Trigger
		var sessID sql.NullString
		var excludes pq.StringArray
		if err := rows.Scan(&t.ID, &t.BotID, &sessID, &t.Keyword, &t.MatchType,
			&t.Scope, &t.IsActive, &t.FlowID, &t.CreatedAt, &t.UpdatedAt,
			&t.CooldownMs, &t.UsageLimit, &excludes); err != nil {
			return nil, err
		}
		t.SessionID = sessID.String
		t.ExcludesFlows = excludes
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *pgFlowStore) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	trigger.CreatedAt, trigger.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (id, bot_id, session_id, keyword, match_type,
			scope, is_active, flow_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		trigger.ID, trigger.BotID, nullable(trigger.SessionID), trigger.Keyword,
		trigger.MatchType, trigger.Scope, trigger.IsActive, trigger.FlowID,
		trigger.CreatedAt, trigger.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// --- executions ---

type pgExecutionStore struct{ db *sql.DB }

const executionColumns = `id, session_id, flow_id, platform_user_id, status,
	current_step, trigger, error, started_at, updated_at, completed_at`

func scanExecution(row interface{ Scan(...any) error }) (*models.Execution, error) {
	var e models.Execution
	var trigger, errMsg sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.SessionID, &e.FlowID, &e.PlatformUserID,
		&e.Status, &e.CurrentStep, &trigger, &errMsg, &e.StartedAt,
		&e.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Trigger = trigger.String
	e.Error = errMsg.String
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return &e, nil
}

func (s *pgExecutionStore) Create(ctx context.Context, exec *models.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	exec.StartedAt, exec.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		exec.ID, exec.SessionID, exec.FlowID, exec.PlatformUserID, exec.Status,
		exec.CurrentStep, nullable(exec.Trigger), nullable(exec.Error),
		exec.StartedAt, exec.UpdatedAt, exec.CompletedAt)
	return err
}

func (s *pgExecutionStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (s *pgExecutionStore) SetCurrentStep(ctx context.Context, id string, step int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET current_step = $2, updated_at = NOW() WHERE id = $1`, id, step)
	return err
}

func (s *pgExecutionStore) SetStatus(ctx context.Context, id string, status models.ExecutionStatus, errMsg string) error {
	var completedAt any
	if status == models.ExecutionCompleted || status == models.ExecutionFailed {
		completedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = $2, error = COALESCE($3, error),
			completed_at = COALESCE($4, completed_at), updated_at = NOW()
		WHERE id = $1`, id, status, nullable(errMsg), completedAt)
	return err
}

func (s *pgExecutionStore) LastForFlow(ctx context.Context, sessionID, flowID string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE session_id = $1 AND flow_id = $2 AND status <> 'FAILED'
		ORDER BY started_at DESC LIMIT 1`, sessionID, flowID)
	return scanExecution(row)
}

func (s *pgExecutionStore) CountForFlow(ctx context.Context, sessionID, flowID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE session_id = $1 AND flow_id = $2 AND status <> 'FAILED'`,
		sessionID, flowID).Scan(&n)
	return n, err
}

func (s *pgExecutionStore) CountForFlows(ctx context.Context, sessionID string, flowIDs []string) (int, error) {
	if len(flowIDs) == 0 {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE session_id = $1 AND flow_id = ANY($2) AND status <> 'FAILED'`,
		sessionID, pq.StringArray(flowIDs)).Scan(&n)
	return n, err
}

func (s *pgExecutionStore) ListRunning(ctx context.Context) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE status = 'RUNNING'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- labels ---

type pgLabelStore struct{ db *sql.DB }

const labelColumns = `id, bot_id, wa_label_id, name, color, created_at`

func scanLabel(row interface{ Scan(...any) error }) (*models.Label, error) {
	var l models.Label
	err := row.Scan(&l.ID, &l.BotID, &l.WaLabelID, &l.Name, &l.Color, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *pgLabelStore) Upsert(ctx context.Context, label *models.Label) (*models.Label, error) {
	if label.ID == "" {
		label.ID = uuid.NewString()
	}
	if label.CreatedAt.IsZero() {
		label.CreatedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO labels (`+labelColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (bot_id, wa_label_id) DO UPDATE SET name = EXCLUDED.name, color = EXCLUDED.color
		RETURNING `+labelColumns,
		label.ID, label.BotID, label.WaLabelID, label.Name, label.Color, label.CreatedAt)
	return scanLabel(row)
}

func (s *pgLabelStore) List(ctx context.Context, botID string) ([]*models.Label, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+labelColumns+` FROM labels WHERE bot_id = $1 ORDER BY name`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLabels(rows)
}

func (s *pgLabelStore) GetByName(ctx context.Context, botID, name string) (*models.Label, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+labelColumns+` FROM labels
		WHERE bot_id = $1 AND LOWER(name) = LOWER($2)`, botID, name)
	return scanLabel(row)
}

func (s *pgLabelStore) CountSessions(ctx context.Context, labelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_labels WHERE label_id = $1`, labelID).Scan(&n)
	return n, err
}

func (s *pgLabelStore) Assign(ctx context.Context, sessionID, labelID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_labels (session_id, label_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id, label_id) DO NOTHING`, sessionID, labelID)
	return err
}

func (s *pgLabelStore) Unassign(ctx context.Context, sessionID, labelID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_labels WHERE session_id = $1 AND label_id = $2`,
		sessionID, labelID)
	return err
}

func (s *pgLabelStore) ListForSession(ctx context.Context, sessionID string) ([]*models.Label, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed(labelColumns, "l.")+`
		FROM labels l
		JOIN session_labels sl ON sl.label_id = l.id
		WHERE sl.session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLabels(rows)
}

func collectLabels(rows *sql.Rows) ([]*models.Label, error) {
	var out []*models.Label
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- automations ---

type pgAutomationStore struct{ db *sql.DB }

func (s *pgAutomationStore) ListEnabled(ctx context.Context) ([]*models.Automation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, name, enabled, event, label_name, timeout_ms,
			prompt, created_at, updated_at
		FROM automations WHERE enabled = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Automation
	for rows.Next() {
		var a models.Automation
		var labelName sql.NullString
		if err := rows.Scan(&a.ID, &a.BotID, &a.Name, &a.Enabled, &a.Event,
			&labelName, &a.TimeoutMs, &a.Prompt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.LabelName = labelName.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *pgAutomationStore) Create(ctx context.Context, automation *models.Automation) error {
	if automation.ID == "" {
		automation.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	automation.CreatedAt, automation.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automations (id, bot_id, name, enabled, event, label_name,
			timeout_ms, prompt, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		automation.ID, automation.BotID, automation.Name, automation.Enabled,
		automation.Event, nullable(automation.LabelName), automation.TimeoutMs,
		automation.Prompt, automation.CreatedAt, automation.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// --- conversation logs ---

type pgConversationLogStore struct{ db *sql.DB }

const convLogColumns = `id, session_id, role, content, tool_name, tool_args,
	tool_call_ref, model, tokens_used, created_at`

func (s *pgConversationLogStore) Append(ctx context.Context, entry *models.ConversationLog) error {
	return s.AppendMany(ctx, []*models.ConversationLog{entry})
}

func (s *pgConversationLogStore) AppendMany(ctx context.Context, entries []*models.ConversationLog) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_logs (`+convLogColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.SessionID, e.Role,
			nullable(e.Content), nullable(e.ToolName), nullable(e.ToolArgs),
			nullable(e.ToolCallRef), nullable(e.Model), e.TokensUsed, e.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *pgConversationLogStore) ListSince(ctx context.Context, sessionID string, since time.Time, limit int) ([]*models.ConversationLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+convLogColumns+` FROM (
			SELECT `+convLogColumns+` FROM conversation_logs
			WHERE session_id = $1 AND created_at >= $2
			ORDER BY created_at DESC LIMIT $3
		) sub ORDER BY created_at ASC`, sessionID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ConversationLog
	for rows.Next() {
		var e models.ConversationLog
		var content, toolName, toolArgs, toolCallRef, model sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &content, &toolName,
			&toolArgs, &toolCallRef, &model, &e.TokensUsed, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Content = content.String
		e.ToolName = toolName.String
		e.ToolArgs = toolArgs.String
		e.ToolCallRef = toolCallRef.String
		e.Model = model.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *pgConversationLogStore) DeleteForSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_logs WHERE session_id = $1`, sessionID)
	return err
}

func (s *pgConversationLogStore) TagRecentAssistant(ctx context.Context, sessionID, model string, tokens, limit int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_logs SET model = $2, tokens_used = $3
		WHERE id IN (
			SELECT id FROM conversation_logs
			WHERE session_id = $1 AND role = 'assistant'
			ORDER BY created_at DESC LIMIT $4
		)`, sessionID, model, tokens, limit)
	return err
}

// --- clients ---

type pgClientStore struct{ db *sql.DB }

func (s *pgClientStore) Create(ctx context.Context, client *models.Client) error {
	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	client.CreatedAt, client.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, bot_id, name, curp, phone, email, username,
			password, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		client.ID, client.BotID, client.Name, nullable(client.CURP),
		nullable(client.Phone), nullable(client.Email), nullable(client.Username),
		nullable(client.Password), client.CreatedAt, client.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *pgClientStore) Find(ctx context.Context, botID, query string) (*models.Client, error) {
	var c models.Client
	var curp, phone, email, username, password sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, name, curp, phone, email, username, password,
			created_at, updated_at
		FROM clients
		WHERE bot_id = $1 AND (curp = UPPER($2) OR phone = $2 OR LOWER(email) = LOWER($2))
		LIMIT 1`, botID, query).
		Scan(&c.ID, &c.BotID, &c.Name, &curp, &phone, &email, &username,
			&password, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CURP = curp.String
	c.Phone = phone.String
	c.Email = email.String
	c.Username = username.String
	c.Password = password.String
	return &c, nil
}

func (s *pgClientStore) SaveCredentials(ctx context.Context, botID, clientID, username, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clients SET username = $3, password = $4, updated_at = NOW()
		WHERE bot_id = $1 AND id = $2`, botID, clientID, username, password)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
