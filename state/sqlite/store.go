package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/deangilmoreremix/contactsfeature-sub000/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
	now         func() time.Time
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

// WithClock overrides the time source used for reservation staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// A single connection serializes the reserve transaction.
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Sessions

func (s *Store) GetSession(ctx context.Context, leadID, agentType string) (state.SessionBinding, error) {
	return getSession(ctx, s.db, leadID, agentType)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSession(ctx context.Context, q queryer, leadID, agentType string) (state.SessionBinding, error) {
	const stmt = `
SELECT lead_id, agent_type, session_id, status, token, created_at, updated_at
FROM agent_sessions
WHERE lead_id = ? AND agent_type = ?;
`
	var (
		b                  state.SessionBinding
		status             string
		createdRaw, updRaw string
	)
	err := q.QueryRowContext(ctx, stmt, leadID, agentType).Scan(
		&b.LeadID, &b.AgentType, &b.SessionID, &status, &b.Token, &createdRaw, &updRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.SessionBinding{}, state.ErrNotFound
		}
		return state.SessionBinding{}, fmt.Errorf("failed to load session: %w", err)
	}
	b.Status = state.SessionStatus(status)
	if b.CreatedAt, err = parseRequiredTime(createdRaw); err != nil {
		return state.SessionBinding{}, fmt.Errorf("failed to parse session created_at: %w", err)
	}
	if b.UpdatedAt, err = parseRequiredTime(updRaw); err != nil {
		return state.SessionBinding{}, fmt.Errorf("failed to parse session updated_at: %w", err)
	}
	return b, nil
}

func (s *Store) ReserveSession(ctx context.Context, leadID, agentType string, pendingTTL time.Duration) (state.SessionBinding, error) {
	if leadID == "" || agentType == "" {
		return state.SessionBinding{}, fmt.Errorf("lead_id and agent_type are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.SessionBinding{}, fmt.Errorf("failed to begin reserve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	existing, err := getSession(ctx, tx, leadID, agentType)
	switch {
	case err == nil && existing.Active():
		return existing, nil
	case err == nil && !existing.Stale(now, pendingTTL):
		return state.SessionBinding{}, state.ErrSessionPending
	case err != nil && !errors.Is(err, state.ErrNotFound):
		return state.SessionBinding{}, err
	}

	b := state.SessionBinding{
		LeadID:    leadID,
		AgentType: agentType,
		Status:    state.SessionPending,
		Token:     uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err == nil {
		b.CreatedAt = existing.CreatedAt
	}
	const upsert = `
INSERT INTO agent_sessions (lead_id, agent_type, session_id, status, token, created_at, updated_at)
VALUES (?, ?, '', ?, ?, ?, ?)
ON CONFLICT(lead_id, agent_type) DO UPDATE SET
  session_id='',
  status=excluded.status,
  token=excluded.token,
  updated_at=excluded.updated_at;
`
	if _, err := tx.ExecContext(ctx, upsert, leadID, agentType, string(b.Status), b.Token, formatTime(b.CreatedAt), formatTime(b.UpdatedAt)); err != nil {
		if isUniqueViolation(err) {
			return state.SessionBinding{}, state.ErrSessionPending
		}
		return state.SessionBinding{}, fmt.Errorf("failed to reserve session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return state.SessionBinding{}, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return b, nil
}

func (s *Store) ConfirmSession(ctx context.Context, leadID, agentType, token, sessionID string) (state.SessionBinding, error) {
	if token == "" || sessionID == "" {
		return state.SessionBinding{}, fmt.Errorf("token and session_id are required")
	}
	const q = `
UPDATE agent_sessions
SET session_id = ?, status = ?, token = '', updated_at = ?
WHERE lead_id = ? AND agent_type = ? AND token = ? AND status = ?;
`
	res, err := s.db.ExecContext(ctx, q, sessionID, string(state.SessionActive), formatTime(s.now()), leadID, agentType, token, string(state.SessionPending))
	if err != nil {
		return state.SessionBinding{}, fmt.Errorf("failed to confirm session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return state.SessionBinding{}, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return state.SessionBinding{}, state.ErrConflict
	}
	return s.GetSession(ctx, leadID, agentType)
}

func (s *Store) ReleaseReservation(ctx context.Context, leadID, agentType, token string) error {
	const q = `DELETE FROM agent_sessions WHERE lead_id = ? AND agent_type = ? AND token = ? AND status = ?;`
	if _, err := s.db.ExecContext(ctx, q, leadID, agentType, token, string(state.SessionPending)); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// Autopilot state

func (s *Store) SaveAutopilot(ctx context.Context, rec state.AutopilotRecord) error {
	if err := rec.Normalize(); err != nil {
		return err
	}
	const q = `
INSERT INTO autopilot_state (lead_id, agent_type, state, status, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(lead_id, agent_type) DO UPDATE SET
  state=excluded.state,
  status=excluded.status,
  updated_at=excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, rec.LeadID, rec.AgentType, string(rec.State), string(rec.Status), formatTime(rec.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to save autopilot state: %w", err)
	}
	return nil
}

func (s *Store) LoadAutopilot(ctx context.Context, leadID, agentType string) (*state.AutopilotRecord, error) {
	const q = `
SELECT lead_id, agent_type, state, status, updated_at
FROM autopilot_state
WHERE lead_id = ? AND agent_type = ?;
`
	var (
		rec        state.AutopilotRecord
		stateRaw   string
		status     string
		updatedRaw string
	)
	err := s.db.QueryRowContext(ctx, q, leadID, agentType).Scan(&rec.LeadID, &rec.AgentType, &stateRaw, &status, &updatedRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load autopilot state: %w", err)
	}
	rec.State = json.RawMessage(stateRaw)
	rec.Status = state.AutopilotStatus(status)
	if rec.UpdatedAt, err = parseRequiredTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("failed to parse autopilot updated_at: %w", err)
	}
	return &rec, nil
}

func (s *Store) SetAutopilotStatus(ctx context.Context, leadID, agentType string, status state.AutopilotStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", state.ErrInvalidPayload, status)
	}
	const q = `
INSERT INTO autopilot_state (lead_id, agent_type, state, status, updated_at)
VALUES (?, ?, '{}', ?, ?)
ON CONFLICT(lead_id, agent_type) DO UPDATE SET
  status=excluded.status,
  updated_at=excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, leadID, agentType, string(status), formatTime(s.now())); err != nil {
		return fmt.Errorf("failed to set autopilot status: %w", err)
	}
	return nil
}

// Runs

const runColumns = `run_id, session_id, lead_id, agent_type, engine, goal, status, output, error, polls, tool_calls, metadata, created_at, updated_at, completed_at`

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := run.Normalize(); err != nil {
		return err
	}
	metaRaw, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	const q = `
INSERT INTO runs (` + runColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  session_id=excluded.session_id,
  lead_id=excluded.lead_id,
  agent_type=excluded.agent_type,
  engine=excluded.engine,
  goal=excluded.goal,
  status=excluded.status,
  output=excluded.output,
  error=excluded.error,
  polls=excluded.polls,
  tool_calls=excluded.tool_calls,
  metadata=excluded.metadata,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`
	_, err = s.db.ExecContext(ctx, q,
		run.RunID, run.SessionID, run.LeadID, run.AgentType, run.Engine, run.Goal,
		run.Status, run.Output, run.Error, run.Polls, run.ToolCalls, string(metaRaw),
		toNullableTime(run.CreatedAt), toNullableTime(run.UpdatedAt), toNullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (state.RunRecord, error) {
	var (
		run          state.RunRecord
		metaRaw      string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&run.RunID, &run.SessionID, &run.LeadID, &run.AgentType, &run.Engine, &run.Goal,
		&run.Status, &run.Output, &run.Error, &run.Polls, &run.ToolCalls, &metaRaw,
		&createdRaw, &updatedRaw, &completedRaw,
	); err != nil {
		return state.RunRecord{}, err
	}
	if strings.TrimSpace(metaRaw) == "" {
		run.Metadata = map[string]string{}
	} else if err := json.Unmarshal([]byte(metaRaw), &run.Metadata); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run metadata: %w", err)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	run.CreatedAt = &created
	run.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to parse run completed_at: %w", err)
		}
		run.CompletedAt = &completed
	}
	return run, nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?;`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.LeadID != "" {
		where = append(where, "lead_id = ?")
		args = append(args, query.LeadID)
	}
	if query.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, query.SessionID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, query.Status)
	}

	sqlText := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]state.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ state.Store = (*Store)(nil)
