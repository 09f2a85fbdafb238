package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
	eventstore "github.com/deangilmoreremix/contactsfeature-sub000/observe/store"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

const eventColumns = `run_id, session_id, lead_id, span_id, parent_span_id, kind, status, name, engine, tool_name,
       message, error, duration_ms, attributes, timestamp`

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("event journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize event journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("encode event attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO autopilot_events (event_id, `+eventColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		uuid.NewString(),
		event.RunID,
		event.SessionID,
		event.LeadID,
		event.SpanID,
		event.ParentSpanID,
		string(event.Kind),
		string(event.Status),
		event.Name,
		event.Engine,
		event.ToolName,
		event.Message,
		event.Error,
		event.DurationMs,
		string(attrs),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsByRun(ctx context.Context, runID string, query eventstore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	return s.list(ctx, "run_id = ?", runID, query)
}

func (s *Store) ListEventsByLead(ctx context.Context, leadID string, query eventstore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(leadID) == "" {
		return nil, fmt.Errorf("lead id is required")
	}
	return s.list(ctx, "lead_id = ?", leadID, query)
}

func (s *Store) list(ctx context.Context, predicate, value string, query eventstore.ListQuery) ([]observe.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(query.Offset, 0)

	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+`
FROM autopilot_events
WHERE `+predicate+`
ORDER BY timestamp ASC
LIMIT ? OFFSET ?;`, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e      observe.Event
		kind   string
		status string
		attrs  string
		tsRaw  string
	)
	if err := scanner.Scan(
		&e.RunID,
		&e.SessionID,
		&e.LeadID,
		&e.SpanID,
		&e.ParentSpanID,
		&kind,
		&status,
		&e.Name,
		&e.Engine,
		&e.ToolName,
		&e.Message,
		&e.Error,
		&e.DurationMs,
		&attrs,
		&tsRaw,
	); err != nil {
		return observe.Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Kind = observe.Kind(kind)
	e.Status = observe.Status(status)
	if ts, err := time.Parse(time.RFC3339Nano, tsRaw); err == nil {
		e.Timestamp = ts
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	e.Normalize()
	return e, nil
}

// Summarize counts events by kind and status, optionally for one lead.
func (s *Store) Summarize(ctx context.Context, query eventstore.SummaryQuery) (eventstore.Summary, error) {
	if s == nil || s.db == nil {
		return eventstore.Summary{}, nil
	}
	var (
		where []string
		args  []any
	)
	if query.LeadID != "" {
		where = append(where, "lead_id = ?")
		args = append(args, query.LeadID)
	}
	if query.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}

	count := func(cond string, condArgs ...any) (int64, error) {
		clauses := append(append([]string{}, where...), cond)
		qArgs := append(append([]any{}, args...), condArgs...)
		var n int64
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM autopilot_events WHERE "+strings.Join(clauses, " AND "), qArgs...).Scan(&n)
		return n, err
	}
	byKind := func(kind observe.Kind, status observe.Status) (int64, error) {
		return count("kind = ? AND status = ?", string(kind), string(status))
	}

	var (
		sum eventstore.Summary
		err error
	)
	steps := []struct {
		name string
		dst  *int64
		fn   func() (int64, error)
	}{
		{"runs started", &sum.RunsStarted, func() (int64, error) { return byKind(observe.KindRun, observe.StatusStarted) }},
		{"runs completed", &sum.RunsCompleted, func() (int64, error) { return byKind(observe.KindRun, observe.StatusCompleted) }},
		{"runs failed", &sum.RunsFailed, func() (int64, error) { return byKind(observe.KindRun, observe.StatusFailed) }},
		{"engine calls", &sum.EngineCalls, func() (int64, error) { return byKind(observe.KindEngine, observe.StatusCompleted) }},
		{"engine failures", &sum.EngineFailures, func() (int64, error) { return byKind(observe.KindEngine, observe.StatusFailed) }},
		{"tool calls", &sum.ToolCalls, func() (int64, error) { return byKind(observe.KindTool, observe.StatusCompleted) }},
		{"tool failures", &sum.ToolFailures, func() (int64, error) { return byKind(observe.KindTool, observe.StatusFailed) }},
		{"dead letters", &sum.JobsDeadLetters, func() (int64, error) {
			return count("kind = ? AND name = ?", string(observe.KindQueue), "queue.dead_lettered")
		}},
	}
	for _, step := range steps {
		if *step.dst, err = step.fn(); err != nil {
			return eventstore.Summary{}, fmt.Errorf("summarize %s: %w", step.name, err)
		}
	}
	return sum, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ eventstore.Store = (*Store)(nil)
