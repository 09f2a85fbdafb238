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

	"github.com/deangilmoreremix/contactsfeature-sub000/leads"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

// Store keeps lead records in a local SQLite file for development and
// single-node deployments.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d;", int(defaultBusyTimeout/time.Millisecond)),
		"PRAGMA journal_mode=WAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// UpsertLead creates or replaces a contact row.
func (s *Store) UpsertLead(ctx context.Context, l leads.Lead) error {
	if strings.TrimSpace(l.ID) == "" {
		return fmt.Errorf("lead id is required")
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.Stage == "" {
		l.Stage = leads.Stages[0]
	}
	const q = `
INSERT INTO contacts (
  id, first_name, last_name, email, phone, linkedin_url, company, title, industry, stage, notes, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  first_name=excluded.first_name,
  last_name=excluded.last_name,
  email=excluded.email,
  phone=excluded.phone,
  linkedin_url=excluded.linkedin_url,
  company=excluded.company,
  title=excluded.title,
  industry=excluded.industry,
  stage=excluded.stage,
  notes=excluded.notes,
  updated_at=excluded.updated_at;
`
	_, err := s.db.ExecContext(ctx, q,
		l.ID, l.FirstName, l.LastName, l.Email, l.Phone, l.LinkedInURL, l.Company, l.Title, l.Industry, l.Stage, l.Notes,
		formatTime(l.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert lead: %w", err)
	}
	return nil
}

func (s *Store) GetLead(ctx context.Context, leadID string) (leads.Lead, error) {
	const q = `
SELECT id, first_name, last_name, email, phone, linkedin_url, company, title, industry, stage, notes, created_at, updated_at
FROM contacts WHERE id = ?;
`
	var (
		l                  leads.Lead
		createdRaw, updRaw string
	)
	err := s.db.QueryRowContext(ctx, q, leadID).Scan(
		&l.ID, &l.FirstName, &l.LastName, &l.Email, &l.Phone, &l.LinkedInURL,
		&l.Company, &l.Title, &l.Industry, &l.Stage, &l.Notes, &createdRaw, &updRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leads.Lead{}, leads.ErrNotFound
		}
		return leads.Lead{}, fmt.Errorf("failed to load lead: %w", err)
	}
	if l.CreatedAt, err = parseTime(createdRaw); err != nil {
		return leads.Lead{}, fmt.Errorf("failed to parse lead created_at: %w", err)
	}
	if l.UpdatedAt, err = parseTime(updRaw); err != nil {
		return leads.Lead{}, fmt.Errorf("failed to parse lead updated_at: %w", err)
	}
	return l, nil
}

func (s *Store) ListActivities(ctx context.Context, leadID string, limit int) ([]leads.Activity, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, contact_id, type, channel, subject, body, metadata, created_at
FROM activities
WHERE contact_id = ?
ORDER BY created_at DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	out := make([]leads.Activity, 0, limit)
	for rows.Next() {
		var (
			a          leads.Activity
			metaRaw    string
			createdRaw string
		)
		if err := rows.Scan(&a.ID, &a.LeadID, &a.Type, &a.Channel, &a.Subject, &a.Body, &metaRaw, &createdRaw); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		if err := json.Unmarshal([]byte(metaRaw), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode activity metadata: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdRaw); err != nil {
			return nil, fmt.Errorf("failed to parse activity created_at: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activities: %w", err)
	}
	return out, nil
}

func (s *Store) InsertActivity(ctx context.Context, a leads.Activity) (leads.Activity, error) {
	a, err := leads.PrepareActivity(a, uuid.NewString)
	if err != nil {
		return leads.Activity{}, err
	}
	metaRaw, err := json.Marshal(a.Metadata)
	if err != nil {
		return leads.Activity{}, fmt.Errorf("failed to marshal activity metadata: %w", err)
	}
	const q = `
INSERT INTO activities (id, contact_id, type, channel, subject, body, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	if _, err := s.db.ExecContext(ctx, q, a.ID, a.LeadID, a.Type, a.Channel, a.Subject, a.Body, string(metaRaw), formatTime(a.CreatedAt)); err != nil {
		return leads.Activity{}, fmt.Errorf("failed to insert activity: %w", err)
	}
	return a, nil
}

func (s *Store) InsertTask(ctx context.Context, t leads.Task) (leads.Task, error) {
	t, err := leads.PrepareTask(t, uuid.NewString)
	if err != nil {
		return leads.Task{}, err
	}
	var due any
	if t.DueAt != nil {
		due = formatTime(*t.DueAt)
	}
	const q = `
INSERT INTO tasks (id, contact_id, title, description, priority, status, due_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	if _, err := s.db.ExecContext(ctx, q, t.ID, t.LeadID, t.Title, t.Description, t.Priority, t.Status, due, formatTime(t.CreatedAt)); err != nil {
		return leads.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	return t, nil
}

func (s *Store) InsertEvent(ctx context.Context, e leads.Event) (leads.Event, error) {
	e, err := leads.PrepareEvent(e, uuid.NewString)
	if err != nil {
		return leads.Event{}, err
	}
	const q = `
INSERT INTO calendar_events (id, contact_id, title, starts_at, ends_at, join_url, external_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	if _, err := s.db.ExecContext(ctx, q, e.ID, e.LeadID, e.Title, formatTime(e.StartsAt), formatTime(e.EndsAt), e.JoinURL, e.ExternalID, formatTime(e.CreatedAt)); err != nil {
		return leads.Event{}, fmt.Errorf("failed to insert calendar event: %w", err)
	}
	return e, nil
}

func (s *Store) UpdateStage(ctx context.Context, leadID, stage string) error {
	if err := leads.CheckStage(stage); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET stage = ?, updated_at = ? WHERE id = ?;`, stage, formatTime(time.Now().UTC()), leadID)
	if err != nil {
		return fmt.Errorf("failed to update stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return leads.ErrNotFound
	}
	return nil
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

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

var _ leads.Store = (*Store)(nil)
