// Package postgres reads and writes CRM lead records in PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deangilmoreremix/contactsfeature-sub000/leads"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects a pool to dsn and pings it.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Migrate creates the CRM tables when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	s.logger.Info("storage: crm schema applied")
	return nil
}

func (s *Store) UpsertLead(ctx context.Context, l leads.Lead) error {
	if l.Stage == "" {
		l.Stage = leads.Stages[0]
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contacts (id, first_name, last_name, email, phone, linkedin_url, company, title, industry, stage, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name, email = EXCLUDED.email,
		   phone = EXCLUDED.phone, linkedin_url = EXCLUDED.linkedin_url, company = EXCLUDED.company,
		   title = EXCLUDED.title, industry = EXCLUDED.industry, stage = EXCLUDED.stage,
		   notes = EXCLUDED.notes, updated_at = EXCLUDED.updated_at`,
		l.ID, l.FirstName, l.LastName, l.Email, l.Phone, l.LinkedInURL, l.Company, l.Title,
		l.Industry, l.Stage, l.Notes, l.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert lead: %w", err)
	}
	return nil
}

func (s *Store) GetLead(ctx context.Context, leadID string) (leads.Lead, error) {
	var l leads.Lead
	err := s.pool.QueryRow(ctx,
		`SELECT id, first_name, last_name, email, phone, linkedin_url, company, title, industry, stage, notes, created_at, updated_at
		 FROM contacts WHERE id = $1`, leadID,
	).Scan(&l.ID, &l.FirstName, &l.LastName, &l.Email, &l.Phone, &l.LinkedInURL,
		&l.Company, &l.Title, &l.Industry, &l.Stage, &l.Notes, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leads.Lead{}, fmt.Errorf("storage: lead %s: %w", leadID, leads.ErrNotFound)
		}
		return leads.Lead{}, fmt.Errorf("storage: get lead: %w", err)
	}
	return l, nil
}

func (s *Store) ListActivities(ctx context.Context, leadID string, limit int) ([]leads.Activity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, contact_id, type, channel, subject, body, metadata, created_at
		 FROM activities WHERE contact_id = $1
		 ORDER BY created_at DESC LIMIT $2`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list activities: %w", err)
	}
	defer rows.Close()

	var out []leads.Activity
	for rows.Next() {
		var a leads.Activity
		if err := rows.Scan(&a.ID, &a.LeadID, &a.Type, &a.Channel, &a.Subject, &a.Body, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate activities: %w", err)
	}
	return out, nil
}

func (s *Store) InsertActivity(ctx context.Context, a leads.Activity) (leads.Activity, error) {
	a, err := leads.PrepareActivity(a, uuid.NewString)
	if err != nil {
		return leads.Activity{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO activities (id, contact_id, type, channel, subject, body, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.LeadID, a.Type, a.Channel, a.Subject, a.Body, a.Metadata, a.CreatedAt,
	)
	if err != nil {
		return leads.Activity{}, fmt.Errorf("storage: insert activity: %w", err)
	}
	return a, nil
}

func (s *Store) InsertTask(ctx context.Context, t leads.Task) (leads.Task, error) {
	t, err := leads.PrepareTask(t, uuid.NewString)
	if err != nil {
		return leads.Task{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, contact_id, title, description, priority, status, due_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.LeadID, t.Title, t.Description, t.Priority, t.Status, t.DueAt, t.CreatedAt,
	)
	if err != nil {
		return leads.Task{}, fmt.Errorf("storage: insert task: %w", err)
	}
	return t, nil
}

func (s *Store) InsertEvent(ctx context.Context, e leads.Event) (leads.Event, error) {
	e, err := leads.PrepareEvent(e, uuid.NewString)
	if err != nil {
		return leads.Event{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO calendar_events (id, contact_id, title, starts_at, ends_at, join_url, external_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.LeadID, e.Title, e.StartsAt, e.EndsAt, e.JoinURL, e.ExternalID, e.CreatedAt,
	)
	if err != nil {
		return leads.Event{}, fmt.Errorf("storage: insert calendar event: %w", err)
	}
	return e, nil
}

func (s *Store) UpdateStage(ctx context.Context, leadID, stage string) error {
	if err := leads.CheckStage(stage); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET stage = $1, updated_at = now() WHERE id = $2`, stage, leadID)
	if err != nil {
		return fmt.Errorf("storage: update stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: lead %s: %w", leadID, leads.ErrNotFound)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ leads.Store = (*Store)(nil)
