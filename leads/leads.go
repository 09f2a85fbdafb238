// Package leads is the lead-record side of the CRM the autopilot tools read
// and write: lead profiles, activity history, follow-up tasks and calendar
// events.
package leads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("leads: not found")
	ErrInvalidStage = errors.New("leads: invalid pipeline stage")
	ErrNoAddress    = errors.New("leads: no contact address")
)

const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelLinkedIn = "linkedin"
)

// Stages is the ordered pipeline.
var Stages = []string{
	"new",
	"contacted",
	"engaged",
	"qualified",
	"meeting_scheduled",
	"proposal",
	"negotiation",
	"won",
	"lost",
}

func ValidStage(stage string) bool {
	for _, s := range Stages {
		if s == stage {
			return true
		}
	}
	return false
}

type Lead struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"firstName,omitempty"`
	LastName    string    `json:"lastName,omitempty"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	LinkedInURL string    `json:"linkedinUrl,omitempty"`
	Company     string    `json:"company,omitempty"`
	Title       string    `json:"title,omitempty"`
	Industry    string    `json:"industry,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

func (l Lead) Name() string {
	return strings.TrimSpace(l.FirstName + " " + l.LastName)
}

// Address returns where a message on channel should be delivered.
func (l Lead) Address(channel string) (string, error) {
	var addr string
	switch channel {
	case ChannelEmail, "":
		addr = l.Email
	case ChannelSMS:
		addr = l.Phone
	case ChannelLinkedIn:
		addr = l.LinkedInURL
	default:
		return "", fmt.Errorf("unsupported channel %q", channel)
	}
	if strings.TrimSpace(addr) == "" {
		return "", fmt.Errorf("%w for %s on lead %s", ErrNoAddress, channelOrDefault(channel), l.ID)
	}
	return addr, nil
}

func channelOrDefault(channel string) string {
	if channel == "" {
		return ChannelEmail
	}
	return channel
}

type Activity struct {
	ID        string         `json:"id"`
	LeadID    string         `json:"leadId"`
	Type      string         `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type Task struct {
	ID          string     `json:"id"`
	LeadID      string     `json:"leadId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Status      string     `json:"status"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type Event struct {
	ID         string    `json:"id"`
	LeadID     string    `json:"leadId"`
	Title      string    `json:"title"`
	StartsAt   time.Time `json:"startsAt"`
	EndsAt     time.Time `json:"endsAt"`
	JoinURL    string    `json:"joinUrl,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store is the subset of CRM access the autopilot tools need. Every call is a
// single-row operation.
type Store interface {
	GetLead(ctx context.Context, leadID string) (Lead, error)
	// ListActivities returns the newest activities first.
	ListActivities(ctx context.Context, leadID string, limit int) ([]Activity, error)
	InsertActivity(ctx context.Context, activity Activity) (Activity, error)
	InsertTask(ctx context.Context, task Task) (Task, error)
	InsertEvent(ctx context.Context, event Event) (Event, error)
	UpdateStage(ctx context.Context, leadID, stage string) error
	Close() error
}

const defaultActivityLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultActivityLimit
	}
	return limit
}

func requireLead(leadID string) error {
	if strings.TrimSpace(leadID) == "" {
		return fmt.Errorf("lead_id is required")
	}
	return nil
}

// PrepareActivity fills defaults shared by every backend.
func PrepareActivity(a Activity, newID func() string) (Activity, error) {
	if err := requireLead(a.LeadID); err != nil {
		return Activity{}, err
	}
	if strings.TrimSpace(a.Type) == "" {
		return Activity{}, fmt.Errorf("activity type is required")
	}
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	return a, nil
}

func PrepareTask(t Task, newID func() string) (Task, error) {
	if err := requireLead(t.LeadID); err != nil {
		return Task{}, err
	}
	if strings.TrimSpace(t.Title) == "" {
		return Task{}, fmt.Errorf("task title is required")
	}
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = "open"
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return t, nil
}

func PrepareEvent(e Event, newID func() string) (Event, error) {
	if err := requireLead(e.LeadID); err != nil {
		return Event{}, err
	}
	if e.StartsAt.IsZero() {
		return Event{}, fmt.Errorf("event start time is required")
	}
	if e.EndsAt.Before(e.StartsAt) || e.EndsAt.IsZero() {
		e.EndsAt = e.StartsAt.Add(30 * time.Minute)
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e, nil
}

func CheckStage(stage string) error {
	if !ValidStage(stage) {
		return fmt.Errorf("%w %q (want one of %s)", ErrInvalidStage, stage, strings.Join(Stages, ", "))
	}
	return nil
}
