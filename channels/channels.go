// Package channels delivers outbound lead messages and books meetings through
// external gateways.
package channels

import (
	"context"
	"time"
)

type OutboundMessage struct {
	LeadID   string            `json:"leadId"`
	Channel  string            `json:"channel"`
	To       string            `json:"to"`
	From     string            `json:"from,omitempty"`
	FromName string            `json:"fromName,omitempty"`
	Subject  string            `json:"subject,omitempty"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Receipt struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	SentAt    time.Time `json:"sentAt"`
}

type MeetingRequest struct {
	LeadID          string    `json:"leadId"`
	Attendee        string    `json:"attendee"`
	AttendeeName    string    `json:"attendeeName,omitempty"`
	Title           string    `json:"title"`
	PreferredTime   time.Time `json:"preferredTime"`
	DurationMinutes int       `json:"durationMinutes"`
}

type Meeting struct {
	ID       string    `json:"id"`
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`
	JoinURL  string    `json:"joinUrl,omitempty"`
}

// Mailer sends a single outbound message on any channel.
type Mailer interface {
	Send(ctx context.Context, msg OutboundMessage) (Receipt, error)
}

type MeetingScheduler interface {
	Schedule(ctx context.Context, req MeetingRequest) (Meeting, error)
}

// MailerFunc adapts a function to Mailer.
type MailerFunc func(ctx context.Context, msg OutboundMessage) (Receipt, error)

func (f MailerFunc) Send(ctx context.Context, msg OutboundMessage) (Receipt, error) {
	return f(ctx, msg)
}
