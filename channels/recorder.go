package channels

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder accepts every message and meeting without contacting anyone. It
// backs dry runs and tests.
type Recorder struct {
	mu       sync.Mutex
	sent     []OutboundMessage
	meetings []MeetingRequest
	// JoinURLBase, when set, is used to build fake join links.
	JoinURLBase string
}

func NewRecorder() *Recorder { return &Recorder{JoinURLBase: "https://meet.invalid/"} }

func (r *Recorder) Send(ctx context.Context, msg OutboundMessage) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	return Receipt{MessageID: "dry_" + uuid.NewString(), Status: "recorded", SentAt: time.Now().UTC()}, nil
}

func (r *Recorder) Schedule(ctx context.Context, req MeetingRequest) (Meeting, error) {
	if err := ctx.Err(); err != nil {
		return Meeting{}, err
	}
	r.mu.Lock()
	r.meetings = append(r.meetings, req)
	r.mu.Unlock()
	id := uuid.NewString()
	dur := req.DurationMinutes
	if dur <= 0 {
		dur = 30
	}
	return Meeting{
		ID:       id,
		StartsAt: req.PreferredTime,
		EndsAt:   req.PreferredTime.Add(time.Duration(dur) * time.Minute),
		JoinURL:  r.JoinURLBase + id,
	}, nil
}

func (r *Recorder) Sent() []OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OutboundMessage(nil), r.sent...)
}

func (r *Recorder) Meetings() []MeetingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MeetingRequest(nil), r.meetings...)
}

var (
	_ Mailer           = (*Recorder)(nil)
	_ MeetingScheduler = (*Recorder)(nil)
	_ Mailer           = (*HTTPMailer)(nil)
	_ MeetingScheduler = (*HTTPScheduler)(nil)
	_ Mailer           = (*Throttle)(nil)
)
