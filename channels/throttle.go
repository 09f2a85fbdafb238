package channels

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttle caps the outbound send rate of the wrapped Mailer. Send blocks
// until a token is available or ctx is done.
type Throttle struct {
	next    Mailer
	limiter *rate.Limiter
}

// NewThrottle allows perSecond sends with the given burst. A non-positive
// rate disables limiting.
func NewThrottle(next Mailer, perSecond float64, burst int) *Throttle {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttle) Send(ctx context.Context, msg OutboundMessage) (Receipt, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Receipt{}, fmt.Errorf("send throttled: %w", err)
	}
	return t.next.Send(ctx, msg)
}
