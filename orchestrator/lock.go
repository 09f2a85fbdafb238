package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy means another run holds the lead.
var ErrBusy = errors.New("orchestrator: lead is busy")

// ErrLeaseLost is the cancellation cause of a lock context whose lease
// could not be kept.
var ErrLeaseLost = errors.New("orchestrator: lead lock lost")

// Locker serializes runs per lead. Lock does not wait: it fails with ErrBusy
// when the lead is held. Work done under the lock must use the returned
// context; it is cancelled with cause ErrLeaseLost if the lock is lost.
type Locker interface {
	Lock(ctx context.Context, leadID string) (lockCtx context.Context, unlock func(), err error)
}

// LocalLocker is an in-process keyed lock. Its locks cannot be lost.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]struct{}{}}
}

func (l *LocalLocker) Lock(ctx context.Context, leadID string) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[leadID]; ok {
		return nil, nil, ErrBusy
	}
	l.held[leadID] = struct{}{}
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, leadID)
			l.mu.Unlock()
		})
	}, nil
}

// LeaseStore is a shared lock backend. state/redis.Store implements it.
type LeaseStore interface {
	AcquireLeadLock(ctx context.Context, leadID, owner string, ttl time.Duration) (bool, error)
	RefreshLeadLock(ctx context.Context, leadID, owner string, ttl time.Duration) (bool, error)
	ReleaseLeadLock(ctx context.Context, leadID, owner string) error
}

const defaultLeaseTTL = 30 * time.Second

// LeaseLocker holds a TTL lease in a shared store and renews it while the
// run is in progress, so a crashed process frees the lead after one TTL.
// When a renewal finds the lease gone, or renewals keep failing for a whole
// TTL, the lock context is cancelled.
type LeaseLocker struct {
	store  LeaseStore
	ttl    time.Duration
	logger *slog.Logger
}

func NewLeaseLocker(store LeaseStore, ttl time.Duration, logger *slog.Logger) *LeaseLocker {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseLocker{store: store, ttl: ttl, logger: logger}
}

func (l *LeaseLocker) Lock(ctx context.Context, leadID string) (context.Context, func(), error) {
	owner := uuid.NewString()
	ok, err := l.store.AcquireLeadLock(ctx, leadID, owner, l.ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lead lock: %w", err)
	}
	if !ok {
		return nil, nil, ErrBusy
	}

	lockCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		renewed := time.Now()
		for {
			select {
			case <-stop:
				return
			case <-lockCtx.Done():
				return
			case <-ticker.C:
				held, err := l.store.RefreshLeadLock(context.WithoutCancel(ctx), leadID, owner, l.ttl)
				switch {
				case err == nil && held:
					renewed = time.Now()
					continue
				case err == nil:
					// Expired or taken over.
				case time.Since(renewed) < l.ttl:
					l.logger.Warn("lead lock refresh failed", slog.String("lead_id", leadID), slog.Any("error", err))
					continue
				}
				l.logger.Warn("lead lock lost", slog.String("lead_id", leadID), slog.Any("error", err))
				cancel(ErrLeaseLost)
				return
			}
		}
	}()

	var once sync.Once
	return lockCtx, func() {
		once.Do(func() {
			close(stop)
			<-done
			cancel(nil)
			releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancelRelease()
			if err := l.store.ReleaseLeadLock(releaseCtx, leadID, owner); err != nil {
				l.logger.Warn("failed to release lead lock", slog.String("lead_id", leadID), slog.Any("error", err))
			}
		})
	}, nil
}
