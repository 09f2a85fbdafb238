package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deangilmoreremix/contactsfeature-sub000/state"
)

// HybridStore writes through a durable store and a cache. Session bindings
// are served by the durable store only, since reservations must be decided
// in one place.
type HybridStore struct {
	durable state.Store
	cache   state.Store
	logger  *slog.Logger
}

type Option func(*HybridStore)

func WithLogger(l *slog.Logger) Option {
	return func(h *HybridStore) {
		if l != nil {
			h.logger = l
		}
	}
}

func New(durable state.Store, cache state.Store, opts ...Option) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	h := &HybridStore{
		durable: durable,
		cache:   cache,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HybridStore) cacheFailed(op string, err error) {
	h.logger.Warn("hybrid store cache operation failed", "op", op, "error", err)
}

func (h *HybridStore) GetSession(ctx context.Context, leadID, agentType string) (state.SessionBinding, error) {
	return h.durable.GetSession(ctx, leadID, agentType)
}

func (h *HybridStore) ReserveSession(ctx context.Context, leadID, agentType string, pendingTTL time.Duration) (state.SessionBinding, error) {
	return h.durable.ReserveSession(ctx, leadID, agentType, pendingTTL)
}

func (h *HybridStore) ConfirmSession(ctx context.Context, leadID, agentType, token, sessionID string) (state.SessionBinding, error) {
	return h.durable.ConfirmSession(ctx, leadID, agentType, token, sessionID)
}

func (h *HybridStore) ReleaseReservation(ctx context.Context, leadID, agentType, token string) error {
	return h.durable.ReleaseReservation(ctx, leadID, agentType, token)
}

func (h *HybridStore) SaveAutopilot(ctx context.Context, rec state.AutopilotRecord) error {
	if err := h.durable.SaveAutopilot(ctx, rec); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveAutopilot(ctx, rec); err != nil {
			h.cacheFailed("SaveAutopilot", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadAutopilot(ctx context.Context, leadID, agentType string) (*state.AutopilotRecord, error) {
	if h.cache != nil {
		rec, err := h.cache.LoadAutopilot(ctx, leadID, agentType)
		if err == nil && rec != nil {
			return rec, nil
		}
		if err != nil {
			h.cacheFailed("LoadAutopilot", err)
		}
	}
	rec, err := h.durable.LoadAutopilot(ctx, leadID, agentType)
	if err != nil || rec == nil {
		return rec, err
	}
	if h.cache != nil {
		if err := h.cache.SaveAutopilot(ctx, *rec); err != nil {
			h.cacheFailed("backfill SaveAutopilot", err)
		}
	}
	return rec, nil
}

func (h *HybridStore) SetAutopilotStatus(ctx context.Context, leadID, agentType string, status state.AutopilotStatus) error {
	if err := h.durable.SetAutopilotStatus(ctx, leadID, agentType, status); err != nil {
		return err
	}
	if h.cache == nil {
		return nil
	}
	// Refresh the cached copy from the durable row so state and status agree.
	rec, err := h.durable.LoadAutopilot(ctx, leadID, agentType)
	if err != nil || rec == nil {
		if err != nil {
			h.cacheFailed("reload after SetAutopilotStatus", err)
		}
		return nil
	}
	if err := h.cache.SaveAutopilot(ctx, *rec); err != nil {
		h.cacheFailed("SetAutopilotStatus", err)
	}
	return nil
}

func (h *HybridStore) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := h.durable.SaveRun(ctx, run); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveRun(ctx, run); err != nil {
			h.cacheFailed("SaveRun", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if h.cache != nil {
		run, err := h.cache.LoadRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.cacheFailed("LoadRun", err)
		}
	}

	run, err := h.durable.LoadRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveRun(ctx, run); err != nil {
			h.cacheFailed("backfill SaveRun", err)
		}
	}
	return run, nil
}

func (h *HybridStore) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	return h.durable.ListRuns(ctx, query)
}

func (h *HybridStore) Close() error {
	var errs []error
	if h.cache != nil {
		errs = append(errs, h.cache.Close())
	}
	errs = append(errs, h.durable.Close())
	return errors.Join(errs...)
}

var _ state.Store = (*HybridStore)(nil)
