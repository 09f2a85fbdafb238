// Package memory is an in-process state.Store for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deangilmoreremix/contactsfeature-sub000/state"
)

type key struct{ lead, agent string }

type Store struct {
	mu        sync.Mutex
	sessions  map[key]state.SessionBinding
	autopilot map[key]state.AutopilotRecord
	runs      map[string]state.RunRecord
	now       func() time.Time
}

func New() *Store {
	return &Store{
		sessions:  map[key]state.SessionBinding{},
		autopilot: map[key]state.AutopilotRecord{},
		runs:      map[string]state.RunRecord{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests use it to age reservations.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Store) GetSession(_ context.Context, leadID, agentType string) (state.SessionBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.sessions[key{leadID, agentType}]
	if !ok {
		return state.SessionBinding{}, state.ErrNotFound
	}
	return b, nil
}

func (m *Store) ReserveSession(_ context.Context, leadID, agentType string, pendingTTL time.Duration) (state.SessionBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{leadID, agentType}
	now := m.now()
	existing, ok := m.sessions[k]
	if ok && existing.Active() {
		return existing, nil
	}
	if ok && !existing.Stale(now, pendingTTL) {
		return state.SessionBinding{}, state.ErrSessionPending
	}
	b := state.SessionBinding{
		LeadID:    leadID,
		AgentType: agentType,
		Status:    state.SessionPending,
		Token:     uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ok {
		b.CreatedAt = existing.CreatedAt
	}
	m.sessions[k] = b
	return b, nil
}

func (m *Store) ConfirmSession(_ context.Context, leadID, agentType, token, sessionID string) (state.SessionBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{leadID, agentType}
	b, ok := m.sessions[k]
	if !ok || b.Status != state.SessionPending || b.Token != token {
		return state.SessionBinding{}, state.ErrConflict
	}
	b.SessionID = sessionID
	b.Status = state.SessionActive
	b.Token = ""
	b.UpdatedAt = m.now()
	m.sessions[k] = b
	return b, nil
}

func (m *Store) ReleaseReservation(_ context.Context, leadID, agentType, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{leadID, agentType}
	if b, ok := m.sessions[k]; ok && b.Status == state.SessionPending && b.Token == token {
		delete(m.sessions, k)
	}
	return nil
}

func (m *Store) SaveAutopilot(_ context.Context, rec state.AutopilotRecord) error {
	if err := rec.Normalize(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.State = append([]byte(nil), rec.State...)
	m.autopilot[key{rec.LeadID, rec.AgentType}] = rec
	return nil
}

func (m *Store) LoadAutopilot(_ context.Context, leadID, agentType string) (*state.AutopilotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.autopilot[key{leadID, agentType}]
	if !ok {
		return nil, nil
	}
	rec.State = append([]byte(nil), rec.State...)
	return &rec, nil
}

func (m *Store) SetAutopilotStatus(_ context.Context, leadID, agentType string, status state.AutopilotStatus) error {
	if !status.Valid() {
		return state.ErrInvalidPayload
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{leadID, agentType}
	rec, ok := m.autopilot[k]
	if !ok {
		rec = state.AutopilotRecord{LeadID: leadID, AgentType: agentType, State: []byte(`{}`)}
	}
	rec.Status = status
	rec.UpdatedAt = m.now()
	m.autopilot[k] = rec
	return nil
}

func (m *Store) SaveRun(_ context.Context, run state.RunRecord) error {
	if err := run.Normalize(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	return nil
}

func (m *Store) LoadRun(_ context.Context, runID string) (state.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return state.RunRecord{}, state.ErrNotFound
	}
	return run, nil
}

func (m *Store) ListRuns(_ context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.RunRecord, 0, len(m.runs))
	for _, run := range m.runs {
		if query.LeadID != "" && run.LeadID != query.LeadID {
			continue
		}
		if query.SessionID != "" && run.SessionID != query.SessionID {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(*out[j].CreatedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].CreatedAt.After(*out[j].CreatedAt)
	})
	if query.Offset > 0 {
		if query.Offset >= len(out) {
			return []state.RunRecord{}, nil
		}
		out = out[query.Offset:]
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (m *Store) Close() error { return nil }

var _ state.Store = (*Store)(nil)
