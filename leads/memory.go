package leads

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps lead records in process. It backs dry runs and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	leads      map[string]Lead
	activities map[string][]Activity
	tasks      map[string][]Task
	events     map[string][]Event
}

func NewMemoryStore(seed ...Lead) *MemoryStore {
	m := &MemoryStore{
		leads:      map[string]Lead{},
		activities: map[string][]Activity{},
		tasks:      map[string][]Task{},
		events:     map[string][]Event{},
	}
	for _, l := range seed {
		m.PutLead(l)
	}
	return m
}

func (m *MemoryStore) PutLead(l Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.Stage == "" {
		l.Stage = Stages[0]
	}
	l.UpdatedAt = now
	m.leads[l.ID] = l
}

func (m *MemoryStore) GetLead(ctx context.Context, leadID string) (Lead, error) {
	if err := ctx.Err(); err != nil {
		return Lead{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leads[leadID]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryStore) ListActivities(ctx context.Context, leadID string, limit int) ([]Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.activities[leadID]
	out := make([]Activity, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertActivity(ctx context.Context, a Activity) (Activity, error) {
	if err := ctx.Err(); err != nil {
		return Activity{}, err
	}
	a, err := PrepareActivity(a, uuid.NewString)
	if err != nil {
		return Activity{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[a.LeadID] = append(m.activities[a.LeadID], a)
	return a, nil
}

func (m *MemoryStore) InsertTask(ctx context.Context, t Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	t, err := PrepareTask(t, uuid.NewString)
	if err != nil {
		return Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.LeadID] = append(m.tasks[t.LeadID], t)
	return t, nil
}

func (m *MemoryStore) InsertEvent(ctx context.Context, e Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	e, err := PrepareEvent(e, uuid.NewString)
	if err != nil {
		return Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.LeadID] = append(m.events[e.LeadID], e)
	return e, nil
}

func (m *MemoryStore) UpdateStage(ctx context.Context, leadID, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckStage(stage); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[leadID]
	if !ok {
		return ErrNotFound
	}
	l.Stage = stage
	l.UpdatedAt = time.Now().UTC()
	m.leads[leadID] = l
	return nil
}

// Tasks returns a copy of the tasks recorded for a lead.
func (m *MemoryStore) Tasks(leadID string) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Task(nil), m.tasks[leadID]...)
}

// Events returns a copy of the calendar events recorded for a lead.
func (m *MemoryStore) Events(leadID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events[leadID]...)
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
