package persistence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// MemoryStateStore keeps device state in process memory.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[int64]*models.DeviceState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[int64]*models.DeviceState)}
}

func (m *MemoryStateStore) Get(ctx context.Context, deviceID int64) (*models.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStateStore) Update(ctx context.Context, deviceID int64, fn StateFunc) (*models.DeviceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.states[deviceID]
	if !ok {
		current = newState(deviceID)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current.Clone(), err
		}
		return nil, err
	}
	next.Version = current.Version + 1
	m.states[deviceID] = next
	return next.Clone(), nil
}

func (m *MemoryStateStore) List(ctx context.Context) ([]*models.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.DeviceState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// MemoryAlertStore keeps alert instances in process memory and enforces the
// single open instance per (rule, device) pair.
type MemoryAlertStore struct {
	mu        sync.Mutex
	instances map[string]*models.AlertInstance
	open      map[models.AlertKey]string
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{
		instances: make(map[string]*models.AlertInstance),
		open:      make(map[models.AlertKey]string),
	}
}

func (m *MemoryAlertStore) Create(ctx context.Context, inst *models.AlertInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.Open() {
		if _, exists := m.open[inst.Key()]; exists {
			return ErrAlreadyOpen
		}
		m.open[inst.Key()] = inst.ID
	}
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *MemoryAlertStore) Update(ctx context.Context, inst *models.AlertInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; !ok {
		return ErrNotFound
	}
	cp := *inst
	m.instances[inst.ID] = &cp
	if !inst.Open() && m.open[inst.Key()] == inst.ID {
		delete(m.open, inst.Key())
	}
	return nil
}

func (m *MemoryAlertStore) GetOpen(ctx context.Context, key models.AlertKey) (*models.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.open[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.instances[id]
	return &cp, nil
}

func (m *MemoryAlertStore) ListOpen(ctx context.Context) ([]*models.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AlertInstance, 0, len(m.open))
	for _, id := range m.open {
		cp := *m.instances[id]
		out = append(out, &cp)
	}
	sortByTriggered(out)
	return out, nil
}

func (m *MemoryAlertStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AlertInstance, 0)
	for _, inst := range m.instances {
		if inst.TriggeredAt.Before(since) {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sortByTriggered(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortByTriggered orders newest first.
func sortByTriggered(in []*models.AlertInstance) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].TriggeredAt.Equal(in[j].TriggeredAt) {
			return in[i].ID < in[j].ID
		}
		return in[i].TriggeredAt.After(in[j].TriggeredAt)
	})
}

// MemoryBaselineStore keeps baselines in process memory.
type MemoryBaselineStore struct {
	mu   sync.Mutex
	rows map[models.BaselineKey]models.Baseline
}

func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{rows: make(map[models.BaselineKey]models.Baseline)}
}

func (m *MemoryBaselineStore) Upsert(ctx context.Context, rows []models.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.rows[r.Key()] = r
	}
	return nil
}

func (m *MemoryBaselineStore) List(ctx context.Context) ([]models.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Baseline, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		if a.Metric != b.Metric {
			return a.Metric < b.Metric
		}
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek < b.DayOfWeek
		}
		return a.Hour < b.Hour
	})
	return out, nil
}
