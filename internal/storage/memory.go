package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

// MemoryStore is an in-process Store. A single lock makes every multi-document
// write atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[ident.ID]models.Assignment
	plans       map[ident.ID]models.RoutePlan
	alerts      map[string]models.Alert
	alertOrder  []string
	history     map[string]models.TripHistorySnapshot
	historyKeys []string
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: make(map[ident.ID]models.Assignment),
		plans:       make(map[ident.ID]models.RoutePlan),
		alerts:      make(map[string]models.Alert),
		history:     make(map[string]models.TripHistorySnapshot),
		now:         time.Now,
	}
}

func (m *MemoryStore) UpsertAssignment(_ context.Context, a models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.State == "" {
		a.State = models.StateUnassigned
	}
	a.UpdatedAt = m.now()
	m.assignments[a.PassengerID] = cloneAssignment(a)
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, passengerID ident.ID) (models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[passengerID]
	if !ok {
		return models.Assignment{}, ErrNotFound
	}
	return cloneAssignment(a), nil
}

func (m *MemoryStore) ListAssignments(_ context.Context, driverID ident.ID) ([]models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Assignment, 0)
	for _, a := range m.assignments {
		if a.DriverID == driverID {
			out = append(out, cloneAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PassengerID < out[j].PassengerID })
	return out, nil
}

func (m *MemoryStore) TransitionAssignment(_ context.Context, t Transition) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.assignments[t.Next.PassengerID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.State != t.From {
		return nil, ErrConflict
	}
	m.applyLocked(t.Next)
	return m.createAlertsLocked(t.Alerts), nil
}

func (m *MemoryStore) ResetDriver(_ context.Context, driverID ident.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, a := range m.assignments {
		if a.DriverID != driverID {
			continue
		}
		a.State = models.StateUnassigned
		a.CycleID = ""
		a.PickupAt = nil
		a.DeliveredAt = nil
		a.UpdatedAt = m.now()
		m.assignments[id] = a
		n++
	}
	return n, nil
}

func (m *MemoryStore) GetPlan(_ context.Context, driverID ident.ID) (models.RoutePlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[driverID]
	if !ok {
		return models.RoutePlan{}, ErrNotFound
	}
	return clonePlan(p), nil
}

func (m *MemoryStore) CommitRoute(_ context.Context, plan models.RoutePlan, ts []Transition) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.DriverID] = clonePlan(plan)
	var created []models.Alert
	for _, t := range ts {
		cur, ok := m.assignments[t.Next.PassengerID]
		if !ok || cur.State != t.From {
			continue
		}
		m.applyLocked(t.Next)
		created = append(created, m.createAlertsLocked(t.Alerts)...)
	}
	return created, nil
}

func (m *MemoryStore) UpdatePlanGeometry(_ context.Context, driverID ident.ID, cycleID string, g PlanGeometry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[driverID]
	if !ok {
		return ErrNotFound
	}
	if !p.Active || p.CycleID != cycleID {
		return ErrConflict
	}
	p.Geometry = g.Geometry
	p.DistanceMeters = g.DistanceMeters
	p.DurationSeconds = g.DurationSeconds
	p.RefreshedAt = m.now()
	m.plans[driverID] = p
	return nil
}

func (m *MemoryStore) DeactivatePlan(_ context.Context, driverID ident.ID, cycleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[driverID]
	if !ok {
		return ErrNotFound
	}
	if p.CycleID != cycleID {
		return ErrConflict
	}
	p.Active = false
	m.plans[driverID] = p
	return nil
}

func (m *MemoryStore) CreateAlerts(_ context.Context, alerts []models.Alert) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAlertsLocked(alerts), nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, q models.AlertQuery) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Alert, 0)
	for _, id := range m.alertOrder {
		if a := m.alerts[id]; q.Matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	a.Read = true
	m.alerts[alertID] = a
	return nil
}

func (m *MemoryStore) SaveSnapshots(_ context.Context, snaps []models.TripHistorySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		if _, ok := m.history[s.ID]; ok {
			continue
		}
		m.history[s.ID] = s
		m.historyKeys = append(m.historyKeys, s.ID)
	}
	return nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, ownerID ident.ID) ([]models.TripHistorySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TripHistorySnapshot, 0)
	for _, id := range m.historyKeys {
		if s := m.history[id]; s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) applyLocked(a models.Assignment) {
	a.UpdatedAt = m.now()
	m.assignments[a.PassengerID] = cloneAssignment(a)
}

func (m *MemoryStore) createAlertsLocked(alerts []models.Alert) []models.Alert {
	var created []models.Alert
	for _, a := range alerts {
		if _, ok := m.alerts[a.ID]; ok {
			continue
		}
		m.alerts[a.ID] = a
		m.alertOrder = append(m.alertOrder, a.ID)
		created = append(created, a)
	}
	return created
}

func cloneAssignment(a models.Assignment) models.Assignment {
	if a.PickupAt != nil {
		t := *a.PickupAt
		a.PickupAt = &t
	}
	if a.DeliveredAt != nil {
		t := *a.DeliveredAt
		a.DeliveredAt = &t
	}
	return a
}

func clonePlan(p models.RoutePlan) models.RoutePlan {
	p.Stops = append([]models.Stop(nil), p.Stops...)
	return p
}
