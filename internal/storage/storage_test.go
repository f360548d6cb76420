package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

func seed(t *testing.T, m *MemoryStore, pid, driver string, state models.PassengerState) {
	t.Helper()
	require.NoError(t, m.UpsertAssignment(context.Background(), models.Assignment{
		PassengerID: ident.ID(pid),
		GuardianID:  ident.ID("G" + pid),
		DriverID:    ident.ID(driver),
		State:       state,
	}))
}

func TestTransitionAssignmentCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "P1", "D1", models.StateEnRouteToPickup)

	next, _ := m.GetAssignment(ctx, "P1")
	next.State = models.StateOnboard
	alert := models.Alert{ID: "a1", Type: models.AlertPickedUp, RecipientID: "GP1"}

	created, err := m.TransitionAssignment(ctx, Transition{Next: next, From: models.StateEnRouteToPickup, Alerts: []models.Alert{alert}})
	require.NoError(t, err)
	assert.Len(t, created, 1)

	_, err = m.TransitionAssignment(ctx, Transition{Next: next, From: models.StateEnRouteToPickup, Alerts: []models.Alert{alert}})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.TransitionAssignment(ctx, Transition{Next: models.Assignment{PassengerID: "NOPE"}, From: models.StateUnassigned})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitRouteUpsertsSinglePlanAndSkipsStaleTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "P1", "D1", models.StateUnassigned)
	seed(t, m, "P2", "D1", models.StateOnboard)

	moves := func(cycle string) []Transition {
		var ts []Transition
		for _, pid := range []string{"P1", "P2"} {
			a, _ := m.GetAssignment(ctx, ident.ID(pid))
			a.State = models.StateEnRouteToPickup
			a.CycleID = cycle
			ts = append(ts, Transition{Next: a, From: models.StateUnassigned, Alerts: []models.Alert{{ID: cycle + pid}}})
		}
		return ts
	}

	created, err := m.CommitRoute(ctx, models.RoutePlan{DriverID: "D1", CycleID: "c1", Active: true}, moves("c1"))
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "c1P1", created[0].ID)

	p2, _ := m.GetAssignment(ctx, "P2")
	assert.Equal(t, models.StateOnboard, p2.State)

	_, err = m.CommitRoute(ctx, models.RoutePlan{DriverID: "D1", CycleID: "c2", Active: true}, nil)
	require.NoError(t, err)
	plan, err := m.GetPlan(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "c2", plan.CycleID)
	assert.Len(t, m.plans, 1)
}

func TestPlanGeometryAndDeactivateAreCycleScoped(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_, err := m.CommitRoute(ctx, models.RoutePlan{DriverID: "D1", CycleID: "c1", Active: true, Geometry: "old"}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, m.UpdatePlanGeometry(ctx, "D1", "stale", PlanGeometry{Geometry: "x"}), ErrConflict)
	require.NoError(t, m.UpdatePlanGeometry(ctx, "D1", "c1", PlanGeometry{Geometry: "new", DurationSeconds: 9}))
	plan, _ := m.GetPlan(ctx, "D1")
	assert.Equal(t, "new", plan.Geometry)
	assert.False(t, plan.RefreshedAt.IsZero())

	require.NoError(t, m.DeactivatePlan(ctx, "D1", "c1"))
	assert.ErrorIs(t, m.UpdatePlanGeometry(ctx, "D1", "c1", PlanGeometry{}), ErrConflict)
	assert.ErrorIs(t, m.DeactivatePlan(ctx, "NOPE", "c1"), ErrNotFound)
}

func TestResetDriverClearsEveryState(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "P1", "D1", models.StateDelivered)
	seed(t, m, "P2", "D1", models.StateOnboard)
	seed(t, m, "P3", "D2", models.StateOnboard)

	n, err := m.ResetDriver(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, _ := m.ListAssignments(ctx, "D1")
	for _, a := range list {
		assert.Equal(t, models.StateUnassigned, a.State)
		assert.Nil(t, a.PickupAt)
	}
	other, _ := m.GetAssignment(ctx, "P3")
	assert.Equal(t, models.StateOnboard, other.State)
}

func TestAlertsCreateIfAbsentAndQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	a := models.Alert{ID: "a1", RecipientID: "123456789", RecipientRaw: "12.345.678-9", Payload: models.AlertPayload{VehiclePlate: "ABCD12"}}
	created, err := m.CreateAlerts(ctx, []models.Alert{a, a})
	require.NoError(t, err)
	assert.Len(t, created, 1)

	for _, q := range []models.AlertQuery{{Recipient: "123456789"}, {Recipient: "12.345.678-9"}, {VehiclePlate: "ABCD12"}} {
		got, err := m.ListAlerts(ctx, q)
		require.NoError(t, err)
		assert.Len(t, got, 1, "query %+v", q)
	}
	got, _ := m.ListAlerts(ctx, models.AlertQuery{Recipient: "12345678-9"})
	assert.Empty(t, got)

	require.NoError(t, m.MarkRead(ctx, "a1"))
	got, _ = m.ListAlerts(ctx, models.AlertQuery{Recipient: "123456789"})
	assert.True(t, got[0].Read)
	assert.ErrorIs(t, m.MarkRead(ctx, "zz"), ErrNotFound)
}

func TestSQLiteHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	h, err := NewSQLiteHistory(":memory:")
	require.NoError(t, err)
	defer h.Close()

	picked := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	snap := models.TripHistorySnapshot{
		ID:         "s1",
		OwnerID:    "G1",
		Role:       models.RoleGuardian,
		DriverID:   "D1",
		CycleID:    "c1",
		Passengers: []models.HistoryPassenger{{PassengerID: "P1", Name: "Ana", PickupAt: &picked}},
		Geometry:   "abc",
		StartedAt:  picked.Add(-time.Hour),
		EndedAt:    picked.Add(time.Hour),
	}
	require.NoError(t, h.SaveSnapshots(ctx, []models.TripHistorySnapshot{snap}))
	require.NoError(t, h.SaveSnapshots(ctx, []models.TripHistorySnapshot{snap}))

	got, err := h.ListSnapshots(ctx, "G1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.RoleGuardian, got[0].Role)
	assert.True(t, got[0].Passengers[0].PickupAt.Equal(picked))
	assert.True(t, got[0].EndedAt.Equal(snap.EndedAt))
}
