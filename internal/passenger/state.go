// Package passenger implements the per-assignment trip lifecycle:
// Unassigned -> EnRouteToPickup -> Onboard -> Delivered, with an
// unconditional reset back to Unassigned when a run ends.
package passenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/observability"
	"github.com/example/school-run/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("passenger: invalid state transition")
	ErrNotFound          = errors.New("passenger: assignment not found")
)

type Event string

const (
	EventRouted    Event = "routed"
	EventPickedUp  Event = "picked_up"
	EventDelivered Event = "delivered"
)

// Apply computes the assignment after ev. changed is false when the
// assignment already is in the target state; repeating an event is a no-op.
func Apply(a models.Assignment, ev Event, now time.Time, cycleID string) (next models.Assignment, changed bool, err error) {
	next = a
	switch ev {
	case EventRouted:
		switch a.State {
		case models.StateEnRouteToPickup:
			return a, false, nil
		case models.StateUnassigned, "":
			next.State = models.StateEnRouteToPickup
			next.CycleID = cycleID
			next.PickupAt = nil
			next.DeliveredAt = nil
		default:
			return a, false, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, ev, a.State)
		}
	case EventPickedUp:
		switch a.State {
		case models.StateOnboard:
			return a, false, nil
		case models.StateEnRouteToPickup:
			next.State = models.StateOnboard
			next.PickupAt = &now
		default:
			return a, false, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, ev, a.State)
		}
	case EventDelivered:
		switch a.State {
		case models.StateDelivered:
			return a, false, nil
		case models.StateOnboard:
			next.State = models.StateDelivered
			next.DeliveredAt = &now
		default:
			return a, false, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, ev, a.State)
		}
	default:
		return a, false, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev)
	}
	return next, true, nil
}

// Alerts builds and publishes the notifications for a state just entered.
type Alerts interface {
	ForTransition(a models.Assignment) []models.Alert
	Publish(ctx context.Context, alerts []models.Alert)
}

// Machine applies transitions against the assignment store. Writes are
// compare-and-set on the previous state, so duplicate or concurrent requests
// for one passenger collapse into a single transition and a single alert.
type Machine struct {
	Store  storage.AssignmentStore
	Alerts Alerts
	Logger *slog.Logger
	Now    func() time.Time
}

const maxCASAttempts = 3

func (m *Machine) MarkPickedUp(ctx context.Context, passengerID ident.ID) (models.Assignment, error) {
	return m.transition(ctx, passengerID, EventPickedUp)
}

func (m *Machine) MarkDelivered(ctx context.Context, passengerID ident.ID) (models.Assignment, error) {
	return m.transition(ctx, passengerID, EventDelivered)
}

// ResetDriver returns every assignment of the driver to Unassigned, whatever
// its state, so the passengers are eligible for the next route generation.
func (m *Machine) ResetDriver(ctx context.Context, driverID ident.ID) (int, error) {
	n, err := m.Store.ResetDriver(ctx, driverID)
	if err != nil {
		return 0, fmt.Errorf("reset driver %s: %w", driverID, err)
	}
	observability.Transitions.WithLabelValues(string(models.StateUnassigned)).Add(float64(n))
	m.logger().Info("assignments reset", "driver_id", driverID, "count", n)
	return n, nil
}

func (m *Machine) transition(ctx context.Context, passengerID ident.ID, ev Event) (models.Assignment, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := m.Store.GetAssignment(ctx, passengerID)
		if errors.Is(err, storage.ErrNotFound) {
			return models.Assignment{}, fmt.Errorf("%w: %s", ErrNotFound, passengerID)
		}
		if err != nil {
			return models.Assignment{}, err
		}
		next, changed, err := Apply(cur, ev, m.now(), cur.CycleID)
		if err != nil {
			return cur, err
		}
		if !changed {
			return cur, nil
		}
		alerts := m.Alerts.ForTransition(next)
		created, err := m.Store.TransitionAssignment(ctx, storage.Transition{Next: next, From: cur.State, Alerts: alerts})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return cur, fmt.Errorf("commit %s for %s: %w", ev, passengerID, err)
		}
		observability.Transitions.WithLabelValues(string(next.State)).Inc()
		m.logger().Info("passenger transition", "passenger_id", passengerID, "driver_id", next.DriverID, "from", cur.State, "to", next.State)
		m.Alerts.Publish(ctx, created)
		return next, nil
	}
	return models.Assignment{}, fmt.Errorf("%s for %s: %w", ev, passengerID, storage.ErrConflict)
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
