// Package archive ends a driver's run: it warns guardians of undelivered
// passengers, writes the run's history and resets state for the next cycle.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/observability"
	"github.com/example/school-run/internal/storage"
)

var (
	ErrNoActiveTrip = errors.New("archive: driver has no active trip")
	// ErrArchiveFailed is retryable; no state was reset.
	ErrArchiveFailed = errors.New("archive: could not write trip history")
)

var snapshotNamespace = uuid.MustParse("0b8e6c1d-2f3a-5b4c-8d7e-9f0a1b2c3d4e")

type Store interface {
	storage.AssignmentStore
	storage.PlanStore
}

type Notifier interface {
	Disrupted(a models.Assignment, cycleID string) models.Alert
	Emit(ctx context.Context, alerts []models.Alert) ([]models.Alert, error)
}

type Resetter interface {
	ResetDriver(ctx context.Context, driverID ident.ID) (int, error)
}

type Stopper interface {
	Stop(driverID ident.ID)
}

type Completer struct {
	Store    Store
	History  storage.HistoryStore
	Notifier Notifier
	Resetter Resetter
	// Refresher is optional.
	Refresher Stopper
	Logger    *slog.Logger
	Now       func() time.Time
}

type Result struct {
	DriverID  ident.ID                     `json:"driver_id"`
	CycleID   string                       `json:"cycle_id"`
	Disrupted int                          `json:"disrupted"`
	Reset     int                          `json:"reset"`
	Snapshots []models.TripHistorySnapshot `json:"snapshots"`
}

// EndTrip closes the driver's active run. Everything is derived from the
// plan and assignments as read before any mutation. History is written
// before the plan is deactivated and assignments reset; if it cannot be
// written nothing else changes and the call may be retried.
//
// A run whose plan was deactivated but whose reset failed is finished by the
// next call: only the reset is repeated, since alerts and history are already
// written.
func (c *Completer) EndTrip(ctx context.Context, driverID ident.ID) (Result, error) {
	plan, err := c.Store.GetPlan(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, ErrNoActiveTrip
	}
	if err != nil {
		return Result{}, fmt.Errorf("get plan: %w", err)
	}
	assignments, err := c.Store.ListAssignments(ctx, driverID)
	if err != nil {
		return Result{}, fmt.Errorf("list assignments: %w", err)
	}
	res := Result{DriverID: driverID, CycleID: plan.CycleID}
	if !plan.Active {
		if !pendingReset(assignments) {
			return Result{}, ErrNoActiveTrip
		}
		c.logger().Warn("finishing interrupted trip end", "driver_id", driverID, "cycle_id", plan.CycleID)
		return c.reset(ctx, res)
	}

	var disrupted []models.Alert
	for _, a := range assignments {
		if a.State != models.StateDelivered {
			disrupted = append(disrupted, c.Notifier.Disrupted(a, plan.CycleID))
		}
	}
	if _, err := c.Notifier.Emit(ctx, disrupted); err != nil {
		observability.TripsEnded.WithLabelValues("alert_error").Inc()
		return Result{}, fmt.Errorf("emit disrupted alerts: %w", err)
	}
	res.Disrupted = len(disrupted)

	res.Snapshots = Snapshots(plan, assignments, c.now())
	if err := c.History.SaveSnapshots(ctx, res.Snapshots); err != nil {
		observability.TripsEnded.WithLabelValues("archive_error").Inc()
		c.logger().Error("trip history not written", "driver_id", driverID, "cycle_id", plan.CycleID, "err", err)
		return Result{}, fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}

	// A conflict means a newer plan replaced this one; its passengers must
	// not be reset.
	if err := c.Store.DeactivatePlan(ctx, driverID, plan.CycleID); err != nil {
		observability.TripsEnded.WithLabelValues("deactivate_error").Inc()
		return Result{}, fmt.Errorf("deactivate plan: %w", err)
	}
	return c.reset(ctx, res)
}

func (c *Completer) reset(ctx context.Context, res Result) (Result, error) {
	if c.Refresher != nil {
		c.Refresher.Stop(res.DriverID)
	}
	n, err := c.Resetter.ResetDriver(ctx, res.DriverID)
	if err != nil {
		observability.TripsEnded.WithLabelValues("reset_error").Inc()
		c.logger().Error("passenger reset failed", "driver_id", res.DriverID, "cycle_id", res.CycleID, "err", err)
		return Result{}, fmt.Errorf("reset passengers: %w", err)
	}
	res.Reset = n
	observability.TripsEnded.WithLabelValues("ok").Inc()
	c.logger().Info("trip ended", "driver_id", res.DriverID, "cycle_id", res.CycleID,
		"disrupted", res.Disrupted, "snapshots", len(res.Snapshots), "reset", res.Reset)
	return res, nil
}

// pendingReset reports whether passengers still carry trip state although the
// driver has no active plan.
func pendingReset(assignments []models.Assignment) bool {
	for _, a := range assignments {
		if a.State != models.StateUnassigned {
			return true
		}
	}
	return false
}

// Snapshots builds one driver snapshot with every passenger of the run and
// one snapshot per distinct guardian with only that guardian's passengers.
// A passenger belongs to the run when it is a stop of the plan or has left
// Unassigned, which covers passengers dropped from a regenerated plan after
// pickup.
func Snapshots(plan models.RoutePlan, assignments []models.Assignment, endedAt time.Time) []models.TripHistorySnapshot {
	var riders []models.Assignment
	for _, a := range assignments {
		if _, routed := plan.HasStop(a.PassengerID); routed || a.State != models.StateUnassigned {
			riders = append(riders, a)
		}
	}

	build := func(owner ident.ID, role models.Role, list []models.Assignment) models.TripHistorySnapshot {
		s := models.TripHistorySnapshot{
			ID:         snapshotID(plan.CycleID, owner, role),
			OwnerID:    owner,
			Role:       role,
			DriverID:   plan.DriverID,
			CycleID:    plan.CycleID,
			Passengers: make([]models.HistoryPassenger, 0, len(list)),
			Geometry:   plan.Geometry,
			StartedAt:  plan.GeneratedAt,
			EndedAt:    endedAt,
		}
		for _, a := range list {
			s.Passengers = append(s.Passengers, models.HistoryPassenger{
				PassengerID: a.PassengerID,
				Name:        a.PassengerName,
				PickupAt:    a.PickupAt,
				DeliveredAt: a.DeliveredAt,
			})
		}
		return s
	}

	out := []models.TripHistorySnapshot{build(plan.DriverID, models.RoleDriver, riders)}
	var guardians []ident.ID
	byGuardian := make(map[ident.ID][]models.Assignment)
	for _, a := range riders {
		if _, ok := byGuardian[a.GuardianID]; !ok {
			guardians = append(guardians, a.GuardianID)
		}
		byGuardian[a.GuardianID] = append(byGuardian[a.GuardianID], a)
	}
	for _, g := range guardians {
		out = append(out, build(g, models.RoleGuardian, byGuardian[g]))
	}
	return out
}

func snapshotID(cycleID string, owner ident.ID, role models.Role) string {
	return uuid.NewSHA1(snapshotNamespace, []byte(cycleID+"|"+string(role)+"|"+string(owner))).String()
}

func (c *Completer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Completer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
