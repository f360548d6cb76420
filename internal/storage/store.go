package storage

import (
	"context"
	"errors"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional write finds the document in a
	// different state than the caller read.
	ErrConflict = errors.New("storage: document changed concurrently")
)

// Transition is a compare-and-set write of one assignment: Next is stored only
// if the stored state still equals From. Alerts are created in the same write.
type Transition struct {
	Next   models.Assignment
	From   models.PassengerState
	Alerts []models.Alert
}

// PlanGeometry is the part of a RoutePlan a background refresh may rewrite.
type PlanGeometry struct {
	Geometry        string
	DistanceMeters  float64
	DurationSeconds float64
}

type AssignmentStore interface {
	UpsertAssignment(ctx context.Context, a models.Assignment) error
	GetAssignment(ctx context.Context, passengerID ident.ID) (models.Assignment, error)
	// ListAssignments returns every assignment of the driver regardless of state,
	// ordered by passenger id.
	ListAssignments(ctx context.Context, driverID ident.ID) ([]models.Assignment, error)
	// TransitionAssignment applies t and returns the alerts that were newly
	// created. ErrConflict when the stored state is not t.From.
	TransitionAssignment(ctx context.Context, t Transition) ([]models.Alert, error)
	// ResetDriver moves every assignment of the driver back to Unassigned.
	ResetDriver(ctx context.Context, driverID ident.ID) (int, error)
}

type PlanStore interface {
	GetPlan(ctx context.Context, driverID ident.ID) (models.RoutePlan, error)
	// CommitRoute upserts the plan under its driver key and applies the
	// transitions whose From still matches, atomically. Transitions that no
	// longer match are skipped together with their alerts.
	CommitRoute(ctx context.Context, plan models.RoutePlan, ts []Transition) ([]models.Alert, error)
	// UpdatePlanGeometry rewrites geometry only if the plan is active and still
	// belongs to cycleID; ErrConflict otherwise.
	UpdatePlanGeometry(ctx context.Context, driverID ident.ID, cycleID string, g PlanGeometry) error
	DeactivatePlan(ctx context.Context, driverID ident.ID, cycleID string) error
}

type AlertStore interface {
	// CreateAlerts inserts alerts whose id does not exist yet and returns them.
	CreateAlerts(ctx context.Context, alerts []models.Alert) ([]models.Alert, error)
	ListAlerts(ctx context.Context, q models.AlertQuery) ([]models.Alert, error)
	MarkRead(ctx context.Context, alertID string) error
}

type HistoryStore interface {
	// SaveSnapshots writes all snapshots or none. Ids already present are kept.
	SaveSnapshots(ctx context.Context, snaps []models.TripHistorySnapshot) error
	ListSnapshots(ctx context.Context, ownerID ident.ID) ([]models.TripHistorySnapshot, error)
}

// Store is the live document store collaborator.
type Store interface {
	AssignmentStore
	PlanStore
	AlertStore
	HistoryStore
	Close() error
}
