package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/passenger"
	"github.com/example/school-run/internal/storage"
)

type PassengerView struct {
	models.Assignment
	Routed    bool `json:"routed"`
	StopIndex int  `json:"stop_index"`
}

// Listing is recomputed from the store on every call.
type Listing struct {
	DriverID   ident.ID          `json:"driver_id"`
	CycleID    string            `json:"cycle_id,omitempty"`
	Passengers []PassengerView   `json:"passengers"`
	Next       *PassengerView    `json:"next,omitempty"`
	Plan       *models.RoutePlan `json:"plan,omitempty"`
}

// Listing returns every assignment of the driver, flagged routed or not
// against the active plan, and the next passenger to head for.
func (p *Planner) Listing(ctx context.Context, driverID ident.ID) (Listing, error) {
	all, err := p.Store.ListAssignments(ctx, driverID)
	if err != nil {
		return Listing{}, fmt.Errorf("list assignments: %w", err)
	}
	out := Listing{DriverID: driverID, Passengers: make([]PassengerView, 0, len(all))}

	var plan *models.RoutePlan
	if pl, err := p.Store.GetPlan(ctx, driverID); err == nil && pl.Active {
		plan = &pl
		out.Plan = plan
		out.CycleID = pl.CycleID
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Listing{}, fmt.Errorf("get plan: %w", err)
	}

	stops := make(map[ident.ID]models.Coord)
	var driverPos models.Coord
	if plan != nil {
		driverPos = plan.Origin
		for _, s := range plan.Stops {
			stops[s.PassengerID] = s.Loc
		}
	}
	if loc, ok, err := p.Positions.Position(ctx, driverID); err == nil && ok {
		driverPos = loc
	}

	for _, a := range all {
		v := PassengerView{Assignment: a, StopIndex: -1}
		if plan != nil {
			v.StopIndex, v.Routed = plan.HasStop(a.PassengerID)
		}
		out.Passengers = append(out.Passengers, v)
	}
	if next, ok := passenger.NextTarget(all, driverPos, stops); ok {
		for i := range out.Passengers {
			if out.Passengers[i].PassengerID == next.PassengerID {
				out.Next = &out.Passengers[i]
				break
			}
		}
	}
	return out, nil
}

// ActivePlan returns the driver's active plan or storage.ErrNotFound.
func (p *Planner) ActivePlan(ctx context.Context, driverID ident.ID) (models.RoutePlan, error) {
	plan, err := p.Store.GetPlan(ctx, driverID)
	if err != nil {
		return models.RoutePlan{}, err
	}
	if !plan.Active {
		return models.RoutePlan{}, storage.ErrNotFound
	}
	return plan, nil
}
