// Package planner builds a driver's multi-stop pickup route and keeps its
// geometry fresh while the driver moves.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/school-run/internal/directions"
	"github.com/example/school-run/internal/geo"
	"github.com/example/school-run/internal/geocode"
	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/observability"
	"github.com/example/school-run/internal/passenger"
	"github.com/example/school-run/internal/storage"
)

var (
	// ErrRoutingUnavailable is retryable; nothing was committed.
	ErrRoutingUnavailable = errors.New("planner: directions service unavailable")
	// ErrGeocodingUnavailable is retryable; nothing was committed.
	ErrGeocodingUnavailable = errors.New("planner: geocoding service unavailable")
	ErrNoPosition           = errors.New("planner: driver position unknown")
	ErrNothingToRoute       = errors.New("planner: no passenger awaiting pickup has a resolvable address")
)

type Store interface {
	storage.AssignmentStore
	storage.PlanStore
}

type Planner struct {
	Store      Store
	Positions  geo.Positions
	Geocoder   geocode.Geocoder
	Directions directions.Client
	Alerts     passenger.Alerts
	// Refresher is optional; when set every committed plan is tracked.
	Refresher      *Refresher
	GeocodeWorkers int
	Logger         *slog.Logger
	Now            func() time.Time
}

type candidate struct {
	assignment models.Assignment
	loc        models.Coord
}

func (c candidate) Coord() models.Coord { return c.loc }

// GenerateRoute plans a route from the driver's position through every
// passenger still awaiting pickup, nearest first. pos overrides the last
// known position. The plan, the Unassigned -> EnRouteToPickup transitions and
// their alerts are committed together, and only after directions succeeded.
func (p *Planner) GenerateRoute(ctx context.Context, driverID ident.ID, pos *models.Coord) (models.RoutePlan, error) {
	start := time.Now()
	origin, err := p.origin(ctx, driverID, pos)
	if err != nil {
		return models.RoutePlan{}, err
	}

	// Always re-read the driver's assignments so a reset cycle reappears.
	all, err := p.Store.ListAssignments(ctx, driverID)
	if err != nil {
		return models.RoutePlan{}, fmt.Errorf("list assignments: %w", err)
	}
	var pending []models.Assignment
	for _, a := range all {
		if a.State == models.StateUnassigned || a.State == models.StateEnRouteToPickup {
			pending = append(pending, a)
		}
	}

	located, err := p.resolve(ctx, pending)
	if err != nil {
		return models.RoutePlan{}, err
	}
	if len(located) == 0 {
		observability.RouteFailures.WithLabelValues("nothing_to_route").Inc()
		return models.RoutePlan{}, ErrNothingToRoute
	}
	ordered := geo.OrderByDistance(origin, located)

	waypoints := make([]models.Coord, 0, len(ordered)+1)
	waypoints = append(waypoints, origin)
	for _, c := range ordered {
		waypoints = append(waypoints, c.loc)
	}
	route, err := p.Directions.Route(ctx, waypoints)
	if err != nil {
		observability.RouteFailures.WithLabelValues("directions").Inc()
		p.logger().Warn("directions failed", "driver_id", driverID, "err", err)
		return models.RoutePlan{}, fmt.Errorf("%w: %v", ErrRoutingUnavailable, err)
	}

	now := p.now()
	plan := models.RoutePlan{
		DriverID:        driverID,
		CycleID:         uuid.NewString(),
		Origin:          origin,
		Geometry:        route.Geometry,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
		GeneratedAt:     now,
		Active:          true,
	}
	var ts []storage.Transition
	for _, c := range ordered {
		plan.Stops = append(plan.Stops, models.Stop{PassengerID: c.assignment.PassengerID, Loc: c.loc, Label: stopLabel(c.assignment)})
		next, changed, err := passenger.Apply(c.assignment, passenger.EventRouted, now, plan.CycleID)
		if err != nil || !changed {
			continue
		}
		ts = append(ts, storage.Transition{Next: next, From: c.assignment.State, Alerts: p.Alerts.ForTransition(next)})
	}

	created, err := p.Store.CommitRoute(ctx, plan, ts)
	if err != nil {
		observability.RouteFailures.WithLabelValues("store").Inc()
		return models.RoutePlan{}, fmt.Errorf("commit route: %w", err)
	}
	observability.Transitions.WithLabelValues(string(models.StateEnRouteToPickup)).Add(float64(len(ts)))
	observability.RoutesGenerated.Inc()
	observability.RouteLatency.Observe(time.Since(start).Seconds())
	p.logger().Info("route generated", "driver_id", driverID, "cycle_id", plan.CycleID,
		"stops", len(plan.Stops), "unrouted", len(pending)-len(located), "distance_m", plan.DistanceMeters)

	p.Alerts.Publish(ctx, created)
	if p.Refresher != nil {
		p.Refresher.Track(plan)
	}
	return plan, nil
}

func (p *Planner) origin(ctx context.Context, driverID ident.ID, pos *models.Coord) (models.Coord, error) {
	if pos != nil {
		if err := p.Positions.Upsert(ctx, driverID, *pos); err != nil {
			p.logger().Warn("position update failed", "driver_id", driverID, "err", err)
		}
		return *pos, nil
	}
	loc, ok, err := p.Positions.Position(ctx, driverID)
	if err != nil {
		return models.Coord{}, fmt.Errorf("driver position: %w", err)
	}
	if !ok {
		return models.Coord{}, ErrNoPosition
	}
	return loc, nil
}

// resolve geocodes pending addresses in parallel. An address the geocoder
// does not know only leaves that passenger unrouted; any other geocoder
// failure aborts the whole generation.
func (p *Planner) resolve(ctx context.Context, pending []models.Assignment) ([]candidate, error) {
	locs := make([]*models.Coord, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i, a := range pending {
		i, a := i, a
		g.Go(func() error {
			loc, err := p.Geocoder.Geocode(gctx, a.Address)
			switch {
			case errors.Is(err, geocode.ErrNotFound):
				observability.UnroutedTotal.Inc()
				p.logger().Warn("address not resolved", "passenger_id", a.PassengerID, "err", err)
				return nil
			case err != nil:
				return err
			}
			locs[i] = &loc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		observability.RouteFailures.WithLabelValues("geocode").Inc()
		p.logger().Warn("geocoding failed", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrGeocodingUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(pending))
	for i, a := range pending {
		if locs[i] != nil {
			out = append(out, candidate{assignment: a, loc: *locs[i]})
		}
	}
	return out, nil
}

func stopLabel(a models.Assignment) string {
	if a.PassengerName != "" {
		return a.PassengerName
	}
	return a.Address
}

func (p *Planner) workers() int {
	if p.GeocodeWorkers > 0 {
		return p.GeocodeWorkers
	}
	return 4
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Planner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
