package planner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/school-run/internal/directions"
	"github.com/example/school-run/internal/geo"
	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/observability"
	"github.com/example/school-run/internal/storage"
)

// Refresher re-requests directions for active plans as drivers move. It only
// rewrites geometry, distance and duration: stop order, passenger state and
// alerts are left alone.
type Refresher struct {
	store      storage.PlanStore
	directions directions.Client
	debounce   time.Duration
	minMove    float64
	logger     *slog.Logger
	timeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tracks map[ident.ID]*track
	closed bool
	wg     sync.WaitGroup
}

type track struct {
	cycleID string
	stops   []models.Coord
	anchor  models.Coord
	latest  models.Coord
	timer   *time.Timer
}

func NewRefresher(store storage.PlanStore, dirs directions.Client, debounce time.Duration, minMoveMeters float64, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		store:      store,
		directions: dirs,
		debounce:   debounce,
		minMove:    minMoveMeters,
		logger:     logger,
		timeout:    10 * time.Second,
		ctx:        ctx,
		cancel:     cancel,
		tracks:     make(map[ident.ID]*track),
	}
}

// Track starts refreshing plan, replacing whatever was tracked for its driver.
func (r *Refresher) Track(plan models.RoutePlan) {
	stops := make([]models.Coord, 0, len(plan.Stops))
	for _, s := range plan.Stops {
		stops = append(stops, s.Loc)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.stopLocked(plan.DriverID)
	r.tracks[plan.DriverID] = &track{cycleID: plan.CycleID, stops: stops, anchor: plan.Origin, latest: plan.Origin}
}

// OnLocation (re)arms the debounce timer when the driver moved at least the
// minimum distance since the last refresh. It reports whether it did.
func (r *Refresher) OnLocation(driverID ident.ID, loc models.Coord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.tracks[driverID]
	if r.closed || !ok {
		return false
	}
	if geo.Distance(tr.anchor, loc) < r.minMove {
		return false
	}
	tr.latest = loc
	if tr.timer != nil {
		tr.timer.Stop()
	}
	tr.timer = time.AfterFunc(r.debounce, func() { r.fire(driverID, tr) })
	return true
}

// Stop cancels refreshing for the driver, e.g. when the trip ends.
func (r *Refresher) Stop(driverID ident.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(driverID)
}

// Close stops every track and waits for in-flight refreshes.
func (r *Refresher) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id := range r.tracks {
		r.stopLocked(id)
	}
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// Tracking reports whether the driver has a tracked plan.
func (r *Refresher) Tracking(driverID ident.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tracks[driverID]
	return ok
}

func (r *Refresher) stopLocked(driverID ident.ID) {
	if tr, ok := r.tracks[driverID]; ok {
		if tr.timer != nil {
			tr.timer.Stop()
		}
		delete(r.tracks, driverID)
	}
}

func (r *Refresher) fire(driverID ident.ID, tr *track) {
	r.mu.Lock()
	if r.closed || r.tracks[driverID] != tr {
		r.mu.Unlock()
		return
	}
	origin := tr.latest
	waypoints := append([]models.Coord{origin}, tr.stops...)
	cycleID := tr.cycleID
	tr.timer = nil
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	route, err := r.directions.Route(ctx, waypoints)
	if err != nil {
		observability.RouteRefreshes.WithLabelValues("error").Inc()
		r.logger.Warn("route refresh failed", "driver_id", driverID, "err", err)
		return
	}
	err = r.store.UpdatePlanGeometry(ctx, driverID, cycleID, storage.PlanGeometry{
		Geometry:        route.Geometry,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		// The plan was replaced or ended underneath us.
		observability.RouteRefreshes.WithLabelValues("stale").Inc()
		if r.tracks[driverID] == tr {
			delete(r.tracks, driverID)
		}
	case err != nil:
		observability.RouteRefreshes.WithLabelValues("error").Inc()
		r.logger.Warn("route refresh not stored", "driver_id", driverID, "err", err)
	default:
		observability.RouteRefreshes.WithLabelValues("ok").Inc()
		tr.anchor = origin
		r.logger.Debug("route refreshed", "driver_id", driverID, "cycle_id", cycleID, "duration_s", route.DurationSeconds)
	}
}
