package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/example/school-run/internal/directions"
	"github.com/example/school-run/internal/geo"
	"github.com/example/school-run/internal/geocode"
	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/notify"
	"github.com/example/school-run/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeGeocoder map[string]models.Coord

func (f fakeGeocoder) Geocode(_ context.Context, address string) (models.Coord, error) {
	if c, ok := f[address]; ok {
		return c, nil
	}
	return models.Coord{}, geocode.ErrNotFound
}

type fakeDirections struct {
	mu    sync.Mutex
	calls [][]models.Coord
	err   error
}

func (f *fakeDirections) Route(ctx context.Context, wps []models.Coord) (directions.Route, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]models.Coord(nil), wps...))
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return directions.Route{}, err
	}
	return directions.StraightLine{SpeedMps: 10}.Route(ctx, wps)
}

func (f *fakeDirections) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDirections) last() []models.Coord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

var (
	home = models.Coord{Lat: -33.4500, Lon: -70.6600}
	near = models.Coord{Lat: -33.4510, Lon: -70.6610}
	far  = models.Coord{Lat: -33.4700, Lon: -70.6800}
)

type fixture struct {
	store   *storage.MemoryStore
	dirs    *fakeDirections
	planner *Planner
}

func newFixture(t *testing.T, assignments ...models.Assignment) *fixture {
	t.Helper()
	st := storage.NewMemoryStore()
	for _, a := range assignments {
		require.NoError(t, st.UpsertAssignment(context.Background(), a))
	}
	dirs := &fakeDirections{}
	return &fixture{
		store: st,
		dirs:  dirs,
		planner: &Planner{
			Store:      st,
			Positions:  geo.NewIndex(),
			Geocoder:   fakeGeocoder{"1 Near St": near, "9 Far Ave": far},
			Directions: dirs,
			Alerts:     &notify.Notifier{Store: st, Bus: notify.NewLocalBus()},
		},
	}
}

func assignment(pid, address string) models.Assignment {
	return models.Assignment{
		PassengerID: ident.ID(pid), PassengerName: "kid " + pid, GuardianID: ident.ID("G" + pid),
		DriverID: "D1", VehiclePlate: "ABCD12", Address: address, State: models.StateUnassigned,
	}
}

func state(t *testing.T, st *storage.MemoryStore, pid string) models.PassengerState {
	t.Helper()
	a, err := st.GetAssignment(context.Background(), ident.ID(pid))
	require.NoError(t, err)
	return a.State
}

func alertsFor(t *testing.T, st *storage.MemoryStore, recipient string) []models.Alert {
	t.Helper()
	got, err := st.ListAlerts(context.Background(), models.AlertQuery{Recipient: recipient})
	require.NoError(t, err)
	return got
}

func TestGenerateRouteRoutesResolvableAndKeepsOthersListed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, assignment("A", "1 Near St"), assignment("B", "nowhere"))

	plan, err := f.planner.GenerateRoute(ctx, "D1", &home)
	require.NoError(t, err)
	require.Len(t, plan.Stops, 1)
	assert.Equal(t, ident.ID("A"), plan.Stops[0].PassengerID)
	assert.True(t, plan.Active)
	assert.NotEmpty(t, plan.Geometry)

	assert.Equal(t, models.StateEnRouteToPickup, state(t, f.store, "A"))
	assert.Equal(t, models.StateUnassigned, state(t, f.store, "B"))

	enRoute := alertsFor(t, f.store, "GA")
	require.Len(t, enRoute, 1)
	assert.Equal(t, models.AlertDriverEnRoute, enRoute[0].Type)
	assert.Empty(t, alertsFor(t, f.store, "GB"))

	listing, err := f.planner.Listing(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, listing.Passengers, 2)
	assert.True(t, listing.Passengers[0].Routed)
	assert.Equal(t, 0, listing.Passengers[0].StopIndex)
	assert.False(t, listing.Passengers[1].Routed)
	assert.Equal(t, -1, listing.Passengers[1].StopIndex)
	require.NotNil(t, listing.Next)
	assert.Equal(t, ident.ID("A"), listing.Next.PassengerID)
}

func TestGenerateRouteOrdersNearestFirst(t *testing.T) {
	f := newFixture(t, assignment("FAR", "9 Far Ave"), assignment("NEAR", "1 Near St"))

	plan, err := f.planner.GenerateRoute(context.Background(), "D1", &home)
	require.NoError(t, err)
	var order []ident.ID
	for _, s := range plan.Stops {
		order = append(order, s.PassengerID)
	}
	if diff := cmp.Diff([]ident.ID{"NEAR", "FAR"}, order); diff != "" {
		t.Fatalf("stop order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]models.Coord{home, near, far}, f.dirs.last()); diff != "" {
		t.Fatalf("waypoints mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateRouteDirectionsFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, assignment("A", "1 Near St"))
	f.dirs.err = errors.New("503 from upstream")

	_, err := f.planner.GenerateRoute(ctx, "D1", &home)
	assert.ErrorIs(t, err, ErrRoutingUnavailable)

	_, err = f.store.GetPlan(ctx, "D1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, models.StateUnassigned, state(t, f.store, "A"))
	assert.Empty(t, alertsFor(t, f.store, "GA"))
}

type downGeocoder struct{}

func (downGeocoder) Geocode(context.Context, string) (models.Coord, error) {
	return models.Coord{}, errors.New("geocode status 503: overloaded")
}

func TestGenerateRouteGeocoderOutageIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, assignment("A", "1 Near St"), assignment("B", "9 Far Ave"))
	f.planner.Geocoder = downGeocoder{}

	_, err := f.planner.GenerateRoute(ctx, "D1", &home)
	assert.ErrorIs(t, err, ErrGeocodingUnavailable)
	assert.NotErrorIs(t, err, ErrNothingToRoute)

	_, err = f.store.GetPlan(ctx, "D1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, models.StateUnassigned, state(t, f.store, "A"))
	assert.Zero(t, f.dirs.callCount())
}

func TestGenerateRouteTwiceKeepsOneActivePlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, assignment("A", "1 Near St"))

	first, err := f.planner.GenerateRoute(ctx, "D1", &home)
	require.NoError(t, err)
	second, err := f.planner.GenerateRoute(ctx, "D1", &home)
	require.NoError(t, err)
	assert.NotEqual(t, first.CycleID, second.CycleID)

	plan, err := f.planner.ActivePlan(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, second.CycleID, plan.CycleID)
	assert.Len(t, alertsFor(t, f.store, "GA"), 1)
}

func TestGenerateRouteSkipsOnboardAndDelivered(t *testing.T) {
	on := assignment("ON", "1 Near St")
	on.State = models.StateOnboard
	done := assignment("DONE", "9 Far Ave")
	done.State = models.StateDelivered
	f := newFixture(t, on, done)

	_, err := f.planner.GenerateRoute(context.Background(), "D1", &home)
	assert.ErrorIs(t, err, ErrNothingToRoute)
	assert.Zero(t, f.dirs.callCount())
}

func TestGenerateRouteUsesLastKnownPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, assignment("A", "1 Near St"))

	_, err := f.planner.GenerateRoute(ctx, "D1", nil)
	assert.ErrorIs(t, err, ErrNoPosition)

	require.NoError(t, f.planner.Positions.Upsert(ctx, "D1", far))
	plan, err := f.planner.GenerateRoute(ctx, "D1", nil)
	require.NoError(t, err)
	assert.Equal(t, far, plan.Origin)
}

func TestListingFallsBackToFirstWhenAllDelivered(t *testing.T) {
	a := assignment("A", "1 Near St")
	a.State = models.StateDelivered
	b := assignment("B", "9 Far Ave")
	b.State = models.StateDelivered
	f := newFixture(t, a, b)

	listing, err := f.planner.Listing(context.Background(), "D1")
	require.NoError(t, err)
	require.NotNil(t, listing.Next)
	assert.Equal(t, ident.ID("A"), listing.Next.PassengerID)
	assert.Nil(t, listing.Plan)

	_, err = f.planner.ActivePlan(context.Background(), "D1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefresherUpdatesGeometryOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, assignment("FAR", "9 Far Ave"), assignment("NEAR", "1 Near St"))
	r := NewRefresher(f.store, f.dirs, 20*time.Millisecond, 50, nil)
	defer r.Close()
	f.planner.Refresher = r

	plan, err := f.planner.GenerateRoute(ctx, "D1", &home)
	require.NoError(t, err)
	require.True(t, r.Tracking("D1"))
	alertsBefore := len(alertsFor(t, f.store, "GNEAR")) + len(alertsFor(t, f.store, "GFAR"))
	calls := f.dirs.callCount()

	// Below the movement threshold.
	assert.False(t, r.OnLocation("D1", models.Coord{Lat: home.Lat + 0.0001, Lon: home.Lon}))

	// A burst of moves collapses into one refresh.
	moved := models.Coord{Lat: -33.4550, Lon: -70.6650}
	assert.True(t, r.OnLocation("D1", models.Coord{Lat: -33.4540, Lon: -70.6640}))
	assert.True(t, r.OnLocation("D1", moved))
	require.Eventually(t, func() bool {
		p, _ := f.store.GetPlan(ctx, "D1")
		return !p.RefreshedAt.IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, calls+1, f.dirs.callCount())
	if diff := cmp.Diff([]models.Coord{moved, near, far}, f.dirs.last()); diff != "" {
		t.Fatalf("refresh waypoints mismatch (-want +got):\n%s", diff)
	}

	after, err := f.store.GetPlan(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, plan.CycleID, after.CycleID)
	assert.Equal(t, plan.Stops, after.Stops)
	assert.NotEqual(t, plan.Geometry, after.Geometry)
	assert.Equal(t, models.StateEnRouteToPickup, state(t, f.store, "NEAR"))
	assert.Equal(t, alertsBefore, len(alertsFor(t, f.store, "GNEAR"))+len(alertsFor(t, f.store, "GFAR")))
}

func TestRefresherDropsStaleCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, assignment("A", "1 Near St"))
	r := NewRefresher(f.store, f.dirs, 5*time.Millisecond, 10, nil)
	defer r.Close()
	f.planner.Refresher = r

	plan, err := f.planner.GenerateRoute(ctx, "D1", &home)
	require.NoError(t, err)
	require.NoError(t, f.store.DeactivatePlan(ctx, "D1", plan.CycleID))

	require.True(t, r.OnLocation("D1", far))
	require.Eventually(t, func() bool { return !r.Tracking("D1") }, time.Second, 5*time.Millisecond)
}

func TestRefresherStopCancelsPendingRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, assignment("A", "1 Near St"))
	r := NewRefresher(f.store, f.dirs, 30*time.Millisecond, 10, nil)
	defer r.Close()
	f.planner.Refresher = r

	_, err := f.planner.GenerateRoute(ctx, "D1", &home)
	require.NoError(t, err)
	calls := f.dirs.callCount()

	require.True(t, r.OnLocation("D1", far))
	r.Stop("D1")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, f.dirs.callCount())
	assert.False(t, r.OnLocation("D1", near))
}
