package directions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/twpayne/go-polyline"

	"github.com/example/school-run/internal/geo"
	"github.com/example/school-run/internal/models"
)

var ErrTooFewWaypoints = errors.New("directions: need an origin and at least one stop")

// Route is the drivable path returned for an ordered list of waypoints.
type Route struct {
	Geometry        string  `json:"geometry"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Client is the directions collaborator used by the planner.
type Client interface {
	Route(ctx context.Context, waypoints []models.Coord) (Route, error)
}

// StraightLine joins waypoints with straight legs at a fixed speed. It is the
// fallback when no routing engine is configured.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) Route(_ context.Context, waypoints []models.Coord) (Route, error) {
	if len(waypoints) < 2 {
		return Route{}, ErrTooFewWaypoints
	}
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	var d float64
	for i := 1; i < len(waypoints); i++ {
		d += geo.Distance(waypoints[i-1], waypoints[i])
	}
	return Route{Geometry: EncodePolyline(waypoints), DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// Cached memoizes routes for identical waypoint lists in a bounded LRU with
// expiry, so a driver re-tapping "generate" does not hit the routing engine
// twice and moving origins cannot grow it without limit.
type Cached struct {
	next  Client
	cache gcache.Cache
}

func NewCached(next Client, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 512
	}
	return &Cached{
		next:  next,
		cache: gcache.New(size).LRU().Expiration(ttl).Build(),
	}
}

func keyFor(waypoints []models.Coord) string {
	parts := make([]string, 0, len(waypoints))
	for _, w := range waypoints {
		parts = append(parts, fmt.Sprintf("%.6f,%.6f", w.Lat, w.Lon))
	}
	return strings.Join(parts, ";")
}

func (c *Cached) Route(ctx context.Context, waypoints []models.Coord) (Route, error) {
	k := keyFor(waypoints)
	if v, err := c.cache.Get(k); err == nil {
		if r, ok := v.(Route); ok {
			return r, nil
		}
	}
	r, err := c.next.Route(ctx, waypoints)
	if err != nil {
		return Route{}, err
	}
	_ = c.cache.Set(k, r)
	return r, nil
}

// Len reports the number of live cached routes.
func (c *Cached) Len() int { return c.cache.Len(true) }

// EncodePolyline renders coordinates in the encoded polyline format (precision
// 5) that OSRM returns for geometries=polyline.
func EncodePolyline(points []models.Coord) string {
	coords := make([][]float64, 0, len(points))
	for _, p := range points {
		coords = append(coords, []float64{p.Lat, p.Lon})
	}
	return string(polyline.EncodeCoords(coords))
}
