package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

// Positions stores the last known coordinates of each driver.
type Positions interface {
	Upsert(ctx context.Context, driverID ident.ID, loc models.Coord) error
	Position(ctx context.Context, driverID ident.ID) (models.Coord, bool, error)
}

type fix struct {
	loc     models.Coord
	updated time.Time
}

// Index is the in-process Positions implementation.
type Index struct {
	mu      sync.RWMutex
	drivers map[ident.ID]fix
}

func NewIndex() *Index {
	return &Index{drivers: make(map[ident.ID]fix)}
}

func (g *Index) Upsert(_ context.Context, driverID ident.ID, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = fix{loc: loc, updated: time.Now()}
	return nil
}

func (g *Index) Position(_ context.Context, driverID ident.ID) (models.Coord, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f, ok := g.drivers[driverID]
	return f.loc, ok, nil
}

// Located is anything that can be ranked by distance.
type Located interface {
	Coord() models.Coord
}

// OrderByDistance sorts items nearest-first by straight-line distance from
// origin. Ties keep their input order. This is a greedy ranking from a single
// point, not a tour optimizer.
func OrderByDistance[T Located](origin models.Coord, items []T) []T {
	type pair struct {
		item T
		dist float64
	}
	arr := make([]pair, 0, len(items))
	for _, it := range items {
		c := it.Coord()
		arr = append(arr, pair{it, Haversine(origin.Lat, origin.Lon, c.Lat, c.Lon)})
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	out := make([]T, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.item)
	}
	return out
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
