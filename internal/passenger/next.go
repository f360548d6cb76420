package passenger

import (
	"math"

	"github.com/example/school-run/internal/geo"
	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

// NextTarget picks the assignment for the "next passenger" indicator: the
// nearest one not yet delivered, using the coordinates of its stop. Passengers
// without a stop rank after every routed one. When everyone is delivered the
// first assignment is returned, so the indicator is only empty when the
// driver has no assignments at all.
func NextTarget(assignments []models.Assignment, driverPos models.Coord, stops map[ident.ID]models.Coord) (models.Assignment, bool) {
	if len(assignments) == 0 {
		return models.Assignment{}, false
	}
	best := -1
	bestDist := math.Inf(1)
	for i, a := range assignments {
		if a.State == models.StateDelivered {
			continue
		}
		d := math.Inf(1)
		if loc, ok := stops[a.PassengerID]; ok {
			d = geo.Distance(driverPos, loc)
		}
		if best == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best == -1 {
		return assignments[0], true
	}
	return assignments[best], true
}
