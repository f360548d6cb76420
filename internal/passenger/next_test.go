package passenger

import (
	"testing"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

func TestNextTargetNearestUndelivered(t *testing.T) {
	list := []models.Assignment{
		{PassengerID: "A", State: models.StateDelivered},
		{PassengerID: "B", State: models.StateEnRouteToPickup},
		{PassengerID: "C", State: models.StateEnRouteToPickup},
	}
	stops := map[ident.ID]models.Coord{
		"A": {Lat: 0, Lon: 0},
		"B": {Lat: 0.05, Lon: 0},
		"C": {Lat: 0.01, Lon: 0},
	}
	got, ok := NextTarget(list, models.Coord{}, stops)
	if !ok || got.PassengerID != "C" {
		t.Fatalf("expected C, got %q ok=%v", got.PassengerID, ok)
	}
}

func TestNextTargetUnroutedRanksLast(t *testing.T) {
	list := []models.Assignment{
		{PassengerID: "U", State: models.StateUnassigned},
		{PassengerID: "R", State: models.StateEnRouteToPickup},
	}
	got, _ := NextTarget(list, models.Coord{}, map[ident.ID]models.Coord{"R": {Lat: 1, Lon: 1}})
	if got.PassengerID != "R" {
		t.Fatalf("expected routed passenger first, got %q", got.PassengerID)
	}
	got, _ = NextTarget(list[:1], models.Coord{}, nil)
	if got.PassengerID != "U" {
		t.Fatalf("expected the only undelivered passenger, got %q", got.PassengerID)
	}
}

func TestNextTargetFallsBackToFirstWhenAllDelivered(t *testing.T) {
	list := []models.Assignment{
		{PassengerID: "X", State: models.StateDelivered},
		{PassengerID: "Y", State: models.StateDelivered},
	}
	got, ok := NextTarget(list, models.Coord{}, nil)
	if !ok || got.PassengerID != "X" {
		t.Fatalf("expected fallback to first, got %q ok=%v", got.PassengerID, ok)
	}
	if _, ok := NextTarget(nil, models.Coord{}, nil); ok {
		t.Fatal("expected empty indicator with no assignments")
	}
}
