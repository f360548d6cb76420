package models

import (
	"time"

	"github.com/example/school-run/internal/ident"
)

type Coord struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// DriverLocation is one sample from the driver's location provider.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}

type PassengerState string

const (
	StateUnassigned      PassengerState = "unassigned"
	StateEnRouteToPickup PassengerState = "en_route_to_pickup"
	StateOnboard         PassengerState = "onboard"
	StateDelivered       PassengerState = "delivered"
)

// Assignment tracks one passenger's pickup/delivery state for a driver.
// Keyed by the canonical passenger id; never deleted, only reset.
type Assignment struct {
	PassengerID   ident.ID       `json:"passenger_id"`
	PassengerName string         `json:"passenger_name"`
	GuardianID    ident.ID       `json:"guardian_id"`
	DriverID      ident.ID       `json:"driver_id"`
	VehiclePlate  ident.ID       `json:"vehicle_plate"`
	Address       string         `json:"address"`
	State         PassengerState `json:"state"`
	CycleID       string         `json:"cycle_id,omitempty"`
	PickupAt      *time.Time     `json:"pickup_at,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type Stop struct {
	PassengerID ident.ID `json:"passenger_id"`
	Loc         Coord    `json:"loc"`
	Label       string   `json:"label"`
}

// RoutePlan is the single active ordered-stop path for a driver. The canonical
// driver id is the document key, so generation upserts.
type RoutePlan struct {
	DriverID        ident.ID  `json:"driver_id"`
	CycleID         string    `json:"cycle_id"`
	Origin          Coord     `json:"origin"`
	Stops           []Stop    `json:"stops"`
	Geometry        string    `json:"geometry"`
	DistanceMeters  float64   `json:"distance_meters"`
	DurationSeconds float64   `json:"duration_seconds"`
	GeneratedAt     time.Time `json:"generated_at"`
	RefreshedAt     time.Time `json:"refreshed_at,omitempty"`
	Active          bool      `json:"active"`
}

// HasStop reports whether the passenger is routed in this plan.
func (p *RoutePlan) HasStop(passengerID ident.ID) (int, bool) {
	for i, s := range p.Stops {
		if s.PassengerID == passengerID {
			return i, true
		}
	}
	return -1, false
}

type AlertType string

const (
	AlertDriverEnRoute     AlertType = "driver_en_route"
	AlertPickedUp          AlertType = "picked_up"
	AlertDelivered         AlertType = "delivered"
	AlertTripDisrupted     AlertType = "trip_disrupted"
	AlertEnrollmentRequest AlertType = "enrollment_request"
	AlertWithdrawalRequest AlertType = "withdrawal_request"
	AlertGeneral           AlertType = "general"
)

// Priority alert types are popped up even when they slightly predate a
// client's subscription baseline.
func (t AlertType) Priority() bool {
	switch t {
	case AlertDriverEnRoute, AlertPickedUp, AlertDelivered:
		return true
	}
	return false
}

type AlertPayload struct {
	PassengerID   ident.ID `json:"passenger_id,omitempty"`
	PassengerName string   `json:"passenger_name,omitempty"`
	VehiclePlate  ident.ID `json:"vehicle_plate,omitempty"`
	Text          string   `json:"text"`
}

// Alert is immutable once created except for Read. ID is the unit of
// de-duplication.
type Alert struct {
	ID           string       `json:"id"`
	Type         AlertType    `json:"type"`
	RecipientID  ident.ID     `json:"recipient_id"`
	RecipientRaw string       `json:"recipient_raw,omitempty"`
	Payload      AlertPayload `json:"payload"`
	CreatedAt    time.Time    `json:"created_at"`
	Read         bool         `json:"read"`
}

// AlertQuery selects alerts the way a document-store field query would:
// by exact match on the stored recipient field (canonical or raw) and
// optionally on the payload plate.
type AlertQuery struct {
	Recipient    string `json:"recipient,omitempty"`
	VehiclePlate string `json:"vehicle_plate,omitempty"`
}

func (q AlertQuery) Matches(a Alert) bool {
	if q.Recipient != "" && string(a.RecipientID) != q.Recipient && a.RecipientRaw != q.Recipient {
		return false
	}
	if q.VehiclePlate != "" && string(a.Payload.VehiclePlate) != q.VehiclePlate {
		return false
	}
	return q.Recipient != "" || q.VehiclePlate != ""
}

type Role string

const (
	RoleDriver   Role = "driver"
	RoleGuardian Role = "guardian"
)

type HistoryPassenger struct {
	PassengerID ident.ID   `json:"passenger_id"`
	Name        string     `json:"name"`
	PickupAt    *time.Time `json:"pickup_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// TripHistorySnapshot is written once per ended run per owner.
type TripHistorySnapshot struct {
	ID         string             `json:"id"`
	OwnerID    ident.ID           `json:"owner_id"`
	Role       Role               `json:"role"`
	DriverID   ident.ID           `json:"driver_id"`
	CycleID    string             `json:"cycle_id"`
	Passengers []HistoryPassenger `json:"passengers"`
	Geometry   string             `json:"geometry"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    time.Time          `json:"ended_at"`
}
