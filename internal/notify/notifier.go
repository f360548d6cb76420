// Package notify turns trip events into addressed alerts and presents them
// to client sessions at most once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/observability"
	"github.com/example/school-run/internal/storage"
)

var ErrUnsupportedType = errors.New("notify: alert type cannot be raised externally")

// Sink receives newly created alerts besides the live bus, e.g. a mobile
// push provider. Delivery is best effort.
type Sink interface {
	Deliver(ctx context.Context, a models.Alert) error
}

// Notifier is the server half: it builds alerts, stores them
// create-if-absent and publishes the ones that were actually new.
type Notifier struct {
	Store  storage.AlertStore
	Bus    Bus
	Sinks  []Sink
	Logger *slog.Logger
	Now    func() time.Time
}

// ForTransition returns the guardian alert for the state the assignment just
// entered. Unassigned produces none.
func (n *Notifier) ForTransition(a models.Assignment) []models.Alert {
	var (
		t    models.AlertType
		text string
	)
	switch a.State {
	case models.StateEnRouteToPickup:
		t, text = models.AlertDriverEnRoute, fmt.Sprintf("The driver is on the way to pick up %s", displayName(a))
	case models.StateOnboard:
		t, text = models.AlertPickedUp, fmt.Sprintf("%s was picked up", displayName(a))
	case models.StateDelivered:
		t, text = models.AlertDelivered, fmt.Sprintf("%s was dropped off", displayName(a))
	default:
		return nil
	}
	return []models.Alert{n.guardianAlert(a, a.CycleID, t, text)}
}

// Disrupted builds the alert sent when a run ends before the passenger was
// delivered.
func (n *Notifier) Disrupted(a models.Assignment, cycleID string) models.Alert {
	return n.guardianAlert(a, cycleID, models.AlertTripDisrupted,
		fmt.Sprintf("The trip ended before %s was delivered", displayName(a)))
}

func (n *Notifier) guardianAlert(a models.Assignment, cycleID string, t models.AlertType, text string) models.Alert {
	return models.Alert{
		ID:           AlertID(cycleID, a.PassengerID, t, a.GuardianID),
		Type:         t,
		RecipientID:  a.GuardianID,
		RecipientRaw: string(a.GuardianID),
		Payload: models.AlertPayload{
			PassengerID:   a.PassengerID,
			PassengerName: a.PassengerName,
			VehiclePlate:  a.VehiclePlate,
			Text:          text,
		},
		CreatedAt: n.now(),
	}
}

// ExternalEvent is an alert raised outside the trip lifecycle, typically a
// guardian asking a driver to enroll or withdraw a passenger.
type ExternalEvent struct {
	Type          models.AlertType
	RecipientRaw  string
	VehiclePlate  string
	PassengerID   string
	PassengerName string
	Text          string
	// IdempotencyKey makes retried submissions resolve to the same alert.
	IdempotencyKey string
}

// External stores and publishes ev. created is false when an alert with the
// same idempotency key already existed.
func (n *Notifier) External(ctx context.Context, ev ExternalEvent) (models.Alert, bool, error) {
	switch ev.Type {
	case models.AlertEnrollmentRequest, models.AlertWithdrawalRequest, models.AlertGeneral:
	default:
		return models.Alert{}, false, fmt.Errorf("%w: %q", ErrUnsupportedType, ev.Type)
	}
	a := models.Alert{
		ID:           externalID(ev.IdempotencyKey),
		Type:         ev.Type,
		RecipientID:  ident.Normalize(ev.RecipientRaw),
		RecipientRaw: strings.TrimSpace(ev.RecipientRaw),
		Payload: models.AlertPayload{
			PassengerID:   ident.Normalize(ev.PassengerID),
			PassengerName: ev.PassengerName,
			VehiclePlate:  ident.Normalize(ev.VehiclePlate),
			Text:          ev.Text,
		},
		CreatedAt: n.now(),
	}
	created, err := n.Emit(ctx, []models.Alert{a})
	if err != nil {
		return models.Alert{}, false, err
	}
	return a, len(created) == 1, nil
}

// Emit stores alerts create-if-absent and publishes the new ones.
func (n *Notifier) Emit(ctx context.Context, alerts []models.Alert) ([]models.Alert, error) {
	if len(alerts) == 0 {
		return nil, nil
	}
	created, err := n.Store.CreateAlerts(ctx, alerts)
	if err != nil {
		return nil, fmt.Errorf("store alerts: %w", err)
	}
	n.Publish(ctx, created)
	return created, nil
}

// Publish pushes alerts that are already stored to live subscribers and
// sinks. Failures are logged; subscribers recover from the store snapshot.
func (n *Notifier) Publish(ctx context.Context, alerts []models.Alert) {
	for _, a := range alerts {
		observability.AlertsCreated.WithLabelValues(string(a.Type)).Inc()
		if n.Bus != nil {
			if err := n.Bus.Publish(ctx, a); err != nil {
				n.logger().Warn("alert publish failed", "alert_id", a.ID, "err", err)
			}
		}
		for _, s := range n.Sinks {
			if err := s.Deliver(ctx, a); err != nil {
				n.logger().Warn("alert sink failed", "alert_id", a.ID, "err", err)
			}
		}
	}
}

func (n *Notifier) MarkRead(ctx context.Context, alertID string) error {
	if err := n.Store.MarkRead(ctx, alertID); err != nil {
		return fmt.Errorf("mark alert %s read: %w", alertID, err)
	}
	return nil
}

// QueriesFor builds the redundant subscription set of a recipient: one query
// per raw representation historical records may carry, plus the vehicle plate.
func QueriesFor(recipientRaw, plate string) []models.AlertQuery {
	var qs []models.AlertQuery
	for _, v := range ident.Variants(recipientRaw) {
		qs = append(qs, models.AlertQuery{Recipient: v})
	}
	if p := ident.Normalize(plate); !p.Empty() {
		qs = append(qs, models.AlertQuery{VehiclePlate: string(p)})
	}
	return qs
}

func displayName(a models.Assignment) string {
	if a.PassengerName != "" {
		return a.PassengerName
	}
	return string(a.PassengerID)
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}
