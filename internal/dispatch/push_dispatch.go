package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/school-run/internal/models"
)

// PushSink forwards new alerts to a mobile push provider's HTTP endpoint in
// the FCM HTTP v1 message shape, topic-addressed by canonical recipient.
type PushSink struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushSink(endpoint, key string) *PushSink {
	return &PushSink{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	Message struct {
		Topic        string            `json:"topic"`
		Notification pushNotification  `json:"notification"`
		Data         map[string]string `json:"data"`
	} `json:"message"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (p *PushSink) Deliver(ctx context.Context, a models.Alert) error {
	var msg pushMessage
	msg.Message.Topic = "recipient-" + a.RecipientID.String()
	msg.Message.Notification = pushNotification{Title: title(a.Type), Body: a.Payload.Text}
	msg.Message.Data = map[string]string{
		"alert_id":      a.ID,
		"type":          string(a.Type),
		"passenger_id":  a.Payload.PassengerID.String(),
		"vehicle_plate": a.Payload.VehiclePlate.String(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func title(t models.AlertType) string {
	switch t {
	case models.AlertDriverEnRoute:
		return "Driver on the way"
	case models.AlertPickedUp:
		return "Picked up"
	case models.AlertDelivered:
		return "Dropped off"
	case models.AlertTripDisrupted:
		return "Trip ended early"
	case models.AlertEnrollmentRequest:
		return "Enrollment request"
	case models.AlertWithdrawalRequest:
		return "Withdrawal request"
	}
	return "School run"
}
