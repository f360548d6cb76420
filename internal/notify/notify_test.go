package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingSink) Deliver(_ context.Context, a models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, a.ID)
	return nil
}

func TestAlertIDIsDeterministic(t *testing.T) {
	a := AlertID("c1", "P1", models.AlertPickedUp, "G1")
	assert.Equal(t, a, AlertID("c1", "P1", models.AlertPickedUp, "G1"))
	assert.NotEqual(t, a, AlertID("c2", "P1", models.AlertPickedUp, "G1"))
	assert.NotEqual(t, a, AlertID("c1", "P1", models.AlertDelivered, "G1"))
}

func TestForTransitionAddressesGuardian(t *testing.T) {
	n := &Notifier{}
	a := models.Assignment{PassengerID: "P1", PassengerName: "Ana", GuardianID: "123456789", VehiclePlate: "ABCD12", CycleID: "c1"}

	a.State = models.StateUnassigned
	assert.Empty(t, n.ForTransition(a))

	want := map[models.PassengerState]models.AlertType{
		models.StateEnRouteToPickup: models.AlertDriverEnRoute,
		models.StateOnboard:         models.AlertPickedUp,
		models.StateDelivered:       models.AlertDelivered,
	}
	for state, typ := range want {
		a.State = state
		got := n.ForTransition(a)
		require.Len(t, got, 1)
		assert.Equal(t, typ, got[0].Type)
		assert.Equal(t, ident.ID("123456789"), got[0].RecipientID)
		assert.Equal(t, ident.ID("ABCD12"), got[0].Payload.VehiclePlate)
		assert.Contains(t, got[0].Payload.Text, "Ana")
	}

	d := n.Disrupted(a, "c1")
	assert.Equal(t, models.AlertTripDisrupted, d.Type)
	assert.Equal(t, AlertID("c1", "P1", models.AlertTripDisrupted, "123456789"), d.ID)
}

func TestEmitPublishesOnlyNewAlerts(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	sink := &recordingSink{}
	n := &Notifier{Store: st, Bus: NewLocalBus(), Sinks: []Sink{sink}}

	alert := models.Alert{ID: "x1", Type: models.AlertGeneral, RecipientID: "G1"}
	created, err := n.Emit(ctx, []models.Alert{alert})
	require.NoError(t, err)
	assert.Len(t, created, 1)
	created, err = n.Emit(ctx, []models.Alert{alert})
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Equal(t, []string{"x1"}, sink.ids)
}

func TestExternalEvents(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	n := &Notifier{Store: st, Bus: NewLocalBus()}

	ev := ExternalEvent{
		Type:           models.AlertEnrollmentRequest,
		RecipientRaw:   " 9.876.543-k ",
		VehiclePlate:   "ab-cd-12",
		PassengerName:  "Ana",
		IdempotencyKey: "req-1",
	}
	a, created, err := n.External(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ident.ID("9876543K"), a.RecipientID)
	assert.Equal(t, "9.876.543-k", a.RecipientRaw)
	assert.Equal(t, ident.ID("ABCD12"), a.Payload.VehiclePlate)

	again, created, err := n.External(ctx, ev)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, again.ID)

	_, _, err = n.External(ctx, ExternalEvent{Type: models.AlertPickedUp, RecipientRaw: "G1"})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestQueriesFor(t *testing.T) {
	qs := QueriesFor("12.345.678-9", "ab-cd-12")
	var recipients []string
	for _, q := range qs[:len(qs)-1] {
		recipients = append(recipients, q.Recipient)
	}
	assert.Contains(t, recipients, "123456789")
	assert.Contains(t, recipients, "12.345.678-9")
	assert.Equal(t, models.AlertQuery{VehiclePlate: "ABCD12"}, qs[len(qs)-1])

	assert.Empty(t, QueriesFor("", ""))
}

func TestLocalBusDropsSlowSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewLocalBus()
	ch, err := b.Subscribe(ctx, models.AlertQuery{Recipient: "G1"})
	require.NoError(t, err)

	for i := 0; i <= subscriberBuffer; i++ {
		require.NoError(t, b.Publish(ctx, models.Alert{ID: "a", RecipientID: "G1"}))
	}
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
}

func TestLocalBusFiltersByQuery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewLocalBus()
	ch, err := b.Subscribe(ctx, models.AlertQuery{VehiclePlate: "ABCD12"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, models.Alert{ID: "no", RecipientID: "G1"}))
	require.NoError(t, b.Publish(ctx, models.Alert{ID: "yes", Payload: models.AlertPayload{VehiclePlate: "ABCD12"}}))
	got := <-ch
	assert.Equal(t, "yes", got.ID)
	cancel()
	for range ch {
	}
}

func TestLiveQueryRedeliversAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := storage.NewMemoryStore()
	bus := NewLocalBus()
	_, err := st.CreateAlerts(ctx, []models.Alert{{ID: "old", RecipientID: "G1"}})
	require.NoError(t, err)

	out := make(chan models.Alert, 16)
	lq := &LiveQuery{Store: st, Bus: bus, Query: models.AlertQuery{Recipient: "G1"}, RetryDelay: 5 * time.Millisecond}
	done := make(chan struct{})
	go func() {
		defer close(done)
		lq.Run(ctx, out)
	}()

	assert.Equal(t, "old", (<-out).ID)
	bus.DropAll()
	assert.Equal(t, "old", (<-out).ID)

	cancel()
	<-done
}
