package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/notify"
	"github.com/example/school-run/internal/storage"
)

func TestPushSinkPostsFCMShape(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewPushSink(srv.URL, "secret")
	err := sink.Deliver(context.Background(), models.Alert{
		ID: "a1", Type: models.AlertPickedUp, RecipientID: "G1",
		Payload: models.AlertPayload{PassengerID: "P1", Text: "Ana was picked up"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	msg := got["message"].(map[string]any)
	assert.Equal(t, "recipient-G1", msg["topic"])
	assert.Equal(t, "a1", msg["data"].(map[string]any)["alert_id"])
	assert.Equal(t, "Picked up", msg["notification"].(map[string]any)["title"])
}

func TestPushSinkReportsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	assert.Error(t, NewPushSink(srv.URL, "").Deliver(context.Background(), models.Alert{ID: "a1"}))
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubStreamsPopupsAndHandlesCommands(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	bus := notify.NewLocalBus()
	n := &notify.Notifier{Store: st, Bus: bus}
	hub := NewHub(st, bus, n, notify.SessionConfig{PopupTimeout: time.Minute, PriorityGrace: time.Minute, RetryDelay: 10 * time.Millisecond}, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("recipient"), r.URL.Query().Get("plate"))
	}))
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "/?recipient=12.345.678-9")
	defer conn.Close()

	// Picked-up alerts inside the grace window pop up even if they land
	// before the session captured its baseline.
	_, err := n.Emit(ctx, []models.Alert{{
		ID: "a1", Type: models.AlertPickedUp, RecipientID: "123456789", CreatedAt: time.Now(),
	}})
	require.NoError(t, err)

	ev := readEvent(t, conn)
	assert.Equal(t, "show", ev.Event)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, "a1", ev.Alert.ID)

	require.NoError(t, conn.WriteJSON(Command{Action: "read", AlertID: "a1"}))
	ev = readEvent(t, conn)
	assert.Equal(t, Event{Event: "dismiss", AlertID: "a1"}, ev)

	require.Eventually(t, func() bool {
		got, _ := st.ListAlerts(ctx, models.AlertQuery{Recipient: "123456789"})
		return len(got) == 1 && got[0].Read
	}, time.Second, 10*time.Millisecond)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	st := storage.NewMemoryStore()
	bus := notify.NewLocalBus()
	hub := NewHub(st, bus, &notify.Notifier{Store: st, Bus: bus}, notify.SessionConfig{RetryDelay: 10 * time.Millisecond}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "G1", "")
	}))
	defer srv.Close()

	conn := dial(t, srv, "/")
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
