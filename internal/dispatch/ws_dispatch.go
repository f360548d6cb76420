package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/gorilla/websocket"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/notify"
	"github.com/example/school-run/internal/storage"
)

const (
	writeWait  = 5 * time.Second
	outboxSize = 16
)

// Event is what a client receives: a pop-up to show or one to take down.
type Event struct {
	Event   string        `json:"event"`
	Alert   *models.Alert `json:"alert,omitempty"`
	AlertID string        `json:"alert_id,omitempty"`
}

// Command is what a client may send back.
type Command struct {
	Action  string `json:"action"`
	AlertID string `json:"alert_id"`
}

// WSSession is one connected client. Show and Dismiss only enqueue; a single
// writer goroutine owns the connection's write side.
type WSSession struct {
	conn   *websocket.Conn
	outbox chan Event
	done   chan struct{}
	once   sync.Once
}

func newWSSession(conn *websocket.Conn) *WSSession {
	return &WSSession{conn: conn, outbox: make(chan Event, outboxSize), done: make(chan struct{})}
}

func (s *WSSession) Show(a models.Alert) { s.enqueue(Event{Event: "show", Alert: &a}) }

func (s *WSSession) Dismiss(alertID string) { s.enqueue(Event{Event: "dismiss", AlertID: alertID}) }

func (s *WSSession) enqueue(ev Event) {
	select {
	case s.outbox <- ev:
	case <-s.done:
	default:
		// A client this far behind is dropped; it reconnects with a fresh baseline.
		s.close()
	}
}

func (s *WSSession) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *WSSession) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

type Reader interface {
	MarkRead(ctx context.Context, alertID string) error
}

// Hub serves the pop-up stream: one notify.Session per websocket connection.
// Displayed-id sets are kept per recipient across reconnects in a bounded LRU.
type Hub struct {
	store    storage.AlertStore
	bus      notify.Bus
	reader   Reader
	cfg      notify.SessionConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	displayed gcache.Cache
	sessions  map[*WSSession]struct{}
	wg        sync.WaitGroup
}

func NewHub(store storage.AlertStore, bus notify.Bus, reader Reader, cfg notify.SessionConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:     store,
		bus:       bus,
		reader:    reader,
		cfg:       cfg,
		logger:    logger,
		displayed: gcache.New(4096).LRU().Expiration(24 * time.Hour).Build(),
		sessions:  make(map[*WSSession]struct{}),
	}
}

// Serve upgrades the request and blocks until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, recipientRaw, plate string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	ws := newWSSession(conn)
	sess := &notify.Session{
		Store:     h.store,
		Bus:       h.bus,
		Queries:   notify.QueriesFor(recipientRaw, plate),
		Presenter: ws,
		Config:    h.cfg,
		Displayed: h.displayedFor(recipientRaw),
		Logger:    h.logger,
	}
	if !h.add(ws) {
		ws.close()
		return
	}
	defer h.remove(ws)

	go ws.writeLoop()
	if err := sess.Start(r.Context()); err != nil {
		h.logger.Error("alert session start failed", "recipient", recipientRaw, "err", err)
		ws.close()
		return
	}
	defer sess.Close()
	h.logger.Info("alert session opened", "recipient", recipientRaw, "plate", plate)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.AlertID == "" {
			continue
		}
		switch cmd.Action {
		case "dismiss":
			sess.Dismiss(cmd.AlertID)
		case "read":
			sess.Dismiss(cmd.AlertID)
			if err := h.reader.MarkRead(r.Context(), cmd.AlertID); err != nil {
				h.logger.Warn("mark read failed", "alert_id", cmd.AlertID, "err", err)
			}
		}
	}
	ws.close()
	h.logger.Info("alert session closed", "recipient", recipientRaw)
}

// Close disconnects every client and waits for their sessions to end.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = nil
	h.mu.Unlock()
	for ws := range sessions {
		ws.close()
	}
	h.wg.Wait()
}

func (h *Hub) add(ws *WSSession) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions == nil {
		return false
	}
	h.sessions[ws] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) remove(ws *WSSession) {
	h.mu.Lock()
	if h.sessions != nil {
		delete(h.sessions, ws)
	}
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Hub) displayedFor(recipientRaw string) *notify.DisplayedSet {
	id := ident.Normalize(recipientRaw).String()
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, err := h.displayed.Get(id); err == nil {
		return v.(*notify.DisplayedSet)
	}
	set := notify.NewDisplayedSet()
	_ = h.displayed.Set(id, set)
	return set
}
