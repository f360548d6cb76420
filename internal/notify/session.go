package notify

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/observability"
	"github.com/example/school-run/internal/storage"
)

var ErrSessionStarted = errors.New("notify: session already started")

// Presenter renders pop-ups for one client. Calls are serialized and must
// not block.
type Presenter interface {
	Show(a models.Alert)
	Dismiss(alertID string)
}

type SessionConfig struct {
	PopupLimit   int
	PopupTimeout time.Duration
	// PriorityGrace is how far before session start a priority alert may
	// have been created and still pop up.
	PriorityGrace time.Duration
	RetryDelay    time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PopupLimit <= 0 {
		c.PopupLimit = 3
	}
	if c.PopupTimeout <= 0 {
		c.PopupTimeout = 8 * time.Second
	}
	if c.PriorityGrace < 0 {
		c.PriorityGrace = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// DisplayedSet remembers which alert ids were surfaced. Sharing one across
// sessions of the same client keeps an alert from popping up twice after a
// reconnect.
type DisplayedSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewDisplayedSet() *DisplayedSet {
	return &DisplayedSet{ids: make(map[string]struct{})}
}

// Has reports whether id was already displayed.
func (d *DisplayedSet) Has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.ids[id]
	return ok
}

// Add reports whether id was not displayed before.
func (d *DisplayedSet) Add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids[id]; ok {
		return false
	}
	d.ids[id] = struct{}{}
	return true
}

const (
	sessionIdle = iota
	sessionRunning
	sessionClosed
)

// Session is the client half of the notification engine. It runs one
// LiveQuery per query, merges their output into a single set keyed by alert
// id and turns the alerts created after Start into bounded, self-dismissing
// pop-ups.
type Session struct {
	Store     storage.AlertStore
	Bus       Bus
	Queries   []models.AlertQuery
	Presenter Presenter
	Config    SessionConfig
	Displayed *DisplayedSet
	Logger    *slog.Logger
	Now       func() time.Time

	mu        sync.Mutex
	state     int
	cfg       SessionConfig
	startedAt time.Time
	known     map[string]struct{}
	visible   map[string]*time.Timer
	queue     []models.Alert
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Start captures the baseline of existing alerts and begins merging the
// subscription streams.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionIdle {
		return ErrSessionStarted
	}
	s.cfg = s.Config.withDefaults()
	if s.Displayed == nil {
		s.Displayed = NewDisplayedSet()
	}
	s.known = make(map[string]struct{})
	s.visible = make(map[string]*time.Timer)
	s.startedAt = s.now()

	var pending []models.Alert
	for _, q := range s.Queries {
		existing, err := s.Store.ListAlerts(ctx, q)
		if err != nil {
			return err
		}
		for _, a := range existing {
			if _, ok := s.known[a.ID]; ok {
				continue
			}
			s.known[a.ID] = struct{}{}
			if s.candidate(a) {
				pending = append(pending, a)
			}
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.state = sessionRunning
	observability.AlertSessions.Inc()
	for _, a := range pending {
		s.offerLocked(a)
	}

	in := make(chan models.Alert, subscriberBuffer)
	for _, q := range s.Queries {
		lq := &LiveQuery{Store: s.Store, Bus: s.Bus, Query: q, RetryDelay: s.cfg.RetryDelay, Logger: s.Logger}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			lq.Run(runCtx, in)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.merge(runCtx, in)
	}()
	return nil
}

// Close stops every subscription and pending dismiss timer. Nothing is
// presented after Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	prev := s.state
	if prev == sessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = sessionClosed
	for id, t := range s.visible {
		t.Stop()
		delete(s.visible, id)
	}
	s.queue = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if prev == sessionRunning {
		observability.AlertSessions.Dec()
	}
}

// Dismiss closes a pop-up before its timeout, e.g. when the user taps it.
func (s *Session) Dismiss(alertID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionRunning {
		return
	}
	if t, ok := s.visible[alertID]; ok {
		t.Stop()
		s.hideLocked(alertID)
		return
	}
	if i := s.queuedLocked(alertID); i >= 0 {
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.Displayed.Add(alertID)
	}
}

func (s *Session) merge(ctx context.Context, in <-chan models.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-in:
			s.receive(a)
		}
	}
}

func (s *Session) receive(a models.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionRunning {
		return
	}
	if _, ok := s.known[a.ID]; ok {
		observability.DuplicateDeliveries.Inc()
		return
	}
	s.known[a.ID] = struct{}{}
	if !s.candidate(a) {
		return
	}
	s.offerLocked(a)
}

// candidate reports whether a may pop up: created after Start, or a priority
// type created within the grace window before it.
func (s *Session) candidate(a models.Alert) bool {
	if !a.CreatedAt.Before(s.startedAt) {
		return true
	}
	return a.Type.Priority() && s.startedAt.Sub(a.CreatedAt) <= s.cfg.PriorityGrace
}

// offerLocked shows a or queues it behind the pop-up cap. An alert only
// counts as displayed once it is shown, so one still queued when the session
// closes can pop up in the client's next session.
func (s *Session) offerLocked(a models.Alert) {
	if s.Displayed.Has(a.ID) {
		return
	}
	if _, ok := s.visible[a.ID]; ok || s.queuedLocked(a.ID) >= 0 {
		return
	}
	if len(s.visible) < s.cfg.PopupLimit {
		s.showLocked(a)
		return
	}
	s.queue = append(s.queue, a)
}

func (s *Session) queuedLocked(id string) int {
	for i, q := range s.queue {
		if q.ID == id {
			return i
		}
	}
	return -1
}

// showLocked reports false when another session of the client displayed a
// first.
func (s *Session) showLocked(a models.Alert) bool {
	if !s.Displayed.Add(a.ID) {
		return false
	}
	id := a.ID
	s.visible[id] = time.AfterFunc(s.cfg.PopupTimeout, func() { s.expire(id) })
	observability.PopupsShown.Inc()
	s.Presenter.Show(a)
	return true
}

func (s *Session) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionRunning {
		return
	}
	if _, ok := s.visible[id]; !ok {
		return
	}
	s.hideLocked(id)
}

func (s *Session) hideLocked(id string) {
	delete(s.visible, id)
	s.Presenter.Dismiss(id)
	for len(s.visible) < s.cfg.PopupLimit && len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.showLocked(next)
	}
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
