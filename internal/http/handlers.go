package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/school-run/internal/archive"
	"github.com/example/school-run/internal/dispatch"
	"github.com/example/school-run/internal/geo"
	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/notify"
	"github.com/example/school-run/internal/passenger"
	"github.com/example/school-run/internal/planner"
	"github.com/example/school-run/internal/storage"
)

// Pinger is implemented by backends that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LocationPublisher forwards location samples to other consumers, e.g. Kafka.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// Deps are the collaborators the API is wired from. Locations, Refresher
// and Hub are optional.
type Deps struct {
	Store     storage.Store
	History   storage.HistoryStore
	Positions geo.Positions
	Planner   *planner.Planner
	Machine   *passenger.Machine
	Completer *archive.Completer
	Notifier  *notify.Notifier
	Refresher *planner.Refresher
	Hub       *dispatch.Hub
	Locations LocationPublisher
	Logger    *slog.Logger
}

const healthTimeout = 2 * time.Second

type Server struct {
	deps     Deps
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.History == nil {
		deps.History = deps.Store
	}
	s := &Server{deps: deps, logger: logger, validate: validator.New(validator.WithRequiredStructEnabled()), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/assignments", s.handleUpsertAssignment).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/route", s.handleGenerateRoute).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/route", s.handleGetRoute).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/passengers", s.handleListing).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/end", s.handleEndTrip).Methods(http.MethodPost)
	api.HandleFunc("/passengers/{passenger_id}/pickup", s.handlePickup).Methods(http.MethodPost)
	api.HandleFunc("/passengers/{passenger_id}/deliver", s.handleDeliver).Methods(http.MethodPost)
	api.HandleFunc("/history/{owner_id}", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleRaiseAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{alert_id}/read", s.handleMarkRead).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/alerts/{recipient_id}", s.handleAlertStream).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func pathID(r *http.Request, name string) ident.ID {
	return ident.Normalize(mux.Vars(r)[name])
}

type assignmentRequest struct {
	PassengerID   string `json:"passenger_id" validate:"required"`
	PassengerName string `json:"passenger_name" validate:"max=120"`
	GuardianID    string `json:"guardian_id" validate:"required"`
	DriverID      string `json:"driver_id" validate:"required"`
	VehiclePlate  string `json:"vehicle_plate"`
	Address       string `json:"address" validate:"max=300"`
}

// handleHealthz doubles as readiness: it fails while a networked store is
// unreachable.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	for _, backend := range []any{s.deps.Store, s.deps.History} {
		p, ok := backend.(Pinger)
		if !ok {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "err", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		s.logger.Debug("healthz write failed", "err", err)
	}
}

// handleUpsertAssignment links a passenger to a driver. An existing
// assignment keeps its trip state; only the link fields change.
func (s *Server) handleUpsertAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if ok, err := s.decode(r, &req); err != nil || !ok {
		s.writeError(w, r, errors.Join(errBadRequest, err))
		return
	}
	a := models.Assignment{
		PassengerID:   ident.Normalize(req.PassengerID),
		PassengerName: req.PassengerName,
		GuardianID:    ident.Normalize(req.GuardianID),
		DriverID:      ident.Normalize(req.DriverID),
		VehiclePlate:  ident.Normalize(req.VehiclePlate),
		Address:       req.Address,
		State:         models.StateUnassigned,
	}
	if a.PassengerID.Empty() || a.GuardianID.Empty() || a.DriverID.Empty() {
		s.writeError(w, r, errBadRequest)
		return
	}
	status := http.StatusCreated
	if cur, err := s.deps.Store.GetAssignment(r.Context(), a.PassengerID); err == nil {
		a.State, a.CycleID, a.PickupAt, a.DeliveredAt = cur.State, cur.CycleID, cur.PickupAt, cur.DeliveredAt
		status = http.StatusOK
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.UpsertAssignment(r.Context(), a); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, a)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := pathID(r, "driver_id")
	var c models.Coord
	if ok, err := s.decode(r, &c); err != nil || !ok {
		s.writeError(w, r, errors.Join(errBadRequest, err))
		return
	}
	if err := s.deps.Positions.Upsert(r.Context(), driverID, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Locations != nil {
		if err := s.deps.Locations.PublishLocation(r.Context(), models.DriverLocation{DriverID: driverID.String(), Loc: c}); err != nil {
			s.logger.Warn("location publish failed", "driver_id", driverID, "err", err)
		}
	}
	refreshing := false
	if s.deps.Refresher != nil {
		refreshing = s.deps.Refresher.OnLocation(driverID, c)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"driver_id": driverID, "refresh_scheduled": refreshing})
}

func (s *Server) handleGenerateRoute(w http.ResponseWriter, r *http.Request) {
	driverID := pathID(r, "driver_id")
	var c models.Coord
	ok, err := s.decode(r, &c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var pos *models.Coord
	if ok {
		pos = &c
	}
	plan, err := s.deps.Planner.GenerateRoute(r.Context(), driverID, pos)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Planner.ActivePlan(r.Context(), pathID(r, "driver_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	listing, err := s.deps.Planner.Listing(r.Context(), pathID(r, "driver_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Machine.MarkPickedUp(r.Context(), pathID(r, "passenger_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Machine.MarkDelivered(r.Context(), pathID(r, "passenger_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Completer.EndTrip(r.Context(), pathID(r, "driver_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.History.ListSnapshots(r.Context(), pathID(r, "owner_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

type alertRequest struct {
	Type           models.AlertType `json:"type" validate:"required,oneof=enrollment_request withdrawal_request general"`
	RecipientID    string           `json:"recipient_id" validate:"required"`
	VehiclePlate   string           `json:"vehicle_plate"`
	PassengerID    string           `json:"passenger_id"`
	PassengerName  string           `json:"passenger_name" validate:"max=120"`
	Text           string           `json:"text" validate:"max=500"`
	IdempotencyKey string           `json:"idempotency_key" validate:"max=128"`
}

func (s *Server) handleRaiseAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if ok, err := s.decode(r, &req); err != nil || !ok {
		s.writeError(w, r, errors.Join(errBadRequest, err))
		return
	}
	a, created, err := s.deps.Notifier.External(r.Context(), notify.ExternalEvent{
		Type:           req.Type,
		RecipientRaw:   req.RecipientID,
		VehiclePlate:   req.VehiclePlate,
		PassengerID:    req.PassengerID,
		PassengerName:  req.PassengerName,
		Text:           req.Text,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, a)
}

// handleListAlerts is the inbox view: the union of every recipient and
// plate query, one entry per alert id.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	qs := notify.QueriesFor(r.URL.Query().Get("recipient"), r.URL.Query().Get("plate"))
	if len(qs) == 0 {
		s.writeError(w, r, errors.Join(errBadRequest, errors.New("recipient or plate is required")))
		return
	}
	seen := make(map[string]struct{})
	out := make([]models.Alert, 0)
	for _, q := range qs {
		alerts, err := s.deps.Store.ListAlerts(r.Context(), q)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, a := range alerts {
			if _, ok := seen[a.ID]; ok {
				continue
			}
			seen[a.ID] = struct{}{}
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Notifier.MarkRead(r.Context(), mux.Vars(r)["alert_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		http.Error(w, "alert stream disabled", http.StatusNotFound)
		return
	}
	s.deps.Hub.Serve(w, r, mux.Vars(r)["recipient_id"], r.URL.Query().Get("plate"))
}
