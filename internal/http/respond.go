package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/example/school-run/internal/archive"
	"github.com/example/school-run/internal/notify"
	"github.com/example/school-run/internal/passenger"
	"github.com/example/school-run/internal/planner"
	"github.com/example/school-run/internal/storage"
)

const retryAfterSeconds = "5"

type errorBody struct {
	Error     string   `json:"error"`
	Fields    []string `json:"fields,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP. Retryable failures carry
// Retry-After.
func statusFor(err error) (int, bool) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, errBadRequest), errors.Is(err, notify.ErrUnsupportedType):
		return http.StatusBadRequest, false
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, passenger.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, passenger.ErrInvalidTransition), errors.Is(err, archive.ErrNoActiveTrip), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, false
	case errors.Is(err, planner.ErrNoPosition), errors.Is(err, planner.ErrNothingToRoute):
		return http.StatusUnprocessableEntity, false
	case errors.Is(err, planner.ErrRoutingUnavailable), errors.Is(err, planner.ErrGeocodingUnavailable), errors.Is(err, archive.ErrArchiveFailed):
		return http.StatusServiceUnavailable, true
	}
	return http.StatusInternalServerError, false
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, retry := statusFor(err)
	body := errorBody{Error: err.Error(), Retryable: retry}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		body.Error = "validation failed"
		for _, fe := range verrs {
			body.Fields = append(body.Fields, fe.Field()+":"+fe.Tag())
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
		body.Error = "internal error"
	}
	if retry {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, body)
}

var errBadRequest = errors.New("malformed request body")

// decode reads an optional JSON body into dst and validates it. An empty
// body leaves dst untouched and reports false.
func (s *Server) decode(r *http.Request, dst any) (bool, error) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, errors.Join(errBadRequest, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return true, err
	}
	return true, nil
}
