package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// LocationPublisher queues driver samples for asynchronous ingestion.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

type Deps struct {
	Engine   *lifecycle.Engine
	Registry *registry.Registry
	Hub      *fanout.Hub
	Fares    fare.Quoter
	Auth     *auth.Authenticator
	// Locations, when set, receives location updates instead of the registry.
	Locations LocationPublisher
	// Ready reports whether backing stores are reachable.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	Deps
	mux *mux.Router
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Auth == nil {
		deps.Auth = auth.New("")
	}
	if deps.Fares == nil {
		deps.Fares = fare.DefaultTable()
	}
	s := &Server{Deps: deps, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Handle("/ws", s.Auth.Middleware(http.HandlerFunc(s.handleWS))).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.Auth.Middleware)

	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/active", s.handleActiveRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/transitions", s.handleTransitions).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/arrive", s.handleArrive).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleDeactivateDriver).Methods(http.MethodDelete)
	api.HandleFunc("/drivers/{id}/status", s.handleDriverStatus).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/active-ride", s.handleDriverActiveRide).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/rides", s.handleDriverRides).Methods(http.MethodGet)

	api.HandleFunc("/riders/{id}/active-ride", s.handleRiderActiveRide).Methods(http.MethodGet)
	api.HandleFunc("/riders/{id}/rides", s.handleRiderRides).Methods(http.MethodGet)

	api.HandleFunc("/fare/quote", s.handleFareQuote).Methods(http.MethodPost)
	api.HandleFunc("/admin/stats", s.handleAdminStats).Methods(http.MethodGet)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

var (
	errBadRequest = errors.New("bad request")
	errAdminOnly  = errors.New("admin only")
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, lifecycle.ErrInvalidRequest),
		errors.Is(err, registry.ErrInvalidLocation),
		errors.Is(err, fare.ErrInvalidDistance):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrForbidden), errors.Is(err, errAdminOnly):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrActiveRide),
		errors.Is(err, registry.ErrDriverBusy),
		errors.Is(err, registry.ErrInactive),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrOTPMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, matcher.ErrNoDriverAvailable),
		errors.Is(err, lifecycle.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.Logger.Error("request failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeError(w, code, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func actorOf(r *http.Request) models.Actor {
	a, _ := auth.FromContext(r.Context())
	return a
}

func isAdmin(a models.Actor) bool { return a.Role == models.RoleAdmin }
