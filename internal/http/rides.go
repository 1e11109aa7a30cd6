package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// canView reports whether a may read ride: its rider, its driver or an admin.
func canView(a models.Actor, ride *models.Ride) bool {
	switch a.Role {
	case models.RoleAdmin:
		return true
	case models.RoleRider:
		return a.ID == ride.RiderID
	case models.RoleDriver:
		return a.ID != "" && a.ID == ride.AssignedDriver()
	}
	return false
}

// present hides the OTP from everyone but the rider and admins.
func present(a models.Actor, ride *models.Ride) *models.Ride {
	if isAdmin(a) || (a.Role == models.RoleRider && a.ID == ride.RiderID) {
		return ride
	}
	return ride.Redacted()
}

func presentAll(a models.Actor, rides []*models.Ride) []*models.Ride {
	out := make([]*models.Ride, 0, len(rides))
	for _, r := range rides {
		out = append(out, present(a, r))
	}
	return out
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	actor := actorOf(r)
	ride, err := s.Engine.RequestRide(r.Context(), actor, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, present(actor, ride))
}

func (s *Server) handleActiveRides(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	if !isAdmin(actor) {
		s.fail(w, r, errAdminOnly)
		return
	}
	rides, err := s.Engine.ListRides(r.Context(), storage.RideFilter{Statuses: models.ActiveStatuses})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentAll(actor, rides))
}

// loadVisible fetches the ride in the path and checks read access.
func (s *Server) loadVisible(r *http.Request) (*models.Ride, error) {
	ride, err := s.Engine.GetSnapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if !canView(actorOf(r), ride) {
		return nil, lifecycle.ErrForbidden
	}
	return ride, nil
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.loadVisible(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(actorOf(r), ride))
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	ride, err := s.loadVisible(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ts, err := s.Engine.Transitions(r.Context(), ride.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	ride, err := s.Engine.Arrive(r.Context(), mux.Vars(r)["id"], actor)
	s.respondRide(w, r, actor, ride, err)
}

type startRequest struct {
	OTP string `json:"otp"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	actor := actorOf(r)
	ride, err := s.Engine.StartTrip(r.Context(), mux.Vars(r)["id"], actor, req.OTP)
	s.respondRide(w, r, actor, ride, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	ride, err := s.Engine.CompleteTrip(r.Context(), mux.Vars(r)["id"], actor)
	s.respondRide(w, r, actor, ride, err)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	// the body is optional
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, r, err)
		return
	}
	actor := actorOf(r)
	ride, err := s.Engine.Cancel(r.Context(), mux.Vars(r)["id"], actor, req.Reason)
	s.respondRide(w, r, actor, ride, err)
}

func (s *Server) respondRide(w http.ResponseWriter, r *http.Request, actor models.Actor, ride *models.Ride, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(actor, ride))
}

// selfOrAdmin allows the owner of the path id with role, or an admin.
func selfOrAdmin(a models.Actor, role, id string) bool {
	return isAdmin(a) || (a.Role == role && a.ID == id)
}

func (s *Server) handleRiderActiveRide(w http.ResponseWriter, r *http.Request) {
	actor, id := actorOf(r), mux.Vars(r)["id"]
	if !selfOrAdmin(actor, models.RoleRider, id) {
		s.fail(w, r, lifecycle.ErrForbidden)
		return
	}
	ride, err := s.Engine.ActiveRideForRider(r.Context(), id)
	s.respondRide(w, r, actor, ride, err)
}

func (s *Server) handleDriverActiveRide(w http.ResponseWriter, r *http.Request) {
	actor, id := actorOf(r), mux.Vars(r)["id"]
	if !selfOrAdmin(actor, models.RoleDriver, id) {
		s.fail(w, r, lifecycle.ErrForbidden)
		return
	}
	ride, err := s.Engine.ActiveRideForDriver(r.Context(), id)
	s.respondRide(w, r, actor, ride, err)
}

func (s *Server) handleRiderRides(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, models.RoleRider)
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, models.RoleDriver)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, role string) {
	actor, id := actorOf(r), mux.Vars(r)["id"]
	if !selfOrAdmin(actor, role, id) {
		s.fail(w, r, lifecycle.ErrForbidden)
		return
	}
	f := storage.RideFilter{Limit: 50}
	if role == models.RoleRider {
		f.RiderID = id
	} else {
		f.DriverID = id
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, errors.Join(errBadRequest, errors.New("limit must be a positive integer")))
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("status"); v != "" {
		f.Statuses = []models.RideStatus{models.RideStatus(v)}
	}
	rides, err := s.Engine.ListRides(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentAll(actor, rides))
}
