package httpapi

import (
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

type quoteRequest struct {
	DistanceKm   float64 `json:"distanceKm"`
	VehicleClass string  `json:"vehicleClass"`
}

func (s *Server) handleFareQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	class, err := models.ParseVehicleClass(req.VehicleClass)
	if err != nil {
		s.fail(w, r, errors.Join(errBadRequest, err))
		return
	}
	b, err := s.Fares.Quote(r.Context(), req.DistanceKm, class)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type statsResponse struct {
	OnlineDrivers int                       `json:"onlineDrivers"`
	Rides         map[models.RideStatus]int `json:"rides"`
	Realtime      fanout.Stats              `json:"realtime"`
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(actorOf(r)) {
		s.fail(w, r, errAdminOnly)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		OnlineDrivers: s.Registry.OnlineCount(),
		Rides:         s.Engine.ActiveCounts(),
		Realtime:      s.Hub.Stats(),
	})
}

// handleWS attaches a realtime connection. Riders and drivers may follow a
// ride they belong to; drivers also receive offers on their own channel and
// admins observe everything.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	sub := fanout.Subscription{Role: actor.Role, UserID: actor.ID, RideID: r.URL.Query().Get("rideId")}
	if actor.Role == models.RoleDriver {
		sub.DriverID = actor.ID
	}
	if sub.RideID != "" {
		ride, err := s.Engine.GetSnapshot(r.Context(), sub.RideID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !canView(actor, ride) {
			s.fail(w, r, lifecycle.ErrForbidden)
			return
		}
	}
	s.Hub.Serve(w, r, sub, s.drivers())
}
