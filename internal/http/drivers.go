package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

const defaultNearbyRadiusKm = 5.0

type registerDriverRequest struct {
	ID            string  `json:"id"`
	UserID        string  `json:"userId"`
	VehicleClass  string  `json:"vehicleClass"`
	VehicleModel  string  `json:"vehicleModel"`
	VehicleNumber string  `json:"vehicleNumber"`
	Rating        float64 `json:"rating"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req registerDriverRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	actor := actorOf(r)
	switch actor.Role {
	case models.RoleDriver:
		// drivers onboard themselves under their own identity
		req.ID = actor.ID
		if req.UserID == "" {
			req.UserID = actor.ID
		}
	case models.RoleAdmin:
		if req.ID == "" {
			s.fail(w, r, errors.Join(errBadRequest, errors.New("id is required")))
			return
		}
	default:
		s.fail(w, r, lifecycle.ErrForbidden)
		return
	}
	class, err := models.ParseVehicleClass(req.VehicleClass)
	if err != nil {
		s.fail(w, r, errors.Join(errBadRequest, err))
		return
	}
	if req.Rating < 0 || req.Rating > 5 {
		s.fail(w, r, errors.Join(errBadRequest, errors.New("rating must be within 0..5")))
		return
	}
	if req.Rating == 0 {
		req.Rating = 5
	}
	d, err := s.Registry.Register(r.Context(), models.Driver{
		ID:            req.ID,
		UserID:        req.UserID,
		VehicleClass:  class,
		VehicleModel:  req.VehicleModel,
		VehicleNumber: req.VehicleNumber,
		Rating:        req.Rating,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(actorOf(r)) {
		s.fail(w, r, errAdminOnly)
		return
	}
	onlineOnly, _ := strconv.ParseBool(r.URL.Query().Get("online"))
	writeJSON(w, http.StatusOK, s.Registry.List(onlineOnly))
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !selfOrAdmin(actorOf(r), models.RoleDriver, id) {
		s.fail(w, r, lifecycle.ErrForbidden)
		return
	}
	d, err := s.Registry.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeactivateDriver(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(actorOf(r)) {
		s.fail(w, r, errAdminOnly)
		return
	}
	d, err := s.Registry.Deactivate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type statusRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !selfOrAdmin(actorOf(r), models.RoleDriver, id) {
		s.fail(w, r, lifecycle.ErrForbidden)
		return
	}
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Online == nil {
		s.fail(w, r, errors.Join(errBadRequest, errors.New("online is required")))
		return
	}
	d, err := s.Registry.SetOnline(r.Context(), id, *req.Online)
	if errors.Is(err, registry.ErrDriverBusy) && d != nil {
		// going offline is applied once the current ride ends
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    err.Error(),
			"deferred": true,
			"driver":   d,
		})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type locationRequest struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Heading   float64  `json:"heading"`
	Speed     float64  `json:"speed"`
	Timestamp int64    `json:"timestamp"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !selfOrAdmin(actorOf(r), models.RoleDriver, id) {
		s.fail(w, r, lifecycle.ErrForbidden)
		return
	}
	var req locationRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Lat == nil || req.Lng == nil {
		s.fail(w, r, errors.Join(errBadRequest, errors.New("lat and lng are required")))
		return
	}
	sample := models.LocationSample{
		DriverID: id,
		Lat:      *req.Lat,
		Lng:      *req.Lng,
		Heading:  req.Heading,
		Speed:    req.Speed,
	}
	if req.Timestamp > 0 {
		sample.Timestamp = time.UnixMilli(req.Timestamp)
	}
	applied, err := s.drivers().UpdateLocation(r.Context(), id, sample)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{
		"applied": applied,
		"queued":  s.Locations != nil,
	})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		s.fail(w, r, errors.Join(errBadRequest, errors.New("lat and lng are required")))
		return
	}
	radius := defaultNearbyRadiusKm
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			s.fail(w, r, errors.Join(errBadRequest, fmt.Errorf("invalid radius %q", v)))
			return
		}
		radius = f
	}
	var class models.VehicleClass
	if v := q.Get("class"); v != "" {
		c, err := models.ParseVehicleClass(v)
		if err != nil {
			s.fail(w, r, errors.Join(errBadRequest, err))
			return
		}
		class = c
	}
	writeJSON(w, http.StatusOK, s.Registry.Nearby(models.Point{Lat: lat, Lng: lng}, radius, class))
}

// drivers returns where inbound driver updates go. With a queue configured
// locations are published and applied later by the consumer.
func (s *Server) drivers() fanout.DriverUpdater {
	if s.Locations == nil {
		return s.Registry
	}
	return queuedUpdater{Registry: s.Registry, pub: s.Locations}
}

type queuedUpdater struct {
	*registry.Registry
	pub LocationPublisher
}

func (q queuedUpdater) UpdateLocation(ctx context.Context, id string, sample models.LocationSample) (bool, error) {
	if !sample.Point().Valid() {
		return false, registry.ErrInvalidLocation
	}
	if _, err := q.Registry.Get(id); err != nil {
		return false, err
	}
	sample.DriverID = id
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	return false, q.pub.PublishLocation(ctx, sample)
}
