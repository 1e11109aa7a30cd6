package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	rider1  = models.Actor{Role: models.RoleRider, ID: "rider-1"}
	rider2  = models.Actor{Role: models.RoleRider, ID: "rider-2"}
	driver1 = models.Actor{Role: models.RoleDriver, ID: "d1"}
	admin   = models.Actor{Role: models.RoleAdmin, ID: "ops"}

	pickup  = models.Point{Lat: 28.6139, Lng: 77.2090}
	dropoff = models.Point{Lat: 28.6300, Lng: 77.2200}
)

type fakeLocations struct {
	mu      sync.Mutex
	samples []models.LocationSample
}

func (f *fakeLocations) PublishLocation(ctx context.Context, s models.LocationSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

type testServer struct {
	*Server
	reg *registry.Registry
}

func newTestServer(t *testing.T, configure func(*Deps)) *testServer {
	t.Helper()
	reg := registry.New(geo.NewIndex(0), storage.NewMemoryDriverStore(), nil)
	hub := fanout.NewHub(reg, nil)
	engine := lifecycle.New(lifecycle.Deps{
		Store:    storage.NewMemoryStore(),
		Registry: reg,
		Matcher:  &matcher.Service{Registry: reg, Config: matcher.DefaultConfig()},
		Fanout:   hub,
	}, lifecycle.Config{MatchWindow: 5 * time.Second, RetryInterval: 20 * time.Millisecond})
	reg.SetRideActivity(engine)
	reg.AddListener(engine)
	reg.AddListener(hub)
	t.Cleanup(engine.Close)

	deps := Deps{Engine: engine, Registry: reg, Hub: hub}
	if configure != nil {
		configure(&deps)
	}
	return &testServer{Server: NewServer(deps), reg: reg}
}

func (s *testServer) do(t *testing.T, actor models.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor.Role != "" {
		req.Header.Set("X-User-Role", actor.Role)
		req.Header.Set("X-User-ID", actor.ID)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) expect(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("expected status %d, got %d: %s", code, rec.Code, rec.Body.String())
	}
}

func decodeRide(t *testing.T, rec *httptest.ResponseRecorder) models.Ride {
	t.Helper()
	var ride models.Ride
	if err := json.Unmarshal(rec.Body.Bytes(), &ride); err != nil {
		t.Fatalf("decode ride: %v (%s)", err, rec.Body.String())
	}
	return ride
}

// onboard registers d1 as a sedan and puts it online near the pickup.
func (s *testServer) onboard(t *testing.T) {
	t.Helper()
	s.expect(t, s.do(t, driver1, http.MethodPost, "/api/v1/drivers", map[string]any{
		"vehicleClass": "sedan", "rating": 4.8,
	}), http.StatusCreated)
	s.expect(t, s.do(t, driver1, http.MethodPut, "/api/v1/drivers/d1/status", map[string]any{"online": true}), http.StatusOK)
	s.expect(t, s.do(t, driver1, http.MethodPost, "/api/v1/drivers/d1/location", map[string]any{
		"lat": pickup.Lat + 0.005, "lng": pickup.Lng, "timestamp": time.Now().UnixMilli(),
	}), http.StatusAccepted)
}

func (s *testServer) requestRide(t *testing.T, actor models.Actor) models.Ride {
	t.Helper()
	rec := s.do(t, actor, http.MethodPost, "/api/v1/rides", map[string]any{
		"pickup": pickup, "dropoff": dropoff, "vehicleClass": "sedan",
		"pickupAddress": "Connaught Place", "dropoffAddress": "Karol Bagh",
	})
	s.expect(t, rec, http.StatusCreated)
	return decodeRide(t, rec)
}

func (s *testServer) waitStatus(t *testing.T, id string, want models.RideStatus) models.Ride {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := s.do(t, admin, http.MethodGet, "/api/v1/rides/"+id, nil)
		s.expect(t, rec, http.StatusOK)
		ride := decodeRide(t, rec)
		if ride.Status == want {
			return ride
		}
		if time.Now().After(deadline) {
			t.Fatalf("ride %s stuck in %s, want %s", id, ride.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	s.onboard(t)

	ride := s.requestRide(t, rider1)
	if ride.Status != models.StatusSearching || ride.OTP == "" {
		t.Fatalf("unexpected created ride: %+v", ride)
	}
	assigned := s.waitStatus(t, ride.ID, models.StatusDriverAssigned)
	if assigned.AssignedDriver() != "d1" {
		t.Fatalf("expected d1 assigned, got %q", assigned.AssignedDriver())
	}

	seen := decodeRide(t, s.do(t, driver1, http.MethodGet, "/api/v1/rides/"+ride.ID, nil))
	if seen.OTP != "" {
		t.Fatal("driver must not see the OTP")
	}

	s.expect(t, s.do(t, driver1, http.MethodPost, "/api/v1/rides/"+ride.ID+"/arrive", nil), http.StatusOK)
	s.expect(t, s.do(t, driver1, http.MethodPost, "/api/v1/rides/"+ride.ID+"/start", map[string]string{"otp": "0000"}), http.StatusUnprocessableEntity)
	s.expect(t, s.do(t, driver1, http.MethodPost, "/api/v1/rides/"+ride.ID+"/start", map[string]string{"otp": ride.OTP}), http.StatusOK)

	rec := s.do(t, driver1, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", nil)
	s.expect(t, rec, http.StatusOK)
	done := decodeRide(t, rec)
	if done.Status != models.StatusCompleted || done.Fare == nil || *done.Fare <= 0 {
		t.Fatalf("unexpected completed ride: %+v", done)
	}

	var log []models.Transition
	rec = s.do(t, rider1, http.MethodGet, "/api/v1/rides/"+ride.ID+"/transitions", nil)
	s.expect(t, rec, http.StatusOK)
	if err := json.Unmarshal(rec.Body.Bytes(), &log); err != nil {
		t.Fatal(err)
	}
	if len(log) != 5 {
		t.Fatalf("expected 5 transitions, got %d", len(log))
	}

	d, err := s.reg.Get("d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.ReservedRideID != nil {
		t.Fatalf("driver still reserved for %s", *d.ReservedRideID)
	}
}

func TestErrorStatusCodes(t *testing.T) {
	s := newTestServer(t, nil)
	ride := s.requestRide(t, rider1)

	cases := []struct {
		name   string
		actor  models.Actor
		method string
		path   string
		body   any
		want   int
	}{
		{"missing identity", models.Actor{}, http.MethodGet, "/api/v1/rides/" + ride.ID, nil, http.StatusUnauthorized},
		{"unknown ride", rider1, http.MethodGet, "/api/v1/rides/nope", nil, http.StatusNotFound},
		{"other rider", rider2, http.MethodGet, "/api/v1/rides/" + ride.ID, nil, http.StatusForbidden},
		{"second active ride", rider1, http.MethodPost, "/api/v1/rides", map[string]any{"pickup": pickup, "dropoff": dropoff, "vehicleClass": "sedan"}, http.StatusConflict},
		{"unknown class", rider2, http.MethodPost, "/api/v1/rides", map[string]any{"pickup": pickup, "dropoff": dropoff, "vehicleClass": "rickshaw"}, http.StatusBadRequest},
		{"malformed body", rider2, http.MethodPost, "/api/v1/rides", "{", http.StatusBadRequest},
		{"illegal transition", admin, http.MethodPost, "/api/v1/rides/" + ride.ID + "/complete", nil, http.StatusConflict},
		{"rider cannot arrive", rider1, http.MethodPost, "/api/v1/rides/" + ride.ID + "/arrive", nil, http.StatusForbidden},
		{"admin stats for rider", rider1, http.MethodGet, "/api/v1/admin/stats", nil, http.StatusForbidden},
		{"unknown driver", admin, http.MethodGet, "/api/v1/drivers/ghost", nil, http.StatusNotFound},
		{"negative fare distance", rider1, http.MethodPost, "/api/v1/fare/quote", map[string]any{"distanceKm": -1, "vehicleClass": "sedan"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s.expect(t, s.do(t, tc.actor, tc.method, tc.path, tc.body), tc.want)
		})
	}
}

func TestRiderCancelsWhileSearching(t *testing.T) {
	s := newTestServer(t, nil)
	ride := s.requestRide(t, rider1)

	rec := s.do(t, rider1, http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", map[string]string{"reason": "changed plans"})
	s.expect(t, rec, http.StatusOK)
	got := decodeRide(t, rec)
	if got.Status != models.StatusCancelled || got.CancelReason != "changed plans" {
		t.Fatalf("unexpected cancelled ride: %+v", got)
	}

	// a second cancel is a replay
	s.expect(t, s.do(t, rider1, http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", nil), http.StatusOK)
	s.expect(t, s.do(t, rider1, http.MethodGet, "/api/v1/riders/rider-1/active-ride", nil), http.StatusNotFound)
}

func TestGoingOfflineDuringRideIsDeferred(t *testing.T) {
	s := newTestServer(t, nil)
	s.onboard(t)
	ride := s.requestRide(t, rider1)
	s.waitStatus(t, ride.ID, models.StatusDriverAssigned)

	rec := s.do(t, driver1, http.MethodPut, "/api/v1/drivers/d1/status", map[string]any{"online": false})
	s.expect(t, rec, http.StatusConflict)
	var body struct {
		Deferred bool          `json:"deferred"`
		Driver   models.Driver `json:"driver"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Deferred || !body.Driver.OfflinePending {
		t.Fatalf("expected a deferred offline, got %s", rec.Body.String())
	}
}

func TestLocationIsQueuedWhenPublisherConfigured(t *testing.T) {
	pub := &fakeLocations{}
	s := newTestServer(t, func(d *Deps) { d.Locations = pub })
	s.expect(t, s.do(t, driver1, http.MethodPost, "/api/v1/drivers", map[string]any{"vehicleClass": "suv"}), http.StatusCreated)

	rec := s.do(t, driver1, http.MethodPost, "/api/v1/drivers/d1/location", map[string]any{"lat": 12.97, "lng": 77.59})
	s.expect(t, rec, http.StatusAccepted)
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body["queued"] || body["applied"] {
		t.Fatalf("unexpected body %v", body)
	}
	if len(pub.samples) != 1 || pub.samples[0].DriverID != "d1" || pub.samples[0].Timestamp.IsZero() {
		t.Fatalf("unexpected published samples %+v", pub.samples)
	}

	s.expect(t, s.do(t, driver1, http.MethodPost, "/api/v1/drivers/d1/location", map[string]any{"lat": 123.0, "lng": 77.59}), http.StatusBadRequest)
	other := models.Actor{Role: models.RoleDriver, ID: "d2"}
	s.expect(t, s.do(t, other, http.MethodPost, "/api/v1/drivers/d1/location", map[string]any{"lat": 12.97, "lng": 77.59}), http.StatusForbidden)
}

func TestNearbyAndAdminViews(t *testing.T) {
	s := newTestServer(t, nil)
	s.onboard(t)

	rec := s.do(t, rider1, http.MethodGet, "/api/v1/drivers/nearby?lat=28.6139&lng=77.2090&class=sedan&radius=2", nil)
	s.expect(t, rec, http.StatusOK)
	var near []geo.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &near); err != nil {
		t.Fatal(err)
	}
	if len(near) != 1 || near[0].DriverID != "d1" {
		t.Fatalf("unexpected nearby result %+v", near)
	}

	rec = s.do(t, admin, http.MethodGet, "/api/v1/admin/stats", nil)
	s.expect(t, rec, http.StatusOK)
	var stats statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.OnlineDrivers != 1 {
		t.Fatalf("expected 1 online driver, got %d", stats.OnlineDrivers)
	}

	s.expect(t, s.do(t, rider1, http.MethodGet, "/api/v1/drivers", nil), http.StatusForbidden)
	s.expect(t, s.do(t, admin, http.MethodDelete, "/api/v1/drivers/d1", nil), http.StatusOK)
	s.expect(t, s.do(t, driver1, http.MethodPut, "/api/v1/drivers/d1/status", map[string]any{"online": true}), http.StatusConflict)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, func(d *Deps) {
		d.Ready = func(ctx context.Context) error { return errors.New("postgres down") }
	})
	rec := s.do(t, models.Actor{}, http.MethodGet, "/healthz", nil)
	s.expect(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
	s.expect(t, s.do(t, models.Actor{}, http.MethodGet, "/ready", nil), http.StatusServiceUnavailable)
}

func TestStatusForMapsDomainErrors(t *testing.T) {
	cases := map[error]int{
		lifecycle.ErrOTPMismatch:                          http.StatusUnprocessableEntity,
		matcher.ErrNoDriverAvailable:                      http.StatusServiceUnavailable,
		storage.ErrUnavailable:                            http.StatusServiceUnavailable,
		registry.ErrDriverBusy:                            http.StatusConflict,
		registry.ErrInvalidLocation:                       http.StatusBadRequest,
		errors.New("boom"):                                http.StatusInternalServerError,
		errors.Join(errBadRequest, errors.New("bad json")): http.StatusBadRequest,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Errorf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
