package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Point{Lat: 28.6139, Lng: 77.2090}

func north(p models.Point, km float64) models.Point {
	return models.Point{Lat: p.Lat + km/(6371.0*math.Pi/180), Lng: p.Lng}
}

// countingRegistry records how many radius queries the matcher issued.
type countingRegistry struct {
	*registry.Registry
	mu    sync.Mutex
	radii []float64
}

func (c *countingRegistry) Nearby(center models.Point, radiusKm float64, class models.VehicleClass) []geo.Result {
	c.mu.Lock()
	c.radii = append(c.radii, radiusKm)
	c.mu.Unlock()
	return c.Registry.Nearby(center, radiusKm, class)
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(geo.NewIndex(0), storage.NewMemoryDriverStore(), nil)
}

func addDriver(t *testing.T, r *registry.Registry, id string, class models.VehicleClass, rating float64, p models.Point) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.Register(ctx, models.Driver{ID: id, VehicleClass: class, Rating: rating}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetOnline(ctx, id, true); err != nil {
		t.Fatal(err)
	}
	if _, err := r.UpdateLocation(ctx, id, models.LocationSample{Lat: p.Lat, Lng: p.Lng, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func sedanRide(id string) *models.Ride {
	return &models.Ride{ID: id, Pickup: pickup, Dropoff: models.Point{Lat: 28.6149, Lng: 77.2085}, VehicleClass: models.ClassSedan, Status: models.StatusSearching}
}

func TestScenarioNearestSedanIsReserved(t *testing.T) {
	r := newRegistry(t)
	addDriver(t, r, "near", models.ClassSedan, 4.7, north(pickup, 1.0))
	addDriver(t, r, "further", models.ClassSedan, 4.7, north(pickup, 1.3))
	addDriver(t, r, "suv", models.ClassSUV, 5.0, north(pickup, 0.2))

	s := &Service{Registry: r, Config: DefaultConfig()}
	a, err := s.MatchDriver(context.Background(), sedanRide("ride-1"))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if a.DriverID != "near" {
		t.Fatalf("expected near, got %s", a.DriverID)
	}
	if ride, ok := r.ReservedRide("near"); !ok || ride != "ride-1" {
		t.Fatalf("driver not reserved for ride-1")
	}
	if a.ETASeconds <= 0 {
		t.Fatalf("expected a pickup ETA, got %v", a.ETASeconds)
	}
}

func TestRadiusExpansionFindsDriverOnThirdRadius(t *testing.T) {
	r := newRegistry(t)
	addDriver(t, r, "six-km", models.ClassSedan, 4.5, north(pickup, 6))
	cr := &countingRegistry{Registry: r}
	s := &Service{Registry: cr, Config: Config{RadiiKm: []float64{2, 5, 10}, RatingBandKm: 0.5}}

	a, err := s.MatchDriver(context.Background(), sedanRide("ride-1"))
	if err != nil {
		t.Fatalf("expected match on expansion, got %v", err)
	}
	if a.DriverID != "six-km" {
		t.Fatalf("unexpected driver %s", a.DriverID)
	}
	if len(cr.radii) != 3 || cr.radii[2] != 10 {
		t.Fatalf("expected queries at 2,5,10; got %v", cr.radii)
	}
}

func TestNoDriverAvailable(t *testing.T) {
	r := newRegistry(t)
	addDriver(t, r, "far", models.ClassSedan, 4.5, north(pickup, 25))
	s := &Service{Registry: r, Config: DefaultConfig()}
	if _, err := s.MatchDriver(context.Background(), sedanRide("ride-1")); !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("expected ErrNoDriverAvailable, got %v", err)
	}
}

func TestCancelledContextReservesNothing(t *testing.T) {
	r := newRegistry(t)
	addDriver(t, r, "d1", models.ClassSedan, 4.5, north(pickup, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Service{Registry: r, Config: DefaultConfig()}
	if _, err := s.MatchDriver(ctx, sedanRide("ride-1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := r.ReservedRide("d1"); ok {
		t.Fatal("cancelled match left a reservation behind")
	}
}

// cancelOnReserve cancels the match context right after a reservation wins,
// simulating a rider cancel landing between reserve and return.
type cancelOnReserve struct {
	*registry.Registry
	cancel context.CancelFunc
}

func (c *cancelOnReserve) Reserve(driverID, rideID string) bool {
	ok := c.Registry.Reserve(driverID, rideID)
	c.cancel()
	return ok
}

func TestCancellationAfterReserveReleasesDriver(t *testing.T) {
	r := newRegistry(t)
	addDriver(t, r, "d1", models.ClassSedan, 4.5, north(pickup, 1))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{Registry: &cancelOnReserve{Registry: r, cancel: cancel}, Config: DefaultConfig()}
	if _, err := s.MatchDriver(ctx, sedanRide("ride-1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := r.ReservedRide("d1"); ok {
		t.Fatal("reservation leaked after cancellation")
	}
}

func TestConcurrentMatchesNeverShareADriver(t *testing.T) {
	r := newRegistry(t)
	const drivers = 5
	const rides = 20
	for i := 0; i < drivers; i++ {
		addDriver(t, r, fmt.Sprintf("d%d", i), models.ClassSedan, 4.5, north(pickup, 0.1*float64(i)))
	}
	s := &Service{Registry: r, Config: DefaultConfig()}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		assigned = make(map[string]string)
		misses   int
	)
	for i := 0; i < rides; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ride := sedanRide(fmt.Sprintf("ride-%d", i))
			a, err := s.MatchDriver(context.Background(), ride)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrNoDriverAvailable) {
				misses++
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if prev, dup := assigned[a.DriverID]; dup {
				t.Errorf("driver %s reserved for both %s and %s", a.DriverID, prev, ride.ID)
			}
			assigned[a.DriverID] = ride.ID
		}(i)
	}
	wg.Wait()
	if len(assigned) != drivers || misses != rides-drivers {
		t.Fatalf("expected %d assignments and %d misses, got %d and %d", drivers, rides-drivers, len(assigned), misses)
	}
}

func TestRankPrefersRatingInsideBand(t *testing.T) {
	cands := []geo.Result{
		{DriverID: "a", DistanceKm: 1.0, Rating: 4.0},
		{DriverID: "b", DistanceKm: 1.3, Rating: 4.9},
		{DriverID: "c", DistanceKm: 2.0, Rating: 5.0},
		{DriverID: "d", DistanceKm: 2.2, Rating: 3.0},
	}
	got := Rank(cands, 0.5)
	want := []string{"b", "a", "c", "d"}
	for i, w := range want {
		if got[i].DriverID != w {
			t.Fatalf("expected %v, got %+v", want, got)
		}
	}
	plain := Rank(cands, 0)
	if plain[0].DriverID != "a" {
		t.Fatalf("without a band nearest should win, got %+v", plain)
	}
}
