package registry

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var delhi = models.Point{Lat: 28.6139, Lng: 77.2090}

type activeRides map[string]bool

func (a activeRides) RideActive(id string) bool { return a[id] }

type recordingListener struct {
	mu        sync.Mutex
	locations []string
	statuses  []models.DriverStatus
}

func (l *recordingListener) LocationUpdated(driverID, rideID string, s models.LocationSample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locations = append(l.locations, driverID+"@"+rideID)
}

func (l *recordingListener) StatusChanged(st models.DriverStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, st)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(geo.NewIndex(0), storage.NewMemoryDriverStore(), nil)
}

func onlineDriver(t *testing.T, r *Registry, id string, p models.Point) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.Register(ctx, models.Driver{ID: id, VehicleClass: models.ClassSedan, Rating: 4.8}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if _, err := r.SetOnline(ctx, id, true); err != nil {
		t.Fatalf("online %s: %v", id, err)
	}
	if _, err := r.UpdateLocation(ctx, id, models.LocationSample{Lat: p.Lat, Lng: p.Lng, Timestamp: time.Now()}); err != nil {
		t.Fatalf("location %s: %v", id, err)
	}
}

func TestRegisterRejectsUnknownClass(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Register(context.Background(), models.Driver{ID: "d1", VehicleClass: "hovercraft"}); err == nil {
		t.Fatal("expected error for unknown vehicle class")
	}
}

func TestReserveIsTestAndSet(t *testing.T) {
	r := newTestRegistry(t)
	onlineDriver(t, r, "d1", delhi)

	const attempts = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ride := string(rune('a' + i))
			if r.Reserve("d1", ride) {
				mu.Lock()
				wins = append(wins, ride)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if len(wins) != 1 {
		t.Fatalf("expected exactly one reservation, got %v", wins)
	}
	if got, ok := r.ReservedRide("d1"); !ok || got != wins[0] {
		t.Fatalf("reserved ride mismatch: %q %v", got, ok)
	}
}

func TestReleaseIsIdempotentAndScoped(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	onlineDriver(t, r, "d1", delhi)
	r.Release(ctx, "d1")
	if !r.Reserve("d1", "ride-1") {
		t.Fatal("reserve failed")
	}
	if r.ReleaseIf(ctx, "d1", "ride-2") {
		t.Fatal("ReleaseIf released a reservation owned by another ride")
	}
	if !r.ReleaseIf(ctx, "d1", "ride-1") {
		t.Fatal("ReleaseIf did not release its own reservation")
	}
	r.Release(ctx, "d1")
	if _, ok := r.ReservedRide("d1"); ok {
		t.Fatal("driver still reserved")
	}
}

func TestSetOfflineMidTripIsDeferred(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	r.SetRideActivity(activeRides{"ride-1": true})
	l := &recordingListener{}
	r.AddListener(l)
	onlineDriver(t, r, "d1", delhi)
	if !r.Reserve("d1", "ride-1") {
		t.Fatal("reserve failed")
	}

	d, err := r.SetOnline(ctx, "d1", false)
	if !errors.Is(err, ErrDriverBusy) {
		t.Fatalf("expected ErrDriverBusy, got %v", err)
	}
	if !d.Online || !d.OfflinePending {
		t.Fatalf("driver should remain online with offline pending: %+v", d)
	}
	// still tracked: location updates keep flowing to the ride
	if ok, err := r.UpdateLocation(ctx, "d1", models.LocationSample{Lat: delhi.Lat + 0.001, Lng: delhi.Lng, Timestamp: time.Now().Add(time.Second)}); err != nil || !ok {
		t.Fatalf("location during trip rejected: %v %v", ok, err)
	}
	// pending offline drivers are not offered new rides
	if res := r.Nearby(delhi, 5, models.ClassSedan); len(res) != 0 {
		t.Fatalf("pending-offline driver offered as candidate: %+v", res)
	}

	r.Release(ctx, "d1")
	d, _ = r.Get("d1")
	if d.Online || d.OfflinePending {
		t.Fatalf("deferred offline not applied on release: %+v", d)
	}
	if r.OnlineCount() != 0 {
		t.Fatalf("expected no online drivers")
	}
	last := l.statuses[len(l.statuses)-1]
	if last.Online {
		t.Fatalf("expected final offline status event, got %+v", last)
	}
}

func TestSetOfflineReleasesStaleReservation(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	r.SetRideActivity(activeRides{})
	onlineDriver(t, r, "d1", delhi)
	r.Reserve("d1", "finished-ride")
	d, err := r.SetOnline(ctx, "d1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Online || d.ReservedRideID != nil {
		t.Fatalf("stale reservation not cleared: %+v", d)
	}
}

func TestStaleLocationDropped(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	onlineDriver(t, r, "d1", delhi)
	before, _ := r.Get("d1")
	ok, err := r.UpdateLocation(ctx, "d1", models.LocationSample{Lat: 0, Lng: 0, Timestamp: before.Location.Timestamp.Add(-time.Minute)})
	if err != nil || ok {
		t.Fatalf("expected silent drop, got applied=%v err=%v", ok, err)
	}
	after, _ := r.Get("d1")
	if after.Location.Lat != before.Location.Lat {
		t.Fatal("stale update changed stored location")
	}
	if _, err := r.UpdateLocation(ctx, "ghost", models.LocationSample{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOutOfRangeLocationRejected(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	onlineDriver(t, r, "d1", delhi)
	later := time.Now().Add(time.Minute)
	for _, s := range []models.LocationSample{
		{Lat: 500, Lng: -900, Timestamp: later},
		{Lat: 91, Lng: 0, Timestamp: later},
		{Lat: 0, Lng: 180.5, Timestamp: later},
		{Lat: math.NaN(), Lng: 0, Timestamp: later},
		{Lat: 0, Lng: math.Inf(1), Timestamp: later},
	} {
		if ok, err := r.UpdateLocation(ctx, "d1", s); ok || !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("(%v, %v): applied=%v err=%v, want ErrInvalidLocation", s.Lat, s.Lng, ok, err)
		}
	}
	got, _ := r.Get("d1")
	if got.Location.Lat != delhi.Lat || got.Location.Lng != delhi.Lng {
		t.Fatalf("rejected sample moved driver to %+v", got.Location)
	}
}

func TestNearbyExcludesReservedAndOffline(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	onlineDriver(t, r, "free", delhi)
	onlineDriver(t, r, "taken", delhi)
	onlineDriver(t, r, "gone", delhi)
	r.Reserve("taken", "ride-1")
	if _, err := r.SetOnline(ctx, "gone", false); err != nil {
		t.Fatal(err)
	}
	res := r.Nearby(delhi, 1, models.ClassSedan)
	if len(res) != 1 || res[0].DriverID != "free" {
		t.Fatalf("expected only free driver, got %+v", res)
	}
}

func TestLocationListenerSeesReservedRide(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	l := &recordingListener{}
	r.AddListener(l)
	onlineDriver(t, r, "d1", delhi)
	r.Reserve("d1", "ride-9")
	_, _ = r.UpdateLocation(ctx, "d1", models.LocationSample{Lat: 1, Lng: 1, Timestamp: time.Now().Add(time.Hour)})
	if got := l.locations[len(l.locations)-1]; got != "d1@ride-9" {
		t.Fatalf("unexpected listener call %q", got)
	}
}

func TestDeactivateKeepsRecord(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	onlineDriver(t, r, "d1", delhi)
	if _, err := r.Deactivate(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	d, err := r.Get("d1")
	if err != nil || d.Active || d.Online {
		t.Fatalf("expected inactive record, got %+v err=%v", d, err)
	}
	if _, err := r.SetOnline(ctx, "d1", true); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestHydrateRestoresOnlineDrivers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryDriverStore()
	first := New(geo.NewIndex(0), store, nil)
	if _, err := first.Register(ctx, models.Driver{ID: "d1", VehicleClass: models.ClassSUV, Rating: 4.2}); err != nil {
		t.Fatal(err)
	}
	_, _ = first.SetOnline(ctx, "d1", true)
	_, _ = first.UpdateLocation(ctx, "d1", models.LocationSample{Lat: delhi.Lat, Lng: delhi.Lng, Timestamp: time.Now()})

	second := New(geo.NewIndex(0), store, nil)
	n, err := second.Hydrate(ctx)
	if err != nil || n != 1 {
		t.Fatalf("hydrate: n=%d err=%v", n, err)
	}
	if res := second.Nearby(delhi, 1, models.ClassSUV); len(res) != 1 {
		t.Fatalf("hydrated driver not queryable: %+v", res)
	}
}
