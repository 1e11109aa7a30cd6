package storage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

func newRedisStore(t *testing.T) (*RedisDriverStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return NewRedisDriverStore(rc, ""), rc
}

func TestRedisDriverStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	ts := time.Now().Truncate(time.Microsecond)
	d := &models.Driver{
		ID: "d1", UserID: "u1", VehicleClass: models.ClassSUV, Rating: 4.7,
		Online: true, Active: true, UpdatedAt: ts,
		Location: &models.LocationSample{Lat: 28.6139, Lng: 77.2090, Heading: 45, Timestamp: ts},
	}
	if err := store.SaveDriver(ctx, d); err != nil {
		t.Fatal(err)
	}
	got, err := store.LoadDrivers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 driver, got %d", len(got))
	}
	g := got[0]
	if g.ID != "d1" || g.VehicleClass != models.ClassSUV || g.Rating != 4.7 || !g.Online || !g.Active {
		t.Fatalf("unexpected driver %+v", g)
	}
	if g.Location == nil || math.Abs(g.Location.Lat-28.6139) > 1e-4 || g.Location.Heading != 45 || !g.Location.Timestamp.Equal(ts) {
		t.Fatalf("unexpected location %+v", g.Location)
	}
}

func TestRedisSaveLocationKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store, rc := newRedisStore(t)
	now := time.Now()

	if err := store.SaveDriver(ctx, &models.Driver{ID: "d1", VehicleClass: models.ClassSedan, Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveLocation(ctx, "d1", models.LocationSample{Lat: 28.62, Lng: 77.21, Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	// an older write landing late and a replay of the same instant are both ignored
	if err := store.SaveLocation(ctx, "d1", models.LocationSample{Lat: 12.97, Lng: 77.59, Timestamp: now.Add(-time.Second)}); err != nil {
		t.Fatal(err)
	}
	applied, err := WriteLocation(ctx, rc, "drivers_geo", models.LocationSample{DriverID: "d1", Lat: 19.07, Lng: 72.87, Timestamp: now})
	if err != nil || applied {
		t.Fatalf("equal timestamp: applied=%v err=%v", applied, err)
	}

	got, err := store.LoadDrivers(ctx)
	if err != nil || len(got) != 1 || got[0].Location == nil {
		t.Fatalf("load: %+v %v", got, err)
	}
	if loc := got[0].Location; math.Abs(loc.Lat-28.62) > 1e-4 || !loc.Timestamp.Equal(now) {
		t.Fatalf("stale sample overwrote location: %+v", loc)
	}

	applied, err = WriteLocation(ctx, rc, "drivers_geo", models.LocationSample{DriverID: "d1", Lat: 19.07, Lng: 72.87, Timestamp: now.Add(time.Second)})
	if err != nil || !applied {
		t.Fatalf("newer sample: applied=%v err=%v", applied, err)
	}
	pos, err := rc.GeoPos(ctx, "drivers_geo", "d1").Result()
	if err != nil || len(pos) != 1 || pos[0] == nil || math.Abs(pos[0].Latitude-19.07) > 1e-4 {
		t.Fatalf("newer sample not applied: %v %v", pos, err)
	}
}
