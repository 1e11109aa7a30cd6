package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeClient struct {
	route Route
	err   error
	calls int
}

func (f *fakeClient) Route(ctx context.Context, from, to models.Point) (Route, error) {
	f.calls++
	return f.route, f.err
}

var (
	a = models.Point{Lat: 28.6139, Lng: 77.2090}
	b = models.Point{Lat: 28.7041, Lng: 77.1025}
)

func TestEstimatorUsesCache(t *testing.T) {
	c := &fakeClient{route: Route{DistanceKm: 12, DurationSeconds: 900}}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute)}
	ctx := context.Background()
	first := e.Estimate(ctx, a, b)
	second := e.Estimate(ctx, a, b)
	if first != second || first.DistanceKm != 12 {
		t.Fatalf("unexpected routes %+v %+v", first, second)
	}
	if c.calls != 1 {
		t.Fatalf("expected one client call, got %d", c.calls)
	}
}

func TestEstimatorFallsBackToStraightLine(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, SpeedMps: 10}
	got := e.Estimate(context.Background(), a, b)
	want := Straight(a, b, 10)
	if got != want {
		t.Fatalf("expected fallback %+v, got %+v", want, got)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(a, b, Route{DistanceKm: 1})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected expired entry")
	}
}

func TestTripEstimateRounding(t *testing.T) {
	km, mins := TripEstimate(Route{DistanceKm: 8.3456, DurationSeconds: 1190})
	if km != 8.35 || mins != 20 {
		t.Fatalf("got %v km %v min", km, mins)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":600,"distance":5400}]}`))
	}))
	defer srv.Close()
	r, err := NewOSRMClient(srv.URL).Route(context.Background(), a, b)
	if err != nil {
		t.Fatal(err)
	}
	if r.DistanceKm != 5.4 || r.DurationSeconds != 600 {
		t.Fatalf("unexpected route %+v", r)
	}
}
