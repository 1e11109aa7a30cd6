package geo

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrStaleLocation is returned when an update is not newer than the stored sample.
var ErrStaleLocation = errors.New("stale location update")

const (
	earthRadiusKm = 6371.0
	kmPerDegree   = 111.32
	// cells wider than this many per side fall back to a full scan
	maxCellSpan = 64
)

// Entry is what the index keeps per driver: attributes used for filtering and
// ordering plus the latest location sample.
type Entry struct {
	DriverID string
	Class    models.VehicleClass
	Rating   float64
	Sample   models.LocationSample
}

type Result struct {
	DriverID   string              `json:"driverId"`
	DistanceKm float64             `json:"distanceKm"`
	Rating     float64             `json:"rating"`
	Class      models.VehicleClass `json:"vehicleClass"`
	Location   models.Point        `json:"location"`
}

type cellKey struct{ x, y int }

// Index is an in-memory grid of driver positions. Reads may be slightly
// stale relative to concurrent upserts; callers that need exclusivity use the
// registry's reservation instead.
type Index struct {
	mu      sync.RWMutex
	cellDeg float64
	entries map[string]*Entry
	cells   map[cellKey]map[string]struct{}
}

// NewIndex creates an index bucketed into cells of cellDeg degrees. A value
// <= 0 selects 0.05 (about 5.5 km of latitude).
func NewIndex(cellDeg float64) *Index {
	if cellDeg <= 0 {
		cellDeg = 0.05
	}
	return &Index{
		cellDeg: cellDeg,
		entries: make(map[string]*Entry),
		cells:   make(map[cellKey]map[string]struct{}),
	}
}

// SetAttributes records the class and rating used by Query. It does not make
// the driver queryable until a location arrives.
func (g *Index) SetAttributes(driverID string, class models.VehicleClass, rating float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[driverID]
	if !ok {
		g.entries[driverID] = &Entry{DriverID: driverID, Class: class, Rating: rating}
		return
	}
	e.Class = class
	e.Rating = rating
}

// Upsert stores sample if it is newer than the one already held.
func (g *Index) Upsert(driverID string, sample models.LocationSample) error {
	sample.DriverID = driverID
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[driverID]
	if !ok {
		e = &Entry{DriverID: driverID}
		g.entries[driverID] = e
	} else if !e.Sample.Timestamp.IsZero() {
		if !sample.Timestamp.After(e.Sample.Timestamp) {
			return ErrStaleLocation
		}
		g.unlinkLocked(driverID, e.Sample)
	}
	e.Sample = sample
	k := g.cellOf(sample.Lat, sample.Lng)
	bucket, ok := g.cells[k]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[k] = bucket
	}
	bucket[driverID] = struct{}{}
	return nil
}

func (g *Index) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[driverID]
	if !ok {
		return
	}
	if !e.Sample.Timestamp.IsZero() {
		g.unlinkLocked(driverID, e.Sample)
	}
	delete(g.entries, driverID)
}

func (g *Index) Get(driverID string) (Entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[driverID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len reports the number of drivers with a known location.
func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, b := range g.cells {
		n += len(b)
	}
	return n
}

// Query returns drivers within radiusKm of center ordered by distance, then
// rating descending, then driver ID. An empty class matches every class.
func (g *Index) Query(center models.Point, radiusKm float64, class models.VehicleClass) []Result {
	if radiusKm <= 0 {
		return nil
	}
	latSpan := radiusKm / kmPerDegree
	lngSpan := radiusKm / (kmPerDegree * math.Max(math.Cos(toRad(center.Lat)), 0.01))

	g.mu.RLock()
	out := make([]Result, 0)
	visit := func(id string) {
		e := g.entries[id]
		if e == nil || (class != "" && e.Class != class) {
			return
		}
		s := e.Sample
		// bounding box pre-filter before the trig
		if math.Abs(s.Lat-center.Lat) > latSpan || lngDelta(s.Lng, center.Lng) > lngSpan {
			return
		}
		d := HaversineKm(center.Lat, center.Lng, s.Lat, s.Lng)
		if d > radiusKm {
			return
		}
		out = append(out, Result{DriverID: id, DistanceKm: d, Rating: e.Rating, Class: e.Class, Location: s.Point()})
	}
	lo := g.cellOf(center.Lat-latSpan, center.Lng-lngSpan)
	hi := g.cellOf(center.Lat+latSpan, center.Lng+lngSpan)
	// the cell range cannot wrap, so a box crossing the antimeridian scans everything
	wraps := center.Lng-lngSpan < -180 || center.Lng+lngSpan > 180
	if wraps || hi.x-lo.x > maxCellSpan || hi.y-lo.y > maxCellSpan {
		for _, bucket := range g.cells {
			for id := range bucket {
				visit(id)
			}
		}
	} else {
		for x := lo.x; x <= hi.x; x++ {
			for y := lo.y; y <= hi.y; y++ {
				for id := range g.cells[cellKey{x, y}] {
					visit(id)
				}
			}
		}
	}
	g.mu.RUnlock()

	SortResults(out)
	return out
}

// lngDelta is the absolute longitude difference going the short way round.
func lngDelta(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// SortResults orders by distance ascending, rating descending, then driver ID.
func SortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].DistanceKm != rs[j].DistanceKm {
			return rs[i].DistanceKm < rs[j].DistanceKm
		}
		if rs[i].Rating != rs[j].Rating {
			return rs[i].Rating > rs[j].Rating
		}
		return rs[i].DriverID < rs[j].DriverID
	})
}

func (g *Index) cellOf(lat, lng float64) cellKey {
	return cellKey{x: int(math.Floor(lat / g.cellDeg)), y: int(math.Floor(lng / g.cellDeg))}
}

func (g *Index) unlinkLocked(driverID string, s models.LocationSample) {
	k := g.cellOf(s.Lat, s.Lng)
	if bucket, ok := g.cells[k]; ok {
		delete(bucket, driverID)
		if len(bucket) == 0 {
			delete(g.cells, k)
		}
	}
}

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func DistanceKm(a, b models.Point) float64 { return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng) }

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
