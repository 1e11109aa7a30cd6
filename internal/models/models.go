package models

import (
	"fmt"
	"strings"
	"time"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LocationSample is the latest known position of a driver. Only the newest
// sample per driver is kept for matching.
type LocationSample struct {
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s LocationSample) Point() Point { return Point{Lat: s.Lat, Lng: s.Lng} }

// Valid reports whether p is a real WGS84 coordinate.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type VehicleClass string

const (
	ClassCompact VehicleClass = "compact"
	ClassMini    VehicleClass = "mini"
	ClassSedan   VehicleClass = "sedan"
	ClassSUV     VehicleClass = "suv"
	ClassAuto    VehicleClass = "auto"
)

func ParseVehicleClass(s string) (VehicleClass, error) {
	c := VehicleClass(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ClassCompact, ClassMini, ClassSedan, ClassSUV, ClassAuto:
		return c, nil
	}
	return "", fmt.Errorf("unknown vehicle class %q", s)
}

type Driver struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	VehicleClass   VehicleClass    `json:"vehicleClass"`
	VehicleModel   string          `json:"vehicleModel,omitempty"`
	VehicleNumber  string          `json:"vehicleNumber,omitempty"`
	Rating         float64         `json:"rating"` // 0..5
	Online         bool            `json:"online"`
	Active         bool            `json:"active"`
	OfflinePending bool            `json:"offlinePending,omitempty"`
	Location       *LocationSample `json:"location,omitempty"`
	ReservedRideID *string         `json:"reservedRideId,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (d *Driver) Clone() *Driver {
	if d == nil {
		return nil
	}
	c := *d
	if d.Location != nil {
		loc := *d.Location
		c.Location = &loc
	}
	if d.ReservedRideID != nil {
		id := *d.ReservedRideID
		c.ReservedRideID = &id
	}
	return &c
}

type RideStatus string

const (
	StatusSearching      RideStatus = "searching"
	StatusDriverAssigned RideStatus = "driver_assigned"
	StatusDriverArrived  RideStatus = "driver_arrived"
	StatusInProgress     RideStatus = "in_progress"
	StatusCompleted      RideStatus = "completed"
	StatusCancelled      RideStatus = "cancelled"
)

func (s RideStatus) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// ActiveStatuses lists every non-terminal status.
var ActiveStatuses = []RideStatus{StatusSearching, StatusDriverAssigned, StatusDriverArrived, StatusInProgress}

type RideRequest struct {
	RiderID        string       `json:"riderId"`
	Pickup         Point        `json:"pickup"`
	PickupAddress  string       `json:"pickupAddress"`
	Dropoff        Point        `json:"dropoff"`
	DropoffAddress string       `json:"dropoffAddress"`
	VehicleClass   VehicleClass `json:"vehicleClass"`
}

type Ride struct {
	ID             string       `json:"id"`
	RiderID        string       `json:"riderId"`
	DriverID       *string      `json:"driverId,omitempty"`
	Pickup         Point        `json:"pickup"`
	PickupAddress  string       `json:"pickupAddress"`
	Dropoff        Point        `json:"dropoff"`
	DropoffAddress string       `json:"dropoffAddress"`
	VehicleClass   VehicleClass `json:"vehicleClass"`
	Status         RideStatus   `json:"status"`
	FareEstimate   *float64     `json:"fareEstimate,omitempty"`
	Fare           *float64     `json:"fare,omitempty"`
	DistanceKm     float64      `json:"distanceKm"`
	DurationMin    int          `json:"durationMin"`
	OTP            string       `json:"otp,omitempty"`
	CancelReason   string       `json:"cancelReason,omitempty"`
	CancelledBy    string       `json:"cancelledBy,omitempty"`
	Progress       *float64     `json:"progress,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	AssignedAt     *time.Time   `json:"assignedAt,omitempty"`
	ArrivedAt      *time.Time   `json:"arrivedAt,omitempty"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	CancelledAt    *time.Time   `json:"cancelledAt,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

func (r *Ride) AssignedDriver() string {
	if r == nil || r.DriverID == nil {
		return ""
	}
	return *r.DriverID
}

// Clone returns a deep copy so callers never share pointers with the store.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.DriverID = cloneString(r.DriverID)
	c.FareEstimate = cloneFloat(r.FareEstimate)
	c.Fare = cloneFloat(r.Fare)
	c.Progress = cloneFloat(r.Progress)
	c.AssignedAt = cloneTime(r.AssignedAt)
	c.ArrivedAt = cloneTime(r.ArrivedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

// Redacted is the copy shared with ride rooms and drivers; the OTP stays with the rider.
func (r *Ride) Redacted() *Ride {
	c := r.Clone()
	if c != nil {
		c.OTP = ""
	}
	return c
}

// Transition is one entry of the append-only ride audit log.
type Transition struct {
	ID        int64      `json:"id"`
	RideID    string     `json:"rideId"`
	From      RideStatus `json:"from"`
	To        RideStatus `json:"to"`
	ActorRole string     `json:"actorRole"`
	ActorID   string     `json:"actorId,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	At        time.Time  `json:"at"`
}

const (
	RoleRider  = "rider"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Actor identifies who initiated an operation. Identity is supplied by the
// auth layer and trusted here.
type Actor struct {
	Role string `json:"role"`
	ID   string `json:"id"`
}

func SystemActor() Actor { return Actor{Role: RoleSystem} }

const (
	EventConnection     = "connection"
	EventRideUpdate     = "ride_update"
	EventDriverLocation = "driver_location_update"
	EventDriverStatus   = "driver_status_update"
	EventRideOffer      = "ride_offer"
)

// Event is the envelope pushed over the client-facing channel.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data, Timestamp: time.Now().UnixMilli()}
}

type RideOffer struct {
	RideID             string  `json:"rideId"`
	Pickup             Point   `json:"pickup"`
	PickupAddress      string  `json:"pickupAddress"`
	Dropoff            Point   `json:"dropoff"`
	DropoffAddress     string  `json:"dropoffAddress"`
	DistanceToPickupKm float64 `json:"distanceToPickupKm"`
	ETASeconds         float64 `json:"etaSeconds"`
	FareEstimate       float64 `json:"fareEstimate,omitempty"`
}

type DriverStatus struct {
	DriverID string `json:"driverId"`
	Online   bool   `json:"online"`
	Deferred bool   `json:"deferred,omitempty"`
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func StringPtr(s string) *string { return &s }
func FloatPtr(f float64) *float64 { return &f }
func TimePtr(t time.Time) *time.Time { return &t }
