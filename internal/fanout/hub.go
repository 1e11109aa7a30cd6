// Package fanout pushes ride and driver events to connected clients. A
// connection belongs to at most one ride room and may be the canonical
// channel of one driver; admin observers receive every ride and driver event.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const defaultSendBuffer = 64

// Conn is one subscriber. Outgoing frames are queued on send and written by
// the transport; a subscriber that falls behind is dropped, not waited on.
type Conn struct {
	ID     string
	Role   string
	UserID string

	send chan []byte
	done chan struct{}

	// guarded by Hub.mu
	rideID   string
	driverID string
	admin    bool
	closed   bool
}

func NewConn(role, userID string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Conn{
		ID:     uuid.NewString(),
		Role:   role,
		UserID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Messages is the outgoing queue. It is closed when the hub drops the conn.
func (c *Conn) Messages() <-chan []byte { return c.send }

// Done is closed once the connection has left the hub.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RideLocator resolves the ride a driver is currently reserved for.
type RideLocator interface {
	ReservedRide(driverID string) (string, bool)
}

type Stats struct {
	Connections      int      `json:"connections"`
	Rooms            int      `json:"rooms"`
	ConnectedDrivers []string `json:"connectedDrivers"`
	Admins           int      `json:"admins"`
}

type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]struct{}
	rooms   map[string]map[*Conn]struct{}
	drivers map[string]*Conn
	admins  map[*Conn]struct{}
	closers map[string]*time.Timer
	// newest sample timestamp published per driver
	lastLocation map[string]time.Time

	locator RideLocator
	logger  *slog.Logger
}

func NewHub(locator RideLocator, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:   make(map[*Conn]struct{}),
		rooms:   make(map[string]map[*Conn]struct{}),
		drivers: make(map[string]*Conn),
		admins:  make(map[*Conn]struct{}),
		closers: make(map[string]*time.Timer),
		locator: locator,
		logger:  logger,

		lastLocation: make(map[string]time.Time),
	}
}

// Register makes c known to the hub without joining anything.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok || c.closed {
		return
	}
	h.conns[c] = struct{}{}
	observability.WSConnections.Inc()
}

// Join moves c into the room of rideID, leaving any previous room.
func (h *Hub) Join(c *Conn, rideID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed || rideID == "" {
		return
	}
	h.registerLocked(c)
	h.leaveRoomLocked(c)
	room, ok := h.rooms[rideID]
	if !ok {
		room = make(map[*Conn]struct{})
		h.rooms[rideID] = room
	}
	room[c] = struct{}{}
	c.rideID = rideID
}

// JoinDriver registers c as the canonical channel for driverID. A newer
// connection replaces an older one.
func (h *Hub) JoinDriver(c *Conn, driverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed || driverID == "" {
		return
	}
	h.registerLocked(c)
	if prev, ok := h.drivers[driverID]; ok && prev != c {
		prev.driverID = ""
	}
	h.drivers[driverID] = c
	c.driverID = driverID
}

// Observe subscribes c to every ride and driver event.
func (h *Hub) Observe(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	h.registerLocked(c)
	h.admins[c] = struct{}{}
	c.admin = true
}

// Leave removes every reference to c and closes its queue. Safe to call twice.
func (h *Hub) Leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// Publish delivers ev to every connection in the room of rideID and to admin
// observers. It returns the number of connections that accepted the frame.
func (h *Hub) Publish(rideID string, ev models.Event) int {
	frame, ok := h.encode(ev)
	if !ok {
		return 0
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[rideID])+len(h.admins))
	for c := range h.rooms[rideID] {
		targets = append(targets, c)
	}
	for c := range h.admins {
		if c.rideID != rideID {
			targets = append(targets, c)
		}
	}
	n, slow := h.deliverLocked(targets, frame)
	h.mu.RUnlock()
	h.dropSlow(slow)
	return n
}

// PublishDriverLocation routes a sample to the room of the ride the driver is
// reserved for, if any, and to admin observers.
func (h *Hub) PublishDriverLocation(driverID string, s models.LocationSample) int {
	var rideID string
	if h.locator != nil {
		rideID, _ = h.locator.ReservedRide(driverID)
	}
	return h.publishLocation(driverID, rideID, s)
}

// PublishDriverStatus informs admin observers and the driver's own channel.
func (h *Hub) PublishDriverStatus(st models.DriverStatus) int {
	frame, ok := h.encode(models.NewEvent(models.EventDriverStatus, st))
	if !ok {
		return 0
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.admins)+1)
	for c := range h.admins {
		targets = append(targets, c)
	}
	if c, ok := h.drivers[st.DriverID]; ok && !c.admin {
		targets = append(targets, c)
	}
	n, slow := h.deliverLocked(targets, frame)
	h.mu.RUnlock()
	h.dropSlow(slow)
	return n
}

// SendToDriver pushes ev to the canonical channel of driverID only.
func (h *Hub) SendToDriver(driverID string, ev models.Event) bool {
	frame, ok := h.encode(ev)
	if !ok {
		return false
	}
	h.mu.RLock()
	c, found := h.drivers[driverID]
	var n int
	var slow []*Conn
	if found {
		n, slow = h.deliverLocked([]*Conn{c}, frame)
	}
	h.mu.RUnlock()
	h.dropSlow(slow)
	return n == 1
}

// CloseRoomAfter tears the room of rideID down after d. Members stay
// connected but stop receiving that ride's events.
func (h *Hub) CloseRoomAfter(rideID string, d time.Duration) {
	if d <= 0 {
		h.closeRoom(rideID)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.closers[rideID]; ok {
		t.Stop()
	}
	h.closers[rideID] = time.AfterFunc(d, func() { h.closeRoom(rideID) })
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{
		Connections:      len(h.conns),
		Rooms:            len(h.rooms),
		Admins:           len(h.admins),
		ConnectedDrivers: make([]string, 0, len(h.drivers)),
	}
	for id := range h.drivers {
		st.ConnectedDrivers = append(st.ConnectedDrivers, id)
	}
	return st
}

// RoomSize reports how many connections are in the room of rideID.
func (h *Hub) RoomSize(rideID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[rideID])
}

// LocationUpdated implements registry.Listener.
func (h *Hub) LocationUpdated(driverID, rideID string, s models.LocationSample) {
	h.publishLocation(driverID, rideID, s)
}

// StatusChanged implements registry.Listener.
func (h *Hub) StatusChanged(st models.DriverStatus) {
	h.PublishDriverStatus(st)
}

type locationUpdate struct {
	DriverID  string  `json:"driverId"`
	RideID    string  `json:"rideId,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Heading   float64 `json:"heading,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

func (h *Hub) publishLocation(driverID, rideID string, s models.LocationSample) int {
	frame, ok := h.encode(models.NewEvent(models.EventDriverLocation, locationUpdate{
		DriverID:  driverID,
		RideID:    rideID,
		Lat:       s.Lat,
		Lng:       s.Lng,
		Heading:   s.Heading,
		Speed:     s.Speed,
		Timestamp: s.Timestamp.UnixMilli(),
	}))
	if !ok {
		return 0
	}
	// Listeners run outside the registry lock, so samples can arrive here
	// out of order. Check and delivery share the write lock so subscribers
	// only ever see a driver move forward in time.
	h.mu.Lock()
	if last, seen := h.lastLocation[driverID]; seen && !s.Timestamp.After(last) {
		h.mu.Unlock()
		return 0
	}
	h.lastLocation[driverID] = s.Timestamp
	var targets []*Conn
	if rideID != "" {
		for c := range h.rooms[rideID] {
			targets = append(targets, c)
		}
	}
	for c := range h.admins {
		if rideID == "" || c.rideID != rideID {
			targets = append(targets, c)
		}
	}
	n, slow := h.deliverLocked(targets, frame)
	h.mu.Unlock()
	h.dropSlow(slow)
	return n
}

// deliverLocked queues frame without blocking. Callers hold at least the read
// lock, which keeps Leave from closing a queue mid-send.
func (h *Hub) deliverLocked(targets []*Conn, frame []byte) (int, []*Conn) {
	n := 0
	var slow []*Conn
	for _, c := range targets {
		if c.closed {
			continue
		}
		select {
		case c.send <- frame:
			n++
		default:
			slow = append(slow, c)
		}
	}
	return n, slow
}

func (h *Hub) dropSlow(slow []*Conn) {
	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range slow {
		if c.closed {
			continue
		}
		observability.FanoutDropped.Inc()
		h.logger.Warn("dropping slow subscriber", "conn_id", c.ID, "role", c.Role, "ride_id", c.rideID)
		h.dropLocked(c)
	}
}

func (h *Hub) closeRoom(rideID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.closers[rideID]; ok {
		t.Stop()
		delete(h.closers, rideID)
	}
	for c := range h.rooms[rideID] {
		c.rideID = ""
	}
	delete(h.rooms, rideID)
}

func (h *Hub) registerLocked(c *Conn) {
	if _, ok := h.conns[c]; !ok {
		h.conns[c] = struct{}{}
		observability.WSConnections.Inc()
	}
}

func (h *Hub) leaveRoomLocked(c *Conn) {
	if c.rideID == "" {
		return
	}
	if room, ok := h.rooms[c.rideID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.rideID)
		}
	}
	c.rideID = ""
}

func (h *Hub) dropLocked(c *Conn) {
	if c.closed {
		return
	}
	h.leaveRoomLocked(c)
	if c.driverID != "" {
		if cur, ok := h.drivers[c.driverID]; ok && cur == c {
			delete(h.drivers, c.driverID)
		}
		c.driverID = ""
	}
	delete(h.admins, c)
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		observability.WSConnections.Dec()
	}
	c.closed = true
	close(c.send)
	close(c.done)
}

func (h *Hub) encode(ev models.Event) ([]byte, bool) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.Type, "error", err)
		return nil, false
	}
	return b, true
}
