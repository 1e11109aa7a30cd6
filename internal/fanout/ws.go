package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the gateway in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// DriverUpdater applies inbound driver messages. The registry implements it.
type DriverUpdater interface {
	UpdateLocation(ctx context.Context, id string, s models.LocationSample) (bool, error)
	SetOnline(ctx context.Context, id string, online bool) (*models.Driver, error)
}

// Subscription describes what an authenticated connection attaches to.
type Subscription struct {
	Role     string
	UserID   string
	RideID   string
	DriverID string
}

// Serve upgrades the request and attaches the connection according to sub.
// The caller has already authenticated and authorized sub.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sub Subscription, drivers DriverUpdater) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	c := NewConn(sub.Role, sub.UserID, defaultSendBuffer)
	h.Register(c)
	if sub.RideID != "" {
		h.Join(c, sub.RideID)
	}
	if sub.Role == models.RoleDriver && sub.DriverID != "" {
		h.JoinDriver(c, sub.DriverID)
	}
	if sub.Role == models.RoleAdmin {
		h.Observe(c)
	}

	if frame, ok := h.encode(models.NewEvent(models.EventConnection, map[string]string{
		"status":   "connected",
		"role":     sub.Role,
		"driverId": sub.DriverID,
		"rideId":   sub.RideID,
	})); ok {
		select {
		case c.send <- frame:
		default:
		}
	}
	h.logger.Info("ws connected", "conn_id", c.ID, "role", sub.Role, "ride_id", sub.RideID, "driver_id", sub.DriverID)

	go h.writePump(ws, c)
	go h.readPump(ws, c, sub, drivers)
}

func (h *Hub) readPump(ws *websocket.Conn, c *Conn, sub Subscription, drivers DriverUpdater) {
	defer func() {
		h.Leave(c)
		_ = ws.Close()
		h.logger.Info("ws disconnected", "conn_id", c.ID)
	}()
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		if err := h.HandleInbound(context.Background(), sub, drivers, raw); err != nil {
			h.logger.Warn("ws message rejected", "conn_id", c.ID, "error", err)
		}
	}
}

func (h *Hub) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.Leave(c)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Leave(c)
				return
			}
		}
	}
}

var (
	ErrNotDriver      = errors.New("only driver connections may send driver messages")
	ErrUnknownMessage = errors.New("unknown message type")
)

const (
	inboundDriverLocation = "driver_location"
	inboundDriverStatus   = "driver_status"
)

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type inboundLocation struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Heading   float64 `json:"heading"`
	Speed     float64 `json:"speed"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

type inboundStatus struct {
	IsOnline bool `json:"isOnline"`
}

// HandleInbound applies one client frame. Driver samples go through the
// registry, which re-publishes accepted ones; nothing is echoed raw.
func (h *Hub) HandleInbound(ctx context.Context, sub Subscription, drivers DriverUpdater, raw []byte) error {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	switch msg.Type {
	case inboundDriverLocation, inboundDriverStatus:
	default:
		return ErrUnknownMessage
	}
	if sub.Role != models.RoleDriver || sub.DriverID == "" || drivers == nil {
		return ErrNotDriver
	}

	if msg.Type == inboundDriverLocation {
		var loc inboundLocation
		if err := json.Unmarshal(msg.Data, &loc); err != nil {
			return err
		}
		s := models.LocationSample{Lat: loc.Lat, Lng: loc.Lng, Heading: loc.Heading, Speed: loc.Speed}
		if loc.Timestamp > 0 {
			s.Timestamp = time.UnixMilli(loc.Timestamp)
		}
		_, err := drivers.UpdateLocation(ctx, sub.DriverID, s)
		return err
	}

	var st inboundStatus
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		return err
	}
	_, err := drivers.SetOnline(ctx, sub.DriverID, st.IsOnline)
	return err
}
