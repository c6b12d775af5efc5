// Package hub is the live ride-status push surface: a gorilla/websocket Hub
// broadcasting ride status changes to every client subscribed to a ride,
// grounded in the teacher's internal/dispatch/hub.go. PublishDriverLocation
// can also push driver positions, but nothing in this repository calls it.
package hub

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

type Hub struct {
	mu         sync.RWMutex
	rideConns  map[string]map[*websocket.Conn]struct{}
	register   chan subscription
	unregister chan subscription
}

type subscription struct {
	rideID string
	conn   *websocket.Conn
}

func New() *Hub {
	return &Hub{
		rideConns:  make(map[string]map[*websocket.Conn]struct{}),
		register:   make(chan subscription),
		unregister: make(chan subscription),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if h.rideConns[sub.rideID] == nil {
				h.rideConns[sub.rideID] = make(map[*websocket.Conn]struct{})
			}
			h.rideConns[sub.rideID][sub.conn] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.rideConns[sub.rideID]; ok {
				delete(conns, sub.conn)
				if len(conns) == 0 {
					delete(h.rideConns, sub.rideID)
				}
			}
			h.mu.Unlock()
			sub.conn.Close()
		}
	}
}

func (h *Hub) ServeRide(w http.ResponseWriter, r *http.Request, rideID string) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	h.register <- subscription{rideID: rideID, conn: conn}

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				h.unregister <- subscription{rideID: rideID, conn: conn}
				return
			}
		}
	}()
}

// PublishRideStatus broadcasts a lifecycle transition to every websocket
// client watching this ride.
func (h *Hub) PublishRideStatus(ride domain.Ride) {
	h.broadcast(ride.ID, map[string]any{
		"type": "ride_status",
		"ride": ride,
	})
}

// PublishDriverLocation broadcasts a driver's current position to the ride
// they're currently assigned to.
func (h *Hub) PublishDriverLocation(rideID string, driver domain.Driver) {
	if rideID == "" {
		return
	}
	h.broadcast(rideID, map[string]any{
		"type":   "driver_location",
		"driver": driver,
	})
}

func (h *Hub) broadcast(rideID string, payload any) {
	h.mu.RLock()
	conns := h.rideConns[rideID]
	h.mu.RUnlock()
	for conn := range conns {
		if err := conn.WriteJSON(payload); err != nil {
			h.unregister <- subscription{rideID: rideID, conn: conn}
		}
	}
}
