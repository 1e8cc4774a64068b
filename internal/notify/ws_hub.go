package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Hub fans ride events out to websocket subscribers keyed by ride id.
// A failed write drops the subscriber; the client reconnects if it cares.
type Hub struct {
	log   *slog.Logger
	mu    sync.RWMutex
	rides map[string]map[*subscriber]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, rides: make(map[string]map[*subscriber]struct{})}
}

// Subscribe attaches a connection to a ride's event stream and returns an
// unsubscribe func for the connection's read-loop to defer.
func (h *Hub) Subscribe(rideID string, conn *websocket.Conn) func() {
	sub := &subscriber{conn: conn}
	h.mu.Lock()
	set, ok := h.rides[rideID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.rides[rideID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return func() { h.drop(rideID, sub) }
}

func (h *Hub) drop(rideID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rides[rideID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.rides, rideID)
		}
	}
}

func (h *Hub) broadcast(rideID string, ev models.RideEvent) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.rides[rideID]))
	for sub := range h.rides[rideID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.send(ev); err != nil {
			h.log.Debug("ws subscriber dropped", "ride_id", rideID, "error", err)
			h.drop(rideID, sub)
		}
	}
}

func (h *Hub) RideStatus(ctx context.Context, ev models.RideEvent) {
	h.broadcast(ev.RideID, ev)
}

func (h *Hub) RideLocation(ctx context.Context, rideID string, s models.LocationSample) {
	h.broadcast(rideID, LocationEvent(rideID, s))
}
