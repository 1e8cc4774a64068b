package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNoSession means the driver has no live offer channel; the engine
// treats it like a decline and moves on.
var ErrNoSession = errors.New("no driver session")

// Offer is the payload pushed to a driver when a ride is proposed.
type Offer struct {
	RideID       string       `json:"ride_id"`
	Pickup       models.Coord `json:"pickup"`
	Dropoff      models.Coord `json:"dropoff"`
	DistanceM    float64      `json:"distance_m"`
	PickupETASec float64      `json:"pickup_eta_seconds,omitempty"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// OfferSender delivers offers to driver clients.
type OfferSender interface {
	Send(driverID string, o Offer) error
}

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(o Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(o)
}

// WSRegistry holds one websocket offer channel per connected driver.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*session)}
}

// Add binds a connection to a driver and returns a cleanup func; a newer
// connection for the same driver replaces the old one.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) func() {
	s := &session{conn: conn}
	r.mu.Lock()
	r.sessions[driverID] = s
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if r.sessions[driverID] == s {
			delete(r.sessions, driverID)
		}
		r.mu.Unlock()
	}
}

func (r *WSRegistry) Send(driverID string, o Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(o)
}
