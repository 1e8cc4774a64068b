package ride

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrRideNotFound = errors.New("ride not found")

// Update carries the fields a transition may set. Nil pointers leave the
// stored value untouched.
type Update struct {
	ArrivedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time

	FinalPrice  *float64
	ActualDistM *float64
	ActualDurS  *int64

	CancelReason        *string
	NeedsReconciliation *bool
}

// Store is the persistence collaborator for rides. The core relies only on
// the conditional-update semantics of Claim and Transition; any engine with
// a compare-and-swap on a single record can implement it.
type Store interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)

	// Claim atomically assigns a driver to a pending, unassigned ride and
	// moves it to accepted. It returns the post-claim ride and false when
	// the precondition no longer holds.
	Claim(ctx context.Context, id, driverID string, at time.Time) (*models.Ride, bool, error)

	// Transition applies upd and moves the ride from -> to only if the
	// stored status still equals from. Returns the stored ride and whether
	// the swap happened.
	Transition(ctx context.Context, id string, from, to models.RideStatus, upd Update) (*models.Ride, bool, error)
}

type rideEntry struct {
	mu   sync.Mutex
	ride models.Ride
}

// MemoryStore keeps rides in process memory with a lock per ride.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*rideEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*rideEntry)}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = &rideEntry{ride: *r}
	return nil
}

func (m *MemoryStore) entry(id string) (*rideEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rides[id]
	return e, ok
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, ErrRideNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride.Clone(), nil
}

func (m *MemoryStore) Claim(ctx context.Context, id, driverID string, at time.Time) (*models.Ride, bool, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, false, ErrRideNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ride.Status != models.RidePending || e.ride.DriverID != "" {
		return e.ride.Clone(), false, nil
	}
	e.ride.DriverID = driverID
	e.ride.Status = models.RideAccepted
	e.ride.AcceptedAt = &at
	return e.ride.Clone(), true, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to models.RideStatus, upd Update) (*models.Ride, bool, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, false, ErrRideNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ride.Status != from {
		return e.ride.Clone(), false, nil
	}
	e.ride.Status = to
	applyUpdate(&e.ride, upd)
	return e.ride.Clone(), true, nil
}

func applyUpdate(r *models.Ride, upd Update) {
	if upd.ArrivedAt != nil {
		r.ArrivedAt = upd.ArrivedAt
	}
	if upd.StartedAt != nil {
		r.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		r.CompletedAt = upd.CompletedAt
	}
	if upd.CancelledAt != nil {
		r.CancelledAt = upd.CancelledAt
	}
	if upd.FinalPrice != nil {
		r.FinalPrice = *upd.FinalPrice
	}
	if upd.ActualDistM != nil {
		r.ActualDistM = *upd.ActualDistM
	}
	if upd.ActualDurS != nil {
		r.ActualDurS = *upd.ActualDurS
	}
	if upd.CancelReason != nil {
		r.CancelReason = *upd.CancelReason
	}
	if upd.NeedsReconciliation != nil {
		r.NeedsReconciliation = *upd.NeedsReconciliation
	}
}
