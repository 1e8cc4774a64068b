// Package availability tracks per-driver dispatch eligibility. It is the
// single source of truth for "can this driver be offered a ride".
package availability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrInvalidTransition means the requested edge is not in the status graph.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStaleState means the caller's expected status lost a concurrent race;
	// refetch and retry, or move on.
	ErrStaleState = errors.New("stale driver status")
	// ErrNoFreshLocation blocks going available before a usable position exists.
	ErrNoFreshLocation = errors.New("no fresh location sample")
	// ErrUnknownDriver is returned for drivers never registered.
	ErrUnknownDriver = errors.New("unknown driver")
)

// edges is the full status graph; anything absent here is illegal.
var edges = map[models.DriverStatus][]models.DriverStatus{
	models.DriverOffline:   {models.DriverAvailable},
	models.DriverAvailable: {models.DriverOffline, models.DriverBusy},
	models.DriverBusy:      {models.DriverAvailable, models.DriverOnRide},
	models.DriverOnRide:    {models.DriverAvailable},
}

func edgeAllowed(from, to models.DriverStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

type state struct {
	mu     sync.Mutex
	status models.DriverStatus
}

// Registry holds driver statuses with per-driver locking so a transition on
// one driver never blocks decisions about another.
type Registry struct {
	loc       location.Store
	freshness time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu      sync.RWMutex
	drivers map[string]*state
}

func NewRegistry(loc location.Store, freshness time.Duration, log *slog.Logger) *Registry {
	if freshness <= 0 {
		freshness = 120 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		loc:       loc,
		freshness: freshness,
		now:       time.Now,
		log:       log,
		drivers:   make(map[string]*state),
	}
}

// Register adds a driver in the offline state and puts them on the
// location roster. Registering twice is a no-op.
func (r *Registry) Register(driverID string) {
	r.mu.Lock()
	if _, ok := r.drivers[driverID]; !ok {
		r.drivers[driverID] = &state{status: models.DriverOffline}
	}
	r.mu.Unlock()
	if r.loc != nil {
		r.loc.Register(driverID)
	}
}

func (r *Registry) Status(driverID string) (models.DriverStatus, bool) {
	r.mu.RLock()
	st, ok := r.drivers[driverID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, true
}

// Eligible reports whether the driver may be offered a ride right now.
func (r *Registry) Eligible(driverID string) bool {
	s, ok := r.Status(driverID)
	return ok && s == models.DriverAvailable
}

// Transition moves a driver from the expected status to the target status.
// The caller supplies the status it last observed; a mismatch fails with
// ErrStaleState rather than clobbering a concurrent update.
func (r *Registry) Transition(ctx context.Context, driverID string, from, to models.DriverStatus) error {
	if !edgeAllowed(from, to) {
		return ErrInvalidTransition
	}
	r.mu.RLock()
	st, ok := r.drivers[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownDriver
	}

	if from == models.DriverOffline && to == models.DriverAvailable {
		s, has := r.loc.Get(ctx, driverID)
		if !has || s.ReceivedTS.Before(r.now().Add(-r.freshness)) {
			return ErrNoFreshLocation
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != from {
		return ErrStaleState
	}
	st.status = to
	return nil
}

// Snapshot returns every driver's current status, for ops visibility.
func (r *Registry) Snapshot() map[string]models.DriverStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.DriverStatus, len(r.drivers))
	for id, st := range r.drivers {
		st.mu.Lock()
		out[id] = st.status
		st.mu.Unlock()
	}
	return out
}

// AvailableCount is used to feed the drivers_available gauge.
func (r *Registry) AvailableCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.drivers {
		st.mu.Lock()
		if st.status == models.DriverAvailable {
			n++
		}
		st.mu.Unlock()
	}
	return n
}
