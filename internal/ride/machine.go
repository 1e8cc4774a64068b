// Package ride owns the authoritative ride lifecycle. Every transition is
// a conditional update keyed on the expected current status, so concurrent
// mutually-exclusive transitions never both succeed.
package ride

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	// ErrInvalidTransition means the (status, action) pair is not in the table.
	ErrInvalidTransition = errors.New("invalid ride transition")
	// ErrAlreadyAssigned is the loser's result of a concurrent accept race.
	ErrAlreadyAssigned = errors.New("ride already assigned")
	// ErrStaleState means the precondition status changed under the caller.
	ErrStaleState = errors.New("ride state changed concurrently")
	// ErrIncompleteData rejects a complete call missing its payload.
	ErrIncompleteData = errors.New("incomplete completion data")
	// ErrActorNotAllowed rejects a transition from the wrong party.
	ErrActorNotAllowed = errors.New("actor not allowed")
)

type ActorKind string

const (
	ActorPassenger ActorKind = "passenger"
	ActorDriver    ActorKind = "driver"
	ActorSystem    ActorKind = "system"
)

// CompleteInput is the required payload for finishing a ride.
type CompleteInput struct {
	FinalPrice  float64 `json:"final_price"`
	ActualDistM float64 `json:"actual_distance_m"`
	ActualDurS  int64   `json:"actual_duration_s"`
}

func (in CompleteInput) valid() bool {
	return in.FinalPrice > 0 && in.ActualDistM > 0 && in.ActualDurS > 0
}

// Machine drives ride state. It holds no ride data itself; the store's CAS
// primitives carry the consistency guarantees.
type Machine struct {
	store    Store
	avail    *availability.Registry
	notifier notify.Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewMachine(store Store, avail *availability.Registry, notifier notify.Notifier, log *slog.Logger) *Machine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{store: store, avail: avail, notifier: notifier, log: log, now: time.Now}
}

// Create registers a new pending ride on behalf of the booking collaborator.
func (m *Machine) Create(ctx context.Context, passengerID string, pickup, dropoff models.Coord, estimate float64) (*models.Ride, error) {
	r := &models.Ride{
		ID:             newID(),
		PassengerID:    passengerID,
		Status:         models.RidePending,
		Pickup:         pickup,
		Dropoff:        dropoff,
		EstimatedPrice: estimate,
		RequestedAt:    m.now(),
	}
	if err := m.store.Create(ctx, r); err != nil {
		return nil, err
	}
	m.emit(ctx, r)
	return r.Clone(), nil
}

func (m *Machine) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.store.Get(ctx, rideID)
}

// Accept claims a pending ride for a driver. Exactly one of any number of
// concurrent callers wins; the rest get ErrAlreadyAssigned.
func (m *Machine) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, claimed, err := m.store.Claim(ctx, rideID, driverID, m.now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		if r.DriverID != "" {
			return nil, ErrAlreadyAssigned
		}
		return nil, ErrInvalidTransition // e.g. cancelled before any claim
	}
	m.emit(ctx, r)
	return r, nil
}

// Arrive marks the assigned driver at the pickup point.
func (m *Machine) Arrive(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	at := m.now()
	return m.driverTransition(ctx, rideID, driverID,
		models.RideAccepted, models.RideArrived, Update{ArrivedAt: &at})
}

// Start begins the trip and moves the driver busy -> on_ride.
func (m *Machine) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	at := m.now()
	r, err := m.driverTransition(ctx, rideID, driverID,
		models.RideArrived, models.RideInProgress, Update{StartedAt: &at})
	if err != nil {
		return nil, err
	}
	if aerr := m.avail.Transition(ctx, driverID, models.DriverBusy, models.DriverOnRide); aerr != nil {
		m.invariant(ctx, rideID, driverID, "driver not busy at ride start", aerr)
	}
	return r, nil
}

// Complete finishes the trip and releases the driver back to available.
func (m *Machine) Complete(ctx context.Context, rideID, driverID string, in CompleteInput) (*models.Ride, error) {
	if !in.valid() {
		return nil, ErrIncompleteData
	}
	at := m.now()
	r, err := m.driverTransition(ctx, rideID, driverID,
		models.RideInProgress, models.RideCompleted, Update{
			CompletedAt: &at,
			FinalPrice:  &in.FinalPrice,
			ActualDistM: &in.ActualDistM,
			ActualDurS:  &in.ActualDurS,
		})
	if err != nil {
		return nil, err
	}
	if aerr := m.avail.Transition(ctx, driverID, models.DriverOnRide, models.DriverAvailable); aerr != nil {
		m.invariant(ctx, rideID, driverID, "driver not on_ride at completion", aerr)
	}
	return r, nil
}

// Cancel is legal from any non-terminal state. Cancelling an accepted or
// arrived ride releases the driver; cancelling an in-progress ride also
// flags the ride for downstream fare reconciliation.
func (m *Machine) Cancel(ctx context.Context, rideID string, kind ActorKind, actorID, reason string) (*models.Ride, error) {
	for attempt := 0; attempt < 4; attempt++ {
		r, err := m.store.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if r.Status.Terminal() {
			return nil, ErrInvalidTransition
		}
		if err := cancelAllowed(r, kind, actorID); err != nil {
			return nil, err
		}

		at := m.now()
		upd := Update{CancelledAt: &at, CancelReason: &reason}
		inProgress := r.Status == models.RideInProgress
		if inProgress {
			flag := true
			upd.NeedsReconciliation = &flag
		}
		prev := r.Status
		updated, swapped, err := m.store.Transition(ctx, rideID, prev, models.RideCancelled, upd)
		if err != nil {
			return nil, err
		}
		if !swapped {
			continue // status moved under us; re-read and retry
		}

		if updated.DriverID != "" {
			from := models.DriverBusy
			if inProgress {
				from = models.DriverOnRide
			}
			if aerr := m.avail.Transition(ctx, updated.DriverID, from, models.DriverAvailable); aerr != nil {
				m.invariant(ctx, rideID, updated.DriverID, "driver release on cancel failed", aerr)
			}
		}
		m.emit(ctx, updated)
		return updated, nil
	}
	return nil, ErrStaleState
}

func cancelAllowed(r *models.Ride, kind ActorKind, actorID string) error {
	switch kind {
	case ActorSystem:
		return nil
	case ActorPassenger:
		if r.PassengerID != actorID {
			return ErrActorNotAllowed
		}
	case ActorDriver:
		if r.DriverID == "" || r.DriverID != actorID {
			return ErrActorNotAllowed
		}
	default:
		return ErrActorNotAllowed
	}
	return nil
}

// driverTransition runs a CAS transition that only the assigned driver may
// perform.
func (m *Machine) driverTransition(ctx context.Context, rideID, driverID string, from, to models.RideStatus, upd Update) (*models.Ride, error) {
	r, err := m.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID == "" || r.DriverID != driverID {
		return nil, ErrActorNotAllowed
	}
	if r.Status != from {
		return nil, ErrInvalidTransition
	}
	updated, swapped, err := m.store.Transition(ctx, rideID, from, to, upd)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, ErrStaleState
	}
	m.emit(ctx, updated)
	return updated, nil
}

func (m *Machine) emit(ctx context.Context, r *models.Ride) {
	observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	m.notifier.RideStatus(ctx, models.RideEvent{
		Type:     models.EventRideStatus,
		RideID:   r.ID,
		DriverID: r.DriverID,
		At:       m.now(),
		Ride:     r.Clone(),
	})
}

// invariant surfaces a consistency bug between ride state and driver
// status. These are never auto-corrected.
func (m *Machine) invariant(ctx context.Context, rideID, driverID, msg string, err error) {
	observability.InvariantViolations.Inc()
	m.log.Error("invariant violation: "+msg, "ride_id", rideID, "driver_id", driverID, "error", err)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
