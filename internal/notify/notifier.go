// Package notify is the boundary to the notification collaborator. The core
// emits ride status changes and accepted-ride location updates here;
// delivery retries are the collaborator's problem.
package notify

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Notifier interface {
	RideStatus(ctx context.Context, ev models.RideEvent)
	RideLocation(ctx context.Context, rideID string, s models.LocationSample)
}

// Nop drops every event.
type Nop struct{}

func (Nop) RideStatus(context.Context, models.RideEvent)                 {}
func (Nop) RideLocation(context.Context, string, models.LocationSample) {}

// Fanout delivers each event to every backend, best-effort.
type Fanout []Notifier

func (f Fanout) RideStatus(ctx context.Context, ev models.RideEvent) {
	for _, n := range f {
		n.RideStatus(ctx, ev)
	}
}

func (f Fanout) RideLocation(ctx context.Context, rideID string, s models.LocationSample) {
	for _, n := range f {
		n.RideLocation(ctx, rideID, s)
	}
}

// LocationEvent builds the event envelope for a ride-bound sample.
func LocationEvent(rideID string, s models.LocationSample) models.RideEvent {
	return models.RideEvent{
		Type:     models.EventRideLocation,
		RideID:   rideID,
		DriverID: s.DriverID,
		At:       time.Now(),
		Sample:   &s,
	}
}
