package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DriverStatus is the dispatch-eligibility state of a driver.
type DriverStatus string

const (
	DriverOffline   DriverStatus = "offline"
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOnRide    DriverStatus = "on_ride"
)

type Driver struct {
	ID        string       `json:"id"`
	Status    DriverStatus `json:"status"`
	VehicleID string       `json:"vehicle_id,omitempty"`
	Rating    float64      `json:"rating"` // 0..5
}

// LocationSample is one position report from a driver client. Samples are
// immutable once stored; only the latest-per-driver projection is replaced.
type LocationSample struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	SpeedMps   float64   `json:"speed_mps,omitempty"`
	HeadingDeg float64   `json:"heading_deg,omitempty"`
	ClientTS   time.Time `json:"client_ts"`
	ReceivedTS time.Time `json:"received_ts,omitempty"`
	RideID     string    `json:"ride_id,omitempty"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

type RideStatus string

const (
	RidePending    RideStatus = "pending"
	RideAccepted   RideStatus = "accepted"
	RideArrived    RideStatus = "arrived"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Cancel reasons recorded when dispatch fails terminally.
const (
	ReasonNoDriversAvailable = "no_drivers_available"
	ReasonNoDriversAccepted  = "no_drivers_accepted"
)

type Ride struct {
	ID          string     `json:"id"`
	PassengerID string     `json:"passenger_id"`
	DriverID    string     `json:"driver_id,omitempty"` // empty until claimed
	Status      RideStatus `json:"status"`
	Pickup      Coord      `json:"pickup"`
	Dropoff     Coord      `json:"dropoff"`

	EstimatedPrice float64 `json:"estimated_price"`
	FinalPrice     float64 `json:"final_price,omitempty"`
	ActualDistM    float64 `json:"actual_distance_m,omitempty"`
	ActualDurS     int64   `json:"actual_duration_s,omitempty"`

	CancelReason        string `json:"cancel_reason,omitempty"`
	NeedsReconciliation bool   `json:"needs_reconciliation,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Clone returns a copy safe to hand out across goroutine boundaries.
func (r *Ride) Clone() *Ride {
	cp := *r
	return &cp
}

// Event types emitted to the notification collaborator.
const (
	EventRideStatus   = "ride.status_changed"
	EventRideLocation = "ride.location"
)

type RideEvent struct {
	Type     string          `json:"type"`
	RideID   string          `json:"ride_id"`
	DriverID string          `json:"driver_id,omitempty"`
	At       time.Time       `json:"at"`
	Ride     *Ride           `json:"ride,omitempty"`
	Sample   *LocationSample `json:"sample,omitempty"`
}
