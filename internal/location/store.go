package location

import (
	"context"
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrUnknownDriver is returned when a sample arrives for a driver that was
// never registered with the store.
var ErrUnknownDriver = errors.New("unknown driver")

// Candidate is one nearest-neighbor query result.
type Candidate struct {
	DriverID  string  `json:"driver_id"`
	DistanceM float64 `json:"distance_m"`
}

// Store holds the latest known position per driver and answers
// nearest-neighbor queries for dispatch.
type Store interface {
	// Register adds a driver to the roster. Samples for unregistered
	// drivers are rejected.
	Register(driverID string)

	// Upsert applies a sample if it is newer than the stored one for that
	// driver. It returns false (and no mutation) for stale or duplicate
	// samples, keyed on client timestamp.
	Upsert(ctx context.Context, s models.LocationSample) (bool, error)

	// Nearest returns up to limit drivers within radiusM of center whose
	// latest sample is inside the freshness window and for whom eligible
	// returns true, ordered by ascending distance, ties by driver id.
	Nearest(ctx context.Context, center models.Coord, radiusM float64, limit int, eligible func(driverID string) bool) ([]Candidate, error)

	// Get returns the latest sample for a driver, if any.
	Get(ctx context.Context, driverID string) (models.LocationSample, bool)
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over Coord values.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
