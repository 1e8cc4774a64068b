package location

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// cellSizeDeg is the grid cell edge in degrees (~1.1 km of latitude).
const cellSizeDeg = 0.01

const metersPerDegLat = 111132.0

type cell struct{ x, y int }

func cellFor(lat, lon float64) cell {
	return cell{
		x: int(math.Floor(lat / cellSizeDeg)),
		y: int(math.Floor(lon / cellSizeDeg)),
	}
}

type entry struct {
	mu     sync.Mutex
	has    bool
	sample models.LocationSample
	cell   cell
}

// Index is the in-memory Store implementation: a grid-bucketed spatial
// index so Nearest only touches cells overlapping the query circle, with a
// per-driver lock so one driver's upsert never blocks another's.
type Index struct {
	// OnRideSample, when set, receives every accepted sample that carries
	// a ride id. Set it at wiring time, before traffic starts.
	OnRideSample func(rideID string, s models.LocationSample)

	freshness time.Duration
	now       func() time.Time

	mu      sync.RWMutex // guards drivers map and grid topology
	drivers map[string]*entry
	grid    map[cell]map[string]struct{}
}

func NewIndex(freshness time.Duration) *Index {
	if freshness <= 0 {
		freshness = 120 * time.Second
	}
	return &Index{
		freshness: freshness,
		now:       time.Now,
		drivers:   make(map[string]*entry),
		grid:      make(map[cell]map[string]struct{}),
	}
}

func (g *Index) Register(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.drivers[driverID]; !ok {
		g.drivers[driverID] = &entry{}
	}
}

func (g *Index) Upsert(ctx context.Context, s models.LocationSample) (bool, error) {
	g.mu.RLock()
	e, ok := g.drivers[s.DriverID]
	g.mu.RUnlock()
	if !ok {
		return false, ErrUnknownDriver
	}

	if s.ReceivedTS.IsZero() {
		s.ReceivedTS = g.now()
	}

	e.mu.Lock()
	if e.has && !s.ClientTS.After(e.sample.ClientTS) {
		e.mu.Unlock()
		return false, nil
	}
	newCell := cellFor(s.Lat, s.Lon)
	oldCell := e.cell
	moved := !e.has || oldCell != newCell
	e.has = true
	e.sample = s
	e.cell = newCell
	// the bucket move happens under the entry lock so two racing upserts
	// for one driver cannot interleave their moves and leave the id in
	// two cells
	if moved {
		g.mu.Lock()
		if bucket, ok := g.grid[oldCell]; ok {
			delete(bucket, s.DriverID)
			if len(bucket) == 0 {
				delete(g.grid, oldCell)
			}
		}
		bucket, ok := g.grid[newCell]
		if !ok {
			bucket = make(map[string]struct{})
			g.grid[newCell] = bucket
		}
		bucket[s.DriverID] = struct{}{}
		g.mu.Unlock()
	}
	e.mu.Unlock()

	if s.RideID != "" && g.OnRideSample != nil {
		g.OnRideSample(s.RideID, s)
	}
	return true, nil
}

func (g *Index) Get(ctx context.Context, driverID string) (models.LocationSample, bool) {
	g.mu.RLock()
	e, ok := g.drivers[driverID]
	g.mu.RUnlock()
	if !ok {
		return models.LocationSample{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.has {
		return models.LocationSample{}, false
	}
	return e.sample, true
}

func (g *Index) Nearest(ctx context.Context, center models.Coord, radiusM float64, limit int, eligible func(string) bool) ([]Candidate, error) {
	if limit <= 0 || radiusM <= 0 {
		return nil, nil
	}
	cutoff := g.now().Add(-g.freshness)

	latDelta := radiusM / metersPerDegLat
	lonScale := math.Cos(center.Lat * math.Pi / 180)
	if lonScale < 0.01 {
		lonScale = 0.01 // near the poles every cell row is tiny
	}
	lonDelta := radiusM / (metersPerDegLat * lonScale)

	lo := cellFor(center.Lat-latDelta, center.Lon-lonDelta)
	hi := cellFor(center.Lat+latDelta, center.Lon+lonDelta)

	var ids []string
	g.mu.RLock()
	for x := lo.x; x <= hi.x; x++ {
		for y := lo.y; y <= hi.y; y++ {
			for id := range g.grid[cell{x, y}] {
				ids = append(ids, id)
			}
		}
	}
	entries := make(map[string]*entry, len(ids))
	for _, id := range ids {
		entries[id] = g.drivers[id]
	}
	g.mu.RUnlock()

	// iterate the map, not ids: a driver listed in two cells of the scan
	// window must still yield at most one candidate
	out := make([]Candidate, 0, len(entries))
	for id, e := range entries {
		if e == nil {
			continue
		}
		e.mu.Lock()
		s, has := e.sample, e.has
		e.mu.Unlock()
		if !has || s.ReceivedTS.Before(cutoff) {
			continue
		}
		if eligible != nil && !eligible(id) {
			continue
		}
		d := Haversine(center.Lat, center.Lon, s.Lat, s.Lon)
		if d > radiusM {
			continue
		}
		out = append(out, Candidate{DriverID: id, DistanceM: d})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].DriverID < out[j].DriverID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
