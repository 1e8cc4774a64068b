// Package eta estimates driver-to-pickup travel time for dispatch offers.
package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend capable of point-to-point duration lookups.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Estimator produces pickup ETAs, preferring the routing backend (with a
// small TTL cache in front) and falling back to straight-line distance at
// a configured speed when the backend is absent or failing.
type Estimator struct {
	Client          Client
	Cache           *Cache
	DefaultSpeedMps float64
}

func (e *Estimator) PickupSeconds(from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return naiveSeconds(from, to, e.DefaultSpeedMps)
}

func naiveSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h city default
	}
	return location.Distance(from, to) / speedMps
}

// Cache is a tiny in-memory TTL cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	c.mu.Lock()
	c.store[keyFor(a, b)] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
