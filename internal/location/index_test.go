package location

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func sample(driverID string, lat, lon float64, ts time.Time) models.LocationSample {
	return models.LocationSample{DriverID: driverID, Lat: lat, Lon: lon, ClientTS: ts}
}

func TestHaversineZeroDistance(t *testing.T) {
	if d := Haversine(48.8566, 2.3522, 48.8566, 2.3522); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one hundredth of a degree of latitude is roughly 1111 m
	d := Haversine(48.8566, 2.3522, 48.8666, 2.3522)
	if math.Abs(d-1111) > 10 {
		t.Fatalf("expected ~1111m, got %f", d)
	}
}

func TestUpsertUnknownDriver(t *testing.T) {
	idx := NewIndex(2 * time.Minute)
	_, err := idx.Upsert(context.Background(), sample("ghost", 1, 1, time.Now()))
	if err != ErrUnknownDriver {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestUpsertRejectsStaleSample(t *testing.T) {
	idx := NewIndex(2 * time.Minute)
	idx.Register("d1")
	ctx := context.Background()
	now := time.Now()

	applied, err := idx.Upsert(ctx, sample("d1", 48.8566, 2.3522, now))
	if err != nil || !applied {
		t.Fatalf("first upsert: applied=%v err=%v", applied, err)
	}

	// older client timestamp must be dropped without mutating the store
	applied, err = idx.Upsert(ctx, sample("d1", 40.0, 3.0, now.Add(-5*time.Second)))
	if err != nil {
		t.Fatalf("stale upsert err: %v", err)
	}
	if applied {
		t.Fatal("stale sample was applied")
	}
	s, ok := idx.Get(ctx, "d1")
	if !ok || s.Lat != 48.8566 {
		t.Fatalf("stored sample changed: %+v ok=%v", s, ok)
	}

	// exact duplicate timestamp is also a drop
	applied, _ = idx.Upsert(ctx, sample("d1", 41.0, 3.0, now))
	if applied {
		t.Fatal("duplicate-timestamp sample was applied")
	}
}

func TestNearestOrderingAndLimit(t *testing.T) {
	idx := NewIndex(2 * time.Minute)
	ctx := context.Background()
	now := time.Now()
	center := models.Coord{Lat: 48.8566, Lon: 2.3522}

	// three drivers at increasing latitude offsets from the center
	offsets := map[string]float64{"near": 0.001, "mid": 0.005, "far": 0.02}
	for id, off := range offsets {
		idx.Register(id)
		if _, err := idx.Upsert(ctx, sample(id, center.Lat+off, center.Lon, now)); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	got, err := idx.Nearest(ctx, center, 5000, 10, nil)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	if got[0].DriverID != "near" || got[1].DriverID != "mid" || got[2].DriverID != "far" {
		t.Fatalf("wrong order: %+v", got)
	}

	got, _ = idx.Nearest(ctx, center, 5000, 2, nil)
	if len(got) != 2 || got[1].DriverID != "mid" {
		t.Fatalf("limit not applied: %+v", got)
	}

	// tight radius drops the far driver
	got, _ = idx.Nearest(ctx, center, 700, 10, nil)
	if len(got) != 2 {
		t.Fatalf("radius filter: %+v", got)
	}
}

func TestNearestEligibilityFilter(t *testing.T) {
	idx := NewIndex(2 * time.Minute)
	ctx := context.Background()
	now := time.Now()
	center := models.Coord{Lat: 48.8566, Lon: 2.3522}

	for _, id := range []string{"a", "b"} {
		idx.Register(id)
		idx.Upsert(ctx, sample(id, center.Lat, center.Lon, now))
	}

	got, err := idx.Nearest(ctx, center, 1000, 10, func(id string) bool { return id == "b" })
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "b" {
		t.Fatalf("eligibility filter: %+v", got)
	}
}

func TestNearestExcludesStaleSamples(t *testing.T) {
	idx := NewIndex(2 * time.Minute)
	ctx := context.Background()
	center := models.Coord{Lat: 48.8566, Lon: 2.3522}

	idx.Register("old")
	s := sample("old", center.Lat, center.Lon, time.Now().Add(-10*time.Minute))
	s.ReceivedTS = time.Now().Add(-10 * time.Minute)
	if _, err := idx.Upsert(ctx, s); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := idx.Nearest(ctx, center, 1000, 10, nil)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("stale driver returned: %+v", got)
	}
}

func TestUpsertMovesDriverAcrossCells(t *testing.T) {
	idx := NewIndex(2 * time.Minute)
	ctx := context.Background()
	now := time.Now()

	idx.Register("d1")
	idx.Upsert(ctx, sample("d1", 48.8566, 2.3522, now))
	// jump far enough to land in a different grid cell
	idx.Upsert(ctx, sample("d1", 48.9000, 2.4000, now.Add(time.Second)))

	got, _ := idx.Nearest(ctx, models.Coord{Lat: 48.8566, Lon: 2.3522}, 500, 10, nil)
	if len(got) != 0 {
		t.Fatalf("driver still visible at old position: %+v", got)
	}
	got, _ = idx.Nearest(ctx, models.Coord{Lat: 48.9000, Lon: 2.4000}, 500, 10, nil)
	if len(got) != 1 {
		t.Fatalf("driver not visible at new position: %+v", got)
	}
}

func TestConcurrentUpsertsNeverDuplicateDriver(t *testing.T) {
	idx := NewIndex(2 * time.Minute)
	ctx := context.Background()
	idx.Register("d1")
	base := time.Now()

	// hammer the same driver across two grid cells from racing writers
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				lat := 48.8566
				if (w+i)%2 == 0 {
					lat = 48.8766
				}
				idx.Upsert(ctx, sample("d1", lat, 2.3522, base.Add(time.Duration(w*50+i)*time.Millisecond)))
			}
		}(w)
	}
	wg.Wait()

	got, err := idx.Nearest(ctx, models.Coord{Lat: 48.8666, Lon: 2.3522}, 5000, 10, nil)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("expected a single candidate, got %+v", got)
	}
}

func TestOnRideSampleHook(t *testing.T) {
	idx := NewIndex(2 * time.Minute)
	var gotRide string
	idx.OnRideSample = func(rideID string, s models.LocationSample) { gotRide = rideID }

	idx.Register("d1")
	s := sample("d1", 48.8566, 2.3522, time.Now())
	s.RideID = "ride42"
	if _, err := idx.Upsert(context.Background(), s); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if gotRide != "ride42" {
		t.Fatalf("hook not invoked, got %q", gotRide)
	}
}
