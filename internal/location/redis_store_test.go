package location

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

func geoPage(entries ...redis.GeoLocation) []redis.GeoLocation { return entries }

func metaTable(fresh time.Time, ids ...string) func(string) (models.LocationSample, bool) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(driverID string) (models.LocationSample, bool) {
		if !set[driverID] {
			return models.LocationSample{}, false
		}
		return models.LocationSample{DriverID: driverID, ReceivedTS: fresh}, true
	}
}

func TestFilterGeoResultsDropsStaleAndIneligible(t *testing.T) {
	now := time.Now()
	cutoff := now.Add(-2 * time.Minute)
	lookup := func(driverID string) (models.LocationSample, bool) {
		s := models.LocationSample{DriverID: driverID, ReceivedTS: now}
		if driverID == "stale" {
			s.ReceivedTS = now.Add(-10 * time.Minute)
		}
		if driverID == "gone" {
			return models.LocationSample{}, false
		}
		return s, true
	}
	page := geoPage(
		redis.GeoLocation{Name: "stale", Dist: 100},
		redis.GeoLocation{Name: "gone", Dist: 150},
		redis.GeoLocation{Name: "busy", Dist: 200},
		redis.GeoLocation{Name: "ok", Dist: 300},
	)
	got := filterGeoResults(page, lookup, cutoff, func(id string) bool { return id != "busy" }, 10)
	if len(got) != 1 || got[0].DriverID != "ok" {
		t.Fatalf("expected only ok, got %+v", got)
	}
}

func TestFilterGeoResultsTieBreaksByDriverID(t *testing.T) {
	now := time.Now()
	page := geoPage(
		redis.GeoLocation{Name: "zeta", Dist: 500},
		redis.GeoLocation{Name: "alpha", Dist: 500},
		redis.GeoLocation{Name: "mid", Dist: 250},
	)
	got := filterGeoResults(page, metaTable(now, "zeta", "alpha", "mid"), now.Add(-time.Minute), nil, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %+v", got)
	}
	if got[0].DriverID != "mid" || got[1].DriverID != "alpha" || got[2].DriverID != "zeta" {
		t.Fatalf("wrong order: %+v", got)
	}
}

func TestFilterGeoResultsTrimsToLimit(t *testing.T) {
	now := time.Now()
	page := geoPage(
		redis.GeoLocation{Name: "a", Dist: 100},
		redis.GeoLocation{Name: "b", Dist: 200},
		redis.GeoLocation{Name: "c", Dist: 300},
	)
	got := filterGeoResults(page, metaTable(now, "a", "b", "c"), now.Add(-time.Minute), nil, 2)
	if len(got) != 2 || got[1].DriverID != "b" {
		t.Fatalf("limit not applied: %+v", got)
	}
}
