package location

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// upsertScript applies a sample only if its client timestamp is newer than
// the stored one, mirroring Index.Upsert on the Redis side.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'client_ts')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1],
  'client_ts', ARGV[1], 'received_ts', ARGV[2],
  'lat', ARGV[3], 'lon', ARGV[4],
  'accuracy_m', ARGV[5], 'speed_mps', ARGV[6], 'heading_deg', ARGV[7],
  'ride_id', ARGV[8])
redis.call('GEOADD', KEYS[2], ARGV[4], ARGV[3], ARGV[9])
return 1
`)

// RedisStore implements Store on Redis GEO commands plus a metadata hash
// per driver. The timestamp compare-and-set runs server-side so concurrent
// writers from several ingestion processes cannot reorder samples.
type RedisStore struct {
	// OnRideSample mirrors Index.OnRideSample.
	OnRideSample func(rideID string, s models.LocationSample)

	client    *redis.Client
	geoKey    string
	rosterKey string
	freshness time.Duration
	now       func() time.Time
	log       *slog.Logger
}

func NewRedisStore(client *redis.Client, geoKey string, freshness time.Duration, log *slog.Logger) *RedisStore {
	if freshness <= 0 {
		freshness = 120 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{
		client:    client,
		geoKey:    geoKey,
		rosterKey: geoKey + ":roster",
		freshness: freshness,
		now:       time.Now,
		log:       log,
	}
}

func metaKey(geoKey, driverID string) string { return geoKey + ":meta:" + driverID }

func (r *RedisStore) Register(driverID string) {
	if err := r.client.SAdd(context.Background(), r.rosterKey, driverID).Err(); err != nil {
		r.log.Error("redis roster add failed", "driver_id", driverID, "error", err)
	}
}

func (r *RedisStore) Upsert(ctx context.Context, s models.LocationSample) (bool, error) {
	known, err := r.client.SIsMember(ctx, r.rosterKey, s.DriverID).Result()
	if err != nil {
		return false, err
	}
	if !known {
		return false, ErrUnknownDriver
	}

	if s.ReceivedTS.IsZero() {
		s.ReceivedTS = r.now()
	}
	res, err := upsertScript.Run(ctx, r.client,
		[]string{metaKey(r.geoKey, s.DriverID), r.geoKey},
		s.ClientTS.UnixNano(),
		s.ReceivedTS.UnixNano(),
		s.Lat, s.Lon,
		s.AccuracyM, s.SpeedMps, s.HeadingDeg,
		s.RideID,
		s.DriverID,
	).Int()
	if err != nil {
		return false, err
	}
	if res == 0 {
		return false, nil
	}
	if s.RideID != "" && r.OnRideSample != nil {
		r.OnRideSample(s.RideID, s)
	}
	return true, nil
}

func (r *RedisStore) Get(ctx context.Context, driverID string) (models.LocationSample, bool) {
	m, err := r.client.HGetAll(ctx, metaKey(r.geoKey, driverID)).Result()
	if err != nil || len(m) == 0 {
		return models.LocationSample{}, false
	}
	return sampleFromMeta(driverID, m), true
}

func (r *RedisStore) Nearest(ctx context.Context, center models.Coord, radiusM float64, limit int, eligible func(string) bool) ([]Candidate, error) {
	if limit <= 0 || radiusM <= 0 {
		return nil, nil
	}
	cutoff := r.now().Add(-r.freshness)
	lookup := func(driverID string) (models.LocationSample, bool) {
		m, err := r.client.HGetAll(ctx, metaKey(r.geoKey, driverID)).Result()
		if err != nil || len(m) == 0 {
			return models.LocationSample{}, false
		}
		return sampleFromMeta(driverID, m), true
	}

	// start with a modest over-fetch; widen the page whenever stale or
	// ineligible entries crowded eligible drivers out of the window
	for count := limit * 4; ; count *= 4 {
		locs, err := r.client.GeoRadius(ctx, r.geoKey, center.Lon, center.Lat, &redis.GeoRadiusQuery{
			Radius: radiusM, Unit: "m", WithDist: true, Count: count, Sort: "ASC",
		}).Result()
		if err != nil {
			return nil, err
		}
		out := filterGeoResults(locs, lookup, cutoff, eligible, limit)
		if len(out) == limit || len(locs) < count {
			return out, nil
		}
	}
}

// filterGeoResults applies freshness and eligibility to one geo page and
// returns up to limit candidates ordered by distance, ties by driver id.
func filterGeoResults(locs []redis.GeoLocation, lookup func(string) (models.LocationSample, bool), cutoff time.Time, eligible func(string) bool, limit int) []Candidate {
	out := make([]Candidate, 0, limit)
	for _, l := range locs {
		s, ok := lookup(l.Name)
		if !ok || s.ReceivedTS.Before(cutoff) {
			continue
		}
		if eligible != nil && !eligible(l.Name) {
			continue
		}
		out = append(out, Candidate{DriverID: l.Name, DistanceM: l.Dist})
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
	return out
}

func sampleFromMeta(driverID string, m map[string]string) models.LocationSample {
	s := models.LocationSample{DriverID: driverID, RideID: m["ride_id"]}
	s.Lat = parseFloat(m["lat"])
	s.Lon = parseFloat(m["lon"])
	s.AccuracyM = parseFloat(m["accuracy_m"])
	s.SpeedMps = parseFloat(m["speed_mps"])
	s.HeadingDeg = parseFloat(m["heading_deg"])
	if ns, err := strconv.ParseInt(m["client_ts"], 10, 64); err == nil {
		s.ClientTS = time.Unix(0, ns)
	}
	if ns, err := strconv.ParseInt(m["received_ts"], 10, 64); err == nil {
		s.ReceivedTS = time.Unix(0, ns)
	}
	return s
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
