// Package dispatch runs the offer/timeout protocol that assigns a driver
// to a pending ride.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

var (
	// ErrNoActiveOffer means a driver responded to an offer that is no
	// longer (or was never) outstanding for that ride.
	ErrNoActiveOffer = errors.New("no active offer for ride")
	// ErrDispatchInFlight rejects a second attempt for the same ride.
	ErrDispatchInFlight = errors.New("dispatch already in flight for ride")
)

type Config struct {
	InitialRadiusM float64
	MaxRadiusM     float64
	CandidateLimit int
	OfferTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialRadiusM <= 0 {
		c.InitialRadiusM = 2000
	}
	if c.MaxRadiusM <= 0 {
		c.MaxRadiusM = 10000
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 10
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 15 * time.Second
	}
	return c
}

type response struct {
	driverID string
	accepted bool
}

type attempt struct {
	driverID string
	resp     chan response
}

// Engine owns one dispatch attempt per pending ride at a time; driver
// responses are fed back through Resolve.
type Engine struct {
	loc    location.Store
	avail  *availability.Registry
	rides  *ride.Machine
	offers OfferSender
	est    *eta.Estimator
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]*attempt
}

func NewEngine(loc location.Store, avail *availability.Registry, rides *ride.Machine, offers OfferSender, est *eta.Estimator, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		loc:      loc,
		avail:    avail,
		rides:    rides,
		offers:   offers,
		est:      est,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
		inflight: make(map[string]*attempt),
	}
}

// Dispatch runs the candidate/offer protocol for a pending ride until a
// driver accepts, candidates run out, or the ride stops being pending.
// Callers run it in its own goroutine; exactly one attempt per ride is
// admitted.
func (e *Engine) Dispatch(ctx context.Context, r *models.Ride) error {
	e.mu.Lock()
	if _, busy := e.inflight[r.ID]; busy {
		e.mu.Unlock()
		return ErrDispatchInFlight
	}
	e.inflight[r.ID] = &attempt{}
	e.mu.Unlock()
	defer e.clearAttempt(r.ID)

	start := e.now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	cands, err := e.candidates(ctx, r.Pickup)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		e.log.Info("no drivers available", "ride_id", r.ID)
		_, cerr := e.rides.Cancel(ctx, r.ID, ride.ActorSystem, "dispatch", models.ReasonNoDriversAvailable)
		return cerr
	}

	for _, cand := range cands {
		done, err := e.offerOne(ctx, r, cand)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		// ride may have been cancelled while we were offering
		if cur, err := e.rides.Get(ctx, r.ID); err == nil && cur.Status != models.RidePending {
			return nil
		}
	}

	e.log.Info("all candidates exhausted", "ride_id", r.ID, "candidates", len(cands))
	_, cerr := e.rides.Cancel(ctx, r.ID, ride.ActorSystem, "dispatch", models.ReasonNoDriversAccepted)
	return cerr
}

// candidates queries an expanding radius (doubling from the initial up to
// the max) and returns the first non-empty ring.
func (e *Engine) candidates(ctx context.Context, pickup models.Coord) ([]location.Candidate, error) {
	for radius := e.cfg.InitialRadiusM; ; radius *= 2 {
		if radius > e.cfg.MaxRadiusM {
			radius = e.cfg.MaxRadiusM
		}
		cands, err := e.loc.Nearest(ctx, pickup, radius, e.cfg.CandidateLimit, e.avail.Eligible)
		if err != nil {
			return nil, err
		}
		if len(cands) > 0 {
			return cands, nil
		}
		if radius >= e.cfg.MaxRadiusM {
			return nil, nil
		}
	}
}

// offerOne proposes the ride to a single candidate. It returns true when
// the dispatch attempt is finished (accepted, or the ride is gone).
func (e *Engine) offerOne(ctx context.Context, r *models.Ride, cand location.Candidate) (bool, error) {
	driverID := cand.DriverID
	if err := e.avail.Transition(ctx, driverID, models.DriverAvailable, models.DriverBusy); err != nil {
		// taken by another attempt, or went offline; next candidate
		return false, nil
	}

	resp := make(chan response, 1)
	e.setAttempt(r.ID, driverID, resp)

	offer := Offer{
		RideID:    r.ID,
		Pickup:    r.Pickup,
		Dropoff:   r.Dropoff,
		DistanceM: cand.DistanceM,
		ExpiresAt: e.now().Add(e.cfg.OfferTimeout),
	}
	if e.est != nil {
		if s, ok := e.loc.Get(ctx, driverID); ok {
			offer.PickupETASec = e.est.PickupSeconds(s.Coord(), r.Pickup)
		}
	}

	observability.OffersTotal.Inc()
	if err := e.offers.Send(driverID, offer); err != nil {
		e.log.Debug("offer send failed", "ride_id", r.ID, "driver_id", driverID, "error", err)
		e.release(ctx, driverID)
		return false, nil
	}

	timer := time.NewTimer(e.cfg.OfferTimeout)
	defer timer.Stop()

	select {
	case got := <-resp:
		e.expireAttempt(r.ID)
		if !got.accepted {
			observability.OfferDeclines.Inc()
			e.release(ctx, driverID)
			return false, nil
		}
		observability.OfferAccepts.Inc()
		if _, err := e.rides.Accept(ctx, r.ID, driverID); err != nil {
			// ride cancelled or claimed elsewhere; free the driver and stop
			e.log.Info("accept lost race", "ride_id", r.ID, "driver_id", driverID, "error", err)
			e.release(ctx, driverID)
			return true, nil
		}
		// driver stays busy until the ride actually starts
		return true, nil
	case <-timer.C:
		observability.OfferTimeouts.Inc()
		e.expireAttempt(r.ID)
		e.release(ctx, driverID)
		return false, nil
	case <-ctx.Done():
		e.release(ctx, driverID)
		return true, ctx.Err()
	}
}

// Resolve feeds a driver's accept/decline into the in-flight attempt.
// Expiry already moved the attempt on when the response arrives late.
func (e *Engine) Resolve(rideID, driverID string, accepted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.inflight[rideID]
	if a == nil || a.driverID != driverID || a.resp == nil {
		return ErrNoActiveOffer
	}
	select {
	case a.resp <- response{driverID: driverID, accepted: accepted}:
		return nil
	default:
		return ErrNoActiveOffer
	}
}

func (e *Engine) setAttempt(rideID, driverID string, resp chan response) {
	e.mu.Lock()
	e.inflight[rideID] = &attempt{driverID: driverID, resp: resp}
	e.mu.Unlock()
}

// expireAttempt invalidates the current offer while keeping the ride's
// in-flight guard, so a reply that arrives after the deadline (or after a
// response was already consumed) gets ErrNoActiveOffer.
func (e *Engine) expireAttempt(rideID string) {
	e.mu.Lock()
	e.inflight[rideID] = &attempt{}
	e.mu.Unlock()
}

func (e *Engine) clearAttempt(rideID string) {
	e.mu.Lock()
	delete(e.inflight, rideID)
	e.mu.Unlock()
}

func (e *Engine) release(ctx context.Context, driverID string) {
	if err := e.avail.Transition(ctx, driverID, models.DriverBusy, models.DriverAvailable); err != nil {
		e.log.Debug("driver release skipped", "driver_id", driverID, "error", err)
	}
}
