package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

// scriptedSender answers each offer according to the replies table; drivers
// with no entry never respond and run the offer into its deadline.
type scriptedSender struct {
	mu      sync.Mutex
	engine  *Engine
	replies map[string]bool
	offered []string
}

func (s *scriptedSender) Send(driverID string, o Offer) error {
	s.mu.Lock()
	s.offered = append(s.offered, driverID)
	reply, ok := s.replies[driverID]
	s.mu.Unlock()
	if ok {
		_ = s.engine.Resolve(o.RideID, driverID, reply)
	}
	return nil
}

func (s *scriptedSender) offeredTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.offered...)
}

type engineWorld struct {
	idx     *location.Index
	reg     *availability.Registry
	machine *ride.Machine
	engine  *Engine
	sender  *scriptedSender
}

func newEngineWorld(t *testing.T, replies map[string]bool, cfg Config) *engineWorld {
	t.Helper()
	idx := location.NewIndex(2 * time.Minute)
	reg := availability.NewRegistry(idx, 2*time.Minute, nil)
	machine := ride.NewMachine(ride.NewMemoryStore(), reg, nil, nil)
	sender := &scriptedSender{replies: replies}
	engine := NewEngine(idx, reg, machine, sender, nil, cfg, nil)
	sender.engine = engine
	return &engineWorld{idx: idx, reg: reg, machine: machine, engine: engine, sender: sender}
}

func (w *engineWorld) addDriver(t *testing.T, driverID string, lat, lon float64) {
	t.Helper()
	ctx := context.Background()
	w.reg.Register(driverID)
	if _, err := w.idx.Upsert(ctx, models.LocationSample{DriverID: driverID, Lat: lat, Lon: lon, ClientTS: time.Now()}); err != nil {
		t.Fatalf("upsert %s: %v", driverID, err)
	}
	if err := w.reg.Transition(ctx, driverID, models.DriverOffline, models.DriverAvailable); err != nil {
		t.Fatalf("go available %s: %v", driverID, err)
	}
}

func (w *engineWorld) requestRide(t *testing.T) *models.Ride {
	t.Helper()
	r, err := w.machine.Create(context.Background(), "p1",
		models.Coord{Lat: 48.8566, Lon: 2.3522}, models.Coord{Lat: 48.87, Lon: 2.37}, 12.5)
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func TestDispatchAcceptAssignsNearestDriver(t *testing.T) {
	w := newEngineWorld(t, map[string]bool{"near": true, "far": true}, Config{})
	w.addDriver(t, "near", 48.8570, 2.3522)
	w.addDriver(t, "far", 48.8650, 2.3522)
	r := w.requestRide(t)

	if err := w.engine.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := w.machine.Get(context.Background(), r.ID)
	if got.Status != models.RideAccepted || got.DriverID != "near" {
		t.Fatalf("expected near to win, got %+v", got)
	}
	// winner stays busy until the trip starts; far was never asked
	if s, _ := w.reg.Status("near"); s != models.DriverBusy {
		t.Fatalf("winner status: %s", s)
	}
	if offered := w.sender.offeredTo(); len(offered) != 1 || offered[0] != "near" {
		t.Fatalf("offer order: %v", offered)
	}
}

func TestDispatchNoDriversCancels(t *testing.T) {
	w := newEngineWorld(t, nil, Config{})
	r := w.requestRide(t)

	if err := w.engine.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := w.machine.Get(context.Background(), r.ID)
	if got.Status != models.RideCancelled || got.CancelReason != models.ReasonNoDriversAvailable {
		t.Fatalf("expected no_drivers_available cancel, got %+v", got)
	}
}

func TestDispatchDeclineMovesToNextCandidate(t *testing.T) {
	w := newEngineWorld(t, map[string]bool{"near": false, "far": true}, Config{})
	w.addDriver(t, "near", 48.8570, 2.3522)
	w.addDriver(t, "far", 48.8650, 2.3522)
	r := w.requestRide(t)

	if err := w.engine.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := w.machine.Get(context.Background(), r.ID)
	if got.DriverID != "far" {
		t.Fatalf("expected far to win after decline, got %+v", got)
	}
	if offered := w.sender.offeredTo(); len(offered) != 2 {
		t.Fatalf("offer order: %v", offered)
	}
	// decliner goes straight back to available
	if s, _ := w.reg.Status("near"); s != models.DriverAvailable {
		t.Fatalf("decliner status: %s", s)
	}
}

func TestDispatchTimeoutMovesToNextCandidate(t *testing.T) {
	// near never answers; the offer deadline moves dispatch along
	w := newEngineWorld(t, map[string]bool{"far": true}, Config{OfferTimeout: 30 * time.Millisecond})
	w.addDriver(t, "near", 48.8570, 2.3522)
	w.addDriver(t, "far", 48.8650, 2.3522)
	r := w.requestRide(t)

	if err := w.engine.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := w.machine.Get(context.Background(), r.ID)
	if got.DriverID != "far" {
		t.Fatalf("expected far to win after timeout, got %+v", got)
	}
	if s, _ := w.reg.Status("near"); s != models.DriverAvailable {
		t.Fatalf("timed-out driver status: %s", s)
	}
}

func TestDispatchExhaustionCancels(t *testing.T) {
	w := newEngineWorld(t, map[string]bool{"a": false, "b": false}, Config{})
	w.addDriver(t, "a", 48.8570, 2.3522)
	w.addDriver(t, "b", 48.8650, 2.3522)
	r := w.requestRide(t)

	if err := w.engine.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := w.machine.Get(context.Background(), r.ID)
	if got.Status != models.RideCancelled || got.CancelReason != models.ReasonNoDriversAccepted {
		t.Fatalf("expected no_drivers_accepted cancel, got %+v", got)
	}
	for _, id := range []string{"a", "b"} {
		if s, _ := w.reg.Status(id); s != models.DriverAvailable {
			t.Fatalf("driver %s not released: %s", id, s)
		}
	}
}

func TestDispatchExpandsRadius(t *testing.T) {
	// only driver sits ~5.5km out, beyond the initial 2km ring
	w := newEngineWorld(t, map[string]bool{"remote": true}, Config{})
	w.addDriver(t, "remote", 48.9066, 2.3522)
	r := w.requestRide(t)

	if err := w.engine.Dispatch(context.Background(), r); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := w.machine.Get(context.Background(), r.ID)
	if got.Status != models.RideAccepted || got.DriverID != "remote" {
		t.Fatalf("expected remote assignment, got %+v", got)
	}
}

func TestDispatchRejectsSecondAttempt(t *testing.T) {
	// the only driver never answers, holding the first attempt open
	w := newEngineWorld(t, nil, Config{OfferTimeout: 200 * time.Millisecond})
	w.addDriver(t, "slow", 48.8570, 2.3522)
	r := w.requestRide(t)

	done := make(chan error, 1)
	go func() { done <- w.engine.Dispatch(context.Background(), r) }()
	time.Sleep(50 * time.Millisecond)

	if err := w.engine.Dispatch(context.Background(), r); !errors.Is(err, ErrDispatchInFlight) {
		t.Fatalf("expected ErrDispatchInFlight, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
}

// signalingSender reports when a given driver receives an offer, so tests
// can synchronize with dispatch mid-protocol.
type signalingSender struct {
	watch   string
	offered chan string
}

func (s *signalingSender) Send(driverID string, o Offer) error {
	if driverID == s.watch {
		s.offered <- o.RideID
	}
	return nil
}

func TestLateAcceptAfterTimeoutRejected(t *testing.T) {
	w := newEngineWorld(t, nil, Config{OfferTimeout: 40 * time.Millisecond})
	sender := &signalingSender{watch: "far", offered: make(chan string, 1)}
	w.engine.offers = sender
	w.addDriver(t, "near", 48.8570, 2.3522)
	w.addDriver(t, "far", 48.8650, 2.3522)
	r := w.requestRide(t)

	done := make(chan error, 1)
	go func() { done <- w.engine.Dispatch(context.Background(), r) }()

	// once far holds the offer, near's deadline has already passed
	rideID := <-sender.offered
	if err := w.engine.Resolve(rideID, "near", true); !errors.Is(err, ErrNoActiveOffer) {
		t.Fatalf("late accept: expected ErrNoActiveOffer, got %v", err)
	}
	if err := w.engine.Resolve(rideID, "far", true); err != nil {
		t.Fatalf("resolve far: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := w.machine.Get(context.Background(), r.ID)
	if got.DriverID != "far" {
		t.Fatalf("expected far to win, got %+v", got)
	}
}

func TestSecondReplyAfterDeclineRejected(t *testing.T) {
	w := newEngineWorld(t, map[string]bool{"near": false}, Config{OfferTimeout: 200 * time.Millisecond})
	sender := &signalingSender{watch: "far", offered: make(chan string, 1)}
	declining := w.sender
	declining.engine = w.engine
	w.engine.offers = senderFunc(func(driverID string, o Offer) error {
		if driverID == "near" {
			return declining.Send(driverID, o)
		}
		return sender.Send(driverID, o)
	})
	w.addDriver(t, "near", 48.8570, 2.3522)
	w.addDriver(t, "far", 48.8650, 2.3522)
	r := w.requestRide(t)

	done := make(chan error, 1)
	go func() { done <- w.engine.Dispatch(context.Background(), r) }()

	rideID := <-sender.offered
	// near already declined; a second answer from near must not land
	if err := w.engine.Resolve(rideID, "near", true); !errors.Is(err, ErrNoActiveOffer) {
		t.Fatalf("second reply: expected ErrNoActiveOffer, got %v", err)
	}
	if err := w.engine.Resolve(rideID, "far", true); err != nil {
		t.Fatalf("resolve far: %v", err)
	}
	<-done
	got, _ := w.machine.Get(context.Background(), r.ID)
	if got.DriverID != "far" {
		t.Fatalf("expected far to win, got %+v", got)
	}
}

type senderFunc func(driverID string, o Offer) error

func (f senderFunc) Send(driverID string, o Offer) error { return f(driverID, o) }

func TestResolveWithoutActiveOffer(t *testing.T) {
	w := newEngineWorld(t, nil, Config{})
	if err := w.engine.Resolve("nope", "d1", true); !errors.Is(err, ErrNoActiveOffer) {
		t.Fatalf("expected ErrNoActiveOffer, got %v", err)
	}
}

func TestResolveWrongDriverRejected(t *testing.T) {
	// driver "near" gets the offer but never answers; a response from a
	// different driver must not resolve the attempt
	w := newEngineWorld(t, nil, Config{OfferTimeout: 100 * time.Millisecond})
	w.addDriver(t, "near", 48.8570, 2.3522)
	r := w.requestRide(t)

	done := make(chan error, 1)
	go func() { done <- w.engine.Dispatch(context.Background(), r) }()
	time.Sleep(30 * time.Millisecond)

	if err := w.engine.Resolve(r.ID, "impostor", true); !errors.Is(err, ErrNoActiveOffer) {
		t.Fatalf("expected ErrNoActiveOffer, got %v", err)
	}
	<-done
}
