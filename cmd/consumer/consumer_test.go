package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeApplier implements SampleApplier for tests.
type fakeApplier struct {
	failUpserts int // transient errors before succeeding
	registered  map[string]bool
	upserts     int
	applied     bool
}

func (f *fakeApplier) Register(driverID string) {
	if f.registered == nil {
		f.registered = make(map[string]bool)
	}
	f.registered[driverID] = true
}

func (f *fakeApplier) Upsert(ctx context.Context, s models.LocationSample) (bool, error) {
	f.upserts++
	if f.registered == nil || !f.registered[s.DriverID] {
		return false, location.ErrUnknownDriver
	}
	if f.upserts <= f.failUpserts {
		return false, errors.New("redis fail")
	}
	return f.applied, nil
}

func testSample() models.LocationSample {
	return models.LocationSample{DriverID: "d1", Lat: 48.8566, Lon: 2.3522, ClientTS: time.Now()}
}

func TestApplyWithRetry_SucceedsAfterTransientErrors(t *testing.T) {
	f := &fakeApplier{failUpserts: 2, applied: true}
	f.Register("d1")
	start := time.Now()
	applied, err := applyWithRetry(context.Background(), f, testSample(), 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if !applied {
		t.Fatal("expected sample applied")
	}
	if f.upserts != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.upserts)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("expected at least one backoff")
	}
}

func TestApplyWithRetry_RegistersUnknownDriver(t *testing.T) {
	f := &fakeApplier{applied: true}
	applied, err := applyWithRetry(context.Background(), f, testSample(), 3, time.Millisecond)
	if err != nil {
		t.Fatalf("expected success after registration, got err=%v", err)
	}
	if !applied {
		t.Fatal("expected sample applied")
	}
	if !f.registered["d1"] {
		t.Fatal("driver was not registered")
	}
}

func TestApplyWithRetry_StaleSampleIsNotAnError(t *testing.T) {
	f := &fakeApplier{applied: false}
	f.Register("d1")
	applied, err := applyWithRetry(context.Background(), f, testSample(), 3, time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if applied {
		t.Fatal("stale sample reported as applied")
	}
	if f.upserts != 1 {
		t.Fatalf("stale result must not be retried, got %d attempts", f.upserts)
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{failUpserts: 10}
	f.Register("d1")
	if _, err := applyWithRetry(context.Background(), f, testSample(), 3, time.Millisecond); err == nil {
		t.Fatal("expected error after retries")
	}
}
