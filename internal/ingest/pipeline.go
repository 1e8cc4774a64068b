// Package ingest validates and applies driver location samples, including
// offline-buffered batches replayed after reconnect.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ErrInvalidSample marks a malformed sample; in a batch it only skips the
// offending item.
var ErrInvalidSample = errors.New("invalid sample")

// History receives accepted samples for durable append-only storage.
type History interface {
	SaveSample(ctx context.Context, s models.LocationSample) error
}

type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchReport summarizes a batch: applied samples, stale/duplicate drops,
// and per-index rejections. Indices refer to the submitted order.
type BatchReport struct {
	Accepted int         `json:"accepted"`
	Dropped  int         `json:"dropped"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

type Pipeline struct {
	Store         location.Store
	Producer      *Producer // optional: fan accepted samples into Kafka
	History       History   // optional: durable sample history
	Log           *slog.Logger
	MaxFutureSkew time.Duration
	Now           func() time.Time
}

func (p *Pipeline) clock() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func (p *Pipeline) validate(s models.LocationSample) error {
	if s.DriverID == "" {
		return fmt.Errorf("%w: missing driver id", ErrInvalidSample)
	}
	if s.Lat < -90 || s.Lat > 90 {
		return fmt.Errorf("%w: latitude out of range", ErrInvalidSample)
	}
	if s.Lon < -180 || s.Lon > 180 {
		return fmt.Errorf("%w: longitude out of range", ErrInvalidSample)
	}
	if s.ClientTS.IsZero() {
		return fmt.Errorf("%w: missing client timestamp", ErrInvalidSample)
	}
	skew := p.MaxFutureSkew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	if s.ClientTS.After(p.clock().Add(skew)) {
		return fmt.Errorf("%w: client timestamp in the future", ErrInvalidSample)
	}
	return nil
}

// Apply validates and applies a single sample. It returns false with a nil
// error for stale/duplicate samples dropped by the ordering rule.
func (p *Pipeline) Apply(ctx context.Context, s models.LocationSample) (bool, error) {
	if err := p.validate(s); err != nil {
		observability.SamplesRejected.Inc()
		return false, err
	}
	accepted, err := p.Store.Upsert(ctx, s)
	if err != nil {
		observability.SamplesRejected.Inc()
		return false, err
	}
	if !accepted {
		observability.SamplesDropped.Inc()
		return false, nil
	}
	observability.SamplesAccepted.Inc()

	if p.History != nil {
		if herr := p.History.SaveSample(ctx, s); herr != nil {
			p.logger().Warn("sample history write failed", "driver_id", s.DriverID, "error", herr)
		}
	}
	if p.Producer != nil {
		if perr := p.Producer.PublishSample(ctx, s); perr != nil {
			p.logger().Warn("sample publish failed", "driver_id", s.DriverID, "error", perr)
		}
	}
	return true, nil
}

// ApplyBatch applies an offline-buffered batch in client-timestamp order.
// Malformed samples are reported by their submitted index and skipped;
// replaying an already-applied batch only increments the drop count.
func (p *Pipeline) ApplyBatch(ctx context.Context, samples []models.LocationSample) BatchReport {
	type indexed struct {
		idx int
		s   models.LocationSample
	}
	ordered := make([]indexed, len(samples))
	for i, s := range samples {
		ordered[i] = indexed{idx: i, s: s}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].s.ClientTS.Before(ordered[j].s.ClientTS)
	})

	var report BatchReport
	for _, item := range ordered {
		applied, err := p.Apply(ctx, item.s)
		switch {
		case err != nil:
			report.Rejected = append(report.Rejected, Rejection{Index: item.idx, Reason: reasonOf(err)})
		case applied:
			report.Accepted++
		default:
			report.Dropped++
		}
	}
	sort.Slice(report.Rejected, func(i, j int) bool { return report.Rejected[i].Index < report.Rejected[j].Index })
	return report
}

func reasonOf(err error) string {
	if errors.Is(err, location.ErrUnknownDriver) {
		return "unknown driver"
	}
	return err.Error()
}
