package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Ride status transitions applied"},
		[]string{"status"},
	)
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "invariant_violations_total", Help: "Consistency bugs detected between ride state and driver status"})

	OffersTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Dispatch offers sent to drivers"})
	OfferAccepts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_accepts_total", Help: "Offers accepted"})
	OfferDeclines = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_declines_total", Help: "Offers declined"})
	OfferTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_timeouts_total", Help: "Offers expired without a response"})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "dispatch_latency_seconds",
		Help:      "Time from dispatch start to acceptance or terminal failure",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	DriversAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_available", Help: "Drivers currently eligible for dispatch"})

	SamplesAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_samples_accepted_total", Help: "Location samples applied to the store"})
	SamplesDropped  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_samples_dropped_total", Help: "Stale or duplicate samples dropped by timestamp ordering"})
	SamplesRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_samples_rejected_total", Help: "Malformed samples rejected by validation"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
