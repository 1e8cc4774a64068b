// The reconciler turns ride lifecycle events into fare actions against the
// payment collaborator: hold the estimate on acceptance, capture the final
// fare on completion, release the hold on cancellation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_events_consumed_total",
		Help: "Total ride events consumed",
	})
	holdsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_holds_created_total",
		Help: "Total fare holds created",
	})
	capturesDone = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_captures_total",
		Help: "Total fare captures",
	})
	holdsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_releases_total",
		Help: "Total fare holds released",
	})
	paymentErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_payment_errors_total",
		Help: "Total payment collaborator errors",
	})
	flaggedRides = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_flagged_rides_total",
		Help: "Rides cancelled mid-trip and flagged for manual fare review",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, holdsCreated, capturesDone, holdsReleased, paymentErrors, flaggedRides)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2113", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := brokersFromEnv()
	topic := envOr("KAFKA_RIDE_EVENTS_TOPIC", "ride-events")
	group := envOr("KAFKA_GROUP", "ride-dispatch-reconciler")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	currency := envOr("FARE_CURRENCY", "usd")

	stripeClient := payments.NewStripeClient(os.Getenv("STRIPE_API_KEY"))
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("reconciler listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down reconciler")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		eventsConsumed.Inc()

		var ev models.RideEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Type != models.EventRideStatus || ev.Ride == nil {
			continue
		}
		handleEvent(ctx, rc, stripeClient, ev, currency)
	}
}

func handleEvent(ctx context.Context, rc *redis.Client, sc *payments.StripeClient, ev models.RideEvent, currency string) {
	key := "ride:payment:" + ev.RideID
	switch ev.Ride.Status {
	case models.RideAccepted:
		intentID, err := sc.Hold(ctx, cents(ev.Ride.EstimatedPrice), currency, ev.Ride.PassengerID)
		if err != nil {
			paymentErrors.Inc()
			log.Printf("hold failed ride=%s: %v", ev.RideID, err)
			return
		}
		if err := rc.Set(ctx, key, intentID, 24*time.Hour).Err(); err != nil {
			log.Printf("intent save failed ride=%s: %v", ev.RideID, err)
		}
		holdsCreated.Inc()
	case models.RideCompleted:
		intentID, err := rc.Get(ctx, key).Result()
		if err != nil {
			return // no hold for this ride
		}
		if err := sc.Capture(ctx, intentID, cents(ev.Ride.FinalPrice)); err != nil {
			paymentErrors.Inc()
			log.Printf("capture failed ride=%s: %v", ev.RideID, err)
			return
		}
		rc.Del(ctx, key)
		capturesDone.Inc()
	case models.RideCancelled:
		if ev.Ride.NeedsReconciliation {
			flaggedRides.Inc()
			log.Printf("ride=%s cancelled mid-trip, flagged for fare review", ev.RideID)
		}
		intentID, err := rc.Get(ctx, key).Result()
		if err != nil {
			return
		}
		if err := sc.Release(ctx, intentID); err != nil {
			paymentErrors.Inc()
			log.Printf("release failed ride=%s: %v", ev.RideID, err)
			return
		}
		rc.Del(ctx, key)
		holdsReleased.Inc()
	}
}

func cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func brokersFromEnv() []string {
	v := os.Getenv("KAFKA_BROKERS")
	if v == "" {
		return []string{"localhost:9092"}
	}
	var out []string
	for _, b := range strings.Split(v, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
