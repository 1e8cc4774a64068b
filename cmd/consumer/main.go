// The consumer drains the driver-locations topic into the Redis location
// store so dispatch queries stay warm even when samples arrive through
// Kafka rather than the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
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

	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	samplesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_samples_applied_total",
		Help: "Total samples applied to the location store",
	})
	samplesStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_samples_stale_total",
		Help: "Total stale or duplicate samples dropped",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total location store errors after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, samplesApplied, samplesStale, storeErrors)
}

// SampleApplier is the subset of the location store the consumer needs;
// kept small so tests can fake it.
type SampleApplier interface {
	Register(driverID string)
	Upsert(ctx context.Context, s models.LocationSample) (bool, error)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := brokersFromEnv()
	topic := envOr("KAFKA_LOCATION_TOPIC", "driver-locations")
	group := envOr("KAFKA_GROUP", "ride-dispatch-consumer")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	geoKey := envOr("REDIS_GEO_KEY", "drivers_geo")

	logger := logging.NewLogger(envOr("LOG_LEVEL", "info"))

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	store := location.NewRedisStore(rc, geoKey, 120*time.Second, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
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

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
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
		msgsConsumed.Inc()

		var s models.LocationSample
		if err := json.Unmarshal(m.Value, &s); err != nil || s.DriverID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		applied, err := applyWithRetry(ctx, store, s, 3, 200*time.Millisecond)
		if err != nil {
			storeErrors.Inc()
			log.Printf("store update failed for driver=%s: %v", s.DriverID, err)
			continue
		}
		if applied {
			samplesApplied.Inc()
		} else {
			samplesStale.Inc()
		}
	}
}

// applyWithRetry pushes one sample into the store with backoff on
// transient errors. Unknown drivers are registered and retried once; a
// stale sample is not an error, just a false return.
func applyWithRetry(ctx context.Context, store SampleApplier, s models.LocationSample, attempts int, delay time.Duration) (bool, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		applied, err := store.Upsert(ctx, s)
		if err == nil {
			return applied, nil
		}
		lastErr = err
		if errors.Is(err, location.ErrUnknownDriver) {
			store.Register(s.DriverID)
			continue
		}
		time.Sleep(delay)
		delay *= 2
	}
	return false, lastErr
}

func brokersFromEnv() []string {
	v := os.Getenv("KAFKA_BROKERS")
	if v == "" {
		v = os.Getenv("KAFKA_BROKER")
	}
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
