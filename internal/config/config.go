package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are loaded from environment variables with defaults so
// the binary runs locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	LocationTopic   string
	RideEventsTopic string

	PGDSN         string
	RunMigrations bool

	// core dispatch and ingest tunables, all overridable
	FreshnessWindow time.Duration
	OfferTimeout    time.Duration
	InitialRadiusM  float64
	MaxRadiusM      float64
	CandidateLimit  int
	MaxFutureSkew   time.Duration
	DefaultSpeedMps float64

	OSRMEndpoint    string
	WebhookEndpoint string
	WebhookToken    string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		LocationTopic:   "driver-locations",
		RideEventsTopic: "ride-events",
		FreshnessWindow: 120 * time.Second,
		OfferTimeout:    15 * time.Second,
		InitialRadiusM:  2000,
		MaxRadiusM:      10000,
		CandidateLimit:  10,
		MaxFutureSkew:   30 * time.Second,
		DefaultSpeedMps: 10,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.RideEventsTopic, "KAFKA_RIDE_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setDurationFromEnv(&cfg.FreshnessWindow, "LOCATION_FRESHNESS_WINDOW", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "DISPATCH_OFFER_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.InitialRadiusM, "DISPATCH_INITIAL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.MaxRadiusM, "DISPATCH_MAX_RADIUS_M", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.MaxFutureSkew, "INGEST_MAX_FUTURE_SKEW", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.WebhookEndpoint, "NOTIFY_WEBHOOK_ENDPOINT")
	cfg.WebhookToken = os.Getenv("NOTIFY_WEBHOOK_TOKEN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.MaxRadiusM < cfg.InitialRadiusM {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RADIUS_M must be >= DISPATCH_INITIAL_RADIUS_M"))
	}
	if cfg.FreshnessWindow <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_FRESHNESS_WINDOW must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
