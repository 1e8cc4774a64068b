package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/ride"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// notification fan-out: ws subscribers always, kafka/webhook when configured
	hub := notify.NewHub(logging.Component(logger, "ws-hub"))
	notifiers := notify.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.RideEventsTopic, logging.Component(logger, "kafka-notify"))
		defer kn.Close()
		notifiers = append(notifiers, kn)
	}
	if cfg.WebhookEndpoint != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookEndpoint, cfg.WebhookToken, logging.Component(logger, "webhook")))
	}
	onRideSample := func(rideID string, s models.LocationSample) {
		notifiers.RideLocation(context.Background(), rideID, s)
	}

	var loc location.Store
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		rs := location.NewRedisStore(rc, cfg.RedisGeoKey, cfg.FreshnessWindow, logging.Component(logger, "redis-location"))
		rs.OnRideSample = onRideSample
		loc = rs
	} else {
		idx := location.NewIndex(cfg.FreshnessWindow)
		idx.OnRideSample = onRideSample
		loc = idx
	}

	reg := availability.NewRegistry(loc, cfg.FreshnessWindow, logging.Component(logger, "availability"))

	var rideStore ride.Store
	var history ingest.History
	if cfg.PGDSN != "" {
		ps, err := ride.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		rideStore = ps
		history = ps
	} else {
		rideStore = ride.NewMemoryStore()
	}

	machine := ride.NewMachine(rideStore, reg, notifiers, logging.Component(logger, "ride"))

	est := &eta.Estimator{DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		est.Cache = eta.NewCache(30 * time.Second)
	}

	offers := dispatch.NewWSRegistry()
	engine := dispatch.NewEngine(loc, reg, machine, offers, est, dispatch.Config{
		InitialRadiusM: cfg.InitialRadiusM,
		MaxRadiusM:     cfg.MaxRadiusM,
		CandidateLimit: cfg.CandidateLimit,
		OfferTimeout:   cfg.OfferTimeout,
	}, logging.Component(logger, "dispatch"))

	var producer *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.LocationTopic)
		defer producer.Close()
	}
	pipeline := &ingest.Pipeline{
		Store:         loc,
		Producer:      producer,
		History:       history,
		Log:           logging.Component(logger, "ingest"),
		MaxFutureSkew: cfg.MaxFutureSkew,
	}

	api := httpapi.NewServer(httpapi.Deps{
		Logger:   logging.Component(logger, "http"),
		Rides:    machine,
		Engine:   engine,
		Avail:    reg,
		Location: loc,
		Pipeline: pipeline,
		Offers:   offers,
		Hub:      hub,
		BaseCtx:  ctx,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_core.sql")
}
