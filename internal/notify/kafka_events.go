package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaNotifier publishes ride events to a topic so downstream consumers
// (push delivery, reconciliation) can react without coupling to the core.
type KafkaNotifier struct {
	writer *kafka.Writer
	log    *slog.Logger
}

func NewKafkaNotifier(brokers []string, topic string, log *slog.Logger) *KafkaNotifier {
	if log == nil {
		log = slog.Default()
	}
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaNotifier{writer: w, log: log}
}

func (k *KafkaNotifier) publish(ctx context.Context, key string, ev models.RideEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		k.log.Error("ride event marshal failed", "ride_id", ev.RideID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		k.log.Error("ride event publish failed", "ride_id", ev.RideID, "type", ev.Type, "error", err)
	}
}

func (k *KafkaNotifier) RideStatus(ctx context.Context, ev models.RideEvent) {
	k.publish(ctx, ev.RideID, ev)
}

func (k *KafkaNotifier) RideLocation(ctx context.Context, rideID string, s models.LocationSample) {
	k.publish(ctx, rideID, LocationEvent(rideID, s))
}

func (k *KafkaNotifier) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
