package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Webhook posts ride events to an external push-delivery endpoint. The
// endpoint owns retries and device targeting; a failed post is only logged.
type Webhook struct {
	Endpoint string
	Token    string
	Client   *http.Client
	Log      *slog.Logger
}

func NewWebhook(endpoint, token string, log *slog.Logger) *Webhook {
	if log == nil {
		log = slog.Default()
	}
	return &Webhook{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Log:      log,
	}
}

func (w *Webhook) post(ctx context.Context, ev models.RideEvent) {
	b, _ := json.Marshal(ev)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		w.Log.Debug("webhook post failed", "ride_id", ev.RideID, "error", err)
		return
	}
	resp.Body.Close()
}

func (w *Webhook) RideStatus(ctx context.Context, ev models.RideEvent) {
	w.post(ctx, ev)
}

func (w *Webhook) RideLocation(ctx context.Context, rideID string, s models.LocationSample) {
	w.post(ctx, LocationEvent(rideID, s))
}
