package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/config"
	"github.com/pharmaduty/duty-engine/internal/model"
)

// WebhookNotifier posts raised alerts to a configured webhook URL.
type WebhookNotifier struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewWebhookNotifier creates a WebhookNotifier. Returns nil when no
// webhook URL is configured, so callers can pass the result straight
// to NewManager.
func NewWebhookNotifier(cfg config.MonitoringConfig) *WebhookNotifier {
	if cfg.WebhookURL == "" {
		return nil
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify delivers the alert to the webhook. Failures are logged, not
// returned; the alert row is already persisted.
func (w *WebhookNotifier) Notify(ctx context.Context, alert model.IngestionAlert) {
	if w == nil {
		return
	}
	if err := w.send(ctx, alert); err != nil {
		zap.L().Error("alerting: webhook delivery failed",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(alert.Type)),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("alerting: webhook delivered",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
	)
}

func (w *WebhookNotifier) send(ctx context.Context, alert model.IngestionAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "alerting: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "alerting: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "alerting: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("alerting: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
