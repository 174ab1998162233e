package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pdfreader/sticker-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertGenerationFailureRate AlertType = "generation_failure_rate"
	AlertExtractionFailureRate AlertType = "extraction_failure_rate"
	AlertCostOverrun           AlertType = "cost_overrun"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter builds an Alerter from the monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.GenerationsCompleted + snap.GenerationsFailed
	if finished >= 5 && a.cfg.GenerationFailRateThreshold > 0 && snap.GenerationFailRate > a.cfg.GenerationFailRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertGenerationFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("sticker generation failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.GenerationFailRate*100, a.cfg.GenerationFailRateThreshold*100, snap.GenerationsFailed, finished),
			Details: map[string]any{
				"failure_rate": snap.GenerationFailRate,
				"threshold":    a.cfg.GenerationFailRateThreshold,
				"failed":       snap.GenerationsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	extFinished := snap.ExtractionJobsCompleted + snap.ExtractionJobsFailed
	if extFinished >= 5 && a.cfg.ExtractionFailRateThreshold > 0 && snap.ExtractionFailRate > a.cfg.ExtractionFailRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertExtractionFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("context extraction failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.ExtractionFailRate*100, a.cfg.ExtractionFailRateThreshold*100, snap.ExtractionJobsFailed, extFinished),
			Details: map[string]any{
				"failure_rate": snap.ExtractionFailRate,
				"threshold":    a.cfg.ExtractionFailRateThreshold,
				"failed":       snap.ExtractionJobsFailed,
				"finished":     extFinished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.AICostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf("AI spend $%.2f exceeds threshold $%.2f since %s",
				snap.AICostUSD, a.cfg.CostThresholdUSD, snap.WindowStart.Format(time.RFC3339)),
			Details: map[string]any{
				"cost_usd":      snap.AICostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL. Returns the
// number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		zap.L().Info("monitoring: alert sent", zap.String("type", string(alert.Type)), zap.String("severity", alert.Severity))
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
