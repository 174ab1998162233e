package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfreader/sticker-engine/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{GenerationFailRateThreshold: 0.10, ExtractionFailRateThreshold: 0.10, CostThresholdUSD: 500})

	snap := Snapshot{GenerationsCompleted: 95, GenerationsFailed: 5, GenerationFailRate: 0.05, AICostUSD: 100}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_GenerationFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{GenerationFailRateThreshold: 0.10, ExtractionFailRateThreshold: 0.10, CostThresholdUSD: 500})

	snap := Snapshot{GenerationsCompleted: 12, GenerationsFailed: 8, GenerationFailRate: 0.4}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertGenerationFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_ExtractionFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{GenerationFailRateThreshold: 0.10, ExtractionFailRateThreshold: 0.10})

	snap := Snapshot{ExtractionJobsCompleted: 3, ExtractionJobsFailed: 5, ExtractionFailRate: 5.0 / 8}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertExtractionFailureRate, alerts[0].Type)
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{CostThresholdUSD: 100})

	snap := Snapshot{AICostUSD: 150}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
}

func TestAlerter_Evaluate_BelowFinishedFloorSuppressesAlert(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{GenerationFailRateThreshold: 0.10})
	snap := Snapshot{GenerationsCompleted: 1, GenerationsFailed: 1, GenerationFailRate: 0.5}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_PostsToWebhook(t *testing.T) {
	var received int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: server.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun, Severity: "high", Message: "test"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
}

func TestAlerter_SendAlerts_NoWebhookConfigured(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun}})
	assert.Equal(t, 0, sent)
}
