package telemetry

import (
	"io"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/fleetrelay/cfg"
)

func withPrometheus(t *testing.T, enabled bool) {
	t.Helper()
	prev := cfg.Config
	cfg.Config = cfg.Default()
	cfg.Config.InstanceID = "test-instance"
	cfg.Config.Prometheus.Enabled = enabled

	InitializeTelemetry()
	InitMetrics()

	t.Cleanup(func() {
		cfg.Config = prev
		registry = nil
		InitMetrics()
	})
}

func scrape(t *testing.T) string {
	t.Helper()
	handler := GetMetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestDisabledTelemetryIsNoop(t *testing.T) {
	withPrometheus(t, false)

	assert.Nil(t, GetMetricsHandler())
	assert.IsType(t, noopCounterVec{}, PollTicksTotal)

	// Must not panic
	PollTicksTotal.With("fleet", "idle").Inc()
	ActiveConnections.With("fleet").Set(3)
}

func TestEnabledTelemetryExportsRelayMetrics(t *testing.T) {
	withPrometheus(t, true)

	PollTicksTotal.With("fleet", "delivered").Inc()
	EventsDeliveredTotal.With("fleet", "incremental").Add(4)

	body := scrape(t)
	assert.Contains(t, body, `fleetrelay_poll_ticks_total{feed="fleet",instance_id="test-instance",outcome="delivered"} 1`)
	assert.Contains(t, body, `fleetrelay_events_delivered_total{feed="fleet",instance_id="test-instance",phase="incremental"} 4`)
}

type staticStats struct {
	calls atomic.Int32
}

func (s *staticStats) FeedStats() []FeedStats {
	s.calls.Add(1)
	return []FeedStats{{Name: "journeys", Connections: 2, Watermark: 42}}
}

func TestMetricsCollectorSamplesFeeds(t *testing.T) {
	withPrometheus(t, true)

	provider := &staticStats{}
	mc := NewMetricsCollector(provider, 10*time.Millisecond)
	mc.Start()
	require.Eventually(t, func() bool { return provider.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	mc.Stop()
	mc.Stop()

	body := scrape(t)
	assert.Contains(t, body, `fleetrelay_active_connections{feed="journeys",instance_id="test-instance"} 2`)
	assert.Contains(t, body, `fleetrelay_feed_watermark{feed="journeys",instance_id="test-instance"} 42`)
}
