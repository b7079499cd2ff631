package telemetry

import (
	"sync"
	"time"
)

// FeedStats is a point-in-time view of one feed
type FeedStats struct {
	Name        string
	Connections int
	Watermark   int64
}

// FeedStatsProvider lists the stats of every running feed
type FeedStatsProvider interface {
	FeedStats() []FeedStats
}

// MetricsCollector periodically samples feed stats into gauges
type MetricsCollector struct {
	provider FeedStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider FeedStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	for _, st := range mc.provider.FeedStats() {
		ActiveConnections.With(st.Name).Set(float64(st.Connections))
		FeedWatermark.With(st.Name).Set(float64(st.Watermark))
	}
}
