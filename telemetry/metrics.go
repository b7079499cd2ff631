package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PollBuckets for one fingerprint check plus optional delta fetch on local SQLite
	PollBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// BatchBuckets for number of rows in a delta or snapshot
	BatchBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000}
)

// Poll loop metrics
var (
	// PollTicksTotal counts poll ticks by feed and outcome (idle, empty, delivered, error)
	PollTicksTotal CounterVec = noopCounterVec{}

	// PollDurationSeconds measures one poll tick by feed
	PollDurationSeconds HistogramVec = noopHistogramVec{}

	// DeltaRows measures rows returned per non-empty delta fetch
	DeltaRows HistogramVec = noopHistogramVec{}

	// FeedWatermark tracks the shared watermark of each feed
	FeedWatermark GaugeVec = noopGaugeVec{}
)

// Delivery metrics
var (
	// EventsDeliveredTotal counts events written to consumers by feed and phase (snapshot, incremental)
	EventsDeliveredTotal CounterVec = noopCounterVec{}

	// SendFailuresTotal counts consumers dropped after a failed send
	SendFailuresTotal CounterVec = noopCounterVec{}

	// SnapshotsTotal counts snapshots served by feed and result (success, failed)
	SnapshotsTotal CounterVec = noopCounterVec{}

	// SnapshotRows measures rows per snapshot
	SnapshotRows HistogramVec = noopHistogramVec{}

	// ActiveConnections tracks attached consumers by feed
	ActiveConnections GaugeVec = noopGaugeVec{}

	// SinkPublishTotal counts broker publishes by sink and result (success, failed, filtered)
	SinkPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	PollTicksTotal = NewCounterVec(
		"poll_ticks_total",
		"Poll ticks by feed and outcome",
		[]string{"feed", "outcome"},
	)
	PollDurationSeconds = NewHistogramVec(
		"poll_duration_seconds",
		"Poll tick duration in seconds",
		[]string{"feed"},
		PollBuckets,
	)
	DeltaRows = NewHistogramVec(
		"delta_rows",
		"Rows returned per non-empty delta",
		[]string{"feed"},
		BatchBuckets,
	)
	FeedWatermark = NewGaugeVec(
		"feed_watermark",
		"Highest sequence processed by the feed poll loop",
		[]string{"feed"},
	)

	EventsDeliveredTotal = NewCounterVec(
		"events_delivered_total",
		"Events delivered to consumers by feed and phase",
		[]string{"feed", "phase"},
	)
	SendFailuresTotal = NewCounterVec(
		"send_failures_total",
		"Consumers dropped after a failed send",
		[]string{"feed"},
	)
	SnapshotsTotal = NewCounterVec(
		"snapshots_total",
		"Snapshots served by feed and result",
		[]string{"feed", "result"},
	)
	SnapshotRows = NewHistogramVec(
		"snapshot_rows",
		"Rows per snapshot",
		[]string{"feed"},
		BatchBuckets,
	)
	ActiveConnections = NewGaugeVec(
		"active_connections",
		"Attached consumers by feed",
		[]string{"feed"},
	)
	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Broker publishes by sink and result",
		[]string{"sink", "result"},
	)
}
