package publisher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fleetrelay/db"
	"github.com/maxpert/fleetrelay/encoding"
	"github.com/maxpert/fleetrelay/telemetry"
)

const (
	// Default number of events buffered between a broadcast and the broker
	DefaultQueueSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on an event
	DefaultMaxRetries = 10
	// Per-attempt publish timeout
	DefaultPublishTimeout = 5 * time.Second
)

// SinkWorkerConfig configures a broker sink worker
type SinkWorkerConfig struct {
	Name            string         // Sink name
	Feed            string         // Feed the sink is attached to
	Topic           string         // Subject (NATS) or topic (Kafka)
	InstanceID      string         // Folded into message ids
	Sink            Sink           // Destination sink
	Codec           encoding.Codec // Payload encoding
	Filter          Filter         // Key filter
	QueueSize       int            // Buffered events
	RetryInitial    time.Duration  // Initial retry delay
	RetryMax        time.Duration  // Max retry delay
	RetryMultiplier float64        // Backoff multiplier
	MaxRetries      int            // Attempts per event before it is dropped
}

// SinkWorker is the transport of a broker subscriber. Send only enqueues, so
// a slow or unreachable broker never stalls the feed's broadcast pass. A
// separate goroutine publishes with retry.
type SinkWorker struct {
	config SinkWorkerConfig
	queue  chan db.ChangeEvent

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewSinkWorker creates a sink worker
func NewSinkWorker(config SinkWorkerConfig) (*SinkWorker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("sink name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if config.Filter == nil {
		config.Filter = &GlobFilter{}
	}
	if config.Codec.Format == "" {
		config.Codec = encoding.Codec{Format: encoding.FormatJSON, Compression: encoding.CompressionNone}
	}

	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &SinkWorker{
		config: config,
		queue:  make(chan db.ChangeEvent, config.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// MessageID is the broker deduplication id of an event. It depends only on
// the instance, feed and sequence, so a replay after restart yields the same id.
func MessageID(instanceID, feed string, seq int64) string {
	h := xxhash.Sum64String(instanceID + "/" + feed + "/" + strconv.FormatInt(seq, 10))
	return strconv.FormatUint(h, 16)
}

// Send implements notify.Transport. It never fails; a full queue drops the
// event and counts it.
func (w *SinkWorker) Send(_ context.Context, ev db.ChangeEvent) error {
	if !w.config.Filter.Match(ev.Key) {
		telemetry.SinkPublishTotal.With(w.config.Name, "filtered").Inc()
		return nil
	}

	select {
	case w.queue <- ev:
	default:
		if w.dropped.Add(1) == 1 {
			log.Warn().
				Str("sink", w.config.Name).
				Int("queue_size", w.config.QueueSize).
				Msg("Sink queue full, dropping events")
		}
		telemetry.SinkPublishTotal.With(w.config.Name, "dropped").Inc()
	}
	return nil
}

// Close implements notify.Transport. The worker outlives its subscription;
// use Stop to shut it down.
func (w *SinkWorker) Close() error {
	return nil
}

// Start starts the publishing goroutine
func (w *SinkWorker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("sink", w.config.Name).
		Str("feed", w.config.Feed).
		Str("topic", w.config.Topic).
		Msg("Starting sink worker")

	go w.publishLoop()
}

// Stop stops the worker and closes the sink. Events still queued are discarded.
func (w *SinkWorker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	close(w.stopCh)
	<-w.doneCh // Wait for goroutine to finish
	w.running.Store(false)

	if err := w.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Str("sink", w.config.Name).Msg("Failed to close sink")
	}

	log.Info().
		Str("sink", w.config.Name).
		Uint64("published", w.published.Load()).
		Uint64("failed", w.failed.Load()).
		Uint64("dropped", w.dropped.Load()).
		Int("discarded", len(w.queue)).
		Msg("Sink worker stopped")
}

// Stats returns published, failed and dropped counts
func (w *SinkWorker) Stats() (published, failed, dropped uint64) {
	return w.published.Load(), w.failed.Load(), w.dropped.Load()
}

func (w *SinkWorker) publishLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev := <-w.queue:
			if err := w.processEvent(ev); err != nil {
				w.failed.Add(1)
				telemetry.SinkPublishTotal.With(w.config.Name, "failed").Inc()
				log.Error().
					Err(err).
					Str("sink", w.config.Name).
					Int64("seq", ev.Seq).
					Msg("Failed to publish event")
				continue
			}
			w.published.Add(1)
			telemetry.SinkPublishTotal.With(w.config.Name, "success").Inc()
		}
	}
}

func (w *SinkWorker) processEvent(ev db.ChangeEvent) error {
	value, err := w.config.Codec.Marshal(ev.Message)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	rec := Record{
		Topic: w.config.Topic,
		Key:   ev.Key,
		Value: value,
		Headers: map[string]string{
			HeaderMsgID:       MessageID(w.config.InstanceID, w.config.Feed, ev.Seq),
			HeaderContentType: w.config.Codec.ContentType(),
			HeaderFeed:        w.config.Feed,
			HeaderSeq:         strconv.FormatInt(ev.Seq, 10),
		},
	}
	if w.config.Codec.Compression == encoding.CompressionZstd {
		rec.Headers["Content-Encoding"] = "zstd"
	}

	return w.publishWithRetry(rec)
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *SinkWorker) publishWithRetry(rec Record) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultPublishTimeout)
		err := w.config.Sink.Publish(ctx, rec)
		cancel()
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, rec.Topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", rec.Topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *SinkWorker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
