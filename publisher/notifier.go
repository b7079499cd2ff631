package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/fleetrelay/db"
	"github.com/maxpert/fleetrelay/notify"
	"github.com/maxpert/fleetrelay/telemetry"
)

const (
	// DefaultPollInterval between poll ticks
	DefaultPollInterval = 200 * time.Millisecond
	// DefaultErrorCooldown after a failed tick
	DefaultErrorCooldown = time.Second
)

// TickOutcome describes what one poll tick did
type TickOutcome int

const (
	// TickIdle means the fingerprint was unchanged and nothing was fetched
	TickIdle TickOutcome = iota
	// TickEmpty means the fingerprint moved but no new rows were visible
	TickEmpty
	// TickDelivered means a batch was broadcast and the watermark advanced
	TickDelivered
	// TickError means the fingerprint read or delta fetch failed
	TickError
)

func (o TickOutcome) String() string {
	switch o {
	case TickIdle:
		return "idle"
	case TickEmpty:
		return "empty"
	case TickDelivered:
		return "delivered"
	case TickError:
		return "error"
	default:
		return "unknown"
	}
}

// NotifierConfig configures the shared poll loop of a feed
type NotifierConfig struct {
	Feed          string          // Feed name (logs and metrics)
	Source        db.ChangeSource // Store to poll
	Hub           *notify.Hub     // Subscribers to fan out to
	PollInterval  time.Duration   // Delay between ticks
	ErrorCooldown time.Duration   // Delay after a failed tick
}

// Notifier is the single watermark advancer of a shared feed. It polls the
// source, and broadcasts each non-empty delta to the hub as one ordered batch.
type Notifier struct {
	config    NotifierConfig
	watermark *notify.Watermark

	// Touched only by the loop goroutine (or a test driving Tick directly)
	lastFingerprint int64
	hasFingerprint  bool

	fingerprint atomic.Int64 // Last fingerprint seen, for status
	ticks       atomic.Uint64

	cancel      context.CancelFunc
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewNotifier creates a notifier. The watermark is set on Start.
func NewNotifier(config NotifierConfig) (*Notifier, error) {
	if config.Feed == "" {
		return nil, fmt.Errorf("feed name is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("change source is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}

	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ErrorCooldown <= 0 {
		config.ErrorCooldown = DefaultErrorCooldown
	}

	return &Notifier{
		config:    config,
		watermark: notify.NewWatermark(0),
	}, nil
}

// Start anchors the watermark at the current maximum sequence and starts the
// poll loop. History before Start is never broadcast; subscribers get it from
// their snapshot. Starting a running notifier is a no-op.
func (n *Notifier) Start(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if n.running.Load() {
		return nil
	}

	start, err := n.config.Source.MaxSeq(ctx)
	if err != nil {
		return fmt.Errorf("read initial watermark of %s: %w", n.config.Feed, err)
	}
	n.watermark.Advance(start)
	telemetry.FeedWatermark.With(n.config.Feed).Set(float64(n.watermark.Load()))

	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.stopCh = make(chan struct{})
	n.doneCh = make(chan struct{})
	n.running.Store(true)

	log.Info().
		Str("feed", n.config.Feed).
		Int64("watermark", n.watermark.Load()).
		Dur("interval", n.config.PollInterval).
		Msg("Starting feed notifier")

	go n.pollLoop(loopCtx)
	return nil
}

// Stop stops the loop and waits for the in-flight tick to finish
func (n *Notifier) Stop() {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if !n.running.Load() {
		return
	}

	close(n.stopCh)
	n.cancel()
	<-n.doneCh
	n.running.Store(false)

	log.Info().Str("feed", n.config.Feed).Msg("Feed notifier stopped")
}

// Running reports whether the loop is active
func (n *Notifier) Running() bool {
	return n.running.Load()
}

// Watermark returns the highest sequence broadcast so far
func (n *Notifier) Watermark() int64 {
	return n.watermark.Load()
}

// Fingerprint returns the last fingerprint read
func (n *Notifier) Fingerprint() int64 {
	return n.fingerprint.Load()
}

// Ticks returns the number of completed ticks
func (n *Notifier) Ticks() uint64 {
	return n.ticks.Load()
}

func (n *Notifier) pollLoop(ctx context.Context) {
	defer close(n.doneCh)

	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		outcome, err := n.Tick(ctx)
		delay := n.config.PollInterval
		if outcome == TickError {
			if ctx.Err() != nil {
				return
			}
			log.Warn().
				Err(err).
				Str("feed", n.config.Feed).
				Int64("watermark", n.watermark.Load()).
				Dur("cooldown", n.config.ErrorCooldown).
				Msg("Poll failed, cooling down")
			delay = n.config.ErrorCooldown
		}

		if !n.sleep(delay) {
			return
		}
	}
}

// Tick runs one poll step. It must not run concurrently with itself; the
// loop started by Start is its only caller outside tests.
func (n *Notifier) Tick(ctx context.Context) (TickOutcome, error) {
	started := time.Now()
	outcome, err := n.tick(ctx)

	n.ticks.Add(1)
	telemetry.PollTicksTotal.With(n.config.Feed, outcome.String()).Inc()
	telemetry.PollDurationSeconds.With(n.config.Feed).Observe(time.Since(started).Seconds())
	return outcome, err
}

func (n *Notifier) tick(ctx context.Context) (TickOutcome, error) {
	fp, err := n.config.Source.Fingerprint(ctx)
	if err != nil {
		return TickError, fmt.Errorf("read fingerprint: %w", err)
	}
	n.fingerprint.Store(fp)

	if n.hasFingerprint && fp == n.lastFingerprint {
		return TickIdle, nil
	}

	batch, err := n.config.Source.DeltaSince(ctx, n.watermark.Load())
	if err != nil {
		// Forget the fingerprint so the next tick fetches again
		n.hasFingerprint = false
		return TickError, fmt.Errorf("fetch delta: %w", err)
	}
	n.lastFingerprint = fp
	n.hasFingerprint = true

	if len(batch) == 0 {
		return TickEmpty, nil
	}

	res := n.config.Hub.Broadcast(ctx, batch)

	high := n.watermark.Load()
	for _, ev := range batch {
		if ev.Seq > high {
			high = ev.Seq
		}
	}
	n.watermark.Advance(high)

	telemetry.DeltaRows.With(n.config.Feed).Observe(float64(len(batch)))
	telemetry.EventsDeliveredTotal.With(n.config.Feed, "incremental").Add(float64(res.Delivered))
	telemetry.SendFailuresTotal.With(n.config.Feed).Add(float64(res.Removed))
	telemetry.FeedWatermark.With(n.config.Feed).Set(float64(high))

	log.Debug().
		Str("feed", n.config.Feed).
		Int("rows", len(batch)).
		Int("subscribers", res.Subscribers).
		Int("removed", res.Removed).
		Int64("watermark", high).
		Msg("Broadcast delta")

	return TickDelivered, nil
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (n *Notifier) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-n.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
