package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/fleetrelay/db"
	"github.com/maxpert/fleetrelay/notify"
	"github.com/maxpert/fleetrelay/telemetry"
)

// Poller serves one subscriber on its own: it primes it with the snapshot and
// then polls the source from the subscriber's private watermark.
type Poller struct {
	feed          string
	source        db.ChangeSource
	sub           *notify.Subscriber
	interval      time.Duration
	errorCooldown time.Duration
}

// NewPoller creates a per-connection poller
func NewPoller(feed string, source db.ChangeSource, sub *notify.Subscriber, interval, errorCooldown time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if errorCooldown <= 0 {
		errorCooldown = DefaultErrorCooldown
	}
	return &Poller{
		feed:          feed,
		source:        source,
		sub:           sub,
		interval:      interval,
		errorCooldown: errorCooldown,
	}
}

// Run polls until ctx ends, the subscriber closes, or a send fails. Store
// errors are logged and retried after the cooldown. The snapshot must already
// have been sent through the subscriber's Prime.
func (p *Poller) Run(ctx context.Context) error {
	delay := p.interval
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-p.sub.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		delay = p.interval
		batch, err := p.source.DeltaSince(ctx, p.sub.Watermark())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().
				Err(err).
				Str("feed", p.feed).
				Str("subscriber", p.sub.ID()).
				Dur("cooldown", p.errorCooldown).
				Msg("Poll failed, cooling down")
			telemetry.PollTicksTotal.With(p.feed, TickError.String()).Inc()
			delay = p.errorCooldown
			continue
		}

		if len(batch) == 0 {
			telemetry.PollTicksTotal.With(p.feed, TickEmpty.String()).Inc()
			continue
		}

		n, err := p.sub.Deliver(ctx, batch)
		telemetry.PollTicksTotal.With(p.feed, TickDelivered.String()).Inc()
		telemetry.DeltaRows.With(p.feed).Observe(float64(len(batch)))
		telemetry.EventsDeliveredTotal.With(p.feed, "incremental").Add(float64(n))
		if err != nil {
			telemetry.SendFailuresTotal.With(p.feed).Inc()
			return fmt.Errorf("deliver to %s: %w", p.sub.ID(), err)
		}
	}
}
