package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/fleetrelay/cfg"
	"github.com/maxpert/fleetrelay/db"
	"github.com/maxpert/fleetrelay/notify"
	"github.com/maxpert/fleetrelay/telemetry"
)

// ErrFeedNotRunning is returned by Attach on a shared feed whose notifier is stopped
var ErrFeedNotRunning = errors.New("feed is not running")

// FeedStatus is the externally visible state of a feed
type FeedStatus struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Strategy    string `json:"strategy"`
	Policy      string `json:"snapshot_policy"`
	Path        string `json:"path"`
	Watermark   int64  `json:"watermark"`
	Fingerprint int64  `json:"fingerprint"`
	Connections int    `json:"connections"`
}

// Feed binds a change source to a delivery strategy
type Feed struct {
	config   cfg.FeedConfiguration
	source   db.ChangeSource
	hub      *notify.Hub
	notifier *Notifier // nil for per-connection feeds
	now      func() time.Time
}

// NewFeed creates a feed. Shared feeds get their notifier here; it starts on Start.
func NewFeed(config cfg.FeedConfiguration, source db.ChangeSource) (*Feed, error) {
	if source == nil {
		return nil, fmt.Errorf("feed %s: change source is required", config.Name)
	}

	f := &Feed{
		config: config,
		source: source,
		hub:    notify.NewHub(config.Name),
		now:    time.Now,
	}

	if config.Strategy != cfg.StrategyPerConnection {
		notifier, err := NewNotifier(NotifierConfig{
			Feed:          config.Name,
			Source:        source,
			Hub:           f.hub,
			PollInterval:  config.PollInterval(),
			ErrorCooldown: config.ErrorCooldown(),
		})
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", config.Name, err)
		}
		f.notifier = notifier
	}

	return f, nil
}

// Name returns the feed name
func (f *Feed) Name() string {
	return f.config.Name
}

// Config returns the feed configuration
func (f *Feed) Config() cfg.FeedConfiguration {
	return f.config
}

// Hub returns the feed's connection registry
func (f *Feed) Hub() *notify.Hub {
	return f.hub
}

// Notifier returns the shared poll loop, nil for per-connection feeds
func (f *Feed) Notifier() *Notifier {
	return f.notifier
}

// Start starts the shared notifier. Per-connection feeds have nothing to start.
func (f *Feed) Start(ctx context.Context) error {
	if f.notifier == nil {
		return nil
	}
	return f.notifier.Start(ctx)
}

// Stop stops polling and closes every attached subscriber
func (f *Feed) Stop() {
	if f.notifier != nil {
		f.notifier.Stop()
	}
	f.hub.CloseAll()
}

// Attach serves sub until ctx ends, the subscriber is closed or a send fails:
// the snapshot first, then every event above the snapshot baseline in
// ascending order. The subscriber is unregistered and closed on return.
func (f *Feed) Attach(ctx context.Context, sub *notify.Subscriber) error {
	defer f.detach(sub)

	if f.notifier != nil && !f.notifier.Running() {
		return ErrFeedNotRunning
	}

	// Registration happens under the subscriber's send lock, before the
	// snapshot is read, so no committed row falls between the two phases.
	sent, err := sub.Prime(ctx, func(ctx context.Context) (db.Snapshot, error) {
		if err := f.hub.Register(sub); err != nil {
			return db.Snapshot{}, err
		}
		return f.snapshot(ctx)
	})
	telemetry.EventsDeliveredTotal.With(f.config.Name, "snapshot").Add(float64(sent))
	if err != nil {
		return fmt.Errorf("prime %s: %w", sub.ID(), err)
	}

	log.Debug().
		Str("feed", f.config.Name).
		Str("subscriber", sub.ID()).
		Int("snapshot", sent).
		Int64("baseline", sub.Watermark()).
		Msg("Subscriber attached")

	if f.notifier == nil {
		poller := NewPoller(f.config.Name, f.source, sub, f.config.PollInterval(), f.config.ErrorCooldown())
		return poller.Run(ctx)
	}

	select {
	case <-ctx.Done():
	case <-sub.Done():
	}
	return nil
}

func (f *Feed) detach(sub *notify.Subscriber) {
	if f.hub.Unregister(sub) {
		log.Debug().
			Str("feed", f.config.Name).
			Str("subscriber", sub.ID()).
			Int64("watermark", sub.Watermark()).
			Msg("Subscriber detached")
	}
	_ = sub.Close()
}

func (f *Feed) snapshot(ctx context.Context) (db.Snapshot, error) {
	snap, err := f.source.Snapshot(ctx, f.now())
	if err != nil {
		telemetry.SnapshotsTotal.With(f.config.Name, "failed").Inc()
		return db.Snapshot{}, err
	}

	telemetry.SnapshotsTotal.With(f.config.Name, "success").Inc()
	telemetry.SnapshotRows.With(f.config.Name).Observe(float64(len(snap.Events)))
	return snap, nil
}

// Status reports the feed state. Per-connection feeds report the highest
// watermark among their subscribers.
func (f *Feed) Status(ctx context.Context) FeedStatus {
	st := FeedStatus{
		Name:        f.config.Name,
		Kind:        string(f.config.Kind),
		Strategy:    string(f.config.Strategy),
		Policy:      f.source.Policy().String(),
		Path:        f.config.Path,
		Connections: f.hub.Len(),
	}

	if f.notifier != nil {
		st.Watermark = f.notifier.Watermark()
		st.Fingerprint = f.notifier.Fingerprint()
		return st
	}

	for _, sub := range f.hub.Subscribers() {
		if wm := sub.Watermark(); wm > st.Watermark {
			st.Watermark = wm
		}
	}
	if fp, err := f.source.Fingerprint(ctx); err == nil {
		st.Fingerprint = fp
	}
	return st
}
