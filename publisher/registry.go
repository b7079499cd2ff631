package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/fleetrelay/cfg"
	"github.com/maxpert/fleetrelay/db"
	"github.com/maxpert/fleetrelay/encoding"
	"github.com/maxpert/fleetrelay/notify"
	"github.com/maxpert/fleetrelay/telemetry"
)

// SourceFactory builds the change source of a feed kind
type SourceFactory func(kind cfg.FeedKind) (db.ChangeSource, error)

// StoreSources returns a SourceFactory reading from store
func StoreSources(store *db.Store) SourceFactory {
	return func(kind cfg.FeedKind) (db.ChangeSource, error) {
		switch kind {
		case cfg.FeedPosition:
			return db.NewPositionSource(store), nil
		case cfg.FeedJourney:
			return db.NewJourneySource(store), nil
		default:
			return nil, fmt.Errorf("unknown feed kind: %s", kind)
		}
	}
}

// RegistryConfig configures the feed registry
type RegistryConfig struct {
	Sources     SourceFactory           // Builds one source per feed
	InstanceID  string                  // Folded into sink message ids
	FeedConfigs []cfg.FeedConfiguration // From config
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry manages the lifecycle of all feeds and their broker sinks
type Registry struct {
	instanceID string
	feeds      []*Feed
	byName     map[string]*Feed
	workers    []*SinkWorker

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates feeds and sinks. Nothing polls until Start.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Sources == nil {
		return nil, fmt.Errorf("source factory is required")
	}
	if len(config.FeedConfigs) == 0 {
		return nil, fmt.Errorf("at least one feed is required")
	}

	registry := &Registry{
		instanceID: config.InstanceID,
		feeds:      make([]*Feed, 0, len(config.FeedConfigs)),
		byName:     make(map[string]*Feed, len(config.FeedConfigs)),
	}

	for _, feedCfg := range config.FeedConfigs {
		source, err := config.Sources(feedCfg.Kind)
		if err != nil {
			return nil, fmt.Errorf("failed to create source for feed %q: %w", feedCfg.Name, err)
		}
		feed, err := NewFeed(feedCfg, source)
		if err != nil {
			return nil, err
		}
		registry.feeds = append(registry.feeds, feed)
		registry.byName[feedCfg.Name] = feed
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			// Cleanup on error: close every sink created so far
			for _, w := range registry.workers {
				_ = w.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("feeds", len(registry.feeds)).
		Int("sinks", len(registry.workers)).
		Msg("Feed registry initialized")

	return registry, nil
}

// AddSink creates a worker for the given sink configuration. Must be called
// before Start.
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}
	if _, ok := r.byName[config.Feed]; !ok {
		return fmt.Errorf("unknown feed: %s", config.Feed)
	}

	codec, err := encoding.NewCodec(config.Format, config.Compression)
	if err != nil {
		return fmt.Errorf("failed to create codec: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterKeys)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	worker, err := NewSinkWorker(SinkWorkerConfig{
		Name:       config.Name,
		Feed:       config.Feed,
		Topic:      config.Topic,
		InstanceID: r.instanceID,
		Sink:       snk,
		Codec:      codec,
		Filter:     filter,
		QueueSize:  config.BatchSize * 16,
	})
	if err != nil {
		_ = snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("feed", config.Feed).
		Str("format", string(codec.Format)).
		Str("compression", string(codec.Compression)).
		Msg("Added feed sink")

	return nil
}

// Start starts every feed, then attaches sinks as permanent subscribers
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	for i, feed := range r.feeds {
		if err := feed.Start(ctx); err != nil {
			for _, started := range r.feeds[:i] {
				started.Stop()
			}
			return fmt.Errorf("failed to start feed %q: %w", feed.Name(), err)
		}
	}

	attachCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	for _, w := range r.workers {
		w.Start()
		feed := r.byName[w.config.Feed]
		sub := notify.NewSubscriber("sink:"+w.config.Name, w)

		r.wg.Add(1)
		go func(feed *Feed, sub *notify.Subscriber) {
			defer r.wg.Done()
			if err := feed.Attach(attachCtx, sub); err != nil && attachCtx.Err() == nil {
				log.Error().Err(err).Str("feed", feed.Name()).Str("subscriber", sub.ID()).Msg("Sink detached")
			}
		}(feed, sub)
	}

	r.running.Store(true)
	log.Info().Int("feeds", len(r.feeds)).Int("sinks", len(r.workers)).Msg("Feed registry started")
	return nil
}

// Stop stops polling, detaches every subscriber and closes the sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	log.Info().Msg("Stopping feed registry")

	r.cancel()
	for _, feed := range r.feeds {
		feed.Stop()
	}
	r.wg.Wait()

	for _, w := range r.workers {
		w.Stop()
	}

	log.Info().Msg("Feed registry stopped")
}

// Feeds returns every feed in configuration order
func (r *Registry) Feeds() []*Feed {
	return r.feeds
}

// Feed looks up a feed by name
func (r *Registry) Feed(name string) (*Feed, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// Statuses returns the status of every feed
func (r *Registry) Statuses(ctx context.Context) []FeedStatus {
	out := make([]FeedStatus, 0, len(r.feeds))
	for _, f := range r.feeds {
		out = append(out, f.Status(ctx))
	}
	return out
}

// FeedStats implements telemetry.FeedStatsProvider
func (r *Registry) FeedStats() []telemetry.FeedStats {
	out := make([]telemetry.FeedStats, 0, len(r.feeds))
	for _, st := range r.Statuses(context.Background()) {
		out = append(out, telemetry.FeedStats{
			Name:        st.Name,
			Connections: st.Connections,
			Watermark:   st.Watermark,
		})
	}
	return out
}

// NewSinkFromConfig creates a sink through the factory registered for config.Type
func NewSinkFromConfig(config cfg.SinkConfiguration) (Sink, error) {
	return createSink(config)
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}
