package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// FeedKind selects the change source and snapshot policy of a feed
type FeedKind string

const (
	FeedPosition FeedKind = "position" // Latest position per ship, snapshot = latest-per-key
	FeedJourney  FeedKind = "journey"  // In-progress journeys, snapshot = currently-open-interval
)

// DeliveryStrategy selects how a feed turns store changes into per-connection events
type DeliveryStrategy string

const (
	StrategyShared        DeliveryStrategy = "shared"         // One notifier loop fans out to all connections
	StrategyPerConnection DeliveryStrategy = "per_connection" // Each connection polls with its own watermark
)

// ServerConfiguration controls the HTTP / websocket listener
type ServerConfiguration struct {
	BindAddress    string   `toml:"bind_address"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`  // Empty = accept any origin
	WriteTimeoutMS int      `toml:"write_timeout_ms"` // 0 = no send deadline
}

// FeedConfiguration describes one subscribable feed
type FeedConfiguration struct {
	Name            string           `toml:"name"`
	Kind            FeedKind         `toml:"kind"`
	Path            string           `toml:"path"`
	Strategy        DeliveryStrategy `toml:"strategy"`
	PollIntervalMS  int              `toml:"poll_interval_ms"`
	PollHz          float64          `toml:"poll_hz"` // Overrides poll_interval_ms when > 0
	ErrorCooldownMS int              `toml:"error_cooldown_ms"`
}

// PollInterval resolves the effective poll cadence of the feed
func (f FeedConfiguration) PollInterval() time.Duration {
	if f.PollHz > 0 {
		return time.Duration(float64(time.Second) / f.PollHz)
	}
	return time.Duration(f.PollIntervalMS) * time.Millisecond
}

// ErrorCooldown is the fixed delay after a failed poll
func (f FeedConfiguration) ErrorCooldown() time.Duration {
	return time.Duration(f.ErrorCooldownMS) * time.Millisecond
}

// SinkConfiguration mirrors a shared feed to an external broker
type SinkConfiguration struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"` // "nats" or "kafka"
	Feed        string   `toml:"feed"`
	Format      string   `toml:"format"`      // "json" or "msgpack"
	Compression string   `toml:"compression"` // "none" or "zstd"
	Topic       string   `toml:"topic"`
	NatsURL     string   `toml:"nats_url"`
	Brokers     []string `toml:"brokers"`
	BatchSize   int      `toml:"batch_size"`
	FilterKeys  []string `toml:"filter_keys"` // Glob patterns over entity keys
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID    string `toml:"instance_id"`
	DBPath        string `toml:"db_path"`
	CreateSchema  bool   `toml:"create_schema"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`

	Server     ServerConfiguration     `toml:"server"`
	Feeds      []FeedConfiguration     `toml:"feeds"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DBPathFlag     = flag.String("db-path", "", "SQLite database path (overrides config and DB_PATH)")
	PortFlag       = flag.Int("port", 0, "HTTP port (overrides config)")
	PollMSFlag     = flag.Int("poll-ms", 0, "Poll interval in ms for every feed (overrides config and POLL_MS)")
)

// Environment overrides
const (
	EnvDBPath = "DB_PATH"
	EnvPollMS = "POLL_MS"
)

// Default returns the built-in configuration
func Default() *Configuration {
	return &Configuration{
		DBPath:        "fleet.db",
		CreateSchema:  false,
		BusyTimeoutMS: 5000,

		Server: ServerConfiguration{
			BindAddress:    "0.0.0.0",
			Port:           8001,
			AllowedOrigins: []string{},
			WriteTimeoutMS: 0,
		},

		Feeds: []FeedConfiguration{
			{
				Name:            "fleet",
				Kind:            FeedPosition,
				Path:            "/ws/fleet",
				Strategy:        StrategyShared,
				PollIntervalMS:  50,
				ErrorCooldownMS: 1000,
			},
			{
				Name:            "journeys",
				Kind:            FeedJourney,
				Path:            "/ws/journeys",
				Strategy:        StrategyShared,
				PollIntervalMS:  200,
				ErrorCooldownMS: 1000,
			},
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Config is the process-wide configuration, populated by Load
var Config = Default()

// Load loads configuration from file and applies environment and CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			// Feeds listed in the file replace the defaults instead of merging into them
			fileCfg := Default()
			fileCfg.Feeds = nil
			if _, err := toml.DecodeFile(configPath, fileCfg); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
			if len(fileCfg.Feeds) == 0 {
				fileCfg.Feeds = Default().Feeds
			}
			Config = fileCfg
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if err := applyEnv(Config); err != nil {
		return err
	}

	if *DBPathFlag != "" {
		Config.DBPath = *DBPathFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}
	if *PollMSFlag != 0 {
		setPollInterval(Config, *PollMSFlag)
	}

	applyFeedDefaults(Config)

	if Config.InstanceID == "" {
		id, err := generateInstanceID()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to derive instance ID from machine ID, using hostname")
			id, _ = os.Hostname()
		}
		Config.InstanceID = id
		log.Debug().Str("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	return nil
}

// applyEnv applies DB_PATH and POLL_MS
func applyEnv(c *Configuration) error {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(EnvPollMS); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPollMS, v, err)
		}
		setPollInterval(c, ms)
	}
	return nil
}

func setPollInterval(c *Configuration, ms int) {
	for i := range c.Feeds {
		c.Feeds[i].PollIntervalMS = ms
		c.Feeds[i].PollHz = 0
	}
}

// applyFeedDefaults fills optional per-feed and per-sink fields
func applyFeedDefaults(c *Configuration) {
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.Strategy == "" {
			f.Strategy = StrategyShared
		}
		if f.Path == "" && f.Name != "" {
			f.Path = "/ws/" + f.Name
		}
		if f.PollIntervalMS == 0 && f.PollHz == 0 {
			f.PollIntervalMS = 200
		}
		if f.ErrorCooldownMS == 0 {
			f.ErrorCooldownMS = 1000
		}
	}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if s.Format == "" {
			s.Format = "json"
		}
		if s.Compression == "" {
			s.Compression = "none"
		}
		if s.Topic == "" {
			s.Topic = "fleetrelay." + s.Feed
		}
	}
}

// generateInstanceID creates a stable instance ID based on machine ID
func generateInstanceID() (string, error) {
	id, err := machineid.ProtectedID("fleetrelay")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks a configuration for errors
func (c *Configuration) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}

	if c.BusyTimeoutMS < 0 {
		return fmt.Errorf("busy timeout must be >= 0")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.WriteTimeoutMS < 0 {
		return fmt.Errorf("server write timeout must be >= 0")
	}

	if len(c.Feeds) == 0 {
		return fmt.Errorf("at least one feed must be configured")
	}

	names := make(map[string]FeedConfiguration, len(c.Feeds))
	paths := make(map[string]bool, len(c.Feeds))
	for _, f := range c.Feeds {
		if f.Name == "" {
			return fmt.Errorf("feed name is required")
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("duplicate feed name: %s", f.Name)
		}
		names[f.Name] = f

		if !strings.HasPrefix(f.Path, "/") {
			return fmt.Errorf("feed %s: path must start with '/': %q", f.Name, f.Path)
		}
		if paths[f.Path] {
			return fmt.Errorf("duplicate feed path: %s", f.Path)
		}
		paths[f.Path] = true

		switch f.Kind {
		case FeedPosition, FeedJourney:
		default:
			return fmt.Errorf("feed %s: invalid kind: %q", f.Name, f.Kind)
		}

		switch f.Strategy {
		case StrategyShared, StrategyPerConnection:
		default:
			return fmt.Errorf("feed %s: invalid strategy: %q", f.Name, f.Strategy)
		}

		if f.PollHz < 0 {
			return fmt.Errorf("feed %s: poll_hz must be >= 0", f.Name)
		}
		if f.PollInterval() <= 0 {
			return fmt.Errorf("feed %s: poll interval must be > 0", f.Name)
		}
		if f.ErrorCooldownMS < 0 {
			return fmt.Errorf("feed %s: error cooldown must be >= 0", f.Name)
		}
	}

	sinkNames := make(map[string]bool, len(c.Sinks))
	for _, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if sinkNames[s.Name] {
			return fmt.Errorf("duplicate sink name: %s", s.Name)
		}
		sinkNames[s.Name] = true

		feed, ok := names[s.Feed]
		if !ok {
			return fmt.Errorf("sink %s: unknown feed: %q", s.Name, s.Feed)
		}
		if feed.Strategy != StrategyShared {
			return fmt.Errorf("sink %s: feed %s must use the shared strategy", s.Name, s.Feed)
		}

		switch s.Type {
		case "nats", "kafka":
		default:
			return fmt.Errorf("sink %s: invalid type: %q", s.Name, s.Type)
		}

		switch s.Format {
		case "json", "msgpack":
		default:
			return fmt.Errorf("sink %s: invalid format: %q", s.Name, s.Format)
		}

		switch s.Compression {
		case "none", "zstd":
		default:
			return fmt.Errorf("sink %s: invalid compression: %q", s.Name, s.Compression)
		}
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	return nil
}
