package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/fleetrelay/api"
	"github.com/maxpert/fleetrelay/cfg"
	"github.com/maxpert/fleetrelay/db"
	"github.com/maxpert/fleetrelay/publisher"
	_ "github.com/maxpert/fleetrelay/publisher/sink"
	"github.com/maxpert/fleetrelay/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Fleetrelay - SQLite change feed relay")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The store must be readable before anything listens
	store, err := db.Open(ctx, cfg.Config.DBPath, db.Options{
		BusyTimeout:  time.Duration(cfg.Config.BusyTimeoutMS) * time.Millisecond,
		CreateSchema: cfg.Config.CreateSchema,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Config.DBPath).Msg("Failed to open store")
		return
	}
	defer store.Close()

	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
		Sources:     publisher.StoreSources(store),
		InstanceID:  cfg.Config.InstanceID,
		FeedConfigs: cfg.Config.Feeds,
		SinkConfigs: cfg.Config.Sinks,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize feed registry")
		return
	}

	if err := registry.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start feed registry")
		return
	}
	defer registry.Stop()

	collector := telemetry.NewMetricsCollector(registry, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	server, err := api.NewServer(cfg.Config.Server, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize HTTP server")
		return
	}
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
		return
	}

	log.Info().
		Str("db_path", cfg.Config.DBPath).
		Int("feeds", len(cfg.Config.Feeds)).
		Int("sinks", len(cfg.Config.Sinks)).
		Msg("Relay ready")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	// Deferred: collector, registry (closes websockets and sinks), then store
}
