package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fleetrelay/cfg"
	"github.com/maxpert/fleetrelay/db"
)

func main() {
	conf := &Config{}
	fs := flag.NewFlagSet("simulator", flag.ExitOnError)

	var verbose bool
	fs.StringVar(&conf.DBPath, "db", envOr(cfg.EnvDBPath, "fleet.db"), "SQLite database path")
	fs.StringVar(&conf.Ships, "ships", "TROOTS-1,TROOTS-2,TROOTS-3", "Comma-separated ship symbols")
	fs.BoolVar(&conf.Journeys, "journeys", false, "Also append journeys between seeded waypoints")
	fs.DurationVar(&conf.MinDelay, "min-delay", 300*time.Millisecond, "Minimum delay between writes")
	fs.DurationVar(&conf.MaxDelay, "max-delay", 600*time.Millisecond, "Maximum delay between writes")
	fs.Float64Var(&conf.Jitter, "jitter", 8.0, "Maximum move per axis per step")
	fs.BoolVar(&verbose, "verbose", false, "Log every write")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := sql.Open(db.SQLiteDriverName, fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", conf.DBPath))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer conn.Close()

	sim := NewSimulator(conn, conf, time.Now().UnixNano())
	if err := sim.Prepare(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare database")
	}

	log.Info().
		Str("db", conf.DBPath).
		Strs("ships", conf.shipList).
		Bool("journeys", conf.Journeys).
		Msg("Simulating fleet, Ctrl+C to stop")

	if err := sim.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Simulation failed")
	}
	log.Info().Msg("Stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
