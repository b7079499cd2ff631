package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fleetrelay/db"
)

var dialect = goqu.Dialect("sqlite3")

// seedWaypoints are the journey endpoints the simulator flies between
var seedWaypoints = []string{"X1-SIM-A1", "X1-SIM-B2", "X1-SIM-C3", "X1-SIM-D4", "X1-SIM-E5"}

type Config struct {
	DBPath   string
	Ships    string
	Journeys bool
	MinDelay time.Duration
	MaxDelay time.Duration
	Jitter   float64

	// Derived
	shipList []string
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path cannot be empty")
	}

	c.shipList = c.shipList[:0]
	for _, s := range strings.Split(c.Ships, ",") {
		if s = strings.TrimSpace(s); s != "" {
			c.shipList = append(c.shipList, s)
		}
	}
	if len(c.shipList) == 0 {
		return fmt.Errorf("at least one ship is required")
	}

	if c.MinDelay <= 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("delays must satisfy 0 < min-delay <= max-delay")
	}

	if c.Jitter < 0 {
		return fmt.Errorf("jitter must be non-negative")
	}

	return nil
}

// Simulator appends synthetic collector rows: a random walk per ship and,
// optionally, journeys between seeded waypoints.
type Simulator struct {
	db  *sql.DB
	cfg *Config
	rng *rand.Rand
	now func() time.Time
}

func NewSimulator(conn *sql.DB, cfg *Config, seed int64) *Simulator {
	return &Simulator{
		db:  conn,
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

// Prepare creates the collector tables and seeds waypoints
func (s *Simulator) Prepare(ctx context.Context) error {
	if err := db.EnsureSchema(ctx, s.db); err != nil {
		return err
	}

	rows := make([]interface{}, 0, len(seedWaypoints))
	for _, sym := range seedWaypoints {
		rows = append(rows, goqu.Record{
			"symbol":        sym,
			"system_symbol": "X1-SIM",
			"type":          "PLANET",
			"x":             s.uniform(-300, 300),
			"y":             s.uniform(-300, 300),
		})
	}

	query, args, err := dialect.Insert(db.WaypointsTable).
		Rows(rows...).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build waypoint insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("seed waypoints: %w", err)
	}
	return nil
}

// StepPosition moves ship by up to jitter on each axis from its latest
// position, or drops it somewhere new when it has none.
func (s *Simulator) StepPosition(ctx context.Context, ship string) (db.PositionMessage, error) {
	query, args, err := dialect.From(db.PositionsTable).
		Select("x", "y").
		Where(goqu.C("ship_symbol").Eq(ship)).
		Order(goqu.C("t").Desc(), goqu.L("rowid").Desc()).
		Limit(1).
		Prepared(true).
		ToSQL()
	if err != nil {
		return db.PositionMessage{}, fmt.Errorf("build latest position query: %w", err)
	}

	var x, y sql.NullFloat64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&x, &y)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return db.PositionMessage{}, fmt.Errorf("read latest position of %s: %w", ship, err)
	}

	msg := db.PositionMessage{Key: ship, T: s.now().Unix()}
	if x.Valid && y.Valid {
		msg.X, msg.Y = x.Float64, y.Float64
	} else {
		msg.X, msg.Y = s.uniform(20, 200), s.uniform(20, 200)
	}
	msg.X += s.uniform(-s.cfg.Jitter, s.cfg.Jitter)
	msg.Y += s.uniform(-s.cfg.Jitter, s.cfg.Jitter)

	insert, args, err := dialect.Insert(db.PositionsTable).
		Rows(goqu.Record{
			"ship_symbol": ship,
			"x":           msg.X,
			"y":           msg.Y,
			"t":           msg.T,
			"updated_at":  msg.T,
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return db.PositionMessage{}, fmt.Errorf("build position insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insert, args...); err != nil {
		return db.PositionMessage{}, fmt.Errorf("append position of %s: %w", ship, err)
	}
	return msg, nil
}

// StartJourney records a journey of ship departing now and arriving 30 to
// 120 seconds later, between two distinct waypoints.
func (s *Simulator) StartJourney(ctx context.Context, ship string) error {
	i := s.rng.Intn(len(seedWaypoints))
	j := (i + 1 + s.rng.Intn(len(seedWaypoints)-1)) % len(seedWaypoints)

	departure := s.now().UTC()
	arrival := departure.Add(time.Duration(30+s.rng.Intn(91)) * time.Second)

	query, args, err := dialect.Insert(db.JourneysTable).
		Rows(goqu.Record{
			"ship_symbol":        ship,
			"origin_symbol":      seedWaypoints[i],
			"destination_symbol": seedWaypoints[j],
			"departure_time":     departure.Format(time.RFC3339),
			"arrival_time":       arrival.Format(time.RFC3339),
			"flight_mode":        "CRUISE",
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build journey insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append journey of %s: %w", ship, err)
	}
	return nil
}

// Run appends rows until ctx is done
func (s *Simulator) Run(ctx context.Context) error {
	for {
		ship := s.cfg.shipList[s.rng.Intn(len(s.cfg.shipList))]

		msg, err := s.StepPosition(ctx, ship)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Debug().Str("ship", ship).Float64("x", msg.X).Float64("y", msg.Y).Msg("Moved")

		if s.cfg.Journeys && s.rng.Intn(5) == 0 {
			if err := s.StartJourney(ctx, ship); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			log.Debug().Str("ship", ship).Msg("Journey started")
		}

		delay := s.cfg.MinDelay
		if span := s.cfg.MaxDelay - s.cfg.MinDelay; span > 0 {
			delay += time.Duration(s.rng.Int63n(int64(span)))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}
