package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Table names written by the collector
const (
	PositionsTable = "fleet_positions"
	JourneysTable  = "ship_journeys"
	WaypointsTable = "waypoints"
)

// schemaStatements bootstraps the collector tables for local runs and tests.
// The collector owns these tables in production.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS fleet_positions (
		ship_symbol TEXT NOT NULL,
		x REAL,
		y REAL,
		t INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fleet_positions_ship_t ON fleet_positions (ship_symbol, t)`,
	`CREATE TABLE IF NOT EXISTS waypoints (
		symbol TEXT PRIMARY KEY,
		system_symbol TEXT,
		type TEXT,
		x REAL,
		y REAL
	)`,
	`CREATE TABLE IF NOT EXISTS ship_journeys (
		id INTEGER PRIMARY KEY,
		ship_symbol TEXT NOT NULL,
		origin_symbol TEXT,
		destination_symbol TEXT,
		departure_time TEXT,
		arrival_time TEXT,
		flight_mode TEXT
	)`,
}

// EnsureSchema creates the collector tables when missing
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}
