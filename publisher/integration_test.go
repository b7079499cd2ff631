package publisher

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/fleetrelay/cfg"
	"github.com/maxpert/fleetrelay/db"
	"github.com/maxpert/fleetrelay/notify"
)

func openFleetDB(t *testing.T) (*db.Store, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.db")
	store, err := db.Open(context.Background(), path, db.Options{CreateSchema: true})
	require.NoError(t, err)

	producer, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)

	t.Cleanup(func() {
		producer.Close()
		store.Close()
	})
	return store, producer
}

func writePosition(t *testing.T, producer *sql.DB, ship string, x, y float64, ts int64) {
	t.Helper()
	_, err := producer.Exec(
		`INSERT INTO fleet_positions (ship_symbol, x, y, t, updated_at) VALUES (?, ?, ?, ?, ?)`,
		ship, x, y, ts, ts)
	require.NoError(t, err)
}

func TestSharedFeedOverSQLite(t *testing.T) {
	store, producer := openFleetDB(t)
	writePosition(t, producer, "TROOTS-1", 0, 0, 1)
	writePosition(t, producer, "TROOTS-1", 1, 1, 3)
	writePosition(t, producer, "TROOTS-2", 5, 5, 2)

	f, err := NewFeed(feedConfig(cfg.StrategyShared), db.NewPositionSource(store))
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	tr := newChanTransport()
	errCh := attach(ctx, f, notify.NewSubscriber("c1", tr))

	snapshot := receive(t, tr, 2)
	assert.ElementsMatch(t, []any{
		db.PositionMessage{Key: "TROOTS-1", X: 1, Y: 1, T: 3},
		db.PositionMessage{Key: "TROOTS-2", X: 5, Y: 5, T: 2},
	}, snapshot)

	writePosition(t, producer, "TROOTS-2", 6, 6, 4)
	writePosition(t, producer, "TROOTS-1", 2, 2, 5)
	assert.Equal(t, []any{
		db.PositionMessage{Key: "TROOTS-2", X: 6, Y: 6, T: 4},
		db.PositionMessage{Key: "TROOTS-1", X: 2, Y: 2, T: 5},
	}, receive(t, tr, 2))

	// Commit that adds no position row: fetch happens, nothing is sent
	_, err = producer.Exec(`INSERT INTO waypoints (symbol, x, y) VALUES ('X1', 1, 1)`)
	require.NoError(t, err)
	assertSilent(t, tr)

	require.Eventually(t, func() bool { return f.Notifier().Watermark() == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, errCh))
}

func TestPerConnectionFeedOverSQLite(t *testing.T) {
	store, producer := openFleetDB(t)
	writePosition(t, producer, "TROOTS-1", 0, 0, 1)

	f, err := NewFeed(feedConfig(cfg.StrategyPerConnection), db.NewPositionSource(store))
	require.NoError(t, err)
	defer f.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newChanTransport()
	errCh := attach(ctx, f, notify.NewSubscriber("c1", tr))
	assert.Equal(t, []any{db.PositionMessage{Key: "TROOTS-1", X: 0, Y: 0, T: 1}}, receive(t, tr, 1))

	writePosition(t, producer, "TROOTS-1", 1, 0, 2)
	assert.Equal(t, []any{db.PositionMessage{Key: "TROOTS-1", X: 1, Y: 0, T: 2}}, receive(t, tr, 1))

	cancel()
	require.NoError(t, waitErr(t, errCh))
}
