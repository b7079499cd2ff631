package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iso(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func insertJourney(t *testing.T, producer *sql.DB, ship, origin, dest, dep, arr, mode string) int64 {
	t.Helper()
	res, err := producer.Exec(`INSERT INTO ship_journeys
		(ship_symbol, origin_symbol, destination_symbol, departure_time, arrival_time, flight_mode)
		VALUES (?, ?, ?, ?, ?, ?)`, ship, origin, dest, dep, arr, mode)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func seedWaypoints(t *testing.T, producer *sql.DB) {
	t.Helper()
	_, err := producer.Exec(`INSERT INTO waypoints (symbol, system_symbol, type, x, y) VALUES
		('X1-A1', 'X1', 'PLANET', 10, 20),
		('X1-B2', 'X1', 'MOON', -5, 7)`)
	require.NoError(t, err)
}

func TestJourneySnapshot_OpenInterval(t *testing.T) {
	store, producer := newTestStore(t)
	seedWaypoints(t, producer)
	src := NewJourneySource(store)
	ctx := context.Background()

	id := insertJourney(t, producer, "TROOTS-1", "X1-A1", "X1-B2", iso(100), iso(200), "CRUISE")

	tests := []struct {
		now      int64
		included bool
	}{
		{now: 99, included: false},
		{now: 100, included: true},
		{now: 150, included: true},
		{now: 199, included: true},
		{now: 200, included: false},
	}

	for _, tt := range tests {
		snap, err := src.Snapshot(ctx, time.Unix(tt.now, 0))
		require.NoError(t, err)
		assert.Equal(t, id, snap.Baseline)
		if tt.included {
			require.Len(t, snap.Events, 1, "now=%d", tt.now)
			assert.Equal(t, id, snap.Events[0].Seq)
		} else {
			assert.Empty(t, snap.Events, "now=%d", tt.now)
		}
	}
	assert.Equal(t, OpenInterval, src.Policy())
}

func TestJourneyDelta_EnrichesWithWaypoints(t *testing.T) {
	store, producer := newTestStore(t)
	seedWaypoints(t, producer)
	src := NewJourneySource(store)

	id := insertJourney(t, producer, "TROOTS-1", "X1-A1", "X1-B2", iso(100), iso(200), "CRUISE")

	events, err := src.DeltaSince(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	msg, ok := events[0].Message.(JourneyMessage)
	require.True(t, ok)
	assert.Equal(t, JourneyEventType, msg.Type)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "TROOTS-1", msg.Key)
	assert.Equal(t, int64(100), msg.StartTS)
	assert.Equal(t, int64(200), msg.EndTS)
	assert.Equal(t, "CRUISE", msg.Mode)
	require.NotNil(t, msg.Origin.X)
	assert.Equal(t, 10.0, *msg.Origin.X)
	assert.Equal(t, 20.0, *msg.Origin.Y)
	assert.Equal(t, "X1-B2", *msg.Destination.Symbol)
	assert.Equal(t, -5.0, *msg.Destination.X)
	assert.Equal(t, int64(100), events[0].LogicalTime)
}

func TestJourneyDelta_MissingWaypointYieldsNulls(t *testing.T) {
	store, producer := newTestStore(t)
	seedWaypoints(t, producer)
	src := NewJourneySource(store)

	insertJourney(t, producer, "TROOTS-2", "X1-A1", "X1-UNKNOWN", iso(100), iso(200), "DRIFT")

	events, err := src.DeltaSince(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	msg := events[0].Message.(JourneyMessage)
	assert.NotNil(t, msg.Origin.X)
	assert.Equal(t, "X1-UNKNOWN", *msg.Destination.Symbol)
	assert.Nil(t, msg.Destination.X)
	assert.Nil(t, msg.Destination.Y)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "event", "id": 1, "key": "TROOTS-2", "start_ts": 100, "end_ts": 200,
		"origin": {"symbol": "X1-A1", "x": 10, "y": 20},
		"destination": {"symbol": "X1-UNKNOWN", "x": null, "y": null},
		"mode": "DRIFT"
	}`, string(raw))
}

func TestJourneyDelta_ExcludesUnparseableTimes(t *testing.T) {
	store, producer := newTestStore(t)
	src := NewJourneySource(store)
	ctx := context.Background()

	insertJourney(t, producer, "TROOTS-1", "X1-A1", "X1-B2", "yesterday", iso(200), "CRUISE")
	insertJourney(t, producer, "TROOTS-1", "X1-A1", "X1-B2", iso(100), "", "CRUISE")
	good := insertJourney(t, producer, "TROOTS-2", "X1-A1", "X1-B2", "1970-01-01 00:01:40", "1970-01-01T00:03:20+00:00", "BURN")

	events, err := src.DeltaSince(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{good}, seqs(events))

	snap, err := src.Snapshot(ctx, time.Unix(150, 0))
	require.NoError(t, err)
	assert.Equal(t, []int64{good}, seqs(snap.Events))
	assert.Equal(t, good, snap.Baseline)
}

func TestInterval_Contains(t *testing.T) {
	i := Interval{Start: 100, End: 200}
	assert.False(t, i.Contains(99))
	assert.True(t, i.Contains(100))
	assert.True(t, i.Contains(150))
	assert.False(t, i.Contains(200))
}
