package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
)

var dialect = goqu.Dialect("sqlite3")

// PositionMessage is the wire shape of the position feed
type PositionMessage struct {
	Key string  `json:"key" msgpack:"key"`
	X   float64 `json:"x" msgpack:"x"`
	Y   float64 `json:"y" msgpack:"y"`
	T   int64   `json:"t" msgpack:"t"`
}

// latestPositionsSQL selects the newest valid row per ship. Time is compared
// after normalization and malformed rows never compete, so a bad newest row
// falls back to the ship's last good one. Rows past the baseline are ignored
// so the snapshot never overtakes the watermark it hands out.
const latestPositionsSQL = `
SELECT fp.rowid, fp.ship_symbol, fp.x, fp.y, epoch_seconds(fp.t)
FROM fleet_positions fp
JOIN (
	SELECT ship_symbol, MAX(epoch_seconds(t)) AS mt
	FROM fleet_positions
	WHERE rowid <= ? AND x IS NOT NULL AND y IS NOT NULL AND epoch_seconds(t) IS NOT NULL
	GROUP BY ship_symbol
) last ON last.ship_symbol = fp.ship_symbol AND last.mt = epoch_seconds(fp.t)
WHERE fp.rowid <= ? AND fp.x IS NOT NULL AND fp.y IS NOT NULL
ORDER BY fp.rowid ASC`

// PositionSource reads the append-only fleet_positions table
type PositionSource struct {
	store *Store
}

// NewPositionSource creates the change source of the position feed
func NewPositionSource(store *Store) *PositionSource {
	return &PositionSource{store: store}
}

// Policy implements ChangeSource
func (p *PositionSource) Policy() SnapshotPolicy {
	return LatestPerKey
}

// Fingerprint implements ChangeSource
func (p *PositionSource) Fingerprint(ctx context.Context) (int64, error) {
	return p.store.Fingerprint(ctx)
}

// MaxSeq implements ChangeSource
func (p *PositionSource) MaxSeq(ctx context.Context) (int64, error) {
	if p.store.closed.Load() {
		return 0, ErrClosed
	}
	return maxSeq(ctx, p.store.db, PositionsTable)
}

// DeltaSince implements ChangeSource. Rows without coordinates or with an
// unreadable time are skipped.
func (p *PositionSource) DeltaSince(ctx context.Context, watermark int64) ([]ChangeEvent, error) {
	if p.store.closed.Load() {
		return nil, ErrClosed
	}

	query, args, err := dialect.From(PositionsTable).
		Select(
			goqu.L("rowid"),
			goqu.C("ship_symbol"),
			goqu.C("x"),
			goqu.C("y"),
			goqu.L("epoch_seconds(t)"),
		).
		Where(
			goqu.L("rowid").Gt(watermark),
			goqu.C("x").IsNotNull(),
			goqu.C("y").IsNotNull(),
			goqu.L("epoch_seconds(t)").IsNotNull(),
		).
		Order(goqu.L("rowid").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build position delta query: %w", err)
	}

	rows, err := p.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query position delta: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// Snapshot implements ChangeSource with the latest-per-key policy.
// asOf is not used: the newest known position is current regardless of wall time.
func (p *PositionSource) Snapshot(ctx context.Context, _ time.Time) (Snapshot, error) {
	var snap Snapshot

	err := p.store.readTx(ctx, func(tx *sql.Tx) error {
		baseline, err := maxSeq(ctx, tx, PositionsTable)
		if err != nil {
			return err
		}
		snap.Baseline = baseline

		rows, err := tx.QueryContext(ctx, latestPositionsSQL, baseline, baseline)
		if err != nil {
			return fmt.Errorf("query latest positions: %w", err)
		}
		defer rows.Close()

		events, err := scanPositions(rows)
		if err != nil {
			return err
		}
		snap.Events = latestPerKey(events)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}

func scanPositions(rows *sql.Rows) ([]ChangeEvent, error) {
	var events []ChangeEvent
	for rows.Next() {
		var (
			seq  int64
			key  string
			x, y float64
			ts   int64
		)
		if err := rows.Scan(&seq, &key, &x, &y, &ts); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		events = append(events, ChangeEvent{
			Seq:         seq,
			LogicalTime: ts,
			Key:         key,
			Message:     PositionMessage{Key: key, X: x, Y: y, T: ts},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}
	return events, nil
}

// latestPerKey keeps, per key, the event with the greatest logical time.
// Ties go to the later write. Output stays in ascending Seq order.
func latestPerKey(events []ChangeEvent) []ChangeEvent {
	best := make(map[string]int, len(events))
	for i, ev := range events {
		j, ok := best[ev.Key]
		if !ok {
			best[ev.Key] = i
			continue
		}
		cur := events[j]
		if ev.LogicalTime > cur.LogicalTime ||
			(ev.LogicalTime == cur.LogicalTime && ev.Seq > cur.Seq) {
			best[ev.Key] = i
		}
	}

	out := make([]ChangeEvent, 0, len(best))
	for i, ev := range events {
		if best[ev.Key] == i {
			out = append(out, ev)
		}
	}
	return out
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func maxSeq(ctx context.Context, q queryer, table string) (int64, error) {
	query, _, err := dialect.From(table).Select(goqu.L("COALESCE(MAX(rowid), 0)")).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build max sequence query: %w", err)
	}

	var seq int64
	if err := q.QueryRowContext(ctx, query).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query max sequence of %s: %w", table, err)
	}
	return seq, nil
}
