package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

// JourneyEventType is the "type" discriminator of journey messages
const JourneyEventType = "event"

// WaypointRef is a journey endpoint enriched from the waypoints table.
// Coordinates are null when the waypoint is unknown.
type WaypointRef struct {
	Symbol *string  `json:"symbol" msgpack:"symbol"`
	X      *float64 `json:"x" msgpack:"x"`
	Y      *float64 `json:"y" msgpack:"y"`
}

// JourneyMessage is the wire shape of the journey feed
type JourneyMessage struct {
	Type        string      `json:"type" msgpack:"type"`
	ID          int64       `json:"id" msgpack:"id"`
	Key         string      `json:"key" msgpack:"key"`
	StartTS     int64       `json:"start_ts" msgpack:"start_ts"`
	EndTS       int64       `json:"end_ts" msgpack:"end_ts"`
	Origin      WaypointRef `json:"origin" msgpack:"origin"`
	Destination WaypointRef `json:"destination" msgpack:"destination"`
	Mode        string      `json:"mode" msgpack:"mode"`
}

// Interval is a half-open [Start, End) span of unix seconds
type Interval struct {
	Start int64
	End   int64
}

// Contains reports start <= now < end
func (i Interval) Contains(now int64) bool {
	return i.Start <= now && now < i.End
}

var (
	journeyStart = goqu.L("epoch_seconds(j.departure_time)")
	journeyEnd   = goqu.L("epoch_seconds(j.arrival_time)")
	journeySeq   = goqu.L("j.rowid")
)

// JourneySource reads ship_journeys left-joined against waypoints
type JourneySource struct {
	store *Store
}

// NewJourneySource creates the change source of the journey feed
func NewJourneySource(store *Store) *JourneySource {
	return &JourneySource{store: store}
}

// Policy implements ChangeSource
func (j *JourneySource) Policy() SnapshotPolicy {
	return OpenInterval
}

// Fingerprint implements ChangeSource
func (j *JourneySource) Fingerprint(ctx context.Context) (int64, error) {
	return j.store.Fingerprint(ctx)
}

// MaxSeq implements ChangeSource
func (j *JourneySource) MaxSeq(ctx context.Context) (int64, error) {
	if j.store.closed.Load() {
		return 0, ErrClosed
	}
	return maxSeq(ctx, j.store.db, JourneysTable)
}

// journeyQuery selects enriched journeys. Rows whose start or end cannot be
// read are excluded here and never reach consumers.
func journeyQuery(where ...exp.Expression) (string, []interface{}, error) {
	conds := append([]exp.Expression{
		journeyStart.IsNotNull(),
		journeyEnd.IsNotNull(),
	}, where...)

	return dialect.From(goqu.T(JourneysTable).As("j")).
		Select(
			journeySeq,
			goqu.I("j.id"),
			goqu.I("j.ship_symbol"),
			journeyStart,
			journeyEnd,
			goqu.I("j.origin_symbol"),
			goqu.I("o.x"),
			goqu.I("o.y"),
			goqu.I("j.destination_symbol"),
			goqu.I("d.x"),
			goqu.I("d.y"),
			goqu.I("j.flight_mode"),
		).
		LeftJoin(goqu.T(WaypointsTable).As("o"), goqu.On(goqu.I("o.symbol").Eq(goqu.I("j.origin_symbol")))).
		LeftJoin(goqu.T(WaypointsTable).As("d"), goqu.On(goqu.I("d.symbol").Eq(goqu.I("j.destination_symbol")))).
		Where(conds...).
		Order(journeySeq.Asc()).
		Prepared(true).
		ToSQL()
}

// DeltaSince implements ChangeSource
func (j *JourneySource) DeltaSince(ctx context.Context, watermark int64) ([]ChangeEvent, error) {
	if j.store.closed.Load() {
		return nil, ErrClosed
	}

	query, args, err := journeyQuery(journeySeq.Gt(watermark))
	if err != nil {
		return nil, fmt.Errorf("build journey delta query: %w", err)
	}

	rows, err := j.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journey delta: %w", err)
	}
	defer rows.Close()

	return scanJourneys(rows)
}

// Snapshot implements ChangeSource with the open-interval policy: every
// journey with departure <= asOf < arrival.
func (j *JourneySource) Snapshot(ctx context.Context, asOf time.Time) (Snapshot, error) {
	now := asOf.Unix()
	var snap Snapshot

	err := j.store.readTx(ctx, func(tx *sql.Tx) error {
		baseline, err := maxSeq(ctx, tx, JourneysTable)
		if err != nil {
			return err
		}
		snap.Baseline = baseline

		query, args, err := journeyQuery(
			journeySeq.Lte(baseline),
			journeyStart.Lte(now),
			journeyEnd.Gt(now),
		)
		if err != nil {
			return fmt.Errorf("build journey snapshot query: %w", err)
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query open journeys: %w", err)
		}
		defer rows.Close()

		events, err := scanJourneys(rows)
		if err != nil {
			return err
		}

		snap.Events = events[:0]
		for _, ev := range events {
			msg := ev.Message.(JourneyMessage)
			if (Interval{Start: msg.StartTS, End: msg.EndTS}).Contains(now) {
				snap.Events = append(snap.Events, ev)
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}

func scanJourneys(rows *sql.Rows) ([]ChangeEvent, error) {
	var events []ChangeEvent
	for rows.Next() {
		var (
			seq, id          int64
			key              string
			start, end       int64
			originSym        sql.NullString
			originX, originY sql.NullFloat64
			destSym          sql.NullString
			destX, destY     sql.NullFloat64
			mode             sql.NullString
		)
		if err := rows.Scan(&seq, &id, &key, &start, &end,
			&originSym, &originX, &originY,
			&destSym, &destX, &destY,
			&mode); err != nil {
			return nil, fmt.Errorf("scan journey row: %w", err)
		}

		events = append(events, ChangeEvent{
			Seq:         seq,
			LogicalTime: start,
			Key:         key,
			Message: JourneyMessage{
				Type:        JourneyEventType,
				ID:          id,
				Key:         key,
				StartTS:     start,
				EndTS:       end,
				Origin:      waypointRef(originSym, originX, originY),
				Destination: waypointRef(destSym, destX, destY),
				Mode:        mode.String,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journey rows: %w", err)
	}
	return events, nil
}

func waypointRef(sym sql.NullString, x, y sql.NullFloat64) WaypointRef {
	var ref WaypointRef
	if sym.Valid {
		s := sym.String
		ref.Symbol = &s
	}
	if x.Valid {
		v := x.Float64
		ref.X = &v
	}
	if y.Valid {
		v := y.Float64
		ref.Y = &v
	}
	return ref
}
