package db

import (
	"context"
	"time"
)

// ChangeEvent is one committed row, as seen by consumers.
// Seq is the store's row-order counter (rowid) and never repeats or decreases.
// LogicalTime is domain time in unix seconds and is independent of Seq.
type ChangeEvent struct {
	Seq         int64
	LogicalTime int64
	Key         string
	Message     any // Wire payload, JSON/msgpack ready
}

// Snapshot is the "current truth" view handed to a newly attached consumer.
// Baseline is the highest sequence present when the view was taken; incremental
// delivery for that consumer resumes strictly after it.
type Snapshot struct {
	Events   []ChangeEvent
	Baseline int64
}

// SnapshotPolicy selects how a feed computes its Snapshot
type SnapshotPolicy int

const (
	// LatestPerKey keeps the event with the greatest logical time per entity key
	LatestPerKey SnapshotPolicy = iota
	// OpenInterval keeps every event whose [start, end) interval contains now
	OpenInterval
)

func (p SnapshotPolicy) String() string {
	switch p {
	case LatestPerKey:
		return "latest_per_key"
	case OpenInterval:
		return "open_interval"
	default:
		return "unknown"
	}
}

// ChangeSource abstracts the append-only store a feed reads from.
// Implementations never retry; transient failures are returned to the caller.
type ChangeSource interface {
	// Fingerprint is a cheap counter that changes whenever anything in the
	// store was committed. Unchanged means no delta fetch is needed.
	Fingerprint(ctx context.Context) (int64, error)

	// DeltaSince returns events with Seq > watermark in ascending Seq order.
	DeltaSince(ctx context.Context, watermark int64) ([]ChangeEvent, error)

	// Snapshot returns the feed's current-state view as of asOf.
	Snapshot(ctx context.Context, asOf time.Time) (Snapshot, error)

	// MaxSeq returns the highest sequence currently present (0 when empty).
	MaxSeq(ctx context.Context) (int64, error)

	// Policy reports the snapshot policy of the feed
	Policy() SnapshotPolicy
}
