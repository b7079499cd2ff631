package publisher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/fleetrelay/db"
)

// fakeSource is an in-memory change source with call counters.
// Rows are appended with increasing sequence numbers; every append bumps the
// fingerprint like a foreign commit would.
type fakeSource struct {
	mu          sync.Mutex
	rows        []db.ChangeEvent
	fingerprint int64
	fpErr       error
	deltaErr    error
	snapErr     error

	fingerprintCalls atomic.Int32
	deltaCalls       atomic.Int32
	snapshotCalls    atomic.Int32
}

func (f *fakeSource) append(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		seq := int64(len(f.rows) + 1)
		f.rows = append(f.rows, db.ChangeEvent{Seq: seq, LogicalTime: seq, Key: k, Message: seq})
	}
	f.fingerprint++
}

// touch bumps the fingerprint without adding rows (a write to another table)
func (f *fakeSource) touch() {
	f.mu.Lock()
	f.fingerprint++
	f.mu.Unlock()
}

func (f *fakeSource) setErrors(fp, delta error) {
	f.mu.Lock()
	f.fpErr, f.deltaErr = fp, delta
	f.mu.Unlock()
}

func (f *fakeSource) Fingerprint(context.Context) (int64, error) {
	f.fingerprintCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fpErr != nil {
		return 0, f.fpErr
	}
	return f.fingerprint, nil
}

func (f *fakeSource) DeltaSince(_ context.Context, watermark int64) ([]db.ChangeEvent, error) {
	f.deltaCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deltaErr != nil {
		return nil, f.deltaErr
	}
	var out []db.ChangeEvent
	for _, r := range f.rows {
		if r.Seq > watermark {
			out = append(out, r)
		}
	}
	return out, nil
}

// Snapshot returns the latest row per key
func (f *fakeSource) Snapshot(context.Context, time.Time) (db.Snapshot, error) {
	f.snapshotCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return db.Snapshot{}, f.snapErr
	}
	latest := map[string]db.ChangeEvent{}
	var order []string
	for _, r := range f.rows {
		if _, ok := latest[r.Key]; !ok {
			order = append(order, r.Key)
		}
		latest[r.Key] = r
	}
	snap := db.Snapshot{Baseline: int64(len(f.rows))}
	for _, k := range order {
		snap.Events = append(snap.Events, latest[k])
	}
	return snap, nil
}

func (f *fakeSource) MaxSeq(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func (f *fakeSource) Policy() db.SnapshotPolicy {
	return db.LatestPerKey
}

// chanTransport forwards every sent message to a channel
type chanTransport struct {
	ch     chan any
	fail   atomic.Bool
	closed atomic.Int32
}

func newChanTransport() *chanTransport {
	return &chanTransport{ch: make(chan any, 256)}
}

func (c *chanTransport) Send(_ context.Context, ev db.ChangeEvent) error {
	if c.fail.Load() {
		return errSendFailed
	}
	c.ch <- ev.Message
	return nil
}

func (c *chanTransport) Close() error {
	c.closed.Add(1)
	return nil
}
