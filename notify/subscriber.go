package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/maxpert/fleetrelay/db"
)

// ErrSubscriberClosed is returned when delivering to a closed subscriber
var ErrSubscriberClosed = errors.New("subscriber closed")

// Transport is the consumer end of a subscription (websocket, broker sink).
// Send must not be called concurrently; Subscriber serializes it.
type Transport interface {
	Send(ctx context.Context, ev db.ChangeEvent) error
	Close() error
}

// Subscriber is one live consumer handle. It owns exactly one watermark and
// only ever sends events above it, so its stream is strictly ascending.
type Subscriber struct {
	id        string
	transport Transport
	watermark Watermark

	// mu serializes sends and is held for the whole priming phase
	mu     sync.Mutex
	closed atomic.Bool
	done   chan struct{}
}

// NewSubscriber wraps a transport
func NewSubscriber(id string, transport Transport) *Subscriber {
	return &Subscriber{id: id, transport: transport, done: make(chan struct{})}
}

// ID returns the subscriber id
func (s *Subscriber) ID() string {
	return s.id
}

// Watermark returns the highest sequence delivered (or the snapshot baseline)
func (s *Subscriber) Watermark() int64 {
	return s.watermark.Load()
}

// Prime holds the send lock while load runs, sends the snapshot it returns,
// then moves the watermark to the snapshot baseline. Deliveries racing with
// priming wait and then skip anything the snapshot already covers.
// load is where the caller registers the subscriber, so no committed row can
// fall between the snapshot and the incremental stream.
func (s *Subscriber) Prime(ctx context.Context, load func(ctx context.Context) (db.Snapshot, error)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := load(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, ev := range snap.Events {
		if s.closed.Load() {
			return sent, ErrSubscriberClosed
		}
		if err := s.transport.Send(ctx, ev); err != nil {
			return sent, err
		}
		sent++
	}

	s.watermark.Advance(snap.Baseline)
	return sent, nil
}

// Deliver sends every event with a sequence above the watermark, in batch
// order, advancing the watermark after each successful send. It stops at the
// first send failure.
func (s *Subscriber) Deliver(ctx context.Context, batch []db.ChangeEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for _, ev := range batch {
		if s.closed.Load() {
			return sent, ErrSubscriberClosed
		}
		if ev.Seq <= s.watermark.Load() {
			continue
		}
		if err := s.transport.Send(ctx, ev); err != nil {
			return sent, err
		}
		s.watermark.Advance(ev.Seq)
		sent++
	}
	return sent, nil
}

// Close closes the transport once. Safe to call from any goroutine.
func (s *Subscriber) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	return s.transport.Close()
}

// Done is closed once the subscriber is closed
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether Close was called
func (s *Subscriber) Closed() bool {
	return s.closed.Load()
}
