package notify

import (
	"context"
	"errors"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fleetrelay/db"
)

// ErrDuplicateSubscriber is returned when a different subscriber is already
// registered under the same id.
var ErrDuplicateSubscriber = errors.New("duplicate subscriber id")

// BroadcastResult summarizes one fan-out pass
type BroadcastResult struct {
	Subscribers int
	Delivered   int
	Removed     int
}

// Hub is the connection registry of one feed. It fans incremental batches
// out to every registered subscriber. Thread-safe.
type Hub struct {
	feed string
	subs *xsync.MapOf[string, *Subscriber]
}

// NewHub creates an empty hub for feed
func NewHub(feed string) *Hub {
	return &Hub{
		feed: feed,
		subs: xsync.NewMapOf[string, *Subscriber](),
	}
}

// Register adds sub. Registering the same subscriber twice is a no-op.
func (h *Hub) Register(sub *Subscriber) error {
	actual, loaded := h.subs.LoadOrStore(sub.ID(), sub)
	if loaded && actual != sub {
		return ErrDuplicateSubscriber
	}
	return nil
}

// Unregister removes sub if it is the one registered under its id.
// Returns true only for the call that actually removed it.
func (h *Hub) Unregister(sub *Subscriber) bool {
	removed := false
	h.subs.Compute(sub.ID(), func(old *Subscriber, loaded bool) (*Subscriber, bool) {
		if loaded && old == sub {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	return removed
}

// Len returns the number of registered subscribers
func (h *Hub) Len() int {
	return h.subs.Size()
}

// Subscribers returns a point-in-time copy of the registry
func (h *Hub) Subscribers() []*Subscriber {
	out := make([]*Subscriber, 0, h.subs.Size())
	h.subs.Range(func(_ string, sub *Subscriber) bool {
		out = append(out, sub)
		return true
	})
	return out
}

// Broadcast delivers batch to every subscriber registered when the pass
// starts. A subscriber whose send fails is removed and closed after the pass;
// it never affects delivery to the others.
func (h *Hub) Broadcast(ctx context.Context, batch []db.ChangeEvent) BroadcastResult {
	subs := h.Subscribers()
	res := BroadcastResult{Subscribers: len(subs)}
	if len(batch) == 0 {
		return res
	}

	var failed []*Subscriber
	for _, sub := range subs {
		n, err := sub.Deliver(ctx, batch)
		res.Delivered += n
		if err != nil {
			log.Debug().
				Err(err).
				Str("feed", h.feed).
				Str("subscriber", sub.ID()).
				Msg("Send failed, dropping subscriber")
			failed = append(failed, sub)
		}
	}

	for _, sub := range failed {
		if h.Unregister(sub) {
			res.Removed++
		}
		_ = sub.Close()
	}

	return res
}

// CloseAll unregisters and closes every subscriber
func (h *Hub) CloseAll() {
	for _, sub := range h.Subscribers() {
		h.Unregister(sub)
		_ = sub.Close()
	}
}
