package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/maxpert/fleetrelay/db"
)

var errBrokenPipe = errors.New("broken pipe")

// recordingTransport captures sent messages and can be told to fail
type recordingTransport struct {
	mu     sync.Mutex
	msgs   []any
	fail   bool
	closes int
}

func (r *recordingTransport) Send(_ context.Context, ev db.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errBrokenPipe
	}
	r.msgs = append(r.msgs, ev.Message)
	return nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *recordingTransport) received() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

func (r *recordingTransport) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

// events builds a batch whose messages are their own sequence numbers
func events(seqs ...int64) []db.ChangeEvent {
	out := make([]db.ChangeEvent, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, db.ChangeEvent{Seq: s, Message: s})
	}
	return out
}
