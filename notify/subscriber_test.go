package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/fleetrelay/db"
)

func TestSubscriber_DeliverSkipsAlreadySeen(t *testing.T) {
	tr := &recordingTransport{}
	sub := NewSubscriber("c1", tr)

	n, err := sub.Deliver(context.Background(), events(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Overlapping batch: only 4 and 5 are new
	n, err = sub.Deliver(context.Background(), events(2, 3, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []any{int64(1), int64(2), int64(3), int64(4), int64(5)}, tr.received())
	assert.Equal(t, int64(5), sub.Watermark())
}

func TestSubscriber_DeliverStopsAtFirstFailure(t *testing.T) {
	tr := &recordingTransport{}
	sub := NewSubscriber("c1", tr)

	_, err := sub.Deliver(context.Background(), events(1))
	require.NoError(t, err)

	tr.setFail(true)
	n, err := sub.Deliver(context.Background(), events(2, 3))
	assert.ErrorIs(t, err, errBrokenPipe)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(1), sub.Watermark())
}

func TestSubscriber_PrimeSetsBaseline(t *testing.T) {
	tr := &recordingTransport{}
	sub := NewSubscriber("c1", tr)

	n, err := sub.Prime(context.Background(), func(context.Context) (db.Snapshot, error) {
		return db.Snapshot{Events: events(3, 7), Baseline: 9}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(9), sub.Watermark())

	// Rows up to the baseline were covered by the snapshot
	n, err = sub.Deliver(context.Background(), events(8, 9, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []any{int64(3), int64(7), int64(10)}, tr.received())
}

func TestSubscriber_PrimeLoadError(t *testing.T) {
	tr := &recordingTransport{}
	sub := NewSubscriber("c1", tr)
	boom := errors.New("boom")

	_, err := sub.Prime(context.Background(), func(context.Context) (db.Snapshot, error) {
		return db.Snapshot{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, tr.received())
	assert.Equal(t, int64(0), sub.Watermark())
}

func TestSubscriber_DeliverWaitsForPriming(t *testing.T) {
	tr := &recordingTransport{}
	sub := NewSubscriber("c1", tr)

	loading := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := sub.Prime(context.Background(), func(context.Context) (db.Snapshot, error) {
			close(loading)
			<-release
			return db.Snapshot{Events: events(5), Baseline: 6}, nil
		})
		assert.NoError(t, err)
	}()

	<-loading
	delivered := make(chan int, 1)
	go func() {
		n, _ := sub.Deliver(context.Background(), events(6, 7))
		delivered <- n
	}()

	select {
	case <-delivered:
		t.Fatal("delivery must wait until priming completes")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()

	select {
	case n := <-delivered:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	assert.Equal(t, []any{int64(5), int64(7)}, tr.received())
}

func TestSubscriber_CloseIsIdempotent(t *testing.T) {
	tr := &recordingTransport{}
	sub := NewSubscriber("c1", tr)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 1, tr.closeCount())
	assert.True(t, sub.Closed())

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}

	_, err := sub.Deliver(context.Background(), events(1))
	assert.ErrorIs(t, err, ErrSubscriberClosed)
}
