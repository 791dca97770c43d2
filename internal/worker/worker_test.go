package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvilhena/vigia/internal/incident"
	"github.com/jvilhena/vigia/internal/queue"
	"github.com/jvilhena/vigia/internal/sharding"
	"github.com/jvilhena/vigia/internal/stages"
	"github.com/jvilhena/vigia/internal/storage/memory"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) }

type fakeIDs struct{ n atomic.Int64 }

func (g *fakeIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", g.n.Add(1)), nil
}

type openGate struct{}

func (openGate) Wait(context.Context) error { return nil }

type countingFeed struct {
	calls atomic.Int32
	err   error
}

func (f *countingFeed) Search(context.Context, string) ([]incident.FeedItem, error) {
	f.calls.Add(1)
	return nil, f.err
}

// failingStatsStore makes every discover job fail without touching the item
// semantics of the underlying store.
type failingStatsStore struct {
	incident.Store
	calls atomic.Int32
}

func (s *failingStatsStore) WithRegionStats(context.Context, string, func(*incident.RegionStats) error) (incident.RegionStats, error) {
	s.calls.Add(1)
	return incident.RegionStats{}, errors.New("stats table unavailable")
}

func newStages(store incident.Store, feed incident.FeedClient, q incident.Queue) *stages.Stages {
	return stages.New(stages.Deps{
		Store:    store,
		Feed:     feed,
		Gate:     openGate{},
		Sharding: sharding.New(sharding.Config{}),
		Queue:    q,
		Clock:    fakeClock{},
		IDs:      &fakeIDs{},
	})
}

func TestWorkerAcksSuccessfulJob(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory(8)
	store := memory.New(fakeClock{})
	feed := &countingFeed{}
	w := New(q, newStages(store, feed, q), Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	// A discover job over an empty feed succeeds and is acked once.
	require.NoError(t, q.Enqueue(ctx, incident.Job{ID: "j1", Stage: incident.StageDiscover, Region: "Niterói RJ"}))

	require.Eventually(t, func() bool { return feed.calls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	// No redelivery follows a successful run.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), feed.calls.Load())

	cancel()
	<-done
}

func TestWorkerDropsJobAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory(8)
	store := &failingStatsStore{Store: memory.New(fakeClock{})}
	w := New(q, newStages(store, &countingFeed{}, q), Config{MaxAttempts: 3, RetryDelay: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	require.NoError(t, q.Enqueue(ctx, incident.Job{ID: "j1", Stage: incident.StageDiscover, Region: "Niterói RJ"}))

	// Attempts 0 and 1 nak; attempt 2 hits the cap and is dropped.
	require.Eventually(t, func() bool { return store.calls.Load() == 3 },
		time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), store.calls.Load(), "dropped job must not come back")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	cancel()
	<-done
}

func TestWorkerBacksOffOnThrottle(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory(8)
	store := memory.New(fakeClock{})
	feed := &countingFeed{err: &incident.RateLimitError{Err: errors.New("429")}}
	w := New(q, newStages(store, feed, q), Config{RetryDelay: 5 * time.Millisecond, MaxAttempts: 100}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	require.NoError(t, q.Enqueue(ctx, incident.Job{ID: "j1", Stage: incident.StageDiscover, Region: "Niterói RJ"}))

	// A throttled job keeps coming back regardless of the attempt counter.
	require.Eventually(t, func() bool { return feed.calls.Load() >= 3 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
