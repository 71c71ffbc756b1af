package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/kafka"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	fail    bool
}

func (f *fakePublisher) PublishBatch(ctx context.Context, events []kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.batches = append(f.batches, events)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestFlushOnBatchSize(t *testing.T) {
	pub := &fakePublisher{}
	bc := NewBatchCollector(pub, 3, time.Hour)
	for i := 0; i < 3; i++ {
		bc.Track("v1", i)
	}
	require.Eventually(t, func() bool { return pub.count() == 3 }, time.Second, 5*time.Millisecond)
	require.Zero(t, bc.BufferLen())
}

func TestFinalFlushOnShutdown(t *testing.T) {
	pub := &fakePublisher{}
	bc := NewBatchCollector(pub, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	bc.Start(ctx)
	bc.Track("v1", "a")
	bc.Track("v2", "b")
	cancel()
	bc.Close()
	require.Equal(t, 2, pub.count())
}

func TestFailedFlushRequeuesUpToThreeBatches(t *testing.T) {
	pub := &fakePublisher{fail: true}
	bc := NewBatchCollector(pub, 2, time.Hour)
	bc.mu.Lock()
	for i := 0; i < 10; i++ {
		bc.buffer = append(bc.buffer, kafka.Event{Key: "v", Value: i})
	}
	bc.mu.Unlock()

	require.Error(t, bc.Flush(context.Background()))
	require.Equal(t, 6, bc.BufferLen())
	require.Equal(t, int64(4), bc.Dropped())

	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()
	require.NoError(t, bc.Flush(context.Background()))
	require.Equal(t, 6, pub.count())
}
