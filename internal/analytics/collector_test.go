package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/kafka"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.Event
	fail   bool
	block  chan struct{}
}

func (p *recordingPublisher) Publish(ctx context.Context, event kafka.Event) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []kafka.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Event(nil), p.events...)
}

func TestCollectorPublishesKeyedByViewer(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewCollector(pub, 10)
	c.Start(context.Background())

	c.TrackPage(page(5))
	c.TrackPage(PageServed{Type: EventPageServed, ViewerID: "v2"})
	c.Close()

	events := pub.published()
	require.Len(t, events, 2)
	require.Equal(t, "v1", events[0].Key)
	require.Equal(t, "v2", events[1].Key)
	require.IsType(t, PageServed{}, events[0].Value)
}

func TestCollectorDropsWhenBufferFull(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	c := NewCollector(pub, 1)
	c.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			c.TrackPage(page(int64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("TrackPage blocked on a full buffer")
	}
	close(pub.block)
	c.Close()
	require.Less(t, len(pub.published()), 50)
}

func TestCollectorSurvivesPublishErrors(t *testing.T) {
	pub := &recordingPublisher{fail: true}
	c := NewCollector(pub, 4)
	c.Start(context.Background())
	c.TrackPage(page(1))
	c.Close()
	require.Empty(t, pub.published())
}
