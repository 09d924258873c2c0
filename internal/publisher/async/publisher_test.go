package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/publisher/memory"
)

func event(topic string) crawler.PostsCaptured {
	return crawler.PostsCaptured{TopicID: topic, PostIDs: []string{topic + "-1"}, Inserted: 1}
}

func TestNewRequiresTarget(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{})
	require.Error(t, err)
}

func TestDeliversWhenBatchFills(t *testing.T) {
	t.Parallel()

	target := memory.New()
	p, err := New(target, Config{MaxBatchEvents: 2, MaxBatchWait: time.Minute})
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close(context.Background())) }()

	require.NoError(t, p.Publish(context.Background(), event("1")))
	require.NoError(t, p.Publish(context.Background(), event("2")))
	require.Eventually(t, func() bool {
		return len(target.Events()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDeliversAfterWait(t *testing.T) {
	t.Parallel()

	target := memory.New()
	p, err := New(target, Config{MaxBatchEvents: 50, MaxBatchWait: 20 * time.Millisecond})
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close(context.Background())) }()

	require.NoError(t, p.Publish(context.Background(), event("7")))
	require.Eventually(t, func() bool {
		return len(target.Events()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCloseDrainsBufferedEvents(t *testing.T) {
	t.Parallel()

	target := memory.New()
	p, err := New(target, Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute})
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, p.Publish(context.Background(), event(id)))
	}
	require.NoError(t, p.Close(context.Background()))
	require.Len(t, target.Events(), 3)

	delivered, failed, dropped := p.Stats()
	require.Equal(t, int64(3), delivered)
	require.Zero(t, failed)
	require.Zero(t, dropped)

	require.ErrorIs(t, p.Publish(context.Background(), event("4")), ErrClosed)
	require.NoError(t, p.Close(context.Background()))
}

func TestFailedDeliveryIsCounted(t *testing.T) {
	t.Parallel()

	target := memory.New()
	target.FailWith(errors.New("broker down"))
	p, err := New(target, Config{})
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), event("1")))
	require.NoError(t, p.Close(context.Background()))

	delivered, failed, _ := p.Stats()
	require.Zero(t, delivered)
	require.Equal(t, int64(1), failed)
}

// blockingTarget holds every delivery until release is closed.
type blockingTarget struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingTarget) Publish(context.Context, crawler.PostsCaptured) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return nil
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	target := &blockingTarget{started: make(chan struct{}), release: make(chan struct{})}
	p, err := New(target, Config{BufferSize: 1, MaxBatchEvents: 1})
	require.NoError(t, err)

	// The first event occupies the goroutine, the second fills the buffer.
	require.NoError(t, p.Publish(context.Background(), event("1")))
	<-target.started
	require.NoError(t, p.Publish(context.Background(), event("2")))

	start := time.Now()
	require.ErrorIs(t, p.Publish(context.Background(), event("3")), ErrBufferFull)
	require.Less(t, time.Since(start), 50*time.Millisecond)

	close(target.release)
	require.NoError(t, p.Close(context.Background()))
	delivered, _, dropped := p.Stats()
	require.Equal(t, int64(2), delivered)
	require.Equal(t, int64(1), dropped)
}

func TestCloseHonorsContext(t *testing.T) {
	t.Parallel()

	target := &blockingTarget{started: make(chan struct{}), release: make(chan struct{})}
	p, err := New(target, Config{MaxBatchEvents: 1})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), event("1")))
	<-target.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, p.Close(ctx))

	close(target.release)
	require.NoError(t, p.Close(context.Background()))
}
