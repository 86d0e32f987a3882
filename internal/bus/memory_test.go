package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var mu sync.Mutex
	var received []string

	sub, err := b.Subscribe(ctx, "cauce.signal.email", func(subject string, data []byte) {
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "cauce.signal.email", []byte("hello")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var count int
	var mu sync.Mutex

	sub, err := b.Subscribe(ctx, "cauce.signal.email", func(subject string, data []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(ctx, "cauce.signal.email", []byte("hello")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestMemoryBusPublishAfterCloseErrors(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), "cauce.signal.email", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}
