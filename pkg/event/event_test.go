package event

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewManager()
	var received int32

	bus.Subscribe("job.completed", func(ctx context.Context, data any) {
		if id, ok := data.(string); ok && id == "job-1" {
			atomic.AddInt32(&received, 1)
		}
	})

	bus.Publish(context.Background(), "job.completed", "job-1")
	bus.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
}

func TestBus_MultipleHandlers(t *testing.T) {
	bus := NewManager()
	var count int32

	bus.Subscribe("job.progress", func(ctx context.Context, data any) {
		atomic.AddInt32(&count, 1)
	})
	bus.Subscribe("job.progress", func(ctx context.Context, data any) {
		atomic.AddInt32(&count, 1)
	})

	bus.Publish(context.Background(), "job.progress", nil)
	bus.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewManager()

	// Publishing with no subscribers must not panic or block.
	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), "nonexistent", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish with no subscribers blocked")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewManager()
	var count int32

	bus.Subscribe("tick", func(ctx context.Context, data any) {
		atomic.AddInt32(&count, 1)
	})

	for range 100 {
		go bus.Publish(context.Background(), "tick", nil)
	}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 100
	}, 2*time.Second, 10*time.Millisecond)
}
