package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherFansOutToAllSubscribers(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Workers: 2, BufferSize: 16})

	var mu sync.Mutex
	received := make(map[string][]string)
	var wg sync.WaitGroup
	wg.Add(2)
	for _, name := range []string{"first", "second"} {
		name := name
		d.Subscribe(name, func(ctx context.Context, event Event) error {
			mu.Lock()
			received[name] = append(received[name], event.ID)
			mu.Unlock()
			wg.Done()
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Publish(Event{ID: "evt-1", Kind: "JOINED"}))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"evt-1"}, received["first"])
	assert.Equal(t, []string{"evt-1"}, received["second"])
}

func TestDispatcherRetriesFailedDeliveries(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Workers: 1, BufferSize: 8, MaxRetries: 3, RetryDelay: 5 * time.Millisecond})

	var attempts int32
	done := make(chan struct{})
	d.Subscribe("flaky", func(ctx context.Context, event Event) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Publish(Event{ID: "evt-1", Kind: "ADMITTED"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not retried to success")
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestDispatcherFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Workers: 2, BufferSize: 8, MaxRetries: 1, RetryDelay: time.Millisecond})

	healthy := make(chan string, 4)
	d.Subscribe("broken", func(ctx context.Context, event Event) error {
		return errors.New("always fails")
	})
	d.Subscribe("healthy", func(ctx context.Context, event Event) error {
		healthy <- event.ID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Publish(Event{ID: "evt-1", Kind: "COMPLETED"}))
	require.NoError(t, d.Publish(Event{ID: "evt-2", Kind: "COMPLETED"}))

	for _, want := range []string{"evt-1", "evt-2"} {
		select {
		case got := <-healthy:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("healthy subscriber never saw %s", want)
		}
	}
}

func TestDispatcherPublishBeforeStartFails(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	err := d.Publish(Event{ID: "evt-1", Kind: "JOINED"})
	require.Error(t, err)
}
