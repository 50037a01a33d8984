package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autocraft/pkg/schema"
)

func recv(t *testing.T, ch <-chan schema.Event) schema.Event {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.Event{}
}

func assertQuiet(t *testing.T, ch <-chan schema.Event) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := schema.Event{RunID: "run-1", NodeID: "check", Type: schema.EventRegionChecked, Attempt: 2}
	require.NoError(t, hub.Publish(ctx, event))

	got := recv(t, ch)
	assert.Equal(t, event.RunID, got.RunID)
	assert.Equal(t, event.NodeID, got.NodeID)
	assert.Equal(t, event.Type, got.Type)
	assert.Equal(t, 2, got.Attempt)
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "run-1", Type: schema.EventAttemptStarted}))
	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "run-2", Type: schema.EventAttemptStarted}))

	assert.Equal(t, "run-1", recv(t, ch).RunID)
	assertQuiet(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventModifierFound, schema.EventRunFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "r", Type: schema.EventModifierFound}))
	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "r", Type: schema.EventNodeEntered}))
	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "r", Type: schema.EventRunFailed}))

	received := []string{recv(t, ch).Type, recv(t, ch).Type}
	assert.Equal(t, []string{schema.EventModifierFound, schema.EventRunFailed}, received)
	assertQuiet(t, ch)
}

func TestFilterByMinLevel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{MinLevel: schema.LogWarning})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventLog, Level: schema.LogDebug, Message: "noise"}))
	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventLog, Level: schema.LogError, Message: "bad"}))
	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventProgress}))

	assert.Equal(t, "bad", recv(t, ch).Message)
	assert.Equal(t, schema.EventProgress, recv(t, ch).Type)
	assertQuiet(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "run-1", Type: schema.EventProgress}))

	for _, ch := range []<-chan schema.Event{ch1, ch2} {
		got := recv(t, ch)
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, schema.EventProgress, got.Type)
	}
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{RunID: "run-1"}))

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
	assert.Equal(t, 0, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultChannelBuffer+10; i++ {
			_ = hub.Publish(ctx, schema.Event{RunID: "run-1", Sequence: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, schema.Event{}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = hub.Publish(ctx, schema.Event{Type: schema.EventNodeEntered})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 40)
}
