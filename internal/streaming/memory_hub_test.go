package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan RunEvent) RunEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return RunEvent{}
}

func assertEmpty(t *testing.T, ch <-chan RunEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := RunEvent{RunID: "run-1", WorkflowID: "triage", StepID: "classify", Type: "step_completed",
		Payload: map[string]any{"output": "ok"}}
	require.NoError(t, hub.Publish(ctx, event))

	got := recv(t, ch)
	assert.Equal(t, event, got)
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byRun, cancelRun, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancelRun()
	byType, cancelType, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "triage", EventTypes: []string{"run_failed"}})
	require.NoError(t, err)
	defer cancelType()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-2", WorkflowID: "triage", Type: "step_started"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", WorkflowID: "triage", Type: "step_started"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-2", WorkflowID: "triage", Type: "run_failed"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-3", WorkflowID: "other", Type: "run_failed"}))

	assert.Equal(t, "run-1", recv(t, byRun).RunID)
	assertEmpty(t, byRun)

	got := recv(t, byType)
	assert.Equal(t, "run-2", got.RunID)
	assertEmpty(t, byType)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	const n = 3
	chans := make([]<-chan RunEvent, n)
	for i := range chans {
		ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
		require.NoError(t, err)
		defer cancel()
		chans[i] = ch
	}
	assert.Equal(t, n, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", Type: "run_started"}))
	for _, ch := range chans {
		assert.Equal(t, "run_started", recv(t, ch).Type)
	}
}

func TestCancelSubscriptionClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
	assert.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1"}), "publishing after cancel is safe")
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBackpressureDropsEvents(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(2))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", Type: "tool_call"}))
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, uint64(3), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(1000))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = hub.Publish(ctx, RunEvent{RunID: "run-1", Type: "step_started"})
			}
		}()
		go func() {
			defer wg.Done()
			_, c, err := hub.Subscribe(ctx, EventFilter{RunID: "none"})
			if err == nil {
				c()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 200)
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, RunEvent{}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
