package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/common/logger"
)

func collectOn(ch chan *Event) EventHandler {
	return func(_ context.Context, event *Event) error {
		ch <- event
		return nil
	}
}

func waitEvent(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch chan *Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event delivered: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	got := make(chan *Event, 1)
	sub, err := b.Subscribe("session.abc.events", collectOn(got))
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	event := NewEvent("session.text", "session", map[string]any{"seq": 1})
	require.NoError(t, b.Publish(context.Background(), "session.abc.events", event))

	delivered := waitEvent(t, got)
	assert.Equal(t, event.ID, delivered.ID)
	assert.Equal(t, "session.text", delivered.Type)
}

func TestMemoryBusWildcardSubjects(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	single := make(chan *Event, 4)
	multi := make(chan *Event, 4)
	_, err := b.Subscribe("workqueue.task.*", collectOn(single))
	require.NoError(t, err)
	_, err = b.Subscribe("workqueue.>", collectOn(multi))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "workqueue.task.claimed", NewEvent("claimed", "workqueue", nil)))
	require.NoError(t, b.Publish(ctx, "workqueue.task.abc.status", NewEvent("status", "workqueue", nil)))

	// "*" matches exactly one token, ">" matches the rest of the subject.
	assert.Equal(t, "claimed", waitEvent(t, single).Type)
	first := waitEvent(t, multi)
	second := waitEvent(t, multi)
	assert.ElementsMatch(t, []string{"claimed", "status"}, []string{first.Type, second.Type})
	assertNoEvent(t, single)
}

func TestCompilePatternWildcards(t *testing.T) {
	single := compilePattern("workqueue.task.*")
	require.NotNil(t, single)
	assert.True(t, matches("workqueue.task.claimed", "workqueue.task.*", single))
	assert.False(t, matches("workqueue.task.abc.status", "workqueue.task.*", single))

	multi := compilePattern("workqueue.>")
	require.NotNil(t, multi)
	assert.True(t, matches("workqueue.task.claimed", "workqueue.>", multi))
	assert.True(t, matches("workqueue.task.abc.status", "workqueue.>", multi))
	assert.False(t, matches("mission.execution.started", "workqueue.>", multi))

	assert.Nil(t, compilePattern("session.abc.events"))
	assert.True(t, matches("session.abc.events", "session.abc.events", nil))
}

func TestMemoryBusNonMatchingSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	got := make(chan *Event, 1)
	_, err := b.Subscribe("mission.execution.started", collectOn(got))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "mission.execution.finished",
		NewEvent("finished", "mission", nil)))
	assertNoEvent(t, got)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	got := make(chan *Event, 1)
	sub, err := b.Subscribe("rareevent.created", collectOn(got))
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "rareevent.created",
		NewEvent("created", "rareevent", nil)))
	assertNoEvent(t, got)
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	got := make(chan *Event, 4)
	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe("workqueue.task.created", "workers", collectOn(got))
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "workqueue.task.created",
		NewEvent("created", "workqueue", nil)))

	waitEvent(t, got)
	assertNoEvent(t, got)
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	require.True(t, b.IsConnected())

	sub, err := b.Subscribe("session.abc.events", func(context.Context, *Event) error { return nil })
	require.NoError(t, err)

	b.Close()
	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())

	err = b.Publish(context.Background(), "session.abc.events", NewEvent("text", "session", nil))
	assert.Error(t, err)
	_, err = b.Subscribe("session.abc.events", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}
