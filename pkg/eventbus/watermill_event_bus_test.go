package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syftflow/syftflow/pkg/channels/gochannel"
	"github.com/syftflow/syftflow/pkg/events"
)

func newTestBus(t *testing.T) EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBusPublishSubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.StepCompleted, 1)

	require.NoError(t, bus.Handle(events.StepCompletedEvent, func(_ context.Context, event interface{}) error {
		completed, ok := event.(*events.StepCompleted)
		require.True(t, ok)
		received <- completed

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	err := bus.Publish(ctx, "run-1", events.StepCompleted{
		BaseEvent: events.BaseEvent{
			ID:        bus.GenerateID(),
			Type:      events.StepCompletedEvent,
			Timestamp: time.Now().UTC(),
			RunID:     "run-1",
			Identity:  "c1@x",
		},
		StepID:  "generate",
		Outputs: map[string]string{"stats": "shared/run-1/stats.json"},
	})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "generate", got.StepID)
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, "shared/run-1/stats.json", got.Outputs["stats"])
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBusIgnoresUnhandledTypes(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered for this type; publishing must still succeed.
	err := bus.Publish(ctx, "run-1", events.RunStarted{
		BaseEvent: events.BaseEvent{ID: bus.GenerateID(), Type: events.RunStartedEvent, RunID: "run-1"},
		FlowName:  "federated-gwas",
	})
	assert.NoError(t, err)
}
