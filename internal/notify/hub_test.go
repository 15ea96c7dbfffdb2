package notify

import (
	"context"
	"testing"
	"time"

	"fulfillment/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub(4)
	a, cancelA := hub.Subscribe()
	b, cancelB := hub.Subscribe()
	defer cancelB()
	assert.Equal(t, 2, hub.Len())

	ev := NewOrderAggregateChanged(7, model.StatusPacked)
	require.NoError(t, hub.Publish(context.Background(), ev))

	for _, ch := range []<-chan Event{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, EventOrderAggregateChanged, got.Name)
			assert.Equal(t, OrderAggregateChanged{OrderID: 7, Status: model.StatusPacked}, got.Payload)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Len())
}

func TestHubDropsForSlowObserver(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(context.Background(), NewAgentLedgerChanged(1, i)))
	}
	got := <-ch
	assert.Equal(t, AgentLedgerChanged{AgentID: 1, Count: 0}, got.Payload)
	select {
	case <-ch:
		t.Fatal("expected later events to be dropped")
	default:
	}
}

type failingBus struct{}

func (failingBus) Publish(context.Context, Event) error { return assert.AnError }

func TestMultiJoinsErrors(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe()
	defer cancel()

	err := Multi{failingBus{}, hub}.Publish(context.Background(), NewAgentLedgerChanged(2, 1))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, ch, 1)
}
