package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(nil)
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)
	defer cancelA()
	defer cancelB()

	h.Publish(Event{Type: OperationAdded, OperationID: "op-1", Total: 1})

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		assert.Equal(t, OperationAdded, ev.Type)
		assert.Equal(t, "op-1", ev.OperationID)
		assert.False(t, ev.At.IsZero())
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(Event{Type: RecordingStarted})
	h.Publish(Event{Type: RecordingStopped})

	ev := <-ch
	assert.Equal(t, RecordingStarted, ev.Type)
	assert.Empty(t, ch)
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe(0)
	require.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	assert.Zero(t, h.Subscribers())
	_, ok := <-ch
	assert.False(t, ok)

	h.Publish(Event{Type: RecordsCleared})
}
