package stability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FanOut(t *testing.T) {
	h := NewHub()
	a := h.Subscribe()
	b := h.Subscribe()
	defer a.Cancel()
	defer b.Cancel()

	h.Publish([]Mutation{{Type: MutationChildList}})
	h.PublishLoad()

	for _, s := range []*Subscription{a, b} {
		ev := <-s.C
		assert.Equal(t, EventMutations, ev.Kind)
		assert.Len(t, ev.Mutations, 1)
		ev = <-s.C
		assert.Equal(t, EventLoad, ev.Kind)
	}
}

func TestHub_EmptyBatchIgnored(t *testing.T) {
	h := NewHub()
	s := h.Subscribe()
	defer s.Cancel()

	h.Publish(nil)
	assert.Empty(t, s.C)
}

func TestHub_CancelIdempotent(t *testing.T) {
	h := NewHub()
	s := h.Subscribe()
	s.Cancel()
	s.Cancel()

	require.Zero(t, h.Subscribers())
	_, ok := <-s.C
	assert.False(t, ok)

	h.Publish([]Mutation{{Type: MutationChildList}})
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	s := h.Subscribe()
	h.Close()

	_, ok := <-s.C
	assert.False(t, ok)
	s.Cancel()

	late := h.Subscribe()
	_, ok = <-late.C
	assert.False(t, ok)
	late.Cancel()
}
