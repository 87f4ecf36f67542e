package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersKinds(t *testing.T) {
	b := New()
	all := b.Subscribe()
	transitions := b.Subscribe(KindTransition)

	b.Publish(Event{Kind: KindTick})
	b.Publish(Event{Kind: KindTransition, To: "Balanced"})

	assert.Len(t, all.Events, 2)
	require.Len(t, transitions.Events, 1)
	e := <-transitions.Events
	assert.Equal(t, "Balanced", e.To)
	assert.NotEqual(t, all.ID, transitions.ID)
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	sub := b.Subscribe(KindTick)

	for i := 0; i < subscriberBuffer+3; i++ {
		b.Publish(Event{Kind: KindTick})
	}

	assert.Len(t, sub.Events, subscriberBuffer)
	assert.Equal(t, uint64(3), b.Dropped())
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Unsubscribe(sub.ID)

	_, open := <-sub.Events
	assert.False(t, open)

	other := b.Subscribe()
	b.Close()
	_, open = <-other.Events
	assert.False(t, open)

	assert.Nil(t, b.Subscribe())
	b.Publish(Event{Kind: KindTick})
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "forced_safe", KindForcedSafe.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
