package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	b := New(nil)

	var got []any
	b.Subscribe(EventProgress, func(payload any) {
		got = append(got, payload)
	})

	b.Publish(EventProgress, 1)
	b.Publish(EventProgress, 2)

	assert.Equal(t, []any{1, 2}, got)
}

func TestDeliveryInRegistrationOrder(t *testing.T) {
	t.Parallel()

	b := New(nil)

	var order []string
	b.Subscribe(EventMessage, func(any) { order = append(order, "first") })
	b.Subscribe(EventMessage, func(any) { order = append(order, "second") })
	b.Subscribe(EventMessage, func(any) { order = append(order, "third") })

	b.Publish(EventMessage, nil)

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New(nil)

	count := 0
	unsub := b.Subscribe(EventConnectionState, func(any) { count++ })

	b.Publish(EventConnectionState, nil)
	unsub()
	b.Publish(EventConnectionState, nil)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, b.SubscriberCount(EventConnectionState))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New(nil)

	unsub := b.Subscribe(EventProgress, func(any) {})
	other := 0
	b.Subscribe(EventProgress, func(any) { other++ })

	unsub()
	unsub()

	b.Publish(EventProgress, nil)
	assert.Equal(t, 1, other)
	assert.Equal(t, 1, b.SubscriberCount(EventProgress))
}

func TestPanickingHandlerIsolated(t *testing.T) {
	t.Parallel()

	b := New(nil)

	var after []int
	b.Subscribe(EventMessage, func(any) { panic("subscriber bug") })
	b.Subscribe(EventMessage, func(payload any) { after = append(after, payload.(int)) })

	require.NotPanics(t, func() {
		b.Publish(EventMessage, 1)
		b.Publish(EventMessage, 2)
	})

	assert.Equal(t, []int{1, 2}, after)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	t.Parallel()

	b := New(nil)
	require.NotPanics(t, func() {
		b.Publish("nobody.listens", "payload")
	})
}

func TestIndependentEvents(t *testing.T) {
	t.Parallel()

	b := New(nil)

	progress := 0
	state := 0
	b.Subscribe(EventProgress, func(any) { progress++ })
	b.Subscribe(EventConnectionState, func(any) { state++ })

	b.Publish(EventProgress, nil)
	b.Publish(EventProgress, nil)
	b.Publish(EventConnectionState, nil)

	assert.Equal(t, 2, progress)
	assert.Equal(t, 1, state)
}
