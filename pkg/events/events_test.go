package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdeck/fleet/pkg/types"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Publish(&types.LifecycleEvent{
		PodName:   "editor-a",
		EventType: types.EventAssigned,
		TenantID:  "tenant-1",
	})

	select {
	case ev := <-sub:
		assert.Equal(t, "editor-a", ev.PodName)
		assert.Equal(t, types.EventAssigned, ev.EventType)
		assert.False(t, ev.CreatedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	a := broker.Subscribe()
	b := broker.Subscribe()

	broker.Publish(&types.LifecycleEvent{PodName: "editor-a", EventType: types.EventCreated})

	for _, sub := range []Subscriber{a, b} {
		select {
		case ev := <-sub:
			assert.Equal(t, "editor-a", ev.PodName)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()

	// Overflow the subscriber buffer; Publish must never block
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			broker.Publish(&types.LifecycleEvent{PodName: "editor-a", EventType: types.EventCreated})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The subscriber still received up to its buffer's worth
	require.Eventually(t, func() bool { return len(sub) > 0 }, time.Second, 10*time.Millisecond)
}
