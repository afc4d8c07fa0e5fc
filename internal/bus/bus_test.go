package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aegate/internal/bus"
	"github.com/Mindburn-Labs/aegate/internal/envelope"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("fused.track")
	defer sub.Close()

	env := &envelope.Envelope{Producer: "pub_ae", Subject: "fused.track"}
	b.Publish("fused.track", env)

	select {
	case got := <-sub.Events():
		assert.Equal(t, env, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublish_NoSubscribersDoesNotBlock(t *testing.T) {
	b := bus.New()
	b.Publish("nobody.listening", &envelope.Envelope{})
}

func TestPublish_ExactSubjectMatchOnly(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("a.topic")
	defer sub.Close()

	b.Publish("b.topic", &envelope.Envelope{Subject: "b.topic"})

	select {
	case <-sub.Events():
		t.Fatal("subscriber to a.topic must not receive b.topic events")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublish_FullQueueEvictsSlowSubscriber(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("busy.topic")

	for i := 0; i < bus.QueueCapacity+5; i++ {
		b.Publish("busy.topic", &envelope.Envelope{Subject: "busy.topic"})
	}

	_, open := <-sub.Events()
	for open {
		_, open = <-sub.Events()
	}
	assert.Equal(t, 0, b.SubscriberCount("busy.topic"), "an evicted subscriber must be removed from the subject's set")
}

func TestClose_ReleasesSubscription(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("topic")
	require.Equal(t, 1, b.SubscriberCount("topic"))

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount("topic"))

	_, open := <-sub.Events()
	assert.False(t, open)

	sub.Close() // must not panic on double close
}
