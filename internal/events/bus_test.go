package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe(TopicAlertsFired, 4)
	c := b.Subscribe(TopicAlertsFired, 4)

	b.Publish(Event{Topic: TopicAlertsFired, Kind: "fired", Source: "rule-1"})

	select {
	case e := <-a:
		assert.Equal(t, "fired", e.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive event")
	}
	select {
	case e := <-c:
		assert.Equal(t, "fired", e.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber c did not receive event")
	}
}

func TestPublishIsolatesSlowSubscriber(t *testing.T) {
	b := New()
	slow := b.Subscribe(TopicBudgetUpdate, 1)
	fast := b.Subscribe(TopicBudgetUpdate, 4)

	b.Publish(Event{Topic: TopicBudgetUpdate, Kind: "first"})
	b.Publish(Event{Topic: TopicBudgetUpdate, Kind: "second"})

	// slow's queue (cap 1) should now hold only "second"; "first" was dropped.
	select {
	case e := <-slow:
		assert.Equal(t, "second", e.Kind)
	default:
		t.Fatal("slow subscriber has no queued event")
	}
	require.EqualValues(t, 1, b.DroppedCount(TopicBudgetUpdate, slow))

	// fast subscriber saw both, unaffected by slow's drop.
	first := <-fast
	second := <-fast
	assert.Equal(t, "first", first.Kind)
	assert.Equal(t, "second", second.Kind)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicSystemStatus, 1)
	require.Equal(t, 1, b.SubscriberCount(TopicSystemStatus))

	b.Unsubscribe(TopicSystemStatus, ch)
	b.Unsubscribe(TopicSystemStatus, ch) // must not panic

	assert.Equal(t, 0, b.SubscriberCount(TopicSystemStatus))
}

func TestPublishToTopicWithNoSubscribersIsNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() {
		b.Publish(Event{Topic: TopicTelemetryRaw, Kind: "noop"})
	})
}
