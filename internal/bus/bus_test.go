package bus

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(TopicDataPointUpdated, 4)
	defer unsubscribe()

	b.Publish(TopicDataPointUpdated, "fan1.running_feedback")

	evt := <-ch
	if evt.Topic != TopicDataPointUpdated || evt.Payload != "fan1.running_feedback" {
		t.Fatalf("got %+v", evt)
	}
}

func TestPublishToUnsubscribedTopicDoesNotBlock(t *testing.T) {
	b := New()
	b.Publish(TopicFailsafeStatus, "no listeners")
}

func TestPublishDropsOldestOnFullMailbox(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(TopicEquipmentStatus, 1)
	defer unsubscribe()

	b.Publish(TopicEquipmentStatus, 1)
	b.Publish(TopicEquipmentStatus, 2) // mailbox full; drops 1, keeps 2

	evt := <-ch
	if evt.Payload != 2 {
		t.Fatalf("payload = %v, want 2 (oldest dropped)", evt.Payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(TopicFailsafeStatus, 4)
	unsubscribe()

	b.Publish(TopicFailsafeStatus, "after unsubscribe")

	if _, ok := <-ch; ok {
		t.Fatal("want channel closed, no delivery")
	}
}
