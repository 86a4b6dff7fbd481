package bus_test

import (
	"testing"

	"github.com/basket/koclaw/internal/bus"
)

func TestPublishReachesPrefixMatch(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("delivery.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicDeliveryEnqueued, bus.DeliveryEvent{DeliveryID: "d1", ChannelPrefix: "telegram"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicDeliveryEnqueued {
			t.Fatalf("topic = %q, want %q", ev.Topic, bus.TopicDeliveryEnqueued)
		}
		payload, ok := ev.Payload.(bus.DeliveryEvent)
		if !ok || payload.DeliveryID != "d1" {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	default:
		t.Fatal("expected buffered event")
	}
}

func TestPublishSkipsNonMatchingPrefix(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("delivery.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicRunFailed, bus.RunEvent{TaskID: "t1", Error: "boom"})

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %v", ev.Topic)
	default:
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicRunCompleted, bus.RunEvent{TaskID: "t1"})
	b.Publish(bus.TopicDeliveryDelivered, bus.DeliveryEvent{DeliveryID: "d1"})

	if got := len(sub.Ch()); got != 2 {
		t.Fatalf("buffered events = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}
