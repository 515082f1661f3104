package interceptor

import (
	"testing"
)

func TestEventBroker_PublishSubscribe(t *testing.T) {
	b := NewEventBroker()
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	if b.Subscribers() != 2 {
		t.Fatalf("Subscribers() = %d, want 2", b.Subscribers())
	}

	b.Publish(Transaction{ID: "a"})

	if got := <-ch1; got.ID != "a" {
		t.Errorf("subscriber 1 got %q", got.ID)
	}
	if got := <-ch2; got.ID != "a" {
		t.Errorf("subscriber 2 got %q", got.ID)
	}

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("cancelled channel should be closed")
	}
	if b.Subscribers() != 1 {
		t.Errorf("Subscribers() after cancel = %d, want 1", b.Subscribers())
	}
}

func TestEventBroker_SlowSubscriberDrops(t *testing.T) {
	b := NewEventBroker()
	b.BufferSize = 2
	ch, cancel := b.Subscribe()
	defer cancel()

	for range 5 {
		b.Publish(Transaction{ID: "x"})
	}

	if got := b.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if len(ch) != 2 {
		t.Errorf("buffered = %d, want 2", len(ch))
	}
}

func TestEventBroker_PublishesCopies(t *testing.T) {
	b := NewEventBroker()
	ch, cancel := b.Subscribe()
	defer cancel()

	tx := Transaction{ID: "a", Tags: []string{"one"}}
	b.Publish(tx)
	tx.Tags[0] = "mutated"

	if got := <-ch; got.Tags[0] != "one" {
		t.Errorf("subscriber saw %v, want an isolated copy", got.Tags)
	}
}

func TestEventBroker_NoSubscribers(t *testing.T) {
	b := NewEventBroker()
	b.Publish(Transaction{ID: "a"})
	if b.Dropped() != 0 {
		t.Error("publishing without subscribers should not count drops")
	}
}
