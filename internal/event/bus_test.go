package event

import "testing"

func TestPublishFansOut(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Type: Notification, Payload: "hello"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != Notification || ev.Payload != "hello" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	// Cancel twice is safe.
	cancel()

	b.Publish(Event{Type: Notification})
	if _, ok := <-ch; ok {
		t.Fatal("cancelled channel should be closed and drained")
	}
}

func TestSlowSubscriberSkippedNotBlocked(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	// Overfill the buffer; Publish must never block.
	for i := 0; i < 200; i++ {
		b.Publish(Event{Type: Notification, Payload: i})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer = %d/%d, want full", len(ch), cap(ch))
	}
}
