package events

import (
	"testing"

	"github.com/rs/zerolog"
)

type testEvent struct {
	Kind  string
	Topic string
}

func TestPublishFanOut(t *testing.T) {
	bus := NewBus[testEvent](zerolog.Nop(), 4)
	defer bus.Close()

	_, ch1 := bus.Subscribe()
	_, ch2 := bus.Subscribe()

	bus.Publish(testEvent{Kind: "message", Topic: "abc"})

	for i, ch := range []<-chan testEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Topic != "abc" {
				t.Errorf("subscriber %d got wrong topic %q", i, ev.Topic)
			}
		default:
			t.Errorf("subscriber %d got no event", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus[testEvent](zerolog.Nop(), 4)
	defer bus.Close()

	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(testEvent{Kind: "message"})
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus[testEvent](zerolog.Nop(), 1)
	defer bus.Close()

	bus.Subscribe() // never drained

	// More events than the buffer holds; extra events are dropped.
	for i := 0; i < 10; i++ {
		bus.Publish(testEvent{Kind: "message"})
	}
}

func TestCloseIdempotent(t *testing.T) {
	bus := NewBus[testEvent](zerolog.Nop(), 1)
	_, ch := bus.Subscribe()

	bus.Close()
	bus.Close()

	if _, open := <-ch; open {
		t.Error("channel still open after close")
	}

	// Subscribe after close yields a closed channel.
	_, ch2 := bus.Subscribe()
	if _, open := <-ch2; open {
		t.Error("subscribe after close should return closed channel")
	}
}
