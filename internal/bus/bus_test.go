package bus

import (
	"testing"
	"time"
)

type testEvent struct {
	seq      int
	terminal bool
}

func (e testEvent) Terminal() bool { return e.terminal }

func recv(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.Events():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestPublishSubscribeOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe("activation:progress:abc")
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		b.Publish("activation:progress:abc", testEvent{seq: i})
	}
	for i := 0; i < 5; i++ {
		msg := recv(t, sub)
		if got := msg.Payload.(testEvent).seq; got != i {
			t.Fatalf("message %d arrived out of order (seq %d)", i, got)
		}
	}
}

func TestWildcardFanOut(t *testing.T) {
	b := New()
	all := b.Subscribe("activation:progress:*")
	one := b.Subscribe("activation:progress:abc")
	other := b.Subscribe("activation:progress:xyz")
	defer all.Cancel()
	defer one.Cancel()
	defer other.Cancel()

	b.Publish("activation:progress:abc", testEvent{seq: 1})

	if msg := recv(t, all); msg.Topic != "activation:progress:abc" {
		t.Errorf("wildcard got topic %q", msg.Topic)
	}
	if msg := recv(t, one); msg.Payload.(testEvent).seq != 1 {
		t.Error("exact subscriber missed the event")
	}
	select {
	case msg := <-other.Events():
		t.Errorf("unrelated subscriber got %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish("nobody:listening", testEvent{seq: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestOverflowKeepsTerminalEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("activation:debug:abc")
	defer sub.Cancel()

	// Nobody reads while we flood well past the buffer, then finish with a
	// terminal event.
	for i := 0; i < DefaultBufferSize*2; i++ {
		b.Publish("activation:debug:abc", testEvent{seq: i})
	}
	b.Publish("activation:debug:abc", testEvent{seq: -1, terminal: true})

	if sub.Dropped() == 0 {
		t.Error("expected drops after overflowing the buffer")
	}

	sawTerminal := false
	deadline := time.After(2 * time.Second)
	for !sawTerminal {
		select {
		case msg := <-sub.Events():
			if msg.Payload.(testEvent).terminal {
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("terminal event was dropped")
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("activation:start:abc")
	sub.Cancel()
	sub.Cancel() // idempotent

	if n := b.SubscriberCount("activation:start:abc"); n != 0 {
		t.Errorf("subscriber count after cancel = %d, want 0", n)
	}
	b.Publish("activation:start:abc", testEvent{seq: 1})
	select {
	case msg, ok := <-sub.Events():
		if ok {
			t.Errorf("received %v after cancel", msg)
		}
	case <-time.After(100 * time.Millisecond):
	}
}
