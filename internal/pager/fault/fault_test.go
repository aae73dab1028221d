package fault

import (
	"testing"
	"time"
)

func TestEventBrokerPublishAndClose(t *testing.T) {
	b := newEventBroker(4)
	b.publish(Event{Page: 1, Write: false})
	b.publish(Event{Page: 2, Write: true})

	e := <-b.ch
	if e.Page != 1 {
		t.Fatalf("got page %d, want 1", e.Page)
	}
	e = <-b.ch
	if !e.Write {
		t.Fatal("expected Write=true for second event")
	}

	b.close()
	if _, ok := <-b.ch; ok {
		t.Fatal("expected channel closed after close()")
	}
}

func TestEventBrokerPublishAfterCloseDoesNotPanic(t *testing.T) {
	b := newEventBroker(1)
	b.close()
	done := make(chan struct{})
	go func() {
		b.publish(Event{Page: 9})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish after close should not block forever")
	}
}

func TestEventBrokerBlocksWhenFull(t *testing.T) {
	b := newEventBroker(1)
	b.publish(Event{Page: 1})

	published := make(chan struct{})
	go func() {
		b.publish(Event{Page: 2})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("expected publish to block while buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	<-b.ch
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish should unblock once buffer drains")
	}
}
