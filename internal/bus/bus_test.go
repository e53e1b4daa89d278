package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("store.", 10)
	defer unsub()

	b.Emit(KindStoreChanged, "C1")

	select {
	case evt := <-ch:
		if evt.Kind != KindStoreChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindStoreChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit did not stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("live.", 10)
	defer unsub()

	b.Emit(KindStoreChanged, nil)
	b.Emit(KindLiveTyping, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindLiveTyping {
			t.Errorf("got kind %q, want %s", evt.Kind, KindLiveTyping)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyPrefixReceivesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Emit(KindStoreChanged, nil)
	b.Emit(KindHistoryError, nil)

	for _, want := range []string{KindStoreChanged, KindHistoryError} {
		if evt := <-ch; evt.Kind != want {
			t.Errorf("got kind %q, want %s", evt.Kind, want)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("store.", 10)
	unsub()
	unsub()

	b.Emit(KindStoreChanged, nil)

	if _, ok := <-ch; ok {
		t.Error("received event after unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("live.", 1)
	defer unsub()

	b.Emit(KindLiveState, 1)
	b.Emit(KindLiveState, 2)

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("got payload %v, want 1", evt.Payload)
	}
	select {
	case evt := <-ch:
		t.Errorf("second event should have been dropped, got %v", evt)
	default:
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	b.Close()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}

	late, _ := b.Subscribe("", 1)
	if _, ok := <-late; ok {
		t.Error("subscription after Close should be closed")
	}
}
