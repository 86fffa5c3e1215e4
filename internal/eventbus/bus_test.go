package eventbus

import (
	"testing"
)

func TestPerUserIsolation(t *testing.T) {
	t.Parallel()
	b := New()

	chA, unsubA := b.Subscribe("a", 4)
	defer unsubA()
	chB, unsubB := b.Subscribe("b", 4)
	defer unsubB()

	b.Publish("a", QR("img-a"))

	select {
	case e := <-chA:
		if e.Type != TypeQR {
			t.Fatalf("Type = %s, want qr", e.Type)
		}
		payload, ok := e.Data.(QRPayload)
		if !ok || payload.QRImage != "img-a" {
			t.Fatalf("Data = %#v", e.Data)
		}
	default:
		t.Fatal("subscriber a received nothing")
	}
	select {
	case e := <-chB:
		t.Fatalf("subscriber b leaked event %#v", e)
	default:
	}
}

func TestPublishStampsTime(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("u", 1)
	defer unsub()

	b.Publish("u", Log())
	e := <-ch
	if e.Time.IsZero() {
		t.Fatal("event time not stamped")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("u", 1)
	defer unsub()

	b.Publish("u", Status("connecting", ""))
	b.Publish("u", Status("active", "+1")) // buffer full, dropped

	first := <-ch
	if first.Data.(StatusPayload).Status != "connecting" {
		t.Fatalf("first = %#v", first.Data)
	}
	select {
	case e := <-ch:
		t.Fatalf("overflow event delivered: %#v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("u", 1)

	unsub()
	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish("u", Log())
	// Double unsubscribe is a no-op.
	unsub()
}
