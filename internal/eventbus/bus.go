package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight signal delivered to a user's real-time listeners.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and JSON-serializable; the dashboard boundary ships
// it to listeners verbatim.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"-"`
	Data any       `json:"data,omitempty"`
}

// Event types delivered over the real-time channel.
const (
	TypeQR     = "qr"
	TypeStatus = "status"
	TypeLog    = "log"
)

// QRPayload carries the freshly rendered pairing image.
type QRPayload struct {
	QRImage string `json:"qrImage"`
}

// StatusPayload carries a session status transition.
type StatusPayload struct {
	Status          string `json:"status"`
	ConnectedNumber string `json:"connectedNumber,omitempty"`
}

func QR(image string) Event {
	return Event{Type: TypeQR, Data: QRPayload{QRImage: image}}
}

func Status(status, connectedNumber string) Event {
	return Event{Type: TypeStatus, Data: StatusPayload{Status: status, ConnectedNumber: connectedNumber}}
}

// Log is a hint to refetch recent audit entries; it carries no payload.
func Log() Event { return Event{Type: TypeLog} }

// Bus fans events out to the listeners subscribed for a given user.
// Events for other users are never delivered.
type Bus interface {
	Publish(userID string, e Event)
	Subscribe(userID string, buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory per-user fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[string]map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(userID string, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs[userID]))
	for _, ch := range b.subs[userID] {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(userID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	m := b.subs[userID]
	if m == nil {
		m = map[uint64]chan Event{}
		b.subs[userID] = m
	}
	m[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if m := b.subs[userID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subs, userID)
				}
			}
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
