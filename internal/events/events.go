// Package events fans runtime events out to subscribers (gateway clients,
// the archive writer, tests). Handlers run synchronously on the emitting
// goroutine and must not block.
package events

import (
	"sync"

	"github.com/nextlevelbuilder/goswarm/internal/clock"
)

// Event is a named runtime occurrence with a JSON-ready payload.
type Event struct {
	Name    string      `json:"name"`
	At      clock.Stamp `json:"at"`
	Payload interface{} `json:"payload,omitempty"`
}

// Handler receives broadcast events.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription so the scheduler and
// gateway stay decoupled.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Emit(name string, payload interface{})
}

// Broker is the in-process Publisher.
type Broker struct {
	mu    sync.RWMutex
	subs  map[string]Handler
	clock clock.Clock
}

func NewBroker(c clock.Clock) *Broker {
	return &Broker{subs: make(map[string]Handler), clock: c}
}

// Subscribe registers handler under id, replacing any previous handler
// with the same id.
func (b *Broker) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit stamps and delivers the event to every subscriber. Delivery order
// across subscribers is unspecified.
func (b *Broker) Emit(name string, payload interface{}) {
	evt := Event{Name: name, At: clock.Now(b.clock), Payload: payload}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}
