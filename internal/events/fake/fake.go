// Package fake provides an in-memory events.Publisher for tests.
package fake

import (
	"sync"

	"github.com/chargeplatform/control-plane/internal/events"
)

// Publisher records every event published to it.
type Publisher struct {
	mu     sync.Mutex
	events []events.Event
}

func New() *Publisher { return &Publisher{} }

func (p *Publisher) Publish(e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *Publisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}
