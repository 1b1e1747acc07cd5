package lifecycle

import "github.com/ashureev/anm-bot/internal/domain"

// Publisher receives every lifecycle event the manager emits. Publish is
// called from the manager's run loop and must not block.
type Publisher interface {
	Publish(evt domain.Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(evt domain.Event)

// Publish calls f.
func (f PublisherFunc) Publish(evt domain.Event) { f(evt) }

// Publishers fans an event out in order.
type Publishers []Publisher

// Publish delivers evt to every non-nil publisher.
func (ps Publishers) Publish(evt domain.Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(evt)
		}
	}
}
