// Package bus provides event bus abstractions for forksd.
package bus

import "github.com/forksd/forksd/internal/events"

// Handler is invoked for each event delivered to a subscription. Handlers
// run on the publishing goroutine and must not block; long work should be
// queued onto a worker.
type Handler func(event events.AgentEvent)

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe()
	IsValid() bool
}

// Bus is the in-process pub/sub carrying domain events. Delivery is
// at-most-once per registration and unordered across subscribers.
type Bus interface {
	// Publish delivers an event to every subscriber of the subject.
	Publish(subject string, event events.AgentEvent)

	// Subscribe registers a handler for a subject. Registration is additive;
	// removal is safe during dispatch.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down; further publishes are dropped.
	Close()
}
