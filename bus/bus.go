// Package bus fans execution events out to observers (the run-event SSE
// endpoint, CLI printers, the run-history store) and persists them for
// replay.
package bus

import (
	"context"

	"github.com/petal-labs/canvasbridge/execution"
)

// EventBus distributes execution events to subscribers.
type EventBus interface {
	// Publish sends an event to every subscriber of its run and to every
	// global subscriber.
	Publish(event execution.Event)

	// Subscribe registers a subscriber for one run.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber for every run.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events until closed.
type Subscription interface {
	Events() <-chan execution.Event
	Close() error
}

// EventStore persists run events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event execution.Event) error

	// List returns a run's events with Seq > afterSeq in Seq order, at most
	// limit of them (0 means no limit).
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]execution.Event, error)

	// LatestSeq returns the highest Seq stored for a run (0 if none).
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// RunIDs returns the distinct run ids, oldest first.
	RunIDs(ctx context.Context) ([]string, error)
}
