package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/canvasbridge/execution"
)

// StoreSubscriber writes events to an EventStore. Append failures are
// logged and never interrupt the event stream.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{store: store, logger: logger}
}

// Handle persists a single event.
func (s *StoreSubscriber) Handle(event execution.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"phase", event.Phase,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Drain persists every event from sub until its channel closes.
func (s *StoreSubscriber) Drain(sub Subscription) {
	for e := range sub.Events() {
		s.Handle(e)
	}
}
