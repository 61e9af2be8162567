package storage

import (
	"context"

	"solana-event-listener/internal/domain"
)

// EventSink persists canonical events. Append is called from a single
// goroutine in receipt order; implementations must not reorder events.
type EventSink interface {
	// Append writes one event. Returns an error wrapping ErrWriteFailed when the
	// event could not be persisted.
	Append(ctx context.Context, e domain.Event) error

	// Close releases the sink's resources.
	Close() error
}

// EventReader reads back persisted events in append order.
type EventReader interface {
	// Events returns every event appended so far.
	Events(ctx context.Context) ([]domain.Event, error)
}
