package memory

import (
	"context"
	"sync"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/storage"
)

// EventStore is an in-memory implementation of storage.EventSink.
// A non-nil FailWith makes every Append fail with that error.
type EventStore struct {
	mu       sync.RWMutex
	data     []domain.Event
	closed   bool
	FailWith error
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{data: make([]domain.Event, 0)}
}

// Compile-time interface checks.
var (
	_ storage.EventSink   = (*EventStore)(nil)
	_ storage.EventReader = (*EventStore)(nil)
)

// Append stores e.
func (s *EventStore) Append(_ context.Context, e domain.Event) error {
	if e == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	if s.FailWith != nil {
		return s.FailWith
	}
	s.data = append(s.data, e)
	return nil
}

// Events returns a copy of the stored events in append order.
func (s *EventStore) Events(_ context.Context) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Event, len(s.data))
	copy(out, s.data)
	return out, nil
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close marks the store closed.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
