package replay

import (
	"context"
	"fmt"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/storage"
)

// Filter selects events to replay. Zero values match everything.
type Filter struct {
	FromSlot uint64 // inclusive
	ToSlot   uint64 // inclusive; 0 means no upper bound
	Kind     domain.EventKind
}

// Validate checks the slot bounds.
func (f Filter) Validate() error {
	if f.ToSlot != 0 && f.FromSlot > f.ToSlot {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRange, f.FromSlot, f.ToSlot)
	}
	switch f.Kind {
	case "", domain.EventKindLog, domain.EventKindAccount:
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", f.Kind)
	}
}

// Match reports whether e passes the filter.
func (f Filter) Match(e domain.Event) bool {
	if f.Kind != "" && e.Kind() != f.Kind {
		return false
	}
	slot := e.EventSlot()
	if slot < f.FromSlot {
		return false
	}
	if f.ToSlot != 0 && slot > f.ToSlot {
		return false
	}
	return true
}

// Runner loads events from an event log and replays them in the order they
// were stored. Events are never reordered: the log order is receipt order.
type Runner struct {
	source storage.EventReader
}

// NewRunner creates a new replay runner.
func NewRunner(source storage.EventReader) *Runner {
	return &Runner{source: source}
}

// Run replays every event matching filter through the engine and returns
// how many were replayed.
func (r *Runner) Run(ctx context.Context, filter Filter, engine ReplayEngine) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	events, err := r.source.Events(ctx)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}

	replayed := 0
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if !filter.Match(event) {
			continue
		}
		if err := engine.OnEvent(ctx, event); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}
