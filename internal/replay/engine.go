package replay

import (
	"context"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/storage"
)

// ReplayEngine processes replayed events.
type ReplayEngine interface {
	// OnEvent is called for each event in log order.
	OnEvent(ctx context.Context, event domain.Event) error
}

// SinkEngine appends every replayed event to a sink. Sink failures are
// counted and replay continues unless StopOnError is set.
type SinkEngine struct {
	Sink        storage.EventSink
	StopOnError bool

	appended int
	failed   int
}

// OnEvent appends event to the sink.
func (e *SinkEngine) OnEvent(ctx context.Context, event domain.Event) error {
	if err := e.Sink.Append(ctx, event); err != nil {
		e.failed++
		if e.StopOnError {
			return err
		}
		return nil
	}
	e.appended++
	return nil
}

// Appended returns how many events the sink accepted.
func (e *SinkEngine) Appended() int { return e.appended }

// Failed returns how many appends failed.
func (e *SinkEngine) Failed() int { return e.failed }

// Multi fans one event out to several engines in order, stopping at the
// first error.
type Multi []ReplayEngine

// OnEvent implements ReplayEngine.
func (m Multi) OnEvent(ctx context.Context, event domain.Event) error {
	for _, engine := range m {
		if err := engine.OnEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
