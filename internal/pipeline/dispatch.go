// Package pipeline routes normalization outcomes to storage and metrics.
package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/observability"
	"solana-event-listener/internal/storage"
)

// Dispatcher forwards each normalized event to the sink and the metrics,
// synchronously and in the order Dispatch is called. Storage failures are
// counted and logged; they never stop the stream.
type Dispatcher struct {
	sink    storage.EventSink
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DispatcherOptions contains configuration for creating a Dispatcher.
type DispatcherOptions struct {
	Sink    storage.EventSink
	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(observability.DefaultNamespace, nil)
	}
	return &Dispatcher{
		sink:    opts.Sink,
		metrics: metrics,
		logger:  logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch handles one normalization outcome. When normErr is non-nil the
// event is dropped and a malformed_payload error is counted. Otherwise the
// event is counted and appended to the sink; one storage_write_failed is
// counted per failing sink. The returned error is the storage error, already
// recorded; callers need not act on it.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.Event, normErr error) error {
	if normErr != nil {
		d.metrics.RecordError(domain.ErrKindMalformedPayload)
		d.logger.Warn().
			Str("kind", string(domain.ErrKindMalformedPayload)).
			Err(normErr).
			Msg("dropping notification")
		return nil
	}
	if event == nil {
		return nil
	}

	d.metrics.RecordEvent(event)

	if d.sink == nil {
		return nil
	}
	err := d.sink.Append(ctx, event)
	if err == nil {
		return nil
	}

	for _, failure := range storage.Failures(err) {
		d.metrics.RecordError(domain.ErrKindStorageWriteFailed)
		ev := d.logger.Error().
			Str("kind", string(domain.ErrKindStorageWriteFailed)).
			Str("event_kind", string(event.Kind())).
			Uint64("slot", event.EventSlot()).
			Err(failure)
		switch e := event.(type) {
		case *domain.LogEvent:
			ev = ev.Str("signature", e.Signature)
		case *domain.AccountEvent:
			ev = ev.Str("pubkey", e.Pubkey)
		}
		ev.Msg("storage append failed, event not persisted")
	}
	return err
}
