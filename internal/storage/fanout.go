package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"solana-event-listener/internal/domain"
)

// NamedSink pairs a sink with the name used in error messages.
type NamedSink struct {
	Name string
	Sink EventSink
	// Timeout bounds each Append on this sink. Zero leaves only the
	// caller's context.
	Timeout time.Duration
}

// Fanout appends every event to each sink in order. A failing sink does not
// prevent the remaining sinks from receiving the event.
type Fanout struct {
	sinks []NamedSink
}

// NewFanout creates a Fanout over sinks, in the given order.
func NewFanout(sinks ...NamedSink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Compile-time interface check.
var _ EventSink = (*Fanout)(nil)

// Append writes e to every sink. The returned error joins one error per
// failing sink; see Failures. A sink that exceeds its Timeout fails with
// ErrWriteFailed and the remaining sinks still receive e.
func (f *Fanout) Append(ctx context.Context, e domain.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := appendOne(ctx, s, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func appendOne(ctx context.Context, s NamedSink, e domain.Event) error {
	if s.Timeout <= 0 {
		return s.Sink.Append(ctx, e)
	}

	sinkCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	err := s.Sink.Append(sinkCtx, e)
	if err != nil && ctx.Err() == nil && errors.Is(sinkCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out after %s: %v", ErrWriteFailed, s.Timeout, err)
	}
	return err
}

// Close closes every sink and joins their errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Failures returns the individual sink failures carried by err, as produced
// by Fanout.Append. A plain error counts as a single failure.
func Failures(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
