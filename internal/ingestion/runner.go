package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/observability"
)

// ErrTooManyRejections is returned by Supervisor.Run when the node rejected
// the subscription more times in a row than allowed.
var ErrTooManyRejections = errors.New("subscription rejected too many times")

// SupervisorState is the state of the reconnect loop.
type SupervisorState int32

const (
	SupervisorRunning SupervisorState = iota
	SupervisorBackoff
	SupervisorTerminated
)

func (s SupervisorState) String() string {
	switch s {
	case SupervisorRunning:
		return "running"
	case SupervisorBackoff:
		return "backoff"
	case SupervisorTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("supervisor_state(%d)", int32(s))
	}
}

// SupervisorOptions contains configuration for creating a Supervisor.
type SupervisorOptions struct {
	// Session is used to build a fresh Session for every attempt. Its
	// Backoff and Metrics fields are overwritten with the Supervisor's.
	Session SessionOptions
	Backoff *Backoff
	Metrics *observability.Metrics
	// MaxSubscribeRejections terminates Run after that many consecutive
	// subscribe_rejected outcomes. Zero retries forever.
	MaxSubscribeRejections int
	Logger                 *zerolog.Logger
}

// Supervisor runs Sessions one after another, sleeping between them
// according to the Backoff controller, until ctx is cancelled.
// It is the only place where retry policy is decided.
type Supervisor struct {
	backoff       *Backoff
	metrics       *observability.Metrics
	maxRejections int
	logger        zerolog.Logger
	state         atomic.Int32
	sessionsRun   atomic.Uint64
	runSession    func(ctx context.Context) SessionOutcome
	sleep         func(ctx context.Context, d time.Duration) bool
}

// NewSupervisor creates a new Supervisor.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	b := opts.Backoff
	if b == nil {
		b = NewBackoff(DefaultBackoffConfig())
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(observability.DefaultNamespace, nil)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	sessionOpts := opts.Session
	sessionOpts.Backoff = b
	sessionOpts.Metrics = metrics
	if sessionOpts.Logger == nil {
		sessionOpts.Logger = &logger
	}

	return &Supervisor{
		backoff:       b,
		metrics:       metrics,
		maxRejections: opts.MaxSubscribeRejections,
		logger:        logger.With().Str("component", "supervisor").Logger(),
		runSession: func(ctx context.Context) SessionOutcome {
			return NewSession(sessionOpts).Run(ctx)
		},
		sleep: sleepContext,
	}
}

// State returns the current supervisor state.
func (s *Supervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

// SessionsRun returns how many sessions have been started.
func (s *Supervisor) SessionsRun() uint64 {
	return s.sessionsRun.Load()
}

// Run loops until ctx is cancelled, returning nil on shutdown. The only
// other return is ErrTooManyRejections when MaxSubscribeRejections is set.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.state.Store(int32(SupervisorTerminated))

	rejections := 0
	for {
		if ctx.Err() != nil {
			s.logger.Info().Msg("shutdown requested, supervisor stopping")
			return nil
		}

		s.state.Store(int32(SupervisorRunning))
		n := s.sessionsRun.Add(1)
		out := s.runSession(ctx)
		s.metrics.RecordSessionOutcome(out.Label())

		switch out.Kind {
		case OutcomeCancelled:
			s.logger.Info().Uint64("session", n).Uint64("dispatched", out.Dispatched).Msg("session cancelled, supervisor stopping")
			return nil

		case OutcomeClosedNormally:
			s.logger.Info().Uint64("session", n).Uint64("dispatched", out.Dispatched).Msg("session closed by server")
			rejections = 0

		case OutcomeClosedWithError:
			s.metrics.RecordError(out.ErrKind)
			s.logger.Warn().
				Uint64("session", n).
				Str("kind", string(out.ErrKind)).
				Uint64("dispatched", out.Dispatched).
				Err(out.Err).
				Msg("session failed")

			if out.ErrKind == domain.ErrKindSubscribeRejected {
				rejections++
				if s.maxRejections > 0 && rejections >= s.maxRejections {
					s.logger.Error().Int("rejections", rejections).Msg("giving up on rejected subscription")
					return fmt.Errorf("%w: %d consecutive: %v", ErrTooManyRejections, rejections, out.Err)
				}
			} else {
				rejections = 0
			}
		}

		if ctx.Err() != nil {
			s.logger.Info().Msg("shutdown requested, supervisor stopping")
			return nil
		}

		delay := s.backoff.NextDelay()
		s.metrics.SetReconnectDelay(delay)
		s.state.Store(int32(SupervisorBackoff))
		s.logger.Info().
			Dur("delay", delay).
			Uint32("attempt", s.backoff.Attempt()).
			Msg("reconnecting after backoff")

		if !s.sleep(ctx, delay) {
			s.logger.Info().Msg("shutdown requested during backoff, supervisor stopping")
			return nil
		}
	}
}

// sleepContext waits for d or until ctx is done. It reports whether the
// full delay elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
