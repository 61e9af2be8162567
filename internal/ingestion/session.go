package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/normalization"
	"solana-event-listener/internal/observability"
	"solana-event-listener/internal/solana"
)

// ConnectionState is the lifecycle state of a Session.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAwaitingSubscribeAck
	StateStreaming
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSubscribeAck:
		return "awaiting_subscribe_ack"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// OutcomeKind is how a Session ended.
type OutcomeKind int

const (
	OutcomeClosedNormally OutcomeKind = iota
	OutcomeClosedWithError
	OutcomeCancelled
)

// SessionOutcome is the terminal result of Session.Run.
type SessionOutcome struct {
	Kind OutcomeKind
	// ErrKind and Err are set for OutcomeClosedWithError.
	ErrKind domain.ErrorKind
	Err     error
	// Dispatched counts notifications handed to the dispatcher.
	Dispatched uint64
	// ReachedStreaming reports whether every subscription was acknowledged.
	ReachedStreaming bool
}

// Label returns the metrics label for the outcome.
func (o SessionOutcome) Label() string {
	switch o.Kind {
	case OutcomeClosedNormally:
		return "closed_normally"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return string(o.ErrKind)
	}
}

func (o SessionOutcome) String() string {
	if o.Kind == OutcomeClosedWithError && o.Err != nil {
		return fmt.Sprintf("%s: %v", o.ErrKind, o.Err)
	}
	return o.Label()
}

// EventDispatcher receives every normalization outcome in wire order.
// Implemented by *pipeline.Dispatcher.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event domain.Event, normErr error) error
}

// Resetter is the part of the Backoff controller a Session touches.
type Resetter interface {
	Reset()
}

// SessionConfig is the per-connection configuration.
type SessionConfig struct {
	Endpoint   string
	Mode       domain.SubscriptionMode
	Commitment domain.Commitment
	// SubscribeTimeout bounds the wait for all subscribe acks. Zero leaves
	// the wait bounded only by WS.ReadTimeout.
	SubscribeTimeout time.Duration
	WS               solana.WSClientConfig
}

// SessionOptions contains configuration for creating a Session.
type SessionOptions struct {
	Config     SessionConfig
	Normalizer *normalization.Normalizer
	Dispatcher EventDispatcher
	Metrics    *observability.Metrics
	Backoff    Resetter
	Logger     *zerolog.Logger
}

// Session is a single connection attempt: connect, subscribe, stream until
// the transport fails or ctx is cancelled. A Session never retries; the
// Supervisor constructs a fresh one for every attempt.
type Session struct {
	cfg        SessionConfig
	normalizer *normalization.Normalizer
	dispatcher EventDispatcher
	metrics    *observability.Metrics
	backoff    Resetter
	logger     zerolog.Logger

	state      atomic.Int32
	table      *correlationTable
	dispatched uint64
}

// NewSession creates a Session in StateDisconnected.
func NewSession(opts SessionOptions) *Session {
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = normalization.NewNormalizer(nil)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(observability.DefaultNamespace, nil)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Session{
		cfg:        opts.Config,
		normalizer: normalizer,
		dispatcher: opts.Dispatcher,
		metrics:    metrics,
		backoff:    opts.Backoff,
		logger:     logger.With().Str("component", "session").Logger(),
		table:      newCorrelationTable(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

func (s *Session) setState(st ConnectionState) {
	prev := ConnectionState(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug().Stringer("from", prev).Stringer("to", st).Msg("state change")
	}
}

// Run executes the session to completion. Cancelling ctx closes the socket
// and yields OutcomeCancelled from any blocking point.
func (s *Session) Run(ctx context.Context) SessionOutcome {
	if ctx.Err() != nil {
		s.setState(StateClosing)
		return SessionOutcome{Kind: OutcomeCancelled}
	}

	s.setState(StateConnecting)
	conn, err := solana.DialWS(ctx, s.cfg.Endpoint, &s.cfg.WS)
	if err != nil {
		s.setState(StateClosing)
		if ctx.Err() != nil {
			return SessionOutcome{Kind: OutcomeCancelled}
		}
		return s.fail(domain.ErrKindConnectFailed, err)
	}

	// Cancellation unblocks ReadFrame by closing the socket.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		s.metrics.SetConnected(false)
		s.setState(StateClosing)
	}()

	s.setState(StateAwaitingSubscribeAck)
	if out, ok := s.subscribe(ctx, conn); !ok {
		return out
	}

	s.setState(StateStreaming)
	if s.backoff != nil {
		s.backoff.Reset()
	}
	s.metrics.SetConnected(true)
	conn.StartKeepalive()
	s.logger.Info().
		Str("endpoint", s.cfg.Endpoint).
		Str("mode", string(s.cfg.Mode.Kind)).
		Int("subscriptions", s.table.activeCount()).
		Msg("streaming")

	out := s.stream(ctx, conn)
	out.ReachedStreaming = true
	return out
}

// subscribe sends one request per target and waits until every request is
// acknowledged. ok is false when the session must end with out.
func (s *Session) subscribe(ctx context.Context, conn *solana.WSConn) (out SessionOutcome, ok bool) {
	for _, target := range s.cfg.Mode.Targets() {
		req := s.table.register(s.cfg.Mode.Kind, target, s.cfg.Commitment)
		payload, err := solana.EncodeSubscribe(req)
		if err != nil {
			return s.fail(domain.ErrKindProtocol, err), false
		}
		if err := conn.WriteMessage(payload); err != nil {
			if ctx.Err() != nil {
				return SessionOutcome{Kind: OutcomeCancelled}, false
			}
			return s.fail(domain.ErrKindConnectionLost, err), false
		}
		s.logger.Debug().
			Uint64("request_id", req.RequestID).
			Str("method", solana.SubscribeMethod(req.Kind)).
			Str("target", target).
			Msg("subscribe sent")
	}

	var deadline time.Time
	if s.cfg.SubscribeTimeout > 0 {
		deadline = time.Now().Add(s.cfg.SubscribeTimeout)
	}

	for s.table.pendingCount() > 0 {
		data, err := conn.ReadFrame(deadline)
		switch {
		case err == nil:
		case errors.Is(err, solana.ErrBinaryFrame):
			s.unrecognized(err)
			continue
		case ctx.Err() != nil:
			return SessionOutcome{Kind: OutcomeCancelled}, false
		case solana.IsTimeout(err) && !deadline.IsZero() && !time.Now().Before(deadline):
			return s.fail(domain.ErrKindSubscribeTimeout,
				fmt.Errorf("%d subscribe ack(s) outstanding after %s", s.table.pendingCount(), s.cfg.SubscribeTimeout)), false
		default:
			return s.fail(domain.ErrKindConnectionLost, err), false
		}

		frame, err := solana.DecodeFrame(data)
		if err != nil {
			return s.fail(domain.ErrKindProtocol, err), false
		}

		if frame.IsNotification() {
			// An earlier subscription may already be live in account mode.
			s.handleNotification(ctx, frame)
			continue
		}

		if frame.ID == nil {
			return s.fail(domain.ErrKindProtocol, fmt.Errorf("response without id: %s", data)), false
		}
		reqID := *frame.ID

		if frame.Error != nil {
			req, known := s.table.reject(reqID)
			if !known {
				return s.fail(domain.ErrKindProtocol, fmt.Errorf("error for unknown request %d: %w", reqID, frame.Error)), false
			}
			return s.fail(domain.ErrKindSubscribeRejected,
				fmt.Errorf("request %d (%s %s): %w", reqID, solana.SubscribeMethod(req.Kind), req.Target, frame.Error)), false
		}

		subID, err := frame.SubscriptionID()
		if err != nil {
			return s.fail(domain.ErrKindProtocol, fmt.Errorf("request %d: %w", reqID, err)), false
		}
		handle, err := s.table.confirm(reqID, subID)
		if err != nil {
			return s.fail(domain.ErrKindProtocol, err), false
		}
		s.logger.Info().
			Uint64("request_id", reqID).
			Uint64("subscription_id", handle.SubscriptionID).
			Str("target", handle.Target).
			Msg("subscribed")
	}

	return SessionOutcome{}, true
}

// stream reads frames until the transport ends or ctx is cancelled.
func (s *Session) stream(ctx context.Context, conn *solana.WSConn) SessionOutcome {
	for {
		data, err := conn.ReadFrame(time.Time{})
		switch {
		case err == nil:
		case errors.Is(err, solana.ErrBinaryFrame):
			s.unrecognized(err)
			continue
		case ctx.Err() != nil:
			return SessionOutcome{Kind: OutcomeCancelled, Dispatched: s.dispatched}
		case solana.IsNormalClose(err):
			s.logger.Info().Err(err).Msg("server closed connection")
			return SessionOutcome{Kind: OutcomeClosedNormally, Dispatched: s.dispatched}
		default:
			out := s.fail(domain.ErrKindConnectionLost, err)
			out.Dispatched = s.dispatched
			return out
		}

		frame, err := solana.DecodeFrame(data)
		if err != nil {
			s.unrecognized(err)
			continue
		}
		if !frame.IsNotification() {
			s.unrecognized(fmt.Errorf("unexpected response while streaming: %s", data))
			continue
		}
		s.handleNotification(ctx, frame)
	}
}

// handleNotification routes a notification to its subscription and
// dispatches the normalization result.
func (s *Session) handleNotification(ctx context.Context, frame *solana.Frame) {
	subID := frame.Params.Subscription
	handle, ok := s.table.lookup(subID)
	if !ok {
		s.metrics.RecordError(domain.ErrKindUnknownSubscription)
		s.logger.Warn().
			Str("kind", string(domain.ErrKindUnknownSubscription)).
			Uint64("subscription_id", subID).
			Str("method", frame.Method).
			Msg("discarding notification")
		return
	}

	event, err := s.normalizer.Normalize(handle, normalization.RawNotification{
		Method:       frame.Method,
		Subscription: subID,
		Result:       frame.Params.Result,
	})
	if err != nil {
		err = fmt.Errorf("subscription %d: %w", subID, err)
	}
	if s.dispatcher != nil {
		_ = s.dispatcher.Dispatch(ctx, event, err)
	}
	s.dispatched++
}

func (s *Session) unrecognized(err error) {
	s.metrics.RecordError(domain.ErrKindUnrecognizedFrame)
	s.logger.Warn().
		Str("kind", string(domain.ErrKindUnrecognizedFrame)).
		Err(err).
		Msg("discarding frame")
}

func (s *Session) fail(kind domain.ErrorKind, err error) SessionOutcome {
	return SessionOutcome{Kind: OutcomeClosedWithError, ErrKind: kind, Err: err}
}
