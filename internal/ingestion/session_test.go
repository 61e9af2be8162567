package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/normalization"
	"solana-event-listener/internal/observability"
	"solana-event-listener/internal/solana"
)

const testProgram = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

type sessionHarness struct {
	session    *Session
	dispatcher *recordingDispatcher
	metrics    *observability.Metrics
	backoff    *countingResetter
}

func newHarness(endpoint string, mode domain.SubscriptionMode, subscribeTimeout time.Duration) *sessionHarness {
	h := &sessionHarness{
		dispatcher: &recordingDispatcher{},
		metrics:    observability.NewMetrics(observability.DefaultNamespace, nil),
		backoff:    &countingResetter{},
	}
	h.session = NewSession(SessionOptions{
		Config: SessionConfig{
			Endpoint:         endpoint,
			Mode:             mode,
			Commitment:       domain.CommitmentFinalized,
			SubscribeTimeout: subscribeTimeout,
			WS:               testWSConfig(),
		},
		Normalizer: fixedNormalizer(),
		Dispatcher: h.dispatcher,
		Metrics:    h.metrics,
		Backoff:    h.backoff,
	})
	return h
}

func runWithTimeout(t *testing.T, s *Session, ctx context.Context) SessionOutcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func TestSession_AckThenNotification(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		call, ok := readSubscribe(t, c)
		if !ok {
			return
		}
		assert.Equal(t, "2.0", call.JSONRPC)
		assert.Equal(t, uint64(1), call.ID)
		assert.Equal(t, "logsSubscribe", call.Method)
		if assert.Len(t, call.Params, 2) {
			assert.JSONEq(t, `{"mentions":["`+testProgram+`"]}`, string(call.Params[0]))
			assert.JSONEq(t, `{"commitment":"finalized"}`, string(call.Params[1]))
		}

		send(t, c, `{"jsonrpc":"2.0","id":1,"result":555}`)
		send(t, c, `{"method":"logsNotification","params":{"subscription":555,"result":{"value":{"signature":"5VeK","slot":12345,"logs":["a","b"]}}}}`)
		closeNormally(c)
		drain(c)
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, OutcomeClosedNormally, out.Kind, "outcome: %v", out)
	assert.True(t, out.ReachedStreaming)
	assert.Equal(t, uint64(1), out.Dispatched)

	events, errs := h.dispatcher.snapshot()
	assert.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, &domain.LogEvent{
		Timestamp: domain.NewTimestamp(fixedTime),
		Signature: "5VeK",
		Slot:      12345,
		ProgramID: testProgram,
		LogLines:  []string{"a", "b"},
	}, events[0])

	assert.Equal(t, 1, h.backoff.count(), "backoff reset exactly once on reaching streaming")
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.ErrorsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.WSConnected))
	assert.Equal(t, StateClosing, h.session.State())
}

func TestSession_UnknownSubscriptionIsDiscarded(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		if _, ok := readSubscribe(t, c); !ok {
			return
		}
		send(t, c, `{"jsonrpc":"2.0","id":1,"result":555}`)
		send(t, c, `{"method":"logsNotification","params":{"subscription":999,"result":{"value":{"signature":"x","slot":1,"logs":[]}}}}`)
		closeNormally(c)
		drain(c)
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, OutcomeClosedNormally, out.Kind)
	events, errs := h.dispatcher.snapshot()
	assert.Empty(t, events)
	assert.Empty(t, errs)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ErrorsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ErrorsByKind.WithLabelValues(string(domain.ErrKindUnknownSubscription))))
}

func TestSession_UnrecognizedFramesAreSkipped(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		if _, ok := readSubscribe(t, c); !ok {
			return
		}
		send(t, c, `{"jsonrpc":"2.0","id":1,"result":7}`)
		send(t, c, `not json`)
		_ = c.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		send(t, c, `{"jsonrpc":"2.0","id":42,"result":true}`)
		send(t, c, `{"method":"logsNotification","params":{"subscription":7,"result":{"context":{"slot":9},"value":{"signature":"s","logs":["l"]}}}}`)
		closeNormally(c)
		drain(c)
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, OutcomeClosedNormally, out.Kind)
	events, _ := h.dispatcher.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(9), events[0].EventSlot())
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.ErrorsByKind.WithLabelValues(string(domain.ErrKindUnrecognizedFrame))))
}

func TestSession_MalformedPayloadGoesToDispatcher(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		if _, ok := readSubscribe(t, c); !ok {
			return
		}
		send(t, c, `{"jsonrpc":"2.0","id":1,"result":1}`)
		send(t, c, `{"method":"logsNotification","params":{"subscription":1,"result":{"value":{"slot":5,"logs":[]}}}}`)
		send(t, c, `{"method":"logsNotification","params":{"subscription":1,"result":{"value":{"signature":"ok","slot":6,"logs":[]}}}}`)
		closeNormally(c)
		drain(c)
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, OutcomeClosedNormally, out.Kind)
	assert.Equal(t, uint64(2), out.Dispatched)
	events, errs := h.dispatcher.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], normalization.ErrMalformedPayload)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].(*domain.LogEvent).Signature)
}

func TestSession_SubscribeRejected(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		if _, ok := readSubscribe(t, c); !ok {
			return
		}
		send(t, c, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid param: not a valid pubkey"}}`)
		drain(c)
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, OutcomeClosedWithError, out.Kind)
	assert.Equal(t, domain.ErrKindSubscribeRejected, out.ErrKind)
	assert.False(t, out.ReachedStreaming)

	var rpcErr *solana.RPCError
	require.True(t, errors.As(out.Err, &rpcErr))
	assert.Equal(t, -32602, rpcErr.Code)

	assert.Equal(t, 0, h.backoff.count())
	// Session outcomes are counted by the Supervisor, not here.
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.ErrorsTotal))
}

func TestSession_AckForWrongRequestIsProtocolError(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		if _, ok := readSubscribe(t, c); !ok {
			return
		}
		send(t, c, `{"jsonrpc":"2.0","id":7,"result":555}`)
		drain(c)
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, OutcomeClosedWithError, out.Kind)
	assert.Equal(t, domain.ErrKindProtocol, out.ErrKind)
	assert.ErrorIs(t, out.Err, errUnknownRequest)
}

func TestSession_MalformedAckIsProtocolError(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		if _, ok := readSubscribe(t, c); !ok {
			return
		}
		send(t, c, `{"jsonrpc":"2.0","id":1,"result":"abc"}`)
		drain(c)
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, domain.ErrKindProtocol, out.ErrKind)
	assert.ErrorIs(t, out.Err, solana.ErrMalformedFrame)
}

func TestSession_SubscribeTimeout(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		drain(c)
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), 100*time.Millisecond)

	start := time.Now()
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, OutcomeClosedWithError, out.Kind)
	assert.Equal(t, domain.ErrKindSubscribeTimeout, out.ErrKind)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSession_ConnectFailed(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	h := newHarness(url, domain.LogsMode(testProgram), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, OutcomeClosedWithError, out.Kind)
	assert.Equal(t, domain.ErrKindConnectFailed, out.ErrKind)
	assert.Equal(t, StateClosing, h.session.State())
}

func TestSession_ConnectionLost(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		if _, ok := readSubscribe(t, c); !ok {
			return
		}
		send(t, c, `{"jsonrpc":"2.0","id":1,"result":3}`)
		// Drop TCP without a close frame.
		c.UnderlyingConn().Close()
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, OutcomeClosedWithError, out.Kind)
	assert.Equal(t, domain.ErrKindConnectionLost, out.ErrKind)
	assert.True(t, out.ReachedStreaming)
}

func TestSession_CancelWhileStreaming(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		if _, ok := readSubscribe(t, c); !ok {
			return
		}
		send(t, c, `{"jsonrpc":"2.0","id":1,"result":3}`)
		drain(c)
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan SessionOutcome, 1)
	go func() { done <- h.session.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.session.State() == StateStreaming
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.WSConnected))
	assert.True(t, h.metrics.Connected())

	cancel()

	select {
	case out := <-done:
		assert.Equal(t, OutcomeCancelled, out.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe cancellation")
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.WSConnected))
}

func TestSession_CancelWhileAwaitingAck(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		drain(c)
	})

	h := newHarness(node.url, domain.LogsMode(testProgram), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan SessionOutcome, 1)
	go func() { done <- h.session.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.session.State() == StateAwaitingSubscribeAck
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case out := <-done:
		assert.Equal(t, OutcomeCancelled, out.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe cancellation")
	}
}

func TestSession_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := newHarness("ws://127.0.0.1:1", domain.LogsMode(testProgram), time.Second)
	out := h.session.Run(ctx)
	assert.Equal(t, OutcomeCancelled, out.Kind)
}

func TestSession_AccountModeCorrelatesEachAddress(t *testing.T) {
	const (
		acctA = "So11111111111111111111111111111111111111112"
		acctB = "Vote111111111111111111111111111111111111111"
	)

	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		first, ok := readSubscribe(t, c)
		if !ok {
			return
		}
		second, ok := readSubscribe(t, c)
		if !ok {
			return
		}
		assert.Equal(t, "accountSubscribe", first.Method)
		assert.Equal(t, uint64(1), first.ID)
		assert.Equal(t, uint64(2), second.ID)
		assert.JSONEq(t, `"`+acctA+`"`, string(first.Params[0]))
		assert.JSONEq(t, `"`+acctB+`"`, string(second.Params[0]))
		assert.JSONEq(t, `{"commitment":"finalized","encoding":"base64"}`, string(first.Params[1]))

		// Acks out of order.
		send(t, c, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":11}`, second.ID))
		send(t, c, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":10}`, first.ID))

		send(t, c, `{"method":"accountNotification","params":{"subscription":10,"result":{"context":{"slot":7},"value":{"lamports":5,"data":["AQI=","base64"],"owner":"11111111111111111111111111111111"}}}}`)
		send(t, c, `{"method":"accountNotification","params":{"subscription":11,"result":{"context":{"slot":8},"value":{"lamports":6,"data":["","base64"]}}}}`)
		closeNormally(c)
		drain(c)
	})

	h := newHarness(node.url, domain.AccountMode(acctA, acctB), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, OutcomeClosedNormally, out.Kind, "outcome: %v", out)
	events, errs := h.dispatcher.snapshot()
	assert.Empty(t, errs)
	require.Len(t, events, 2)

	assert.Equal(t, &domain.AccountEvent{
		Timestamp: domain.NewTimestamp(fixedTime),
		Pubkey:    acctA,
		Slot:      7,
		Lamports:  5,
		Data:      []byte{0x01, 0x02},
	}, events[0])
	assert.Equal(t, acctB, events[1].(*domain.AccountEvent).Pubkey)
	assert.Equal(t, []byte{}, events[1].(*domain.AccountEvent).Data)
	assert.Equal(t, 1, h.backoff.count())
}

func TestSession_AccountModeRejectionOfOneAddress(t *testing.T) {
	node := newFakeNode(t, func(t *testing.T, _ int, c *websocket.Conn) {
		if _, ok := readSubscribe(t, c); !ok {
			return
		}
		if _, ok := readSubscribe(t, c); !ok {
			return
		}
		send(t, c, `{"jsonrpc":"2.0","id":1,"result":10}`)
		send(t, c, `{"jsonrpc":"2.0","id":2,"error":{"code":-32602,"message":"Invalid param"}}`)
		drain(c)
	})

	h := newHarness(node.url, domain.AccountMode("A1", "A2"), time.Second)
	out := runWithTimeout(t, h.session, context.Background())

	assert.Equal(t, domain.ErrKindSubscribeRejected, out.ErrKind)
	assert.Contains(t, out.Err.Error(), "A2")
	assert.Equal(t, 0, h.backoff.count())
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "awaiting_subscribe_ack", StateAwaitingSubscribeAck.String())
	assert.Equal(t, "streaming", StateStreaming.String())
}

func TestSessionOutcome_Label(t *testing.T) {
	assert.Equal(t, "closed_normally", SessionOutcome{Kind: OutcomeClosedNormally}.Label())
	assert.Equal(t, "cancelled", SessionOutcome{Kind: OutcomeCancelled}.Label())
	assert.Equal(t, "connect_failed", SessionOutcome{Kind: OutcomeClosedWithError, ErrKind: domain.ErrKindConnectFailed}.Label())
}
