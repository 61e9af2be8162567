package ingestion

import (
	"errors"
	"fmt"

	"solana-event-listener/internal/domain"
)

var (
	errUnknownRequest        = errors.New("response for unknown request id")
	errDuplicateSubscription = errors.New("subscription id already confirmed")
)

// correlationTable tracks outstanding subscribe requests by request ID and
// confirmed subscriptions by subscription ID. Owned by a single Session and
// discarded with it.
type correlationTable struct {
	nextID  uint64
	pending map[uint64]domain.SubscriptionRequest
	active  map[uint64]domain.SubscriptionHandle
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{
		pending: make(map[uint64]domain.SubscriptionRequest),
		active:  make(map[uint64]domain.SubscriptionHandle),
	}
}

// register allocates the next request ID (starting at 1) and records the
// request as pending.
func (t *correlationTable) register(kind domain.ModeKind, target string, commitment domain.Commitment) domain.SubscriptionRequest {
	t.nextID++
	req := domain.SubscriptionRequest{
		RequestID:  t.nextID,
		Kind:       kind,
		Target:     target,
		Commitment: commitment,
	}
	t.pending[req.RequestID] = req
	return req
}

// confirm moves a pending request to the active set under subscriptionID.
func (t *correlationTable) confirm(requestID, subscriptionID uint64) (domain.SubscriptionHandle, error) {
	req, ok := t.pending[requestID]
	if !ok {
		return domain.SubscriptionHandle{}, fmt.Errorf("%w: %d", errUnknownRequest, requestID)
	}
	if existing, dup := t.active[subscriptionID]; dup {
		return domain.SubscriptionHandle{}, fmt.Errorf("%w: %d (target %s)", errDuplicateSubscription, subscriptionID, existing.Target)
	}
	delete(t.pending, requestID)

	handle := domain.SubscriptionHandle{
		SubscriptionID: subscriptionID,
		Kind:           req.Kind,
		Target:         req.Target,
	}
	t.active[subscriptionID] = handle
	return handle, nil
}

// reject removes a pending request that the node answered with an error.
func (t *correlationTable) reject(requestID uint64) (domain.SubscriptionRequest, bool) {
	req, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	return req, ok
}

// lookup returns the handle for a confirmed subscription.
func (t *correlationTable) lookup(subscriptionID uint64) (domain.SubscriptionHandle, bool) {
	h, ok := t.active[subscriptionID]
	return h, ok
}

func (t *correlationTable) pendingCount() int { return len(t.pending) }

func (t *correlationTable) activeCount() int { return len(t.active) }
