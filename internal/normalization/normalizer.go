package normalization

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/solana"
)

// ErrMalformedPayload is returned when a notification cannot be converted
// into a canonical event.
var ErrMalformedPayload = errors.New("malformed payload")

// RawNotification is an inbound notification before normalization.
type RawNotification struct {
	Method       string
	Subscription uint64
	Result       json.RawMessage
}

// Normalizer converts raw notifications into canonical events.
// It is stateless apart from the clock used for capture timestamps.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a Normalizer. A nil clock uses time.Now.
func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize converts raw into a *domain.LogEvent or *domain.AccountEvent
// according to the subscription it arrived on.
func (n *Normalizer) Normalize(sub domain.SubscriptionHandle, raw RawNotification) (domain.Event, error) {
	if want := solana.NotificationMethod(sub.Kind); raw.Method != want {
		return nil, fmt.Errorf("%w: method %q on %s subscription %d", ErrMalformedPayload, raw.Method, sub.Kind, sub.SubscriptionID)
	}
	if len(raw.Result) == 0 || bytes.Equal(raw.Result, []byte("null")) {
		return nil, fmt.Errorf("%w: empty result", ErrMalformedPayload)
	}

	switch sub.Kind {
	case domain.ModeLogs:
		return n.normalizeLogs(sub, raw.Result)
	case domain.ModeAccount:
		return n.normalizeAccount(sub, raw.Result)
	default:
		return nil, fmt.Errorf("%w: unknown subscription kind %q", ErrMalformedPayload, sub.Kind)
	}
}

func (n *Normalizer) normalizeLogs(sub domain.SubscriptionHandle, result json.RawMessage) (*domain.LogEvent, error) {
	var payload logsResult
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.Value == nil {
		return nil, fmt.Errorf("%w: missing value", ErrMalformedPayload)
	}
	v := payload.Value

	if v.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedPayload)
	}
	slot, ok := resolveSlot(payload.Context, v.Slot)
	if !ok {
		return nil, fmt.Errorf("%w: missing slot for signature %s", ErrMalformedPayload, v.Signature)
	}

	programID := v.ProgramID
	if programID == "" {
		programID = sub.Target
	}
	lines := make([]string, len(v.Logs))
	copy(lines, v.Logs)

	return &domain.LogEvent{
		Timestamp: domain.NewTimestamp(n.now()),
		Signature: v.Signature,
		Slot:      slot,
		ProgramID: programID,
		LogLines:  lines,
	}, nil
}

func (n *Normalizer) normalizeAccount(sub domain.SubscriptionHandle, result json.RawMessage) (*domain.AccountEvent, error) {
	var payload accountResult
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.Value == nil {
		return nil, fmt.Errorf("%w: missing value", ErrMalformedPayload)
	}
	v := payload.Value

	slot, ok := resolveSlot(payload.Context, nil)
	if !ok {
		return nil, fmt.Errorf("%w: missing slot for account %s", ErrMalformedPayload, sub.Target)
	}
	if v.Lamports == nil {
		return nil, fmt.Errorf("%w: missing lamports for account %s", ErrMalformedPayload, sub.Target)
	}
	data, err := decodeAccountData(v.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: account %s data: %v", ErrMalformedPayload, sub.Target, err)
	}

	return &domain.AccountEvent{
		Timestamp: domain.NewTimestamp(n.now()),
		Pubkey:    sub.Target,
		Slot:      slot,
		Lamports:  *v.Lamports,
		Data:      data,
	}, nil
}

// resolveSlot prefers context.slot and falls back to a slot carried in the value.
func resolveSlot(ctx *notificationContext, valueSlot *uint64) (uint64, bool) {
	if ctx != nil && ctx.Slot != nil {
		return *ctx.Slot, true
	}
	if valueSlot != nil {
		return *valueSlot, true
	}
	return 0, false
}

// decodeAccountData accepts ["<data>", "<encoding>"] (base64 or base58) or
// a bare base58 string. Absent data decodes to an empty slice.
func decodeAccountData(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []byte{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return solana.DecodeBase58Data(s)
	}

	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, err
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("expected [data, encoding], got %d elements", len(pair))
	}

	switch pair[1] {
	case "base64":
		b, err := base64.StdEncoding.DecodeString(pair[0])
		if err != nil {
			return nil, err
		}
		return b, nil
	case "base58":
		return solana.DecodeBase58Data(pair[0])
	default:
		return nil, fmt.Errorf("unsupported encoding %q", pair[1])
	}
}

// Notification payload shapes

type notificationContext struct {
	Slot *uint64 `json:"slot"`
}

type logsResult struct {
	Context *notificationContext `json:"context"`
	Value   *logsValue           `json:"value"`
}

type logsValue struct {
	Signature string          `json:"signature"`
	Slot      *uint64         `json:"slot"`
	ProgramID string          `json:"programId"`
	Logs      []string        `json:"logs"`
	Err       json.RawMessage `json:"err"`
}

type accountResult struct {
	Context *notificationContext `json:"context"`
	Value   *accountValue        `json:"value"`
}

type accountValue struct {
	Lamports *uint64         `json:"lamports"`
	Data     json.RawMessage `json:"data"`
	Owner    string          `json:"owner"`
}
