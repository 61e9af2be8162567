package solana

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"solana-event-listener/internal/domain"
)

// JSON-RPC methods used by the listener.
const (
	MethodLogsSubscribe       = "logsSubscribe"
	MethodAccountSubscribe    = "accountSubscribe"
	MethodLogsNotification    = "logsNotification"
	MethodAccountNotification = "accountNotification"
)

// AccountEncoding is the data encoding requested for account subscriptions.
const AccountEncoding = "base64"

// ErrMalformedFrame is returned by DecodeFrame for frames that are not valid
// JSON-RPC messages.
var ErrMalformedFrame = errors.New("malformed frame")

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// SubscribeMethod returns the subscribe method name for a mode kind.
func SubscribeMethod(kind domain.ModeKind) string {
	if kind == domain.ModeAccount {
		return MethodAccountSubscribe
	}
	return MethodLogsSubscribe
}

// NotificationMethod returns the notification method name for a mode kind.
func NotificationMethod(kind domain.ModeKind) string {
	if kind == domain.ModeAccount {
		return MethodAccountNotification
	}
	return MethodLogsNotification
}

// EncodeSubscribe serializes a subscribe request:
//
//	{"jsonrpc":"2.0","id":N,"method":"logsSubscribe","params":[{"mentions":[P]},{"commitment":C}]}
//	{"jsonrpc":"2.0","id":N,"method":"accountSubscribe","params":[A,{"commitment":C,"encoding":"base64"}]}
func EncodeSubscribe(req domain.SubscriptionRequest) ([]byte, error) {
	var params []interface{}
	switch req.Kind {
	case domain.ModeLogs:
		params = []interface{}{
			map[string]interface{}{"mentions": []string{req.Target}},
			map[string]string{"commitment": string(req.Commitment)},
		}
	case domain.ModeAccount:
		params = []interface{}{
			req.Target,
			map[string]string{"commitment": string(req.Commitment), "encoding": AccountEncoding},
		}
	default:
		return nil, fmt.Errorf("encode subscribe: unknown mode %q", req.Kind)
	}

	return json.Marshal(wsRequest{
		JSONRPC: "2.0",
		ID:      req.RequestID,
		Method:  SubscribeMethod(req.Kind),
		Params:  params,
	})
}

// Frame is a decoded inbound JSON-RPC message: either a response
// (ID set, Result or Error) or a notification (Method and Params set).
type Frame struct {
	ID     *uint64
	Result json.RawMessage
	Error  *RPCError
	Method string
	Params *NotificationParams
}

// NotificationParams carries the subscription ID and the opaque result body.
type NotificationParams struct {
	Subscription uint64          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// IsNotification reports whether f is a server-initiated notification.
func (f *Frame) IsNotification() bool {
	return f.ID == nil && f.Method != ""
}

// SubscriptionID extracts the subscription ID from a subscribe ack.
func (f *Frame) SubscriptionID() (uint64, error) {
	if len(f.Result) == 0 || bytes.Equal(f.Result, []byte("null")) {
		return 0, fmt.Errorf("%w: ack without result", ErrMalformedFrame)
	}
	var id uint64
	if err := json.Unmarshal(f.Result, &id); err != nil {
		return 0, fmt.Errorf("%w: subscription id %s: %v", ErrMalformedFrame, f.Result, err)
	}
	return id, nil
}

// DecodeFrame parses a text frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var w wsFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	f := &Frame{
		Result: w.Result,
		Error:  w.Error,
		Method: w.Method,
	}

	if len(w.ID) > 0 && !bytes.Equal(w.ID, []byte("null")) {
		var id uint64
		if err := json.Unmarshal(w.ID, &id); err != nil {
			return nil, fmt.Errorf("%w: id %s: %v", ErrMalformedFrame, w.ID, err)
		}
		f.ID = &id
	}

	if f.IsNotification() {
		if len(w.Params) == 0 {
			return nil, fmt.Errorf("%w: notification without params", ErrMalformedFrame)
		}
		var p NotificationParams
		if err := json.Unmarshal(w.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: params: %v", ErrMalformedFrame, err)
		}
		f.Params = &p
	} else if f.ID == nil && f.Error == nil && len(f.Result) == 0 {
		return nil, fmt.Errorf("%w: neither response nor notification", ErrMalformedFrame)
	}

	return f, nil
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	Params  json.RawMessage `json:"params"`
}
