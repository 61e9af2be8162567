package domain

// ErrorKind classifies recovered errors. Used as the log field "kind" and as
// the metrics label for per-kind error counts.
type ErrorKind string

const (
	ErrKindConnectFailed       ErrorKind = "connect_failed"
	ErrKindProtocol            ErrorKind = "protocol_error"
	ErrKindSubscribeRejected   ErrorKind = "subscribe_rejected"
	ErrKindSubscribeTimeout    ErrorKind = "subscribe_timeout"
	ErrKindConnectionLost      ErrorKind = "connection_lost"
	ErrKindUnknownSubscription ErrorKind = "unknown_subscription"
	ErrKindUnrecognizedFrame   ErrorKind = "unrecognized_frame"
	ErrKindMalformedPayload    ErrorKind = "malformed_payload"
	ErrKindStorageWriteFailed  ErrorKind = "storage_write_failed"
)
