package domain

import (
	"fmt"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for event timestamps.
// Fixed width keeps serialized timestamps lexicographically sortable.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp is a capture time serialized with TimestampLayout.
type Timestamp time.Time

// NewTimestamp truncates t to microseconds in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().Truncate(time.Microsecond))
}

// Time returns the underlying time value.
func (t Timestamp) Time() time.Time { return time.Time(t) }

// String formats t with TimestampLayout.
func (t Timestamp) String() string { return time.Time(t).UTC().Format(TimestampLayout) }

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("timestamp: expected string, got %s", b)
	}
	parsed, err := time.Parse(TimestampLayout, string(b[1:len(b)-1]))
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*t = Timestamp(parsed)
	return nil
}

// EventKind discriminates the canonical event variants.
type EventKind string

const (
	EventKindLog     EventKind = "log"
	EventKindAccount EventKind = "account"
)

// Event is a normalized notification. Implemented by *LogEvent and *AccountEvent.
type Event interface {
	Kind() EventKind
	EventSlot() uint64
	CapturedAt() Timestamp
}

// LogEvent is a program log notification.
type LogEvent struct {
	Timestamp Timestamp `json:"timestamp"`
	Signature string    `json:"signature"`
	Slot      uint64    `json:"slot"`
	ProgramID string    `json:"program_id"`
	LogLines  []string  `json:"log_lines"`
}

func (e *LogEvent) Kind() EventKind       { return EventKindLog }
func (e *LogEvent) EventSlot() uint64     { return e.Slot }
func (e *LogEvent) CapturedAt() Timestamp { return e.Timestamp }

// AccountEvent is an account state change notification.
// Data is the raw account data; it serializes as standard base64.
type AccountEvent struct {
	Timestamp Timestamp `json:"timestamp"`
	Pubkey    string    `json:"pubkey"`
	Slot      uint64    `json:"slot"`
	Lamports  uint64    `json:"lamports"`
	Data      []byte    `json:"data"`
}

func (e *AccountEvent) Kind() EventKind       { return EventKindAccount }
func (e *AccountEvent) EventSlot() uint64     { return e.Slot }
func (e *AccountEvent) CapturedAt() Timestamp { return e.Timestamp }
