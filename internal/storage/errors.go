package storage

import "errors"

// Storage errors for append-only sinks.
var (
	// ErrWriteFailed is returned when an event could not be appended.
	ErrWriteFailed = errors.New("storage write failed")

	// ErrClosed is returned when appending to a closed sink.
	ErrClosed = errors.New("sink closed")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
