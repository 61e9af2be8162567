package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/storage"
)

// Reader reads back an event log written by Writer.
type Reader struct {
	path string
}

// NewReader creates a Reader for path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Compile-time interface check.
var _ storage.EventReader = (*Reader)(nil)

// Events returns every event in the file in line order.
func (r *Reader) Events(_ context.Context) ([]domain.Event, error) {
	return ReadFile(r.path)
}

// ReadFile parses a JSONL event log. Lines with a "signature" field decode
// as log events, lines with a "pubkey" field as account events. Lines that
// are not complete JSON values are the remains of an interrupted write and
// are skipped; any other undecodable line is an error.
func ReadFile(path string) ([]domain.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var events []domain.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		e, err := decodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return events, nil
}

func decodeLine(line []byte) (domain.Event, error) {
	var keys struct {
		Signature *string `json:"signature"`
		Pubkey    *string `json:"pubkey"`
	}
	if err := json.Unmarshal(line, &keys); err != nil {
		return nil, err
	}

	switch {
	case keys.Signature != nil:
		var e domain.LogEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case keys.Pubkey != nil:
		var e domain.AccountEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("unknown event line")
	}
}
