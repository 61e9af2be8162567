package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/storage"
)

// EventStore mirrors canonical events into the sol_events table.
type EventStore struct {
	pool *Pool
}

// NewEventStore creates a new EventStore.
func NewEventStore(pool *Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Compile-time interface checks.
var (
	_ storage.EventSink   = (*EventStore)(nil)
	_ storage.EventReader = (*EventStore)(nil)
)

// Append inserts one row per event.
func (s *EventStore) Append(ctx context.Context, e domain.Event) error {
	var err error
	switch ev := e.(type) {
	case *domain.LogEvent:
		err = s.insertLog(ctx, ev)
	case *domain.AccountEvent:
		err = s.insertAccount(ctx, ev)
	default:
		return fmt.Errorf("%w: unsupported event %T", storage.ErrInvalidInput, e)
	}
	if err != nil {
		return fmt.Errorf("%w: postgres: %v", storage.ErrWriteFailed, err)
	}
	return nil
}

func (s *EventStore) insertLog(ctx context.Context, e *domain.LogEvent) error {
	if e.Slot > math.MaxInt64 {
		return fmt.Errorf("slot %d overflows bigint", e.Slot)
	}

	query := `
		INSERT INTO sol_events (
			kind, captured_at, slot, signature, program_id, log_lines
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		string(domain.EventKindLog),
		e.Timestamp.Time(),
		int64(e.Slot),
		e.Signature,
		e.ProgramID,
		e.LogLines,
	)
	if err != nil {
		return fmt.Errorf("insert log event: %w", err)
	}
	return nil
}

func (s *EventStore) insertAccount(ctx context.Context, e *domain.AccountEvent) error {
	if e.Slot > math.MaxInt64 || e.Lamports > math.MaxInt64 {
		return fmt.Errorf("slot %d or lamports %d overflows bigint", e.Slot, e.Lamports)
	}

	query := `
		INSERT INTO sol_events (
			kind, captured_at, slot, pubkey, lamports, data
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		string(domain.EventKindAccount),
		e.Timestamp.Time(),
		int64(e.Slot),
		e.Pubkey,
		int64(e.Lamports),
		e.Data,
	)
	if err != nil {
		return fmt.Errorf("insert account event: %w", err)
	}
	return nil
}

// Events returns all mirrored events in insertion order.
func (s *EventStore) Events(ctx context.Context) ([]domain.Event, error) {
	query := `
		SELECT kind, captured_at, slot, signature, program_id, log_lines, pubkey, lamports, data
		FROM sol_events
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Close is a no-op; the pool is owned by the caller.
func (s *EventStore) Close() error {
	return nil
}

// scanEvents scans multiple rows.
func scanEvents(rows pgx.Rows) ([]domain.Event, error) {
	var events []domain.Event

	for rows.Next() {
		var (
			kind       string
			capturedAt time.Time
			slot       int64
			signature  *string
			programID  *string
			logLines   []string
			pubkey     *string
			lamports   *int64
			data       []byte
		)
		if err := rows.Scan(&kind, &capturedAt, &slot, &signature, &programID, &logLines, &pubkey, &lamports, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		switch domain.EventKind(kind) {
		case domain.EventKindLog:
			if logLines == nil {
				logLines = []string{}
			}
			events = append(events, &domain.LogEvent{
				Timestamp: domain.NewTimestamp(capturedAt),
				Signature: deref(signature),
				Slot:      uint64(slot),
				ProgramID: deref(programID),
				LogLines:  logLines,
			})
		case domain.EventKindAccount:
			var l uint64
			if lamports != nil {
				l = uint64(*lamports)
			}
			if data == nil {
				data = []byte{}
			}
			events = append(events, &domain.AccountEvent{
				Timestamp: domain.NewTimestamp(capturedAt),
				Pubkey:    deref(pubkey),
				Slot:      uint64(slot),
				Lamports:  l,
				Data:      data,
			})
		default:
			return nil, fmt.Errorf("scan event: unknown kind %q", kind)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
