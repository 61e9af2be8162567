package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/storage"
)

// EventStore mirrors canonical events into the sol_events MergeTree table.
// Rows carry a writer-assigned seq so events captured in the same
// microsecond read back in append order.
type EventStore struct {
	conn *Conn

	mu      sync.Mutex
	seq     uint64
	seqInit bool
}

// NewEventStore creates a new EventStore.
func NewEventStore(conn *Conn) *EventStore {
	return &EventStore{conn: conn}
}

// Compile-time interface checks.
var (
	_ storage.EventSink   = (*EventStore)(nil)
	_ storage.EventReader = (*EventStore)(nil)
)

// Append inserts a single event as a one-row batch.
func (s *EventStore) Append(ctx context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seqInit {
		last, err := s.maxSeq(ctx)
		if err != nil {
			return fmt.Errorf("%w: clickhouse: %v", storage.ErrWriteFailed, err)
		}
		s.seq = last
		s.seqInit = true
	}

	row, err := toRow(e)
	if err != nil {
		return err
	}
	row.seq = s.seq + 1

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO sol_events (
			captured_at, seq, kind, slot, signature, program_id, log_lines, pubkey, lamports, data
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: clickhouse: prepare batch: %v", storage.ErrWriteFailed, err)
	}

	err = batch.Append(
		row.capturedAt, row.seq, row.kind, row.slot,
		row.signature, row.programID, row.logLines,
		row.pubkey, row.lamports, row.data,
	)
	if err != nil {
		_ = batch.Abort()
		return fmt.Errorf("%w: clickhouse: append to batch: %v", storage.ErrWriteFailed, err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("%w: clickhouse: send batch: %v", storage.ErrWriteFailed, err)
	}

	s.seq = row.seq
	return nil
}

func (s *EventStore) maxSeq(ctx context.Context) (uint64, error) {
	var last uint64
	if err := s.conn.QueryRow(ctx, `SELECT max(seq) FROM sol_events`).Scan(&last); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return last, nil
}

// Events returns all mirrored events in append order. Capture time is not
// used for ordering since the wall clock may step backwards.
func (s *EventStore) Events(ctx context.Context) ([]domain.Event, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT captured_at, seq, kind, slot, signature, program_id, log_lines, pubkey, lamports, data
		FROM sol_events
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var r eventRow
		if err := rows.Scan(
			&r.capturedAt, &r.seq, &r.kind, &r.slot,
			&r.signature, &r.programID, &r.logLines,
			&r.pubkey, &r.lamports, &r.data,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e, err := r.event()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

// Close is a no-op; the connection is owned by the caller.
func (s *EventStore) Close() error {
	return nil
}

type eventRow struct {
	capturedAt time.Time
	seq        uint64
	kind       string
	slot       uint64
	signature  string
	programID  string
	logLines   []string
	pubkey     string
	lamports   uint64
	data       string
}

func toRow(e domain.Event) (eventRow, error) {
	switch ev := e.(type) {
	case *domain.LogEvent:
		lines := ev.LogLines
		if lines == nil {
			lines = []string{}
		}
		return eventRow{
			capturedAt: ev.Timestamp.Time(),
			kind:       string(domain.EventKindLog),
			slot:       ev.Slot,
			signature:  ev.Signature,
			programID:  ev.ProgramID,
			logLines:   lines,
		}, nil
	case *domain.AccountEvent:
		return eventRow{
			capturedAt: ev.Timestamp.Time(),
			kind:       string(domain.EventKindAccount),
			slot:       ev.Slot,
			logLines:   []string{},
			pubkey:     ev.Pubkey,
			lamports:   ev.Lamports,
			data:       string(ev.Data),
		}, nil
	default:
		return eventRow{}, fmt.Errorf("%w: unsupported event %T", storage.ErrInvalidInput, e)
	}
}

func (r eventRow) event() (domain.Event, error) {
	switch domain.EventKind(r.kind) {
	case domain.EventKindLog:
		lines := r.logLines
		if lines == nil {
			lines = []string{}
		}
		return &domain.LogEvent{
			Timestamp: domain.NewTimestamp(r.capturedAt),
			Signature: r.signature,
			Slot:      r.slot,
			ProgramID: r.programID,
			LogLines:  lines,
		}, nil
	case domain.EventKindAccount:
		return &domain.AccountEvent{
			Timestamp: domain.NewTimestamp(r.capturedAt),
			Pubkey:    r.pubkey,
			Slot:      r.slot,
			Lamports:  r.lamports,
			Data:      []byte(r.data),
		}, nil
	default:
		return nil, fmt.Errorf("scan event: unknown kind %q", r.kind)
	}
}
