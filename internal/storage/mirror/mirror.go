// Package mirror opens the optional database mirrors of the event log.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"solana-event-listener/internal/storage"
	chstore "solana-event-listener/internal/storage/clickhouse"
	"solana-event-listener/internal/storage/migrations"
	pgstore "solana-event-listener/internal/storage/postgres"
)

// Options selects the mirrors to open. An empty DSN disables that mirror.
type Options struct {
	PostgresDSN   string
	ClickhouseDSN string
	// Timeout bounds every mirror append so a stalled database costs one
	// failed write instead of blocking the stream. Zero disables it.
	Timeout time.Duration
}

// Enabled reports whether any mirror is configured.
func (o Options) Enabled() bool {
	return o.PostgresDSN != "" || o.ClickhouseDSN != ""
}

// Sink fans out to a fixed list of sinks and closes the database handles
// after the sinks themselves.
type Sink struct {
	*storage.Fanout
	names   []string
	closers []func()
}

// Compile-time interface check.
var _ storage.EventSink = (*Sink)(nil)

// Names returns the sink names in append order.
func (s *Sink) Names() []string {
	return s.names
}

// Close closes every sink, then the connections behind them.
func (s *Sink) Close() error {
	err := s.Fanout.Close()
	for _, c := range s.closers {
		c()
	}
	return err
}

// Open connects to the configured mirrors, applies their migrations and
// returns a Sink writing to primary (if non-nil) followed by each mirror.
func Open(ctx context.Context, primary *storage.NamedSink, opts Options, logger zerolog.Logger) (*Sink, error) {
	s := &Sink{}
	var sinks []storage.NamedSink
	add := func(ns storage.NamedSink) {
		sinks = append(sinks, ns)
		s.names = append(s.names, ns.Name)
	}
	fail := func(err error) (*Sink, error) {
		for _, c := range s.closers {
			c()
		}
		return nil, err
	}

	if primary != nil {
		add(*primary)
	}

	if opts.PostgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, opts.PostgresDSN)
		if err != nil {
			return fail(fmt.Errorf("connect to postgres: %w", err))
		}
		s.closers = append(s.closers, pool.Close)
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return fail(fmt.Errorf("postgres migrations: %w", err))
		}
		add(storage.NamedSink{Name: "postgres", Sink: pgstore.NewEventStore(pool), Timeout: opts.Timeout})
		logger.Info().Msg("Postgres mirror enabled")
	}

	if opts.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, opts.ClickhouseDSN)
		if err != nil {
			return fail(fmt.Errorf("clickhouse migrations: %w", err))
		}
		s.closers = append(s.closers, func() { _ = conn.Close() })
		add(storage.NamedSink{Name: "clickhouse", Sink: chstore.NewEventStore(conn), Timeout: opts.Timeout})
		logger.Info().Msg("ClickHouse mirror enabled")
	}

	s.Fanout = storage.NewFanout(sinks...)
	return s, nil
}
