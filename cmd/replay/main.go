package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/logging"
	"solana-event-listener/internal/replay"
	"solana-event-listener/internal/storage/jsonl"
	"solana-event-listener/internal/storage/mirror"
)

func main() {
	// Parse flags
	input := flag.String("input", "./events.jsonl", "JSONL event log to replay")
	fromSlot := flag.Uint64("from-slot", 0, "First slot to replay (inclusive)")
	toSlot := flag.Uint64("to-slot", 0, "Last slot to replay (inclusive, 0 = no limit)")
	kind := flag.String("kind", "", "Only replay events of this kind: log or account")
	postgresDSN := flag.String("postgres-dsn", "", "Backfill events into this PostgreSQL mirror")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "Backfill events into this ClickHouse mirror")
	mirrorTimeout := flag.Duration("mirror-timeout", 5*time.Second, "Per-event mirror write timeout (0 disables)")
	strict := flag.Bool("strict", false, "Stop at the first failed mirror write")
	outputJSON := flag.Bool("json", false, "Output summary as JSON")
	logLevel := flag.String("log-level", "info", "Log level")

	flag.Parse()

	logger, err := logging.New(logging.Options{Level: *logLevel, Format: "console", Writer: os.Stderr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With().Str("component", "replay").Logger()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Stringer("signal", sig).Msg("Received signal, shutting down")
		cancel()
	}()

	filter := replay.Filter{
		FromSlot: *fromSlot,
		ToSlot:   *toSlot,
		Kind:     domain.EventKind(*kind),
	}
	opts := mirror.Options{
		PostgresDSN:   *postgresDSN,
		ClickhouseDSN: *clickhouseDSN,
		Timeout:       *mirrorTimeout,
	}

	stats, backfill, err := run(ctx, *input, filter, opts, *strict, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Replay failed")
	}

	if *outputJSON {
		output, _ := json.MarshalIndent(summary{Stats: stats, Backfill: backfill}, "", "  ")
		fmt.Println(string(output))
		return
	}
	printSummary(*input, stats, backfill)
}

// backfillResult reports mirror writes.
type backfillResult struct {
	Sinks    []string `json:"sinks"`
	Appended int      `json:"appended"`
	Failed   int      `json:"failed"`
}

type summary struct {
	replay.Stats
	Backfill *backfillResult `json:"backfill,omitempty"`
}

// run replays the log at input through a stats engine and, when mirrors are
// configured, into those mirrors.
func run(ctx context.Context, input string, filter replay.Filter, opts mirror.Options, strict bool, logger zerolog.Logger) (replay.Stats, *backfillResult, error) {
	runner := replay.NewRunner(jsonl.NewReader(input))
	stats := replay.NewStatsEngine()

	var engine replay.ReplayEngine = stats
	var sinkEngine *replay.SinkEngine
	var sinkNames []string

	if opts.Enabled() {
		sink, err := mirror.Open(ctx, nil, opts, logger)
		if err != nil {
			return replay.Stats{}, nil, err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn().Err(err).Msg("Closing mirrors")
			}
		}()
		sinkEngine = &replay.SinkEngine{Sink: sink, StopOnError: strict}
		sinkNames = sink.Names()
		engine = replay.Multi{stats, sinkEngine}
	}

	logger.Info().
		Str("input", input).
		Uint64("from_slot", filter.FromSlot).
		Uint64("to_slot", filter.ToSlot).
		Str("kind", string(filter.Kind)).
		Msg("Replaying event log")

	n, err := runner.Run(ctx, filter, engine)
	if err != nil {
		return replay.Stats{}, nil, err
	}
	logger.Info().Int("replayed", n).Msg("Replay complete")

	if sinkEngine == nil {
		return stats.Stats(), nil, nil
	}
	return stats.Stats(), &backfillResult{
		Sinks:    sinkNames,
		Appended: sinkEngine.Appended(),
		Failed:   sinkEngine.Failed(),
	}, nil
}

func printSummary(input string, stats replay.Stats, backfill *backfillResult) {
	fmt.Printf("\n=== Replay Summary ===\n")
	fmt.Printf("Input:             %s\n", input)
	fmt.Printf("Total Events:      %d\n", stats.TotalEvents)
	fmt.Printf("Log Events:        %d\n", stats.LogEvents)
	fmt.Printf("Account Events:    %d\n", stats.AccountEvents)
	if stats.TotalEvents > 0 {
		fmt.Printf("Slots:             %d .. %d\n", stats.MinSlot, stats.MaxSlot)
		fmt.Printf("Slot Regressions:  %d\n", stats.SlotRegressions)
		fmt.Printf("First Captured:    %s\n", stats.FirstCaptured)
		fmt.Printf("Last Captured:     %s\n", stats.LastCaptured)
	} else {
		fmt.Printf("Slots:             N/A\n")
	}
	if backfill != nil {
		fmt.Printf("Backfilled Into:   %v\n", backfill.Sinks)
		fmt.Printf("Appended:          %d\n", backfill.Appended)
		fmt.Printf("Failed:            %d\n", backfill.Failed)
	}
}
