package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"solana-event-listener/internal/config"
	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/ingestion"
	"solana-event-listener/internal/logging"
	"solana-event-listener/internal/normalization"
	"solana-event-listener/internal/observability"
	"solana-event-listener/internal/pipeline"
	"solana-event-listener/internal/solana"
	"solana-event-listener/internal/storage"
	"solana-event-listener/internal/storage/jsonl"
	"solana-event-listener/internal/storage/mirror"
)

func main() {
	// Parse flags. Only flags given explicitly override file and environment.
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	flag.String("ws-url", "", "Solana WebSocket endpoint (ws:// or wss://)")
	flag.String("mode", "", "Subscription mode: logs or account")
	flag.String("program-id", "", "Program ID for logs mode")
	flag.String("accounts", "", "Comma-separated addresses for account mode")
	flag.String("commitment", "", "Commitment level: processed, confirmed, finalized")
	flag.String("event-log-path", "", "JSONL event log path")
	flag.String("metrics-addr", "", "Metrics HTTP address (empty value in config disables)")
	flag.String("log-level", "", "Log level: trace, debug, info, warn, error")
	flag.String("log-format", "", "Log format: console or json")
	flag.String("postgres-dsn", "", "PostgreSQL DSN for the event mirror (optional)")
	flag.String("clickhouse-dsn", "", "ClickHouse DSN for the event mirror (optional)")
	flag.String("mirror-timeout", "", "Per-event mirror write timeout, e.g. 5s (0 disables)")

	flag.Parse()

	overrides := make(map[string]interface{})
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			return
		}
		overrides[flagKey(f.Name)] = f.Value.String()
	})

	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal main goroutine completion
	done := make(chan struct{})

	go func() {
		var sig os.Signal
		select {
		case sig = <-sigCh:
		case <-done:
			return
		}
		logger.Info().Stringer("signal", sig).Msg("Received signal, initiating graceful shutdown")
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn().Stringer("signal", sig).Msg("Received second signal, forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error().Msg("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	err = run(ctx, cfg, logger)
	close(done)

	if err != nil {
		logger.Error().Err(err).Msg("Listener stopped with error")
		os.Exit(1)
	}

	logger.Info().Msg("Shutdown complete")
}

// run wires the components and blocks until ctx is cancelled or a task fails.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	mode := cfg.SubscriptionMode()
	logger.Info().
		Str("endpoint", cfg.WSURL).
		Str("mode", string(mode.Kind)).
		Strs("targets", mode.Targets()).
		Str("commitment", cfg.Commitment).
		Str("event_log_path", cfg.EventLogPath).
		Msg("Starting listener")

	if mode.Kind == domain.ModeLogs {
		if key, err := solana.DecodePubkey(mode.ProgramID); err == nil && !solana.IsOnCurve(key) {
			logger.Warn().Str("program_id", mode.ProgramID).
				Msg("Program ID is not an ed25519 point; logs subscriptions usually target executable program accounts")
		}
	}

	metrics := observability.NewMetrics(observability.DefaultNamespace, nil)
	metrics.RegisterRuntimeCollectors()

	sink, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info().Strs("sinks", sink.Names()).Msg("Event sinks open")
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn().Err(err).Msg("Closing sinks")
		}
	}()

	dispatcher := pipeline.NewDispatcher(pipeline.DispatcherOptions{
		Sink:    sink,
		Metrics: metrics,
		Logger:  &logger,
	})

	supervisor := ingestion.NewSupervisor(ingestion.SupervisorOptions{
		Session: ingestion.SessionOptions{
			Config: ingestion.SessionConfig{
				Endpoint:         cfg.WSURL,
				Mode:             mode,
				Commitment:       cfg.CommitmentLevel(),
				SubscribeTimeout: cfg.SubscribeTimeout,
				WS:               cfg.WSConfig(),
			},
			Normalizer: normalization.NewNormalizer(nil),
			Dispatcher: dispatcher,
		},
		Backoff: ingestion.NewBackoff(ingestion.BackoffConfig{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: cfg.BackoffJitter,
		}),
		Metrics:                metrics,
		MaxSubscribeRejections: cfg.MaxSubscribeRejections,
		Logger:                 &logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return supervisor.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		srv := observability.NewServer(cfg.MetricsAddr, metrics)
		g.Go(func() error {
			if err := observability.Serve(gctx, srv, logger); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openSinks builds the JSONL sink and, when configured, the database mirrors.
// The JSONL file always comes first so mirrors never delay the primary log.
func openSinks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*mirror.Sink, error) {
	primary := &storage.NamedSink{Name: "jsonl", Sink: jsonl.NewWriter(cfg.EventLogPath)}
	return mirror.Open(ctx, primary, mirror.Options{
		PostgresDSN:   cfg.PostgresDSN,
		ClickhouseDSN: cfg.ClickhouseDSN,
		Timeout:       cfg.MirrorTimeout,
	}, logger)
}

// flagKey maps a flag name to its configuration key.
func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
