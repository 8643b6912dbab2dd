// Package main runs the bad-debt monitor for one lending protocol instance.
//
// The instance is selected by name from a YAML protocol file. By default the
// process polls forever, publishing a report each cycle; with -once it runs a
// single cycle and prints the report to stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/coingecko"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/ethereum"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/memory"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/priceapi"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/telemetry"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/zapper"
	"github.com/archon-research/stl/baddebt/internal/config"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/events"
	"github.com/archon-research/stl/baddebt/internal/pkg/env"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
	"github.com/archon-research/stl/baddebt/internal/services/baddebt_runner"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
	"github.com/archon-research/stl/baddebt/internal/services/valuation"
)

const serviceName = "baddebt-runner"

// Build-time variables - can be set via ldflags, otherwise populated from Go's build info.
var (
	GitCommit string
	BuildTime string
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if GitCommit == "" {
					GitCommit = setting.Value
				}
			case "vcs.time":
				if BuildTime == "" {
					BuildTime = setting.Value
				}
			}
		}
	}
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type cliConfig struct {
	protocolFile      string
	protocol          string
	rpcURL            string
	checkpointBackend string
	once              bool
}

func parseConfig(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	protocolFile := fs.String("protocol-file", "", "YAML protocol definition file (env PROTOCOL_FILE)")
	protocolName := fs.String("protocol", "", "Protocol instance to monitor (env PROTOCOL)")
	rpcURL := fs.String("rpc-url", "", "Ledger JSON-RPC endpoint (env RPC_URL)")
	backend := fs.String("checkpoint-backend", "", "Checkpoint store: file, redis or postgres (env CHECKPOINT_BACKEND)")
	once := fs.Bool("once", false, "Run a single cycle and print the report")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		protocolFile:      *protocolFile,
		protocol:          *protocolName,
		rpcURL:            *rpcURL,
		checkpointBackend: *backend,
		once:              *once,
	}
	if cfg.protocolFile == "" {
		cfg.protocolFile = env.Get("PROTOCOL_FILE", "protocols.yaml")
	}
	if cfg.protocol == "" {
		cfg.protocol = env.Get("PROTOCOL", "")
	}
	if cfg.protocol == "" {
		return cliConfig{}, fmt.Errorf("protocol not provided (use -protocol flag or PROTOCOL env var)")
	}
	if cfg.rpcURL == "" {
		cfg.rpcURL = env.Get("RPC_URL", "")
	}
	if cfg.rpcURL == "" {
		return cliConfig{}, fmt.Errorf("RPC URL not provided (use -rpc-url flag or RPC_URL env var)")
	}
	if cfg.checkpointBackend == "" {
		cfg.checkpointBackend = env.Get("CHECKPOINT_BACKEND", backendFile)
	}
	switch cfg.checkpointBackend {
	case backendFile, backendRedis, backendPostgres:
	default:
		return cliConfig{}, fmt.Errorf("unknown checkpoint backend %q (must be file, redis or postgres)", cfg.checkpointBackend)
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	file, err := config.Load(cfg.protocolFile)
	if err != nil {
		return err
	}
	p, err := file.Find(cfg.protocol)
	if err != nil {
		return fmt.Errorf("%w (available: %v)", err, file.Names())
	}

	logger.Info("starting bad debt runner",
		"commit", GitCommit,
		"protocol", p.Name,
		"kind", p.Kind,
		"network", p.Network,
		"checkpointBackend", cfg.checkpointBackend,
		"once", cfg.once)

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		ServiceName:    serviceName,
		ServiceVersion: GitCommit,
		Environment:    env.Get("ENVIRONMENT", "development"),
		OTLPEndpoint:   env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()
	metrics, err := telemetry.NewCycleMetrics(serviceName)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	ethClient, rpcClient, err := ethereum.Dial(ctx, cfg.rpcURL, env.GetInt("RPC_MAX_CONNS", 10))
	if err != nil {
		return err
	}
	defer ethClient.Close()

	ledger, err := ethereum.NewClient(ethClient, ethereum.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("creating ledger client: %w", err)
	}

	multicaller, err := newMulticaller(p, ethClient, rpcClient)
	if err != nil {
		return err
	}
	aggregator, err := batch.NewAggregator(multicaller, batch.Config{
		BatchSize:       p.BatchSize,
		Parallelism:     p.Parallelism,
		InterBatchDelay: p.InterBatchDelay,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating batch aggregator: %w", err)
	}
	defer aggregator.Close()

	priceSource, err := priceapi.NewClient(priceapi.Config{
		BaseURL: env.Get("PRICE_API_URL", ""),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating price service client: %w", err)
	}
	coins, err := coingecko.NewClient(coingecko.ClientConfig{
		APIKey: env.Get("COINGECKO_API_KEY", ""),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating coingecko client: %w", err)
	}

	var portfolio outbound.PortfolioProvider
	if key := env.Get("ZAPPER_KEY", ""); key != "" {
		portfolio, err = zapper.NewClient(zapper.Config{APIKey: key, Logger: logger})
		if err != nil {
			return fmt.Errorf("creating zapper client: %w", err)
		}
	} else if needsPortfolio(p) {
		return fmt.Errorf("protocol %s needs ZAPPER_KEY", p.Name)
	}

	special, err := buildSpecialResolvers(p, aggregator, coins, portfolio)
	if err != nil {
		return err
	}
	resolver, err := price_resolver.NewResolver(priceSource, special, price_resolver.Config{
		Network: p.Network,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating price resolver: %w", err)
	}

	proto, err := buildProtocol(p, aggregator, portfolio, logger)
	if err != nil {
		return fmt.Errorf("creating protocol %s: %w", p.Name, err)
	}

	scanner, err := events.NewScanner(ledger, events.Config{BlockStep: p.BlockStep, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating event scanner: %w", err)
	}

	infra, err := openInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.close()

	engine, err := valuation.NewEngine(valuation.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("creating valuation engine: %w", err)
	}

	deps := baddebt_runner.Dependencies{
		Ledger:      ledger,
		Resolver:    resolver,
		Protocol:    proto,
		Scanner:     scanner,
		Checkpoints: infra.checkpoints,
		Engine:      engine,
		Metrics:     metrics,
	}

	var latest *memory.ReportPublisher
	if cfg.once {
		latest = memory.NewReportPublisher()
		deps.Publishers = []outbound.ReportPublisher{latest}
	} else {
		deps.Publishers = infra.publishers
		deps.Monitoring = infra.monitoring
	}

	runner, err := baddebt_runner.NewRunner(deps, baddebt_runner.Config{
		Name:          p.Name,
		Interval:      p.Interval,
		HeavyInterval: p.HeavyInterval,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}

	if cfg.once {
		report, err := runner.RunOnce(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	// Block until context is cancelled (signal or test cancellation).
	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if err := runner.Stop(); err != nil {
			logger.Error("error stopping runner", "error", err)
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timed out")
	}

	return nil
}
