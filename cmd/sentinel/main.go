// Command sentinel runs the liquidation-bot indexer: it tails Borrow events
// to discover borrowers, periodically re-scores each borrower's health
// factor, and maintains three risk buckets in Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/sentinel/internal/adapters/outbound/ethrpc"
	"github.com/archon-research/sentinel/internal/adapters/outbound/postgres"
	"github.com/archon-research/sentinel/internal/application/discovery"
	"github.com/archon-research/sentinel/internal/application/refresh"
	"github.com/archon-research/sentinel/internal/application/supervisor"
	"github.com/archon-research/sentinel/internal/config"
	"github.com/archon-research/sentinel/internal/pkg/blockchain/multicall"
	"github.com/archon-research/sentinel/internal/pkg/env"
	"github.com/archon-research/sentinel/internal/pkg/retry"
	"github.com/archon-research/sentinel/internal/services/positionreader"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: sentinel [run|reset]")
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := "run"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logWriter := io.Writer(os.Stdout)
	if cfg.LogInsideFile {
		f, err := os.OpenFile("sentinel.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to open log file:", err)
			os.Exit(1)
		}
		defer f.Close()
		logWriter = io.MultiWriter(os.Stdout, f)
	}

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewBucketStore(pool, logger, cfg.MaxCapOnHealthFactor)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	switch cmd {
	case "reset":
		if err := store.Reset(ctx); err != nil {
			logger.Error("failed to reset bucket store", "error", err)
			os.Exit(1)
		}
		logger.Info("bucket store reset")
	case "run":
		if err := run(ctx, cfg, store, logger); err != nil {
			logger.Error("sentinel exited with error", "error", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg *config.Config, store *postgres.BucketStore, logger *slog.Logger) error {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer eth.Close()

	chainClient := ethrpc.NewClient(eth).WithCallTimeout(cfg.RPCCallTimeout)

	var caller multicall.Multicaller
	switch cfg.CallMode {
	case config.CallModeDirect:
		rpcClient, err := ethRPCClient(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("dial rpc (direct mode): %w", err)
		}
		caller = multicall.NewDirectCaller(rpcClient)
	default:
		caller, err = multicall.NewClient(eth, cfg.Multicall3Address)
		if err != nil {
			return fmt.Errorf("build multicall client: %w", err)
		}
	}

	reader, err := positionreader.New(positionreader.Config{
		PoolDataProvider:     cfg.PoolDataProvider,
		PriceOracle:          cfg.PriceOracle,
		MaxCapOnHealthFactor: cfg.MaxCapOnHealthFactor,
		RetryConfig:          retry.DefaultConfig(),
	}, caller)
	if err != nil {
		return fmt.Errorf("build position reader: %w", err)
	}

	if lastBlock, err := store.GetLastBlock(ctx); err == nil && lastBlock == 0 && cfg.StartBlock > 0 {
		if err := store.SetLastBlock(ctx, cfg.StartBlock-1); err != nil && err != postgres.ErrBlockNotAdvanced {
			return fmt.Errorf("seed start block: %w", err)
		}
	}

	discoveryLoop, err := discovery.New(discovery.Config{
		PoolAddress:       cfg.PoolAddress,
		InitialWindowSize: cfg.LogPerRequest,
		ReorgSafetyMargin: cfg.ReorgSafetyMargin,
		MaxBlockOutOfSync: cfg.MaxBlockOutOfSync,
		IdleSleep:         cfg.RefreshTickInterval,
		RetryConfig:       retry.DefaultConfig(),
	}, chainClient, store, logger)
	if err != nil {
		return fmt.Errorf("build discovery loop: %w", err)
	}

	refreshLoop := refresh.New(refresh.Config{
		TickInterval:         cfg.RefreshTickInterval,
		Concurrency:          cfg.RefreshConcurrency,
		LiquidatableCadence:  cfg.LiquidatableUpdateFrequency,
		AtRiskCadence:        cfg.AtRiskUpdateFrequency,
		HealthyCadence:       cfg.HealthyUpdateFrequency,
		AtRiskThreshold:      cfg.AtRiskHealthFactor,
		MaxCapOnHealthFactor: cfg.MaxCapOnHealthFactor,
		RetryConfig:          retry.DefaultConfig(),
	}, chainClient, store, reader, logger)

	sup := supervisor.New(logger, map[string]supervisor.Task{
		"discovery": discoveryLoop,
		"refresh":   refreshLoop,
	})

	logger.Info("sentinel starting",
		"pool", cfg.PoolAddress,
		"call_mode", cfg.CallMode,
		"refresh_concurrency", cfg.RefreshConcurrency,
		"log_level", cfg.LogLevel)

	return sup.Run(ctx)
}

func ethRPCClient(ctx context.Context, rpcURL string) (*rpc.Client, error) {
	return rpc.DialContext(ctx, rpcURL)
}
