// Package refresh implements the Refresh Loop (component E): on each tick
// it selects users due for re-scoring per bucket cadence, re-scores them via
// the Position Reader, and re-buckets them via the Bucket Store.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archon-research/sentinel/internal/adapters/outbound/ethrpc"
	"github.com/archon-research/sentinel/internal/domain/entity"
	"github.com/archon-research/sentinel/internal/pkg/retry"
	"github.com/archon-research/sentinel/internal/ports/outbound"
	"github.com/archon-research/sentinel/internal/services/positionreader"
)

// storeError marks a scoreOne failure as originating from the Bucket Store
// rather than the Position Reader: constraint violations, lost connections,
// and the like are fatal and must reach the Supervisor, unlike a transient
// RPC failure on one user which is logged and skipped for the cycle.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// PositionReader is the subset of positionreader.Service the loop depends
// on, named here so tests can supply a fake without a real chain.
type PositionReader interface {
	Read(ctx context.Context, user entity.Address, reserves []entity.Address, block uint64) (*positionreader.Scored, error)
}

// Config configures a Loop.
type Config struct {
	TickInterval    time.Duration
	Concurrency     int
	LiquidatableCadence time.Duration
	AtRiskCadence       time.Duration
	HealthyCadence      time.Duration
	AtRiskThreshold     decimal.Decimal
	MaxCapOnHealthFactor decimal.Decimal
	RetryConfig         retry.Config
}

// Loop is the Refresh Loop.
type Loop struct {
	cfg     Config
	chain   outbound.ChainClient
	store   outbound.BucketStore
	reader  PositionReader
	logger  *slog.Logger
}

// New constructs a Loop.
func New(cfg Config, chain outbound.ChainClient, store outbound.BucketStore, reader PositionReader, logger *slog.Logger) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.RetryConfig.MaxRetries == 0 && cfg.RetryConfig.InitialBackoff == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cfg: cfg, chain: chain, store: store, reader: reader, logger: logger}
}

// Run executes the Refresh Loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				return fmt.Errorf("refresh tick: %w", err)
			}
		}
	}
}

// onRetry logs each backoff before a Chain Client call is retried.
func (l *Loop) onRetry(attempt int, err error, backoff time.Duration) {
	l.logger.Warn("retrying after transient RPC error", "attempt", attempt, "error", err, "backoff", backoff)
}

// cadenceFor returns the cadence for bucket, per Config.
func (l *Loop) cadenceFor(bucket entity.Bucket) time.Duration {
	switch bucket {
	case entity.BucketLiquidatable:
		return l.cfg.LiquidatableCadence
	case entity.BucketAtRisk:
		return l.cfg.AtRiskCadence
	default:
		return l.cfg.HealthyCadence
	}
}

// tick processes one tick: buckets in risk order, each bucket's due set
// scored with bounded concurrency; the healthy bucket's due set additionally
// includes never-scored placeholder users regardless of cadence.
func (l *Loop) tick(ctx context.Context) error {
	block, err := retry.Do(ctx, l.cfg.RetryConfig, ethrpc.IsTransient, l.onRetry, func() (uint64, error) {
		return l.chain.LatestBlock(ctx)
	})
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	now := time.Now()

	for _, bucket := range entity.Buckets {
		due, err := l.store.ListDue(ctx, bucket, l.cadenceFor(bucket), now)
		if err != nil {
			return fmt.Errorf("list due %s: %w", bucket, err)
		}

		if bucket == entity.BucketHealthy {
			placeholders, err := l.store.ListPlaceholderDue(ctx, l.cfg.MaxCapOnHealthFactor)
			if err != nil {
				return fmt.Errorf("list placeholder due: %w", err)
			}
			due = unionAddresses(due, placeholders)
		}

		if err := l.scoreAll(ctx, bucket, due, block); err != nil {
			return fmt.Errorf("score %s bucket: %w", bucket, err)
		}
	}
	return nil
}

func unionAddresses(a, b []entity.Address) []entity.Address {
	seen := make(map[entity.Address]struct{}, len(a))
	out := make([]entity.Address, 0, len(a)+len(b))
	for _, addr := range a {
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	for _, addr := range b {
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// scoreAll re-scores and re-buckets each user in due, bounded by
// cfg.Concurrency. A Position Reader failure on one user is collected and
// logged; neighboring users must still make progress. A Bucket Store
// failure on any user is a fatal condition and is returned once all
// in-flight users finish, so the caller can abort the tick and let the
// Supervisor restart the process.
func (l *Loop) scoreAll(ctx context.Context, bucket entity.Bucket, due []entity.Address, block uint64) error {
	sem := make(chan struct{}, l.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []entity.Address
	var storeErr error

	for _, user := range due {
		sem <- struct{}{}
		wg.Add(1)

		go func(user entity.Address) {
			defer wg.Done()
			defer func() { <-sem }()

			err := l.scoreOne(ctx, user, block)
			if err == nil {
				return
			}

			var se *storeError
			if errors.As(err, &se) {
				l.logger.Error("store fault scoring user", "user", user, "bucket", bucket, "error", err)
				mu.Lock()
				if storeErr == nil {
					storeErr = err
				}
				mu.Unlock()
				return
			}

			l.logger.Error("failed to score user", "user", user, "bucket", bucket, "error", err)
			mu.Lock()
			failed = append(failed, user)
			mu.Unlock()
		}(user)
	}

	wg.Wait()
	if len(failed) > 0 {
		l.logger.Warn("refresh tick had scoring failures", "bucket", bucket, "count", len(failed))
	}
	return storeErr
}

func (l *Loop) scoreOne(ctx context.Context, user entity.Address, block uint64) error {
	reserves, err := l.store.KnownReserves(ctx, user)
	if err != nil {
		return &storeError{fmt.Errorf("known reserves for %s: %w", user, err)}
	}

	scored, err := l.reader.Read(ctx, user, reserves, block)
	if err != nil {
		return fmt.Errorf("read position for %s: %w", user, err)
	}

	if err := l.store.UpsertAccountAndPositions(ctx, scored.Account, scored.Position, l.cfg.AtRiskThreshold); err != nil {
		return &storeError{fmt.Errorf("upsert account and positions for %s: %w", user, err)}
	}
	return nil
}
