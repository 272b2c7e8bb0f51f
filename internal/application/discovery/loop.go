// Package discovery implements the Discovery Loop (component D): it tails
// Borrow events forward from the last-indexed block in fixed-size windows
// and enrolls each event's onBehalfOf user, recording the borrowed reserve
// as a known reserve.
//
// Invariant: after iteration i completes, every Borrow event with block <=
// last_block has had its onBehalfOf user enrolled.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/archon-research/sentinel/internal/adapters/outbound/ethrpc"
	"github.com/archon-research/sentinel/internal/domain/entity"
	"github.com/archon-research/sentinel/internal/pkg/retry"
	"github.com/archon-research/sentinel/internal/ports/outbound"
)

const borrowEventJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"reserve","type":"address"},{"indexed":false,"name":"user","type":"address"},{"indexed":true,"name":"onBehalfOf","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"interestRateMode","type":"uint8"},{"indexed":false,"name":"borrowRate","type":"uint256"},{"indexed":true,"name":"referralCode","type":"uint16"}],"name":"Borrow","type":"event"}]`

// Config configures a Loop.
type Config struct {
	PoolAddress        common.Address
	InitialWindowSize  uint64 // LOG_PER_REQUEST
	ReorgSafetyMargin  uint64
	MaxBlockOutOfSync  uint64
	IdleSleep          time.Duration
	MinWindowSize      uint64
	RetryConfig        retry.Config
}

// Loop is the Discovery Loop.
type Loop struct {
	cfg     Config
	chain   outbound.ChainClient
	store   outbound.BucketStore
	logger  *slog.Logger
	topic0  common.Hash
	borrowABI *abi.ABI
}

// New constructs a Loop. Fails if the Borrow event ABI cannot be parsed,
// which would indicate a programming error, not a runtime condition.
func New(cfg Config, chain outbound.ChainClient, store outbound.BucketStore, logger *slog.Logger) (*Loop, error) {
	parsed, err := abi.JSON(strings.NewReader(borrowEventJSON))
	if err != nil {
		return nil, fmt.Errorf("parse borrow event ABI: %w", err)
	}
	borrowEvent, ok := parsed.Events["Borrow"]
	if !ok {
		return nil, fmt.Errorf("borrow event missing from parsed ABI")
	}
	if cfg.MinWindowSize == 0 {
		cfg.MinWindowSize = 1
	}
	if cfg.RetryConfig.MaxRetries == 0 && cfg.RetryConfig.InitialBackoff == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg,
		chain:     chain,
		store:     store,
		logger:    logger,
		topic0:    borrowEvent.ID,
		borrowABI: &parsed,
	}, nil
}

// Run executes the Discovery Loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.iterate(ctx); err != nil {
			return fmt.Errorf("discovery iteration: %w", err)
		}
	}
}

func (l *Loop) iterate(ctx context.Context) error {
	head, err := retry.Do(ctx, l.cfg.RetryConfig, ethrpc.IsTransient, l.onRetry, func() (uint64, error) {
		return l.chain.LatestBlock(ctx)
	})
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}

	lastBlock, err := l.store.GetLastBlock(ctx)
	if err != nil {
		return fmt.Errorf("get last block: %w", err)
	}

	if head > lastBlock && head-lastBlock > l.cfg.MaxBlockOutOfSync {
		l.logger.Warn("head is far ahead of last indexed block",
			"head", head, "last_block", lastBlock, "drift", head-lastBlock)
	}

	from := lastBlock + 1
	if from > head {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.IdleSleep):
		}
		return nil
	}

	safeHead := head
	if l.cfg.ReorgSafetyMargin > 0 {
		if l.cfg.ReorgSafetyMargin > head {
			return nil
		}
		safeHead = head - l.cfg.ReorgSafetyMargin
	}
	if from > safeHead {
		return nil
	}

	window := l.cfg.InitialWindowSize
	if window == 0 {
		window = 2000
	}

	for {
		to := from + window - 1
		if to > safeHead {
			to = safeHead
		}

		logs, err := retry.Do(ctx, l.cfg.RetryConfig, ethrpc.IsTransient, l.onRetry, func() ([]types.Log, error) {
			return l.chain.GetLogs(ctx, from, to, l.topic0, l.cfg.PoolAddress)
		})
		if err != nil {
			if errors.Is(err, ethrpc.ErrRangeTooLarge) && window > l.cfg.MinWindowSize {
				window = window / 2
				if window < l.cfg.MinWindowSize {
					window = l.cfg.MinWindowSize
				}
				l.logger.Warn("shrinking discovery window after range-too-large", "new_window", window)
				continue
			}
			return fmt.Errorf("get logs [%d,%d]: %w", from, to, err)
		}

		enrollments := l.decodeBorrowLogs(logs)
		if err := l.store.EnrollUsers(ctx, enrollments, to); err != nil {
			return fmt.Errorf("enroll window [%d,%d]: %w", from, to, err)
		}
		return nil
	}
}

// onRetry logs each backoff before a Chain Client call is retried.
func (l *Loop) onRetry(attempt int, err error, backoff time.Duration) {
	l.logger.Warn("retrying after transient RPC error", "attempt", attempt, "error", err, "backoff", backoff)
}

// decodeBorrowLogs decodes each Borrow log's indexed reserve and onBehalfOf
// fields into an enrollment for onBehalfOf (the borrower on whose behalf
// debt was taken, not the tx sender) — distinct from the ABI's non-indexed
// user field.
//
// A decode failure is a malformed single log, not a system fault: it's
// logged with the offending payload and skipped, same cycle. The caller
// commits the returned enrollments alongside the window's block advance in
// one transaction, so a missed log here can never leave last_block ahead
// of an unenrolled borrower.
func (l *Loop) decodeBorrowLogs(logs []types.Log) []outbound.Enrollment {
	enrollments := make([]outbound.Enrollment, 0, len(logs))
	for _, log := range logs {
		reserve, onBehalfOf, err := decodeBorrow(l.borrowABI, log)
		if err != nil {
			l.logger.Error("skipping undecodable borrow log",
				"error", err, "tx_hash", log.TxHash, "block_number", log.BlockNumber, "log_index", log.Index)
			continue
		}
		enrollments = append(enrollments, outbound.Enrollment{User: onBehalfOf, Reserve: reserve})
	}
	return enrollments
}

func decodeBorrow(borrowABI *abi.ABI, log types.Log) (reserve, onBehalfOf entity.Address, err error) {
	if len(log.Topics) < 4 {
		return entity.Address{}, entity.Address{}, fmt.Errorf("expected topic0 plus 3 indexed topics, got %d", len(log.Topics))
	}

	borrowEvent := borrowABI.Events["Borrow"]
	var indexed abi.Arguments
	for _, arg := range borrowEvent.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	fields := make(map[string]interface{})
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics); err != nil {
		return entity.Address{}, entity.Address{}, fmt.Errorf("parse indexed topics: %w", err)
	}

	reserveAddr, ok := fields["reserve"].(common.Address)
	if !ok {
		return entity.Address{}, entity.Address{}, fmt.Errorf("reserve field missing or wrong type")
	}
	onBehalfOfAddr, ok := fields["onBehalfOf"].(common.Address)
	if !ok {
		return entity.Address{}, entity.Address{}, fmt.Errorf("onBehalfOf field missing or wrong type")
	}

	return entity.FromCommon(reserveAddr), entity.FromCommon(onBehalfOfAddr), nil
}
