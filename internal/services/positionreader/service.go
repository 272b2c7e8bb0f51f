// Package positionreader implements the Position Reader (component B):
// given a user and a block, it reads the user's per-reserve collateral and
// debt balances, the reserve's configuration, and the oracle's asset
// prices, and derives a scored Account plus the full Position row set.
//
// All arithmetic is fixed-precision decimal (internal/pkg/decimalx); no
// floating point is used anywhere in this package.
package positionreader

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/sentinel/internal/domain/entity"
	"github.com/archon-research/sentinel/internal/pkg/blockchain/abis"
	"github.com/archon-research/sentinel/internal/pkg/blockchain/multicall"
	"github.com/archon-research/sentinel/internal/pkg/decimalx"
	"github.com/archon-research/sentinel/internal/pkg/retry"
)

// oraclePriceDecimals is the fixed decimal scale Aave-style oracles quote
// asset prices in (8, matching Chainlink's USD feeds, which the Aave oracle
// forwards).
const oraclePriceDecimals = 8

// reserveConfig is the process-wide-cached, rarely-changing configuration
// for a single reserve.
type reserveConfig struct {
	decimals             int
	liquidationThreshold decimal.Decimal // fraction, e.g. 0.8
}

// Config configures a Service.
type Config struct {
	PoolDataProvider common.Address
	PriceOracle      common.Address
	MaxCapOnHealthFactor decimal.Decimal
	RetryConfig      retry.Config
}

// Service implements the Position Reader.
type Service struct {
	cfg        Config
	multicall  multicall.Multicaller
	userABI    *abi.ABI
	configABI  *abi.ABI
	oracleABI  *abi.ABI

	cacheMu sync.RWMutex
	cache   map[entity.Address]reserveConfig
}

// New constructs a Service backed by the given Multicaller.
func New(cfg Config, mc multicall.Multicaller) (*Service, error) {
	userABI, err := abis.GetPoolDataProviderUserReserveDataABI()
	if err != nil {
		return nil, fmt.Errorf("load user reserve data ABI: %w", err)
	}
	configABI, err := abis.GetReserveConfigurationABI()
	if err != nil {
		return nil, fmt.Errorf("load reserve configuration ABI: %w", err)
	}
	oracleABI, err := abis.GetAaveOracleABI()
	if err != nil {
		return nil, fmt.Errorf("load oracle ABI: %w", err)
	}
	if cfg.RetryConfig.MaxRetries == 0 && cfg.RetryConfig.InitialBackoff == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	return &Service{
		cfg:       cfg,
		multicall: mc,
		userABI:   userABI,
		configABI: configABI,
		oracleABI: oracleABI,
		cache:     make(map[entity.Address]reserveConfig),
	}, nil
}

// Scored is the result of reading and scoring one user at one block.
type Scored struct {
	Account  entity.Account
	Position []entity.Position
}

// Read performs the reserve-config, user-reserve-data, and oracle-price
// calls for user against reserves at block, and derives the scored
// account. A permanent failure on
// any reserve abandons the whole score (returns an error, no partial
// Account); transient failures are retried internally up to a small bound.
func (s *Service) Read(ctx context.Context, user entity.Address, reserves []entity.Address, block uint64) (*Scored, error) {
	if len(reserves) == 0 {
		return &Scored{
			Account: entity.NewPlaceholderAccount(user, s.cfg.MaxCapOnHealthFactor, time.Now()),
		}, nil
	}

	if err := s.ensureReserveConfigs(ctx, reserves, block); err != nil {
		return nil, fmt.Errorf("load reserve configs: %w", err)
	}

	balances, err := s.fetchUserReserveData(ctx, user, reserves, block)
	if err != nil {
		return nil, fmt.Errorf("fetch user reserve data: %w", err)
	}

	prices, err := s.fetchPrices(ctx, reserves, block)
	if err != nil {
		return nil, fmt.Errorf("fetch oracle prices: %w", err)
	}

	rows := make([]entity.Position, 0, len(reserves)*2)
	weightedCollateral := decimal.Zero

	for _, reserve := range reserves {
		cfg := s.configFor(reserve)
		priceUSD := prices[reserve]

		collateralUSD := decimalx.FromRaw(balances[reserve].collateral, cfg.decimals).Mul(priceUSD)
		debtUSD := decimalx.FromRaw(balances[reserve].debt, cfg.decimals).Mul(priceUSD)

		if collateralUSD.IsPositive() {
			row, err := entity.NewPosition(user, reserve, collateralUSD, true)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
			weightedCollateral = weightedCollateral.Add(collateralUSD.Mul(cfg.liquidationThreshold))
		}
		if debtUSD.IsPositive() {
			row, err := entity.NewPosition(user, reserve, debtUSD, false)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}

	totalCollateralUSD := entity.SumUSD(rows, true)
	totalDebtUSD := entity.SumUSD(rows, false)

	var healthFactor decimal.Decimal
	if totalDebtUSD.IsZero() {
		healthFactor = s.cfg.MaxCapOnHealthFactor
	} else {
		healthFactor = decimalx.Clamp(decimalx.DivHalfEven(weightedCollateral, totalDebtUSD), s.cfg.MaxCapOnHealthFactor)
	}

	leadingCollateralReserve, leadingCollateralValue := entity.LeadingReserve(rows, true)
	leadingDebtReserve, leadingDebtValue := entity.LeadingReserve(rows, false)

	acct := entity.Account{
		UserAddress:               user,
		LastUpdatedBlock:          block,
		HealthFactor:              healthFactor,
		TotalCollateralUSD:        totalCollateralUSD,
		TotalDebtUSD:              totalDebtUSD,
		LeadingCollateralReserve:  leadingCollateralReserve,
		LeadingDebtReserve:        leadingDebtReserve,
		LeadingCollateralValueUSD: leadingCollateralValue,
		LeadingDebtValueUSD:       leadingDebtValue,
		Timestamp:                 time.Now(),
	}

	return &Scored{Account: acct, Position: rows}, nil
}

func (s *Service) configFor(reserve entity.Address) reserveConfig {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache[reserve]
}

func (s *Service) ensureReserveConfigs(ctx context.Context, reserves []entity.Address, block uint64) error {
	missing := s.missingReserves(reserves)
	if len(missing) == 0 {
		return nil
	}

	calls := make([]multicall.Call, len(missing))
	for i, reserve := range missing {
		data, err := s.configABI.Pack("getReserveConfigurationData", reserve.Common())
		if err != nil {
			return fmt.Errorf("pack getReserveConfigurationData(%s): %w", reserve, err)
		}
		calls[i] = multicall.Call{Target: s.cfg.PoolDataProvider, AllowFailure: false, CallData: data}
	}

	results, err := retry.Do(ctx, s.cfg.RetryConfig, alwaysRetryable, nil, func() ([]multicall.Result, error) {
		return s.multicall.Execute(ctx, calls, new(big.Int).SetUint64(block))
	})
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for i, reserve := range missing {
		if !results[i].Success {
			return fmt.Errorf("getReserveConfigurationData(%s) reverted", reserve)
		}
		out, err := s.configABI.Unpack("getReserveConfigurationData", results[i].ReturnData)
		if err != nil {
			return fmt.Errorf("unpack getReserveConfigurationData(%s): %w", reserve, err)
		}
		decimals := int(out[0].(*big.Int).Int64())
		ltBps := decimal.NewFromBigInt(out[2].(*big.Int), 0)
		s.cache[reserve] = reserveConfig{
			decimals:             decimals,
			liquidationThreshold: ltBps.Div(decimal.NewFromInt(10000)),
		}
	}
	return nil
}

func (s *Service) missingReserves(reserves []entity.Address) []entity.Address {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	var missing []entity.Address
	for _, r := range reserves {
		if _, ok := s.cache[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

type balance struct {
	collateral *big.Int
	debt       *big.Int
}

func (s *Service) fetchUserReserveData(ctx context.Context, user entity.Address, reserves []entity.Address, block uint64) (map[entity.Address]balance, error) {
	calls := make([]multicall.Call, len(reserves))
	for i, reserve := range reserves {
		data, err := s.userABI.Pack("getUserReserveData", reserve.Common(), user.Common())
		if err != nil {
			return nil, fmt.Errorf("pack getUserReserveData(%s): %w", reserve, err)
		}
		calls[i] = multicall.Call{Target: s.cfg.PoolDataProvider, AllowFailure: false, CallData: data}
	}

	results, err := retry.Do(ctx, s.cfg.RetryConfig, alwaysRetryable, nil, func() ([]multicall.Result, error) {
		return s.multicall.Execute(ctx, calls, new(big.Int).SetUint64(block))
	})
	if err != nil {
		return nil, err
	}

	out := make(map[entity.Address]balance, len(reserves))
	for i, reserve := range reserves {
		if !results[i].Success {
			return nil, fmt.Errorf("getUserReserveData(%s, %s) reverted", reserve, user)
		}
		unpacked, err := s.userABI.Unpack("getUserReserveData", results[i].ReturnData)
		if err != nil {
			return nil, fmt.Errorf("unpack getUserReserveData(%s): %w", reserve, err)
		}
		out[reserve] = balance{
			collateral: unpacked[0].(*big.Int), // currentATokenBalance
			debt:       unpacked[2].(*big.Int), // currentVariableDebt
		}
	}
	return out, nil
}

func (s *Service) fetchPrices(ctx context.Context, reserves []entity.Address, block uint64) (map[entity.Address]decimal.Decimal, error) {
	assets := make([]common.Address, len(reserves))
	for i, r := range reserves {
		assets[i] = r.Common()
	}

	data, err := s.oracleABI.Pack("getAssetsPrices", assets)
	if err != nil {
		return nil, fmt.Errorf("pack getAssetsPrices: %w", err)
	}
	calls := []multicall.Call{{Target: s.cfg.PriceOracle, AllowFailure: false, CallData: data}}

	results, err := retry.Do(ctx, s.cfg.RetryConfig, alwaysRetryable, nil, func() ([]multicall.Result, error) {
		return s.multicall.Execute(ctx, calls, new(big.Int).SetUint64(block))
	})
	if err != nil {
		return nil, err
	}
	if !results[0].Success {
		return nil, fmt.Errorf("getAssetsPrices reverted")
	}

	unpacked, err := s.oracleABI.Unpack("getAssetsPrices", results[0].ReturnData)
	if err != nil {
		return nil, fmt.Errorf("unpack getAssetsPrices: %w", err)
	}
	rawPrices := unpacked[0].([]*big.Int)
	if len(rawPrices) != len(reserves) {
		return nil, fmt.Errorf("getAssetsPrices: expected %d prices, got %d", len(reserves), len(rawPrices))
	}

	out := make(map[entity.Address]decimal.Decimal, len(reserves))
	for i, reserve := range reserves {
		out[reserve] = decimalx.FromRaw(rawPrices[i], oraclePriceDecimals)
	}
	return out, nil
}

// alwaysRetryable treats every error from a multicall batch as retryable up
// to the configured bound. Every call is packed with AllowFailure false, so
// a revert on any single call fails the whole batch and comes back as a Go
// error; such a revert is therefore retried like a transport fault (timeout,
// connection reset) until the bound is used up, and then fails the Read.
func alwaysRetryable(error) bool { return true }
