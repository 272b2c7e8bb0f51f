// Package config loads and validates the environment-variable configuration,
// extending internal/pkg/env's typed getters rather than replacing them.
package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/sentinel/internal/pkg/env"
)

// CallMode selects how the Position Reader batches on-chain reads.
type CallMode string

const (
	CallModeMulticall CallMode = "multicall"
	CallModeDirect    CallMode = "direct"
)

// DefaultMulticall3Address is the canonical deployment address shared
// across EVM chains.
const DefaultMulticall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

// Config holds every configuration value the service needs, fully resolved
// and validated at startup.
type Config struct {
	DatabaseURL      string
	RPCURL           string
	PoolAddress      common.Address
	PoolDataProvider common.Address
	PriceOracle      common.Address
	Multicall3Address common.Address

	StartBlock            uint64
	LogPerRequest         uint64
	MaxBlockOutOfSync     uint64
	MaxCapOnHealthFactor  decimal.Decimal
	AtRiskHealthFactor    decimal.Decimal
	ReorgSafetyMargin     uint64

	LiquidatableUpdateFrequency time.Duration
	AtRiskUpdateFrequency       time.Duration
	HealthyUpdateFrequency      time.Duration

	LogInsideFile bool
	LogLevel      string

	CallMode            CallMode
	RefreshTickInterval time.Duration
	RefreshConcurrency  int
	RPCCallTimeout      time.Duration
}

// Load reads and validates configuration from the environment. A missing or
// invalid required variable is a fatal configuration error — callers should
// treat a non-nil error as fatal at startup.
func Load() (*Config, error) {
	dbURL, err := env.RequireString("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	rpcURL, err := env.RequireString("RPC_URL")
	if err != nil {
		return nil, err
	}

	poolAddr, err := requireAddress("POOL_ADDRESS")
	if err != nil {
		return nil, err
	}
	dataProviderAddr, err := requireAddress("POOL_DATA_PROVIDER")
	if err != nil {
		return nil, err
	}
	oracleAddr, err := requireAddress("PRICE_ORACLE")
	if err != nil {
		return nil, err
	}

	multicallRaw := env.Get("MULTICALL3_ADDRESS", DefaultMulticall3Address)
	if !common.IsHexAddress(multicallRaw) {
		return nil, fmt.Errorf("MULTICALL3_ADDRESS %q is not a valid address", multicallRaw)
	}

	callMode := CallMode(env.Get("POSITION_READER_CALL_MODE", string(CallModeMulticall)))
	if callMode != CallModeMulticall && callMode != CallModeDirect {
		return nil, fmt.Errorf("POSITION_READER_CALL_MODE must be %q or %q, got %q", CallModeMulticall, CallModeDirect, callMode)
	}

	logPerRequest := env.GetUint64("LOG_PER_REQUEST", 2000)
	if logPerRequest == 0 {
		return nil, fmt.Errorf("LOG_PER_REQUEST must be positive")
	}

	atRiskHF := env.GetDecimal("AT_RISK_HEALTH_FACTOR", decimal.NewFromFloat(2.0))
	if !atRiskHF.IsPositive() {
		return nil, fmt.Errorf("AT_RISK_HEALTH_FACTOR must be positive")
	}

	maxCap := env.GetDecimal("MAX_CAP_ON_HEALTH_FACTOR", decimal.NewFromInt(1000))
	if maxCap.LessThanOrEqual(atRiskHF) {
		return nil, fmt.Errorf("MAX_CAP_ON_HEALTH_FACTOR (%s) must exceed AT_RISK_HEALTH_FACTOR (%s)", maxCap, atRiskHF)
	}

	refreshConcurrency := int(env.GetUint64("REFRESH_CONCURRENCY", 16))
	if refreshConcurrency <= 0 {
		return nil, fmt.Errorf("REFRESH_CONCURRENCY must be positive")
	}

	return &Config{
		DatabaseURL:        dbURL,
		RPCURL:             rpcURL,
		PoolAddress:        poolAddr,
		PoolDataProvider:   dataProviderAddr,
		PriceOracle:        oracleAddr,
		Multicall3Address:  common.HexToAddress(multicallRaw),

		StartBlock:           env.GetUint64("START_BLOCK", 0),
		LogPerRequest:        logPerRequest,
		MaxBlockOutOfSync:    env.GetUint64("MAX_BLOCK_OUT_OF_SYNC", 1000),
		MaxCapOnHealthFactor: maxCap,
		AtRiskHealthFactor:   atRiskHF,
		ReorgSafetyMargin:    env.GetUint64("REORG_SAFETY_MARGIN", 0),

		LiquidatableUpdateFrequency: time.Duration(env.GetUint64("LIQUIDATABLE_USERS_UPDATE_FREQUENCY", 30)) * time.Second,
		AtRiskUpdateFrequency:       time.Duration(env.GetUint64("AT_RISK_USERS_UPDATE_FREQUENCY", 120)) * time.Second,
		HealthyUpdateFrequency:      time.Duration(env.GetUint64("HEALTHY_USERS_UPDATE_FREQUENCY", 3600)) * time.Second,

		LogInsideFile: env.GetBool("LOG_INSIDE_FILE", false),
		LogLevel:      env.Get("LOG_LEVEL", "info"),

		CallMode:            callMode,
		RefreshTickInterval: env.GetDuration("REFRESH_TICK_INTERVAL", time.Second),
		RefreshConcurrency:  refreshConcurrency,
		RPCCallTimeout:      env.GetDuration("RPC_CALL_TIMEOUT", 30*time.Second),
	}, nil
}

func requireAddress(key string) (common.Address, error) {
	raw, err := env.RequireString(key)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not a valid address", key, raw)
	}
	return common.HexToAddress(raw), nil
}
