package positionreader

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-research/sentinel/internal/domain/entity"
	"github.com/archon-research/sentinel/internal/pkg/blockchain/abis"
	"github.com/archon-research/sentinel/internal/pkg/blockchain/multicall"
	"github.com/archon-research/sentinel/internal/pkg/retry"
)

// fakeMulticaller routes calls by target+selector to canned return data,
// an ExecuteFn-injection fake typed against multicall.Multicaller (the
// interface positionreader depends on).
type fakeMulticaller struct {
	callCount int
	respond   func(call multicall.Call) multicall.Result
}

func (f *fakeMulticaller) Execute(ctx context.Context, calls []multicall.Call, blockNumber *big.Int) ([]multicall.Result, error) {
	f.callCount++
	out := make([]multicall.Result, len(calls))
	for i, c := range calls {
		out[i] = f.respond(c)
	}
	return out, nil
}

func (f *fakeMulticaller) Address() common.Address {
	return common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
}

func mustABI(t *testing.T, fn func() (*abi.ABI, error)) *abi.ABI {
	t.Helper()
	a, err := fn()
	require.NoError(t, err)
	return a
}

func packReserveConfig(t *testing.T, a *abi.ABI, decimals, ltv, liqThreshold int64) []byte {
	t.Helper()
	data, err := a.Methods["getReserveConfigurationData"].Outputs.Pack(
		big.NewInt(decimals), big.NewInt(ltv), big.NewInt(liqThreshold), big.NewInt(10500),
		big.NewInt(1000), true, true, false, true, false)
	require.NoError(t, err)
	return data
}

func packUserReserveData(t *testing.T, a *abi.ABI, collateral, debt int64) []byte {
	t.Helper()
	data, err := a.Methods["getUserReserveData"].Outputs.Pack(
		big.NewInt(collateral), big.NewInt(0), big.NewInt(debt), big.NewInt(0),
		big.NewInt(0), big.NewInt(0), big.NewInt(0), uint64(0), true)
	require.NoError(t, err)
	return data
}

func packPrices(t *testing.T, a *abi.ABI, prices []int64) []byte {
	t.Helper()
	raw := make([]*big.Int, len(prices))
	for i, p := range prices {
		raw[i] = big.NewInt(p)
	}
	data, err := a.Methods["getAssetsPrices"].Outputs.Pack(raw)
	require.NoError(t, err)
	return data
}

func TestReadComputesHealthFactor(t *testing.T) {
	configABI := mustABI(t, abis.GetReserveConfigurationABI)
	userABI := mustABI(t, abis.GetPoolDataProviderUserReserveDataABI)
	oracleABI := mustABI(t, abis.GetAaveOracleABI)

	dataProvider := common.HexToAddress("0x1111111111111111111111111111111111111111")
	oracle := common.HexToAddress("0x2222222222222222222222222222222222222222")
	reserve := entity.Address{0xaa}

	fm := &fakeMulticaller{
		respond: func(call multicall.Call) multicall.Result {
			switch call.Target {
			case dataProvider:
				sel := string(call.CallData[:4])
				switch sel {
				case string(configABI.Methods["getReserveConfigurationData"].ID):
					// 18 decimals, 75% LTV, 80% liquidation threshold (8000 bps)
					return multicall.Result{Success: true, ReturnData: packReserveConfig(t, configABI, 18, 7500, 8000)}
				case string(userABI.Methods["getUserReserveData"].ID):
					// 4 tokens collateral (4e18 raw), 2 tokens debt (2e18 raw)
					return multicall.Result{Success: true, ReturnData: packUserReserveData(t, userABI, 4_000000000000000000, 2_000000000000000000)}
				}
			case oracle:
				// price = 5 USD at 8 decimals = 5e8
				return multicall.Result{Success: true, ReturnData: packPrices(t, oracleABI, []int64{500_000000})}
			}
			return multicall.Result{Success: false}
		},
	}

	svc, err := New(Config{
		PoolDataProvider:     dataProvider,
		PriceOracle:          oracle,
		MaxCapOnHealthFactor: decimal.NewFromInt(1000),
		RetryConfig:          retry.Config{MaxRetries: 0},
	}, fm)
	require.NoError(t, err)

	scored, err := svc.Read(context.Background(), entity.Address{0x01}, []entity.Address{reserve}, 100)
	require.NoError(t, err)

	// collateral = 4 * 5 = 20 USD, debt = 2 * 5 = 10 USD
	// weighted collateral = 20 * 0.8 = 16; HF = 16 / 10 = 1.6
	assert.True(t, scored.Account.TotalCollateralUSD.Equal(decimal.NewFromInt(20)), scored.Account.TotalCollateralUSD.String())
	assert.True(t, scored.Account.TotalDebtUSD.Equal(decimal.NewFromInt(10)), scored.Account.TotalDebtUSD.String())
	assert.True(t, scored.Account.HealthFactor.Equal(decimal.NewFromFloat(1.6)), scored.Account.HealthFactor.String())
	assert.Equal(t, reserve, scored.Account.LeadingCollateralReserve)
	assert.Equal(t, reserve, scored.Account.LeadingDebtReserve)
	assert.Len(t, scored.Position, 2)
}

func TestReadWithNoReservesReturnsPlaceholder(t *testing.T) {
	dataProvider := common.HexToAddress("0x1111111111111111111111111111111111111111")
	oracle := common.HexToAddress("0x2222222222222222222222222222222222222222")

	svc, err := New(Config{
		PoolDataProvider:     dataProvider,
		PriceOracle:          oracle,
		MaxCapOnHealthFactor: decimal.NewFromInt(1000),
	}, &fakeMulticaller{respond: func(multicall.Call) multicall.Result { return multicall.Result{} }})
	require.NoError(t, err)

	scored, err := svc.Read(context.Background(), entity.Address{0x01}, nil, 100)
	require.NoError(t, err)
	assert.True(t, scored.Account.HealthFactor.Equal(decimal.NewFromInt(1000)))
	assert.Empty(t, scored.Position)
}

func TestReadZeroDebtGivesCapHealthFactor(t *testing.T) {
	configABI := mustABI(t, abis.GetReserveConfigurationABI)
	userABI := mustABI(t, abis.GetPoolDataProviderUserReserveDataABI)
	oracleABI := mustABI(t, abis.GetAaveOracleABI)

	dataProvider := common.HexToAddress("0x1111111111111111111111111111111111111111")
	oracle := common.HexToAddress("0x2222222222222222222222222222222222222222")
	reserve := entity.Address{0xbb}

	fm := &fakeMulticaller{
		respond: func(call multicall.Call) multicall.Result {
			switch call.Target {
			case dataProvider:
				sel := string(call.CallData[:4])
				if sel == string(configABI.Methods["getReserveConfigurationData"].ID) {
					return multicall.Result{Success: true, ReturnData: packReserveConfig(t, configABI, 18, 7500, 8000)}
				}
				return multicall.Result{Success: true, ReturnData: packUserReserveData(t, userABI, 4_000000000000000000, 0)}
			case oracle:
				return multicall.Result{Success: true, ReturnData: packPrices(t, oracleABI, []int64{100_000000})}
			}
			return multicall.Result{Success: false}
		},
	}

	svc, err := New(Config{
		PoolDataProvider:     dataProvider,
		PriceOracle:          oracle,
		MaxCapOnHealthFactor: decimal.NewFromInt(1000),
	}, fm)
	require.NoError(t, err)

	scored, err := svc.Read(context.Background(), entity.Address{0x01}, []entity.Address{reserve}, 100)
	require.NoError(t, err)
	assert.True(t, scored.Account.HealthFactor.Equal(decimal.NewFromInt(1000)))
	assert.True(t, scored.Account.TotalDebtUSD.IsZero())
}
