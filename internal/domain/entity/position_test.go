package entity

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func addr(t *testing.T, s string) Address {
	t.Helper()
	a, err := ParseAddress(s)
	require.NoError(t, err)
	return a
}

// TestLeadingReserveLexTiebreak covers invariant 4: ties on USD value are
// broken by lexicographically smallest reserve address, regardless of the
// order rows are supplied in.
func TestLeadingReserveLexTiebreak(t *testing.T) {
	resHigh := addr(t, "0x0000000000000000000000000000000000000002")
	resLow := addr(t, "0x0000000000000000000000000000000000000001")
	user := addr(t, "0x0000000000000000000000000000000000000aaa")

	rows := []Position{
		{User: user, Reserve: resHigh, AmountUSD: decimal.NewFromInt(100), IsCollateral: true},
		{User: user, Reserve: resLow, AmountUSD: decimal.NewFromInt(100), IsCollateral: true},
	}

	leading, value := LeadingReserve(rows, true)
	require.Equal(t, resLow, leading)
	require.True(t, value.Equal(decimal.NewFromInt(100)))
}

func TestLeadingReserveNoTie(t *testing.T) {
	resA := addr(t, "0x0000000000000000000000000000000000000001")
	resB := addr(t, "0x0000000000000000000000000000000000000002")
	user := addr(t, "0x0000000000000000000000000000000000000aaa")

	rows := []Position{
		{User: user, Reserve: resA, AmountUSD: decimal.NewFromInt(50), IsCollateral: false},
		{User: user, Reserve: resB, AmountUSD: decimal.NewFromInt(500), IsCollateral: false},
	}

	leading, value := LeadingReserve(rows, false)
	require.Equal(t, resB, leading)
	require.True(t, value.Equal(decimal.NewFromInt(500)))
}

func TestLeadingReserveEmpty(t *testing.T) {
	leading, value := LeadingReserve(nil, true)
	require.Equal(t, ZeroAddress, leading)
	require.True(t, value.IsZero())
}

func TestSumUSD(t *testing.T) {
	user := addr(t, "0x0000000000000000000000000000000000000aaa")
	res := addr(t, "0x0000000000000000000000000000000000000001")
	rows := []Position{
		{User: user, Reserve: res, AmountUSD: decimal.NewFromInt(100), IsCollateral: true},
		{User: user, Reserve: res, AmountUSD: decimal.NewFromInt(50), IsCollateral: false},
		{User: user, Reserve: res, AmountUSD: decimal.NewFromInt(25), IsCollateral: true},
	}
	require.True(t, SumUSD(rows, true).Equal(decimal.NewFromInt(125)))
	require.True(t, SumUSD(rows, false).Equal(decimal.NewFromInt(50)))
}

func TestNewPositionRejectsNegative(t *testing.T) {
	user := addr(t, "0x0000000000000000000000000000000000000aaa")
	res := addr(t, "0x0000000000000000000000000000000000000001")
	_, err := NewPosition(user, res, decimal.NewFromInt(-1), true)
	require.Error(t, err)
}
