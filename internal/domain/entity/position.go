package entity

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Position is a single collateral or debt row for a user on a reserve.
// Unique key is (User, Reserve, IsCollateral): a user may hold both a
// collateral and a debt row on the same reserve simultaneously.
type Position struct {
	User         Address
	Reserve      Address
	AmountUSD    decimal.Decimal
	IsCollateral bool
}

// NewPosition creates a Position, rejecting negative USD amounts.
func NewPosition(user, reserve Address, amountUSD decimal.Decimal, isCollateral bool) (Position, error) {
	if amountUSD.IsNegative() {
		return Position{}, fmt.Errorf("position amount must be non-negative, got %s", amountUSD)
	}
	return Position{
		User:         user,
		Reserve:      reserve,
		AmountUSD:    amountUSD,
		IsCollateral: isCollateral,
	}, nil
}

// LeadingReserve returns the reserve with the largest AmountUSD among rows
// matching isCollateral, breaking ties lexicographically by reserve address.
// Returns the zero address and a zero amount if no matching rows exist.
func LeadingReserve(rows []Position, isCollateral bool) (Address, decimal.Decimal) {
	var leadingReserve Address
	leadingValue := decimal.Zero
	found := false

	for _, r := range rows {
		if r.IsCollateral != isCollateral {
			continue
		}
		if !found {
			leadingReserve, leadingValue, found = r.Reserve, r.AmountUSD, true
			continue
		}
		if r.AmountUSD.GreaterThan(leadingValue) {
			leadingReserve, leadingValue = r.Reserve, r.AmountUSD
			continue
		}
		if r.AmountUSD.Equal(leadingValue) && r.Reserve.Less(leadingReserve) {
			leadingReserve, leadingValue = r.Reserve, r.AmountUSD
		}
	}

	if !found {
		return ZeroAddress, decimal.Zero
	}
	return leadingReserve, leadingValue
}

// SumUSD totals the AmountUSD of rows matching isCollateral.
func SumUSD(rows []Position, isCollateral bool) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		if r.IsCollateral == isCollateral {
			total = total.Add(r.AmountUSD)
		}
	}
	return total
}
