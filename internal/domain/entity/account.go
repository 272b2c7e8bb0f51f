package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the per-user record stored in exactly one of the three risk
// buckets (§3). LeadingCollateralReserve/LeadingDebtReserve are the zero
// address when the user has no rows on that side.
type Account struct {
	UserAddress               Address
	LastUpdatedBlock          uint64
	HealthFactor              decimal.Decimal
	TotalCollateralUSD        decimal.Decimal
	TotalDebtUSD              decimal.Decimal
	LeadingCollateralReserve  Address
	LeadingDebtReserve        Address
	LeadingCollateralValueUSD decimal.Decimal
	LeadingDebtValueUSD       decimal.Decimal
	Timestamp                 time.Time
}

// NewPlaceholderAccount builds the record written by enroll_user: placeholder
// health factor at the cap, zero/empty everything else, sitting in healthy
// (invariant 2) until the next refresh cycle scores it for real.
func NewPlaceholderAccount(user Address, cap decimal.Decimal, now time.Time) Account {
	return Account{
		UserAddress:               user,
		LastUpdatedBlock:          0,
		HealthFactor:              cap,
		TotalCollateralUSD:        decimal.Zero,
		TotalDebtUSD:              decimal.Zero,
		LeadingCollateralReserve:  ZeroAddress,
		LeadingDebtReserve:        ZeroAddress,
		LeadingCollateralValueUSD: decimal.Zero,
		LeadingDebtValueUSD:       decimal.Zero,
		Timestamp:                 now,
	}
}

// IsPlaceholder reports whether this account has never been scored for
// real — the condition the refresh loop's placeholder-upgrade rule (§4.5)
// uses to pull new users into the due set regardless of cadence.
func (a Account) IsPlaceholder(cap decimal.Decimal) bool {
	return a.LastUpdatedBlock == 0 && a.HealthFactor.Equal(cap)
}

// Bucket returns the risk bucket this account belongs to per its health
// factor, per the assignment rule in §4.3.
func (a Account) Bucket(atRiskThreshold decimal.Decimal) Bucket {
	return AssignBucket(a.HealthFactor, atRiskThreshold)
}
