package entity

import "github.com/shopspring/decimal"

// Bucket is one of the three risk buckets a user account is classified into.
type Bucket string

const (
	BucketLiquidatable Bucket = "liquidatable"
	BucketAtRisk       Bucket = "at_risk"
	BucketHealthy      Bucket = "healthy"
)

// String returns the bucket name.
func (b Bucket) String() string {
	return string(b)
}

// Buckets lists all three buckets in risk order (liquidatable first), the
// order the refresh loop processes them in.
var Buckets = []Bucket{BucketLiquidatable, BucketAtRisk, BucketHealthy}

var one = decimal.NewFromInt(1)

// AssignBucket implements the bucket-assignment rule:
//
//	hf < 1.0            -> liquidatable
//	1.0 <= hf <= atRisk  -> at_risk
//	hf > atRisk          -> healthy
func AssignBucket(healthFactor, atRiskThreshold decimal.Decimal) Bucket {
	switch {
	case healthFactor.LessThan(one):
		return BucketLiquidatable
	case healthFactor.LessThanOrEqual(atRiskThreshold):
		return BucketAtRisk
	default:
		return BucketHealthy
	}
}
