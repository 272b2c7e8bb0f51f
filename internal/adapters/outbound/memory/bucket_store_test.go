package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-research/sentinel/internal/domain/entity"
)

var cap1000 = decimal.NewFromInt(1000)

func addr(b byte) entity.Address {
	var a entity.Address
	a[19] = b
	return a
}

func TestEnrollUserNewUserLandsInHealthyAsPlaceholder(t *testing.T) {
	s := NewBucketStore(cap1000)
	user, reserve := addr(1), addr(0xaa)

	require.NoError(t, s.EnrollUser(context.Background(), user, reserve, 100))

	bucket, ok := s.BucketOf(user)
	require.True(t, ok)
	assert.Equal(t, entity.BucketHealthy, bucket)

	reserves, err := s.KnownReserves(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, []entity.Address{reserve}, reserves)
}

func TestEnrollUserExistingUserAddsReserveWithoutMovingBucket(t *testing.T) {
	s := NewBucketStore(cap1000)
	user, reserveA, reserveB := addr(1), addr(0xaa), addr(0xbb)

	require.NoError(t, s.EnrollUser(context.Background(), user, reserveA, 100))
	require.NoError(t, s.UpsertAccountAndPositions(context.Background(), entity.Account{
		UserAddress:  user,
		HealthFactor: decimal.NewFromFloat(0.5),
		Timestamp:    time.Now(),
	}, nil, decimal.NewFromInt(2)))

	bucket, ok := s.BucketOf(user)
	require.True(t, ok)
	require.Equal(t, entity.BucketLiquidatable, bucket)

	require.NoError(t, s.EnrollUser(context.Background(), user, reserveB, 101))

	bucket, ok = s.BucketOf(user)
	require.True(t, ok)
	assert.Equal(t, entity.BucketLiquidatable, bucket, "enrolling a known user must not move its bucket")

	reserves, err := s.KnownReserves(context.Background(), user)
	require.NoError(t, err)
	assert.ElementsMatch(t, []entity.Address{reserveA, reserveB}, reserves)
}

func TestUpsertAccountAndPositionsMovesBucketAndDropsOldRow(t *testing.T) {
	s := NewBucketStore(cap1000)
	user, reserve := addr(1), addr(0xaa)
	require.NoError(t, s.EnrollUser(context.Background(), user, reserve, 100))

	atRiskThreshold := decimal.NewFromInt(2)
	require.NoError(t, s.UpsertAccountAndPositions(context.Background(), entity.Account{
		UserAddress:  user,
		HealthFactor: decimal.NewFromFloat(0.9),
		Timestamp:    time.Now(),
	}, []entity.Position{}, atRiskThreshold))

	bucket, ok := s.BucketOf(user)
	require.True(t, ok)
	assert.Equal(t, entity.BucketLiquidatable, bucket)

	// only one bucket may ever hold the user (invariant 1).
	for _, b := range entity.Buckets {
		if b == bucket {
			continue
		}
		due, err := s.ListDue(context.Background(), b, 0, time.Now())
		require.NoError(t, err)
		assert.NotContains(t, due, user)
	}
}

func TestUpsertAccountAndPositionsPreservesKnownReservesAcrossBucketMove(t *testing.T) {
	s := NewBucketStore(cap1000)
	user, reserveA, reserveB := addr(1), addr(0xaa), addr(0xbb)
	require.NoError(t, s.EnrollUser(context.Background(), user, reserveA, 100))
	require.NoError(t, s.EnrollUser(context.Background(), user, reserveB, 100))

	require.NoError(t, s.UpsertAccountAndPositions(context.Background(), entity.Account{
		UserAddress:  user,
		HealthFactor: decimal.NewFromFloat(0.5),
		Timestamp:    time.Now(),
	}, nil, decimal.NewFromInt(2)))

	reserves, err := s.KnownReserves(context.Background(), user)
	require.NoError(t, err)
	assert.ElementsMatch(t, []entity.Address{reserveA, reserveB}, reserves)
}

func TestListDueRespectsCadence(t *testing.T) {
	s := NewBucketStore(cap1000)
	user := addr(1)
	now := time.Now()
	require.NoError(t, s.UpsertAccountAndPositions(context.Background(), entity.Account{
		UserAddress:  user,
		HealthFactor: decimal.NewFromFloat(0.5),
		Timestamp:    now,
	}, nil, decimal.NewFromInt(2)))

	due, err := s.ListDue(context.Background(), entity.BucketLiquidatable, time.Hour, now)
	require.NoError(t, err)
	assert.Empty(t, due, "not yet due within cadence")

	due, err = s.ListDue(context.Background(), entity.BucketLiquidatable, time.Hour, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []entity.Address{user}, due)
}

func TestListPlaceholderDueFindsOnlyUnscoredPlaceholders(t *testing.T) {
	s := NewBucketStore(cap1000)
	placeholder, scored := addr(1), addr(2)

	require.NoError(t, s.EnrollUser(context.Background(), placeholder, addr(0xaa), 100))
	require.NoError(t, s.UpsertAccountAndPositions(context.Background(), entity.Account{
		UserAddress:      scored,
		HealthFactor:     cap1000,
		LastUpdatedBlock: 50,
		Timestamp:        time.Now(),
	}, nil, decimal.NewFromInt(2)))

	due, err := s.ListPlaceholderDue(context.Background(), cap1000)
	require.NoError(t, err)
	assert.Equal(t, []entity.Address{placeholder}, due, "an already-scored account at the cap is not a placeholder")
}

func TestSetLastBlockIsMonotonic(t *testing.T) {
	s := NewBucketStore(cap1000)
	require.NoError(t, s.SetLastBlock(context.Background(), 100))
	require.NoError(t, s.SetLastBlock(context.Background(), 50))

	n, err := s.GetLastBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n, "last block must never move backwards")
}

func TestResetClearsEverything(t *testing.T) {
	s := NewBucketStore(cap1000)
	user := addr(1)
	require.NoError(t, s.EnrollUser(context.Background(), user, addr(0xaa), 100))
	require.NoError(t, s.SetLastBlock(context.Background(), 100))

	require.NoError(t, s.Reset(context.Background()))

	n, err := s.GetLastBlock(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok := s.BucketOf(user)
	assert.False(t, ok)
}
