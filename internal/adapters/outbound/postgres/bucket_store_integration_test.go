//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/archon-research/sentinel/internal/domain/entity"
)

var cap1000 = decimal.NewFromInt(1000)

// startBucketStorePostgres starts a plain Postgres container, applies the
// Bucket Store's own embedded schema, and returns a ready-to-use store.
func startBucketStorePostgres(t *testing.T) *BucketStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	for i := 0; i < 30; i++ {
		if pool.Ping(ctx) == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	store := NewBucketStore(pool, nil, cap1000)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func addr(b byte) entity.Address {
	var a entity.Address
	a[19] = b
	return a
}

func TestBucketStoreEnrollUserIsIdempotent(t *testing.T) {
	store := startBucketStorePostgres(t)
	ctx := context.Background()
	user, reserveA, reserveB := addr(1), addr(0xaa), addr(0xbb)

	require.NoError(t, store.EnrollUser(ctx, user, reserveA, 100))
	require.NoError(t, store.EnrollUser(ctx, user, reserveB, 101))

	reserves, err := store.KnownReserves(ctx, user)
	require.NoError(t, err)
	assert.ElementsMatch(t, []entity.Address{reserveA, reserveB}, reserves)

	due, err := store.ListPlaceholderDue(ctx, cap1000)
	require.NoError(t, err)
	assert.Equal(t, []entity.Address{user}, due)
}

func TestBucketStoreUpsertMovesBucketAtomically(t *testing.T) {
	store := startBucketStorePostgres(t)
	ctx := context.Background()
	user, reserve := addr(1), addr(0xaa)
	require.NoError(t, store.EnrollUser(ctx, user, reserve, 100))

	atRiskThreshold := decimal.NewFromInt(2)
	row, err := entity.NewPosition(user, reserve, decimal.NewFromInt(100), true)
	require.NoError(t, err)

	require.NoError(t, store.UpsertAccountAndPositions(ctx, entity.Account{
		UserAddress:        user,
		LastUpdatedBlock:   200,
		HealthFactor:       decimal.NewFromFloat(0.75),
		TotalCollateralUSD: decimal.NewFromInt(100),
		Timestamp:          time.Now(),
	}, []entity.Position{row}, atRiskThreshold))

	due, err := store.ListDue(ctx, entity.BucketLiquidatable, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []entity.Address{user}, due)

	for _, b := range []entity.Bucket{entity.BucketAtRisk, entity.BucketHealthy} {
		due, err := store.ListDue(ctx, b, 0, time.Now())
		require.NoError(t, err)
		assert.Empty(t, due, "the moved user must not remain in its previous bucket")
	}

	reserves, err := store.KnownReserves(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []entity.Address{reserve}, reserves, "known reserves survive the bucket move")
}

func TestBucketStoreSetLastBlockIsMonotonic(t *testing.T) {
	store := startBucketStorePostgres(t)
	ctx := context.Background()

	require.NoError(t, store.SetLastBlock(ctx, 100))
	err := store.SetLastBlock(ctx, 50)
	assert.ErrorIs(t, err, ErrBlockNotAdvanced)

	n, err := store.GetLastBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n)
}

func TestBucketStoreResetClearsAllTables(t *testing.T) {
	store := startBucketStorePostgres(t)
	ctx := context.Background()
	user := addr(1)
	require.NoError(t, store.EnrollUser(ctx, user, addr(0xaa), 100))
	require.NoError(t, store.SetLastBlock(ctx, 100))

	require.NoError(t, store.Reset(ctx))

	n, err := store.GetLastBlock(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	reserves, err := store.KnownReserves(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, reserves)
}
