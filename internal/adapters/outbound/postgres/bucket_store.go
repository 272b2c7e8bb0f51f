// bucket_store.go provides the pgx-backed implementation of the Bucket
// Store port (component C): the durable store of the three risk buckets,
// the per-user position rows, and the last-indexed block.
//
// The schema is defined in migrations/0001_init.sql, embedded with go:embed
// and applied via Migrate.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/archon-research/sentinel/internal/domain/entity"
	"github.com/archon-research/sentinel/internal/ports/outbound"
)

//go:embed migrations/0001_init.sql
var bucketStoreSchema string

var _ outbound.BucketStore = (*BucketStore)(nil)

// ErrBlockNotAdvanced is returned by SetLastBlock (and by EnrollUsers, which
// then rolls back the whole window) when n does not exceed the
// currently-stored value. The start-block seed step in cmd/sentinel treats
// it as non-fatal; the Discovery Loop always passes a block above the
// stored one.
var ErrBlockNotAdvanced = errors.New("postgres: last_block not advanced")

func bucketTable(b entity.Bucket) string {
	switch b {
	case entity.BucketLiquidatable:
		return "liquidatable_accounts"
	case entity.BucketAtRisk:
		return "at_risk_accounts"
	default:
		return "healthy_accounts"
	}
}

// BucketStore is the pgxpool-backed outbound.BucketStore implementation.
type BucketStore struct {
	pool                 *pgxpool.Pool
	logger               *slog.Logger
	maxCapOnHealthFactor decimal.Decimal
}

// NewBucketStore constructs a BucketStore over pool. placeholderCap is the
// health factor a freshly-enrolled user is given before its first score
// (must match the Refresh Loop's configured MAX_CAP_ON_HEALTH_FACTOR, so
// ListPlaceholderDue can recognize never-scored rows).
func NewBucketStore(pool *pgxpool.Pool, logger *slog.Logger, placeholderCap decimal.Decimal) *BucketStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BucketStore{pool: pool, logger: logger, maxCapOnHealthFactor: placeholderCap}
}

// Migrate applies the embedded schema. Idempotent via IF NOT EXISTS.
func (s *BucketStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, bucketStoreSchema)
	if err != nil {
		return fmt.Errorf("apply bucket store schema: %w", err)
	}
	return nil
}

func (s *BucketStore) GetLastBlock(ctx context.Context) (uint64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT block_number FROM last_index_block WHERE id = 1`).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last block: %w", err)
	}
	return uint64(n), nil
}

// SetLastBlock advances last_block monotonically, matching invariant 3 and
// testable property 4. A blind INSERT OR REPLACE (the original Rust's
// approach) cannot reject a decreasing write; this uses a conditional
// UPDATE instead.
func (s *BucketStore) SetLastBlock(ctx context.Context, n uint64) error {
	return s.withSerializationRetry(ctx, func(tx pgx.Tx) error {
		return setLastBlockTx(ctx, tx, n)
	})
}

func setLastBlockTx(ctx context.Context, tx pgx.Tx, n uint64) error {
	tag, err := tx.Exec(ctx, `UPDATE last_index_block SET block_number = $1 WHERE id = 1 AND block_number < $1`, int64(n))
	if err != nil {
		return fmt.Errorf("set last block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlockNotAdvanced
	}
	return nil
}

// EnrollUser is idempotent per §4.3: a user already present in any bucket
// keeps its bucket and account row, and only has reserve added to its
// known-reserve set if not already there; otherwise it inserts a placeholder
// healthy-bucket row whose known-reserve set is reserve.
func (s *BucketStore) EnrollUser(ctx context.Context, user, reserve entity.Address, atBlock uint64) error {
	return s.withSerializationRetry(ctx, func(tx pgx.Tx) error {
		return enrollUserTx(ctx, tx, s.maxCapOnHealthFactor, user, reserve)
	})
}

// EnrollUsers enrolls every entry and advances last_block to through in one
// transaction, per the Discovery Loop's requirement that a window's
// enrollments and its block advance commit together or not at all.
func (s *BucketStore) EnrollUsers(ctx context.Context, enrollments []outbound.Enrollment, through uint64) error {
	return s.withSerializationRetry(ctx, func(tx pgx.Tx) error {
		for _, e := range enrollments {
			if err := enrollUserTx(ctx, tx, s.maxCapOnHealthFactor, e.User, e.Reserve); err != nil {
				return err
			}
		}
		return setLastBlockTx(ctx, tx, through)
	})
}

func enrollUserTx(ctx context.Context, tx pgx.Tx, placeholderCap decimal.Decimal, user, reserve entity.Address) error {
	exists, err := userExistsAnyBucket(ctx, tx, user)
	if err != nil {
		return err
	}
	if exists {
		return addKnownReserve(ctx, tx, user, reserve)
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO healthy_accounts
			(user_address, last_updated_block, health_factor, total_collateral_usd, total_debt_usd,
			 leading_collateral_reserve, leading_debt_reserve, leading_collateral_value, leading_debt_value,
			 known_reserves, updated_at)
		VALUES ($1, 0, $2, 0, 0, $3, $3, 0, 0, ARRAY[$4]::CHAR(42)[], $5)
		ON CONFLICT (user_address) DO NOTHING`,
		user.String(), placeholderCap.String(), entity.ZeroAddress.String(), reserve.String(), now)
	if err != nil {
		return fmt.Errorf("enroll user %s: %w", user, err)
	}
	return nil
}

func userExistsAnyBucket(ctx context.Context, tx pgx.Tx, user entity.Address) (bool, error) {
	for _, table := range []string{"liquidatable_accounts", "at_risk_accounts", "healthy_accounts"} {
		var exists bool
		err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE user_address = $1)`, table), user.String()).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("check %s for %s: %w", table, user, err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

func addKnownReserve(ctx context.Context, tx pgx.Tx, user, reserve entity.Address) error {
	for _, table := range []string{"liquidatable_accounts", "at_risk_accounts", "healthy_accounts"} {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s
			SET known_reserves = array_append(known_reserves, $2::CHAR(42))
			WHERE user_address = $1 AND NOT ($2::CHAR(42) = ANY(known_reserves))`, table),
			user.String(), reserve.String())
		if err != nil {
			return fmt.Errorf("record known reserve on %s for %s: %w", table, user, err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return nil
}

func (s *BucketStore) ListDue(ctx context.Context, bucket entity.Bucket, cadence time.Duration, now time.Time) ([]entity.Address, error) {
	table := bucketTable(bucket)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT user_address FROM %s WHERE updated_at + $1::interval <= $2`, table),
		cadence.String(), now)
	if err != nil {
		return nil, fmt.Errorf("list due %s: %w", bucket, err)
	}
	defer rows.Close()
	return scanAddresses(rows)
}

func (s *BucketStore) ListPlaceholderDue(ctx context.Context, placeholderCap decimal.Decimal) ([]entity.Address, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_address FROM healthy_accounts WHERE last_updated_block = 0 AND health_factor = $1`,
		placeholderCap.String())
	if err != nil {
		return nil, fmt.Errorf("list placeholder due: %w", err)
	}
	defer rows.Close()
	return scanAddresses(rows)
}

func scanAddresses(rows pgx.Rows) ([]entity.Address, error) {
	var out []entity.Address
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addr, err := entity.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("parse scanned address %q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// UpsertAccountAndPositions is the single transaction that moves a user
// between buckets: the target bucket's upsert, the other two buckets'
// deletes, and the position-row full replacement, all atomic, so a user
// is never visible in two buckets or none.
func (s *BucketStore) UpsertAccountAndPositions(ctx context.Context, acct entity.Account, rows []entity.Position, atRiskThreshold decimal.Decimal) error {
	target := acct.Bucket(atRiskThreshold)
	return s.withSerializationRetry(ctx, func(tx pgx.Tx) error {
		knownReserves, err := currentKnownReserves(ctx, tx, acct.UserAddress)
		if err != nil {
			return err
		}

		for _, other := range entity.Buckets {
			if other == target {
				continue
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_address = $1`, bucketTable(other)), acct.UserAddress.String()); err != nil {
				return fmt.Errorf("delete from %s: %w", bucketTable(other), err)
			}
		}

		table := bucketTable(target)
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s
				(user_address, last_updated_block, health_factor, total_collateral_usd, total_debt_usd,
				 leading_collateral_reserve, leading_debt_reserve, leading_collateral_value, leading_debt_value,
				 known_reserves, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (user_address) DO UPDATE SET
				last_updated_block = EXCLUDED.last_updated_block,
				health_factor = EXCLUDED.health_factor,
				total_collateral_usd = EXCLUDED.total_collateral_usd,
				total_debt_usd = EXCLUDED.total_debt_usd,
				leading_collateral_reserve = EXCLUDED.leading_collateral_reserve,
				leading_debt_reserve = EXCLUDED.leading_debt_reserve,
				leading_collateral_value = EXCLUDED.leading_collateral_value,
				leading_debt_value = EXCLUDED.leading_debt_value,
				known_reserves = EXCLUDED.known_reserves,
				updated_at = EXCLUDED.updated_at`, table),
			acct.UserAddress.String(), int64(acct.LastUpdatedBlock), acct.HealthFactor.String(),
			acct.TotalCollateralUSD.String(), acct.TotalDebtUSD.String(),
			acct.LeadingCollateralReserve.String(), acct.LeadingDebtReserve.String(),
			acct.LeadingCollateralValueUSD.String(), acct.LeadingDebtValueUSD.String(),
			addressStrings(knownReserves), acct.Timestamp)
		if err != nil {
			return fmt.Errorf("upsert into %s: %w", table, err)
		}

		if err := replacePositions(ctx, tx, acct.UserAddress, rows); err != nil {
			return err
		}
		return nil
	})
}

func currentKnownReserves(ctx context.Context, tx pgx.Tx, user entity.Address) ([]entity.Address, error) {
	for _, table := range []string{"liquidatable_accounts", "at_risk_accounts", "healthy_accounts"} {
		var raw []string
		err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT known_reserves FROM %s WHERE user_address = $1`, table), user.String()).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read known reserves from %s for %s: %w", table, user, err)
		}
		out := make([]entity.Address, 0, len(raw))
		for _, s := range raw {
			addr, err := entity.ParseAddress(s)
			if err != nil {
				return nil, fmt.Errorf("parse known reserve %q: %w", s, err)
			}
			out = append(out, addr)
		}
		return out, nil
	}
	return nil, nil
}

func addressStrings(addrs []entity.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// replacePositions treats a user's position rows as a full replacement,
// not a diff: delete-then-reinsert within the caller's transaction,
// never an incremental patch.
func replacePositions(ctx context.Context, tx pgx.Tx, user entity.Address, rows []entity.Position) error {
	if _, err := tx.Exec(ctx, `DELETE FROM user_debt_collateral WHERE user_address = $1`, user.String()); err != nil {
		return fmt.Errorf("clear positions for %s: %w", user, err)
	}
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now()
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO user_debt_collateral (user_address, reserve_address, is_collateral, amount_usd, updated_at)
			VALUES ($1, $2, $3, $4, $5)`,
			user.String(), r.Reserve.String(), r.IsCollateral, r.AmountUSD.String(), now)
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert position row for %s: %w", user, err)
		}
	}
	return nil
}

func (s *BucketStore) KnownReserves(ctx context.Context, user entity.Address) ([]entity.Address, error) {
	var out []entity.Address
	var err error
	txErr := s.withSerializationRetry(ctx, func(tx pgx.Tx) error {
		out, err = currentKnownReserves(ctx, tx, user)
		return err
	})
	if txErr != nil {
		return nil, txErr
	}
	return out, nil
}

func (s *BucketStore) Reset(ctx context.Context) error {
	for _, table := range []string{"liquidatable_accounts", "at_risk_accounts", "healthy_accounts", "user_debt_collateral"} {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, table)); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	if _, err := s.pool.Exec(ctx, `UPDATE last_index_block SET block_number = 0 WHERE id = 1`); err != nil {
		return fmt.Errorf("reset last_index_block: %w", err)
	}
	return nil
}

// withSerializationRetry wraps fn in a transaction, retrying on Postgres
// serialization failures (SQLSTATE 40001) with capped exponential backoff,
// up to maxAttempts transactions in all.
func (s *BucketStore) withSerializationRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxAttempts = 5
	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBlockNotAdvanced) {
			return err
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "40001" || attempt >= maxAttempts-1 {
			return err
		}
		base := time.Duration(1<<attempt) * time.Millisecond
		if base > 100*time.Millisecond {
			base = 100 * time.Millisecond
		}
		jittered := base + time.Duration(rand.Int63n(int64(base)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		s.logger.Warn("retrying after serialization failure", "attempt", attempt+1)
	}
}

func (s *BucketStore) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Error("failed to rollback transaction", "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
