package outbound

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archon-research/sentinel/internal/domain/entity"
)

// Enrollment pairs a borrower with one of its known reserves, as decoded
// from a single Borrow log.
type Enrollment struct {
	User    entity.Address
	Reserve entity.Address
}

// BucketStore is the Bucket Store port (component C): the durable store of
// the three risk buckets, the per-user position rows, and the last-indexed
// block. Implementations must make UpsertAccountAndPositions perform the
// bucket move and the position replacement in one transaction.
type BucketStore interface {
	// GetLastBlock returns the last block the discovery loop has fully
	// indexed through, or 0 if the store is empty.
	GetLastBlock(ctx context.Context) (uint64, error)

	// SetLastBlock advances last_block to n. Monotone: n <= the current
	// value is never written. The Postgres adapter reports such a call with
	// postgres.ErrBlockNotAdvanced; the in-memory adapter returns nil.
	SetLastBlock(ctx context.Context, n uint64) error

	// EnrollUser is idempotent: a user already present in any bucket keeps
	// its bucket and account, and only has reserve added to its
	// known-reserve set. Otherwise inserts a placeholder account into
	// healthy with reserve as its known-reserve set. Standalone callers
	// that don't need window-wide atomicity (tests) can use this directly;
	// the Discovery Loop uses EnrollUsers.
	EnrollUser(ctx context.Context, user, reserve entity.Address, atBlock uint64) error

	// EnrollUsers enrolls every entry in enrollments (same idempotent
	// semantics as EnrollUser) and advances last_block to through, all
	// within a single transaction: either the whole window's enrollments
	// and the block advance commit together, or none do.
	EnrollUsers(ctx context.Context, enrollments []Enrollment, through uint64) error

	// ListDue returns users in bucket whose timestamp+cadence <= now.
	ListDue(ctx context.Context, bucket entity.Bucket, cadence time.Duration, now time.Time) ([]entity.Address, error)

	// ListPlaceholderDue returns users with health_factor == cap and
	// last_updated_block == 0, regardless of cadence (the placeholder
	// upgrade rule of §4.5).
	ListPlaceholderDue(ctx context.Context, cap decimal.Decimal) ([]entity.Address, error)

	// UpsertAccountAndPositions writes acct into the bucket its health
	// factor determines (removing any prior row in the other two buckets)
	// and replaces all position rows for the user, all in one transaction.
	UpsertAccountAndPositions(ctx context.Context, acct entity.Account, rows []entity.Position, atRiskThreshold decimal.Decimal) error

	// KnownReserves returns the union of reserve addresses ever seen for
	// this user (needed by the Position Reader to know which reserves to
	// query).
	KnownReserves(ctx context.Context, user entity.Address) ([]entity.Address, error)

	// Reset wipes all five tables. Used by the CLI's reset subcommand.
	Reset(ctx context.Context) error
}
