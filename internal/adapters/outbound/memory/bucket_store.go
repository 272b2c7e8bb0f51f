// bucket_store.go provides an in-memory implementation of BucketStore.
//
// This adapter holds the three risk buckets, per-user positions, and the
// last-indexed block in plain maps for testing the Discovery and Refresh
// loops without a database. Data is lost on process restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archon-research/sentinel/internal/domain/entity"
	"github.com/archon-research/sentinel/internal/ports/outbound"
)

var _ outbound.BucketStore = (*BucketStore)(nil)

type bucketRow struct {
	account       entity.Account
	knownReserves map[entity.Address]struct{}
}

// BucketStore is an in-memory implementation of the BucketStore port for testing.
type BucketStore struct {
	mu                   sync.RWMutex
	lastBlock            uint64
	buckets              map[entity.Bucket]map[entity.Address]bucketRow
	positions            map[entity.Address][]entity.Position
	maxCapOnHealthFactor decimal.Decimal
}

// NewBucketStore creates a new in-memory bucket store. placeholderCap must
// match the Refresh Loop's configured MAX_CAP_ON_HEALTH_FACTOR.
func NewBucketStore(placeholderCap decimal.Decimal) *BucketStore {
	s := &BucketStore{
		buckets:              make(map[entity.Bucket]map[entity.Address]bucketRow),
		positions:            make(map[entity.Address][]entity.Position),
		maxCapOnHealthFactor: placeholderCap,
	}
	for _, b := range entity.Buckets {
		s.buckets[b] = make(map[entity.Address]bucketRow)
	}
	return s
}

func (s *BucketStore) GetLastBlock(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBlock, nil
}

func (s *BucketStore) SetLastBlock(ctx context.Context, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= s.lastBlock {
		return nil
	}
	s.lastBlock = n
	return nil
}

func (s *BucketStore) findBucket(user entity.Address) (entity.Bucket, bool) {
	for _, b := range entity.Buckets {
		if _, ok := s.buckets[b][user]; ok {
			return b, true
		}
	}
	return "", false
}

func (s *BucketStore) EnrollUser(ctx context.Context, user, reserve entity.Address, atBlock uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollUserLocked(user, reserve)
	return nil
}

// EnrollUsers enrolls every entry and advances last_block to through under
// a single lock acquisition, the in-memory analogue of the one-transaction
// guarantee the Postgres adapter provides.
func (s *BucketStore) EnrollUsers(ctx context.Context, enrollments []outbound.Enrollment, through uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range enrollments {
		s.enrollUserLocked(e.User, e.Reserve)
	}
	if through > s.lastBlock {
		s.lastBlock = through
	}
	return nil
}

func (s *BucketStore) enrollUserLocked(user, reserve entity.Address) {
	if b, ok := s.findBucket(user); ok {
		row := s.buckets[b][user]
		row.knownReserves[reserve] = struct{}{}
		s.buckets[b][user] = row
		return
	}

	s.buckets[entity.BucketHealthy][user] = bucketRow{
		account:       entity.NewPlaceholderAccount(user, s.maxCapOnHealthFactor, time.Now()),
		knownReserves: map[entity.Address]struct{}{reserve: {}},
	}
}

func (s *BucketStore) ListDue(ctx context.Context, bucket entity.Bucket, cadence time.Duration, now time.Time) ([]entity.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []entity.Address
	for addr, row := range s.buckets[bucket] {
		if !now.Before(row.account.Timestamp.Add(cadence)) {
			due = append(due, addr)
		}
	}
	sortAddresses(due)
	return due, nil
}

func (s *BucketStore) ListPlaceholderDue(ctx context.Context, cap decimal.Decimal) ([]entity.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []entity.Address
	for addr, row := range s.buckets[entity.BucketHealthy] {
		if row.account.LastUpdatedBlock == 0 && row.account.HealthFactor.Equal(cap) {
			due = append(due, addr)
		}
	}
	sortAddresses(due)
	return due, nil
}

func sortAddresses(addrs []entity.Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}

func (s *BucketStore) UpsertAccountAndPositions(ctx context.Context, acct entity.Account, rows []entity.Position, atRiskThreshold decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := acct.Bucket(atRiskThreshold)
	known := map[entity.Address]struct{}{}
	for _, b := range entity.Buckets {
		if row, ok := s.buckets[b][acct.UserAddress]; ok {
			for r := range row.knownReserves {
				known[r] = struct{}{}
			}
			if b != target {
				delete(s.buckets[b], acct.UserAddress)
			}
		}
	}

	s.buckets[target][acct.UserAddress] = bucketRow{account: acct, knownReserves: known}
	s.positions[acct.UserAddress] = append([]entity.Position(nil), rows...)
	return nil
}

func (s *BucketStore) KnownReserves(ctx context.Context, user entity.Address) ([]entity.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.findBucket(user)
	if !ok {
		return nil, nil
	}
	row := s.buckets[b][user]
	out := make([]entity.Address, 0, len(row.knownReserves))
	for r := range row.knownReserves {
		out = append(out, r)
	}
	sortAddresses(out)
	return out, nil
}

func (s *BucketStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBlock = 0
	for _, b := range entity.Buckets {
		s.buckets[b] = make(map[entity.Address]bucketRow)
	}
	s.positions = make(map[entity.Address][]entity.Position)
	return nil
}

// Positions returns a copy of the currently stored position rows for user, for tests.
func (s *BucketStore) Positions(user entity.Address) []entity.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]entity.Position(nil), s.positions[user]...)
}

// BucketOf returns which bucket currently holds user, for tests.
func (s *BucketStore) BucketOf(user entity.Address) (entity.Bucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findBucket(user)
}
