package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/storelink/riskd/internal/pagination"
	"github.com/storelink/riskd/internal/syncutil"
)

// MemorySignalStore is an in-memory append-only signal log for development
// and tests.
type MemorySignalStore struct {
	mu      sync.RWMutex
	signals []*Signal
}

var _ SignalStore = (*MemorySignalStore)(nil)

func NewMemorySignalStore() *MemorySignalStore {
	return &MemorySignalStore{}
}

func (s *MemorySignalStore) Append(ctx context.Context, sig *Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sig
	if sig.Metadata != nil {
		cp.Metadata = make(map[string]string, len(sig.Metadata))
		for k, v := range sig.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.signals = append(s.signals, &cp)
	return nil
}

func (s *MemorySignalStore) ListByMerchant(ctx context.Context, merchantID string, cursor *pagination.Cursor, limit int) ([]*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Signal
	for _, sig := range s.signals {
		if sig.MerchantID != merchantID {
			continue
		}
		if cursor != nil && !beforeCursor(sig, cursor) {
			continue
		}
		cp := *sig
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// beforeCursor reports whether sig sorts strictly after the cursor position
// in the newest-first ordering, i.e. belongs to the next page.
func beforeCursor(sig *Signal, cur *pagination.Cursor) bool {
	if sig.CreatedAt.Equal(cur.CreatedAt) {
		return sig.ID < cur.ID
	}
	return sig.CreatedAt.Before(cur.CreatedAt)
}

func (s *MemorySignalStore) CountByKeySince(ctx context.Context, merchantID, key string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sig := range s.signals {
		if sig.MerchantID == merchantID && sig.Key == key && !sig.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// MemoryProfileStore keeps merchant and customer risk profiles in memory.
// Score updates and status transitions are serialized per merchant so the
// same no-lost-update and single-winner guarantees hold as in Postgres.
type MemoryProfileStore struct {
	locks     syncutil.ShardedMutex
	mu        sync.RWMutex
	merchants map[string]*Profile
	customers map[string]*CustomerProfile
	now       func() time.Time
}

var _ ProfileStore = (*MemoryProfileStore)(nil)

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{
		merchants: make(map[string]*Profile),
		customers: make(map[string]*CustomerProfile),
		now:       time.Now,
	}
}

// WithClock overrides the time source (for tests).
func (s *MemoryProfileStore) WithClock(now func() time.Time) *MemoryProfileStore {
	s.now = now
	return s
}

func (s *MemoryProfileStore) IncrementScore(ctx context.Context, merchantID string, delta int) (*Profile, error) {
	unlock := s.locks.Lock(merchantID)
	defer unlock()

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.merchants[merchantID]
	if !ok {
		p = &Profile{
			MerchantID: merchantID,
			Status:     StatusNormal,
			CreatedAt:  now,
		}
		s.merchants[merchantID] = p
	}
	p.Score += int64(delta)
	p.LastEvaluatedAt = now
	p.UpdatedAt = now

	cp := *p
	return &cp, nil
}

func (s *MemoryProfileStore) IncrementCustomerScore(ctx context.Context, merchantID, customerID string, delta int) (*CustomerProfile, error) {
	key := merchantID + "|" + customerID
	unlock := s.locks.Lock(key)
	defer unlock()

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.customers[key]
	if !ok {
		p = &CustomerProfile{
			MerchantID: merchantID,
			CustomerID: customerID,
			CreatedAt:  now,
		}
		s.customers[key] = p
	}
	p.Score += int64(delta)
	p.UpdatedAt = now

	cp := *p
	return &cp, nil
}

func (s *MemoryProfileStore) SetStatus(ctx context.Context, merchantID string, expected, next Status) (bool, error) {
	unlock := s.locks.Lock(merchantID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.merchants[merchantID]
	if !ok {
		return false, ErrProfileNotFound
	}
	if p.Status != expected {
		return false, nil
	}
	p.Status = next
	p.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryProfileStore) GetProfile(ctx context.Context, merchantID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.merchants[merchantID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryProfileStore) GetCustomerProfile(ctx context.Context, merchantID, customerID string) (*CustomerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.customers[merchantID+"|"+customerID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}
