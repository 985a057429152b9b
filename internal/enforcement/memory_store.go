package enforcement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/storelink/riskd/internal/syncutil"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store using in-memory maps (for demo/testing).
// Per-tuple locks make Create atomic with respect to the active-window
// uniqueness invariant.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Enforcement
	history map[string][]*Enforcement // merchantID → actions, append order
	locks   syncutil.ShardedMutex
}

// NewMemoryStore creates an in-memory enforcement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Enforcement),
		history: make(map[string][]*Enforcement),
	}
}

func tupleKey(merchantID string, action ActionType, scope Scope, scopeID string) string {
	return merchantID + "|" + string(action) + "|" + string(scope) + "|" + scopeID
}

func (s *MemoryStore) Create(_ context.Context, e *Enforcement) (*Enforcement, bool, error) {
	// Serialize concurrent creates for the same tuple; the check below and
	// the append are then atomic per tuple.
	unlock := s.locks.Lock(tupleKey(e.MerchantID, e.Action, e.Scope, e.ScopeID))
	defer unlock()

	if existing := s.findActiveLocked(e.MerchantID, e.Action, e.Scope, e.ScopeID, e.CreatedAt); existing != nil {
		return existing, false, nil
	}

	cp := *e
	s.mu.Lock()
	s.byID[cp.ID] = &cp
	s.history[cp.MerchantID] = append(s.history[cp.MerchantID], &cp)
	s.mu.Unlock()

	return &cp, true, nil
}

func (s *MemoryStore) findActiveLocked(merchantID string, action ActionType, scope Scope, scopeID string, now time.Time) *Enforcement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.history[merchantID] {
		if e.Action == action && e.Scope == scope && e.ScopeID == scopeID && e.Active(now) {
			cp := *e
			return &cp
		}
	}
	return nil
}

func (s *MemoryStore) FindActive(_ context.Context, merchantID string, action ActionType, scope Scope, scopeID string, now time.Time) (*Enforcement, error) {
	if e := s.findActiveLocked(merchantID, action, scope, scopeID, now); e != nil {
		return e, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListActive(_ context.Context, merchantID string, now time.Time) ([]*Enforcement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Enforcement
	for _, e := range s.history[merchantID] {
		if e.Active(now) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListAll(_ context.Context, merchantID string, limit int) ([]*Enforcement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.history[merchantID]
	result := make([]*Enforcement, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}
