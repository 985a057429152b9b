package risk

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storelink/riskd/internal/pagination"
	"github.com/storelink/riskd/internal/testutil"
)

func cursorFor(s *Signal) *pagination.Cursor {
	return &pagination.Cursor{CreatedAt: s.CreatedAt, ID: s.ID}
}

func TestPostgresSignalStore_AppendAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresSignalStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 4; i++ {
		sig := &Signal{
			ID:         fmt.Sprintf("sig_pg_%03d", i),
			MerchantID: "merch_pg",
			Scope:      ScopeMerchant,
			Key:        "chargeback",
			Severity:   SeverityMedium,
			ScoreDelta: 20,
			Metadata:   map[string]string{"orderId": fmt.Sprintf("ord_%d", i)},
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Append(ctx, sig); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	out, err := store.ListByMerchant(ctx, "merch_pg", nil, 10)
	if err != nil {
		t.Fatalf("ListByMerchant: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 signals, got %d", len(out))
	}
	if out[0].ID != "sig_pg_003" {
		t.Errorf("newest first: got %s", out[0].ID)
	}
	if out[0].Metadata["orderId"] != "ord_3" {
		t.Errorf("metadata round trip: %+v", out[0].Metadata)
	}

	count, err := store.CountByKeySince(ctx, "merch_pg", "chargeback", base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("CountByKeySince: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestPostgresSignalStore_CursorPagination(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresSignalStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, &Signal{
			ID:         fmt.Sprintf("sig_pg_%03d", i),
			MerchantID: "merch_pg",
			Scope:      ScopeMerchant,
			Key:        "dispute",
			Severity:   SeverityLow,
			ScoreDelta: 5,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	page1, err := store.ListByMerchant(ctx, "merch_pg", nil, 2)
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 length = %d", len(page1))
	}

	last := page1[len(page1)-1]
	page2, err := store.ListByMerchant(ctx, "merch_pg", cursorFor(last), 10)
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2) != 3 {
		t.Fatalf("page2 length = %d", len(page2))
	}

	seen := map[string]bool{}
	for _, s := range append(page1, page2...) {
		if seen[s.ID] {
			t.Errorf("signal %s returned twice", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestPostgresProfileStore_AtomicIncrements(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresProfileStore(db)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.IncrementScore(ctx, "merch_pg", 5); err != nil {
				t.Errorf("IncrementScore: %v", err)
			}
		}()
	}
	wg.Wait()

	p, err := store.GetProfile(ctx, "merch_pg")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Score != workers*5 {
		t.Errorf("score = %d, want %d", p.Score, workers*5)
	}
	if p.Status != StatusNormal {
		t.Errorf("status = %s", p.Status)
	}
}

func TestPostgresProfileStore_SetStatusCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresProfileStore(db)
	ctx := context.Background()

	if _, err := store.IncrementScore(ctx, "merch_pg", 150); err != nil {
		t.Fatalf("IncrementScore: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.SetStatus(ctx, "merch_pg", StatusNormal, StatusRestricted)
			if err != nil {
				t.Errorf("SetStatus: %v", err)
				return
			}
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly 1 CAS winner, got %d", winners)
	}

	p, err := store.GetProfile(ctx, "merch_pg")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Status != StatusRestricted {
		t.Errorf("status = %s, want RESTRICTED", p.Status)
	}
}

func TestPostgresProfileStore_CustomerProfiles(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresProfileStore(db)
	ctx := context.Background()

	if _, err := store.IncrementCustomerScore(ctx, "merch_pg", "cust_1", 20); err != nil {
		t.Fatalf("IncrementCustomerScore: %v", err)
	}
	cp, err := store.IncrementCustomerScore(ctx, "merch_pg", "cust_1", 50)
	if err != nil {
		t.Fatalf("IncrementCustomerScore: %v", err)
	}
	if cp.Score != 70 {
		t.Errorf("score = %d, want 70", cp.Score)
	}

	if _, err := store.GetCustomerProfile(ctx, "merch_pg", "cust_unknown"); err != ErrProfileNotFound {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
	if _, err := store.GetProfile(ctx, "merch_pg"); err != ErrProfileNotFound {
		t.Errorf("customer increments must not create a merchant profile, got %v", err)
	}
}
