package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storelink/riskd/internal/enforcement"
	"github.com/storelink/riskd/internal/validation"
)

func newTestEngine(t *testing.T) (*Engine, *MemorySignalStore, *MemoryProfileStore, *enforcement.Manager) {
	t.Helper()
	signals := NewMemorySignalStore()
	profiles := NewMemoryProfileStore()
	enforcer := enforcement.NewManager(enforcement.NewMemoryStore(), nil)
	engine := NewEngine(signals, profiles, enforcer, nil)
	return engine, signals, profiles, enforcer
}

func mediumSignal(merchantID string) *SignalInput {
	return &SignalInput{
		MerchantID: merchantID,
		Scope:      string(ScopeMerchant),
		Key:        "chargeback",
		Severity:   string(SeverityMedium),
	}
}

func TestIngestSignal_RecordsAndScores(t *testing.T) {
	engine, signals, _, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.IngestSignal(ctx, &SignalInput{
		MerchantID: "merch_1",
		Scope:      string(ScopeMerchant),
		Key:        "refund_spike",
		Severity:   string(SeverityHigh),
		Metadata:   map[string]string{"orderId": "ord_42"},
	})
	if err != nil {
		t.Fatalf("IngestSignal: %v", err)
	}

	if res.Signal.ID == "" {
		t.Error("expected generated signal ID")
	}
	if res.Signal.ScoreDelta != 50 {
		t.Errorf("scoreDelta = %d, want 50", res.Signal.ScoreDelta)
	}
	if res.Profile == nil || res.Profile.Score != 50 {
		t.Fatalf("profile = %+v, want score 50", res.Profile)
	}
	if res.Profile.Status != StatusNormal {
		t.Errorf("status = %s, want NORMAL below threshold", res.Profile.Status)
	}
	if res.Enforcement != nil {
		t.Errorf("unexpected enforcement below threshold: %+v", res.Enforcement)
	}

	logged, err := signals.ListByMerchant(ctx, "merch_1", nil, 10)
	if err != nil {
		t.Fatalf("ListByMerchant: %v", err)
	}
	if len(logged) != 1 {
		t.Fatalf("expected 1 logged signal, got %d", len(logged))
	}
	if logged[0].Metadata["orderId"] != "ord_42" {
		t.Errorf("metadata not preserved: %+v", logged[0].Metadata)
	}
}

func TestIngestSignal_ValidationFailureHasNoSideEffects(t *testing.T) {
	engine, signals, profiles, _ := newTestEngine(t)
	ctx := context.Background()

	bad := []*SignalInput{
		{MerchantID: "", Scope: "MERCHANT", Key: "k", Severity: "LOW"},
		{MerchantID: "merch_1", Scope: "GLOBAL", Key: "k", Severity: "LOW"},
		{MerchantID: "merch_1", Scope: "MERCHANT", Key: "", Severity: "LOW"},
		{MerchantID: "merch_1", Scope: "MERCHANT", Key: "k", Severity: "CRITICAL"},
		{MerchantID: "merch_1", Scope: "CUSTOMER", Key: "k", Severity: "LOW"}, // missing scopeId
	}
	for _, in := range bad {
		_, err := engine.IngestSignal(ctx, in)
		var verrs validation.ValidationErrors
		if !errors.As(err, &verrs) {
			t.Errorf("input %+v: expected ValidationErrors, got %v", in, err)
		}
	}

	logged, err := signals.ListByMerchant(ctx, "merch_1", nil, 10)
	if err != nil {
		t.Fatalf("ListByMerchant: %v", err)
	}
	if len(logged) != 0 {
		t.Errorf("rejected inputs must not be logged, found %d signals", len(logged))
	}
	if _, err := profiles.GetProfile(ctx, "merch_1"); err != ErrProfileNotFound {
		t.Errorf("rejected inputs must not create a profile, got %v", err)
	}
}

func TestIngestSignal_ThresholdBoundary(t *testing.T) {
	engine, _, _, enforcer := newTestEngine(t)
	ctx := context.Background()

	// Two HIGH signals bring the score to exactly 100. Not strictly greater,
	// so no enforcement.
	for i := 0; i < 2; i++ {
		res, err := engine.IngestSignal(ctx, &SignalInput{
			MerchantID: "merch_1",
			Scope:      string(ScopeMerchant),
			Key:        "fraud_report",
			Severity:   string(SeverityHigh),
		})
		if err != nil {
			t.Fatalf("IngestSignal %d: %v", i, err)
		}
		if res.Enforcement != nil {
			t.Fatalf("enforcement at score %d, threshold requires strictly greater than 100", res.Profile.Score)
		}
	}

	status, err := engine.Status(ctx, "merch_1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Score != 100 || status.Status != StatusNormal {
		t.Fatalf("at boundary: score=%d status=%s, want 100/NORMAL", status.Score, status.Status)
	}

	// One more LOW pushes to 105 and crosses.
	res, err := engine.IngestSignal(ctx, &SignalInput{
		MerchantID: "merch_1",
		Scope:      string(ScopeMerchant),
		Key:        "fraud_report",
		Severity:   string(SeverityLow),
	})
	if err != nil {
		t.Fatalf("IngestSignal: %v", err)
	}
	if res.Profile.Status != StatusRestricted {
		t.Errorf("status = %s, want RESTRICTED after crossing", res.Profile.Status)
	}
	if res.Enforcement == nil {
		t.Fatal("expected enforcement on crossing")
	}
	if res.Enforcement.Action != enforcement.ActionRequireManualApproval {
		t.Errorf("action = %s", res.Enforcement.Action)
	}
	if res.Enforcement.Reason != "Risk score exceeded threshold" {
		t.Errorf("reason = %q", res.Enforcement.Reason)
	}

	active, err := enforcer.ListActive(ctx, "merch_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active enforcement, got %d", len(active))
	}
}

func TestIngestSignal_EnforcementTTL(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	signals := NewMemorySignalStore()
	profiles := NewMemoryProfileStore().WithClock(clock)
	enforcer := enforcement.NewManager(enforcement.NewMemoryStore(), nil).WithClock(clock)
	engine := NewEngine(signals, profiles, enforcer, nil).WithClock(clock)

	ctx := context.Background()
	var last *IngestResult
	for i := 0; i < 3; i++ { // 150 total
		res, err := engine.IngestSignal(ctx, &SignalInput{
			MerchantID: "merch_1",
			Scope:      string(ScopeMerchant),
			Key:        "fraud_report",
			Severity:   string(SeverityHigh),
		})
		if err != nil {
			t.Fatalf("IngestSignal %d: %v", i, err)
		}
		last = res
	}

	if last.Enforcement == nil {
		t.Fatal("expected enforcement after crossing")
	}
	want := now.Add(7 * 24 * time.Hour)
	if !last.Enforcement.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", last.Enforcement.ExpiresAt, want)
	}
}

func TestIngestSignal_ExactlyOneEnforcementUnderConcurrency(t *testing.T) {
	engine, _, _, enforcer := newTestEngine(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.IngestSignal(ctx, &SignalInput{
				MerchantID: "merch_1",
				Scope:      string(ScopeMerchant),
				Key:        "fraud_report",
				Severity:   string(SeverityHigh),
			}); err != nil {
				t.Errorf("IngestSignal: %v", err)
			}
		}()
	}
	wg.Wait()

	status, err := engine.Status(ctx, "merch_1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Score != workers*50 {
		t.Errorf("score = %d, want %d (lost update)", status.Score, workers*50)
	}
	if status.Status != StatusRestricted {
		t.Errorf("status = %s, want RESTRICTED", status.Status)
	}

	active, err := enforcer.ListActive(ctx, "merch_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	approvals := 0
	for _, a := range active {
		if a.Action == enforcement.ActionRequireManualApproval && a.Scope == enforcement.ScopeMerchant {
			approvals++
		}
	}
	if approvals != 1 {
		t.Errorf("expected exactly 1 manual-approval action, got %d", approvals)
	}
}

func TestIngestSignal_CustomerScope(t *testing.T) {
	engine, _, profiles, enforcer := newTestEngine(t)
	ctx := context.Background()

	// Enough HIGH customer signals to blow far past the merchant threshold.
	for i := 0; i < 5; i++ {
		res, err := engine.IngestSignal(ctx, &SignalInput{
			MerchantID: "merch_1",
			Scope:      string(ScopeCustomer),
			ScopeID:    "cust_9",
			Key:        "stolen_card",
			Severity:   string(SeverityHigh),
		})
		if err != nil {
			t.Fatalf("IngestSignal %d: %v", i, err)
		}
		if res.Profile != nil {
			t.Error("customer signal must not touch the merchant profile")
		}
		if res.Enforcement != nil {
			t.Error("customer signal must not trigger enforcement")
		}
	}

	cp, err := engine.CustomerStatus(ctx, "merch_1", "cust_9")
	if err != nil {
		t.Fatalf("CustomerStatus: %v", err)
	}
	if cp.Score != 250 {
		t.Errorf("customer score = %d, want 250", cp.Score)
	}

	if _, err := profiles.GetProfile(ctx, "merch_1"); err != ErrProfileNotFound {
		t.Errorf("merchant profile should not exist, got %v", err)
	}
	active, err := enforcer.ListActive(ctx, "merch_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no enforcement actions, got %d", len(active))
	}
}

func TestIngestSignal_VelocityRuleFires(t *testing.T) {
	engine, _, _, enforcer := newTestEngine(t)
	engine.WithRules(NewRuleSet(NewChargebackVelocityRule()))
	ctx := context.Background()

	// 4 LOW chargebacks keep the score at 20, below the threshold, but the
	// velocity rule trips on the 4th.
	var last *IngestResult
	for i := 0; i < 4; i++ {
		res, err := engine.IngestSignal(ctx, &SignalInput{
			MerchantID: "merch_1",
			Scope:      string(ScopeMerchant),
			Key:        "chargeback",
			Severity:   string(SeverityLow),
		})
		if err != nil {
			t.Fatalf("IngestSignal %d: %v", i, err)
		}
		last = res
	}

	if last.Profile.Score != 20 {
		t.Fatalf("score = %d, want 20", last.Profile.Score)
	}
	if last.Profile.Status != StatusNormal {
		t.Errorf("status = %s, velocity rule must not change status", last.Profile.Status)
	}

	active, err := enforcer.ListActive(ctx, "merch_1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active action from velocity rule, got %d", len(active))
	}
	if active[0].Action != enforcement.ActionRequireManualApproval {
		t.Errorf("action = %s", active[0].Action)
	}
}

type failingProfileStore struct {
	*MemoryProfileStore
}

func (s *failingProfileStore) IncrementScore(ctx context.Context, merchantID string, delta int) (*Profile, error) {
	return nil, errors.New("connection reset")
}

func TestIngestSignal_PartialError(t *testing.T) {
	signals := NewMemorySignalStore()
	profiles := &failingProfileStore{NewMemoryProfileStore()}
	enforcer := enforcement.NewManager(enforcement.NewMemoryStore(), nil)
	engine := NewEngine(signals, profiles, enforcer, nil)
	ctx := context.Background()

	_, err := engine.IngestSignal(ctx, mediumSignal("merch_1"))

	var perr *PartialError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PartialError, got %v", err)
	}
	if perr.SignalID == "" {
		t.Error("PartialError must carry the signal ID")
	}

	// The signal is durably logged even though the increment failed.
	logged, lerr := signals.ListByMerchant(ctx, "merch_1", nil, 10)
	if lerr != nil {
		t.Fatalf("ListByMerchant: %v", lerr)
	}
	if len(logged) != 1 || logged[0].ID != perr.SignalID {
		t.Fatalf("expected the failed signal logged, got %+v", logged)
	}
}

func TestStatus_UnknownMerchant(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	report, err := engine.Status(context.Background(), "merch_unknown")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Status != StatusNormal {
		t.Errorf("status = %s, want NORMAL", report.Status)
	}
	if report.Score != 0 {
		t.Errorf("score = %d, want 0", report.Score)
	}
	if report.ActiveEnforcements == nil || len(report.ActiveEnforcements) != 0 {
		t.Errorf("activeEnforcements = %v, want empty slice", report.ActiveEnforcements)
	}
}

func TestSignals_Pagination(t *testing.T) {
	engine, signals, _, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 7; i++ {
		if err := signals.Append(ctx, &Signal{
			ID:         fmt.Sprintf("sig_%03d", i),
			MerchantID: "merch_1",
			Key:        "dispute",
			Severity:   SeverityLow,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	page1, next, hasMore, err := engine.Signals(ctx, "merch_1", "", 4)
	if err != nil {
		t.Fatalf("Signals: %v", err)
	}
	if len(page1) != 4 || !hasMore || next == "" {
		t.Fatalf("page1: len=%d hasMore=%v next=%q", len(page1), hasMore, next)
	}

	page2, next2, hasMore2, err := engine.Signals(ctx, "merch_1", next, 4)
	if err != nil {
		t.Fatalf("Signals page2: %v", err)
	}
	if len(page2) != 3 || hasMore2 || next2 != "" {
		t.Fatalf("page2: len=%d hasMore=%v next=%q", len(page2), hasMore2, next2)
	}

	if _, _, _, err := engine.Signals(ctx, "merch_1", "!!not-base64!!", 4); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

func TestSuspend(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Unknown merchant.
	if _, _, err := engine.Suspend(ctx, "merch_unknown", "fraud confirmed"); err != ErrProfileNotFound {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}

	if _, err := engine.IngestSignal(ctx, mediumSignal("merch_1")); err != nil {
		t.Fatalf("IngestSignal: %v", err)
	}

	profile, enf, err := engine.Suspend(ctx, "merch_1", "fraud confirmed")
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if profile.Status != StatusSuspended {
		t.Errorf("status = %s, want SUSPENDED", profile.Status)
	}
	if enf == nil || enf.Action != enforcement.ActionSuspend {
		t.Fatalf("enforcement = %+v, want SUSPEND action", enf)
	}
	if enf.Reason != "fraud confirmed" {
		t.Errorf("reason = %q", enf.Reason)
	}

	// Second suspend is rejected.
	if _, _, err := engine.Suspend(ctx, "merch_1", "again"); err != ErrAlreadySuspended {
		t.Errorf("expected ErrAlreadySuspended, got %v", err)
	}

	// The merchant's score keeps accumulating, but SUSPENDED never
	// de-escalates and no further status transition fires.
	res, err := engine.IngestSignal(ctx, &SignalInput{
		MerchantID: "merch_1",
		Scope:      string(ScopeMerchant),
		Key:        "fraud_report",
		Severity:   string(SeverityHigh),
	})
	if err != nil {
		t.Fatalf("IngestSignal after suspend: %v", err)
	}
	if res.Profile.Status != StatusSuspended {
		t.Errorf("status = %s, want SUSPENDED preserved", res.Profile.Status)
	}
	if res.Enforcement != nil {
		t.Errorf("unexpected threshold enforcement on suspended merchant: %+v", res.Enforcement)
	}
}

// contestedProfileStore loses the first two compare-and-sets the way a
// concurrent automatic restriction would: the stored status advances to
// RESTRICTED underneath the caller before its expected-NORMAL write lands.
type contestedProfileStore struct {
	*MemoryProfileStore
	casCalls int
}

func (s *contestedProfileStore) SetStatus(ctx context.Context, merchantID string, expected, next Status) (bool, error) {
	s.casCalls++
	if s.casCalls <= 2 {
		if s.casCalls == 2 {
			if _, err := s.MemoryProfileStore.SetStatus(ctx, merchantID, StatusNormal, StatusRestricted); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	return s.MemoryProfileStore.SetStatus(ctx, merchantID, expected, next)
}

func TestSuspend_RetriesLostCAS(t *testing.T) {
	signals := NewMemorySignalStore()
	profiles := &contestedProfileStore{MemoryProfileStore: NewMemoryProfileStore()}
	enforcer := enforcement.NewManager(enforcement.NewMemoryStore(), nil)
	engine := NewEngine(signals, profiles, enforcer, nil)
	ctx := context.Background()

	if _, err := profiles.IncrementScore(ctx, "merch_1", 20); err != nil {
		t.Fatalf("IncrementScore: %v", err)
	}

	profile, enf, err := engine.Suspend(ctx, "merch_1", "fraud confirmed")
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if profile.Status != StatusSuspended {
		t.Errorf("returned status = %s, want SUSPENDED", profile.Status)
	}
	if enf == nil || enf.Action != enforcement.ActionSuspend {
		t.Fatalf("enforcement = %+v", enf)
	}

	// Success must mean the transition was actually stored, not just
	// reported: a lost retry may not be papered over.
	stored, err := profiles.GetProfile(ctx, "merch_1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if stored.Status != StatusSuspended {
		t.Errorf("stored status = %s, want SUSPENDED", stored.Status)
	}
}

func TestSuspend_ConcurrentSuspendWinsConflict(t *testing.T) {
	engine, _, profiles, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := profiles.IncrementScore(ctx, "merch_1", 20); err != nil {
		t.Fatalf("IncrementScore: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, conflicts := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := engine.Suspend(ctx, "merch_1", "fraud confirmed")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadySuspended):
				conflicts++
			default:
				t.Errorf("Suspend: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if conflicts != 9 {
		t.Errorf("conflicts = %d, want 9", conflicts)
	}

	stored, err := profiles.GetProfile(ctx, "merch_1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if stored.Status != StatusSuspended {
		t.Errorf("stored status = %s, want SUSPENDED", stored.Status)
	}
}

func TestSuspend_FromRestricted(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ { // 150, crosses threshold
		if _, err := engine.IngestSignal(ctx, &SignalInput{
			MerchantID: "merch_1",
			Scope:      string(ScopeMerchant),
			Key:        "fraud_report",
			Severity:   string(SeverityHigh),
		}); err != nil {
			t.Fatalf("IngestSignal %d: %v", i, err)
		}
	}

	profile, _, err := engine.Suspend(ctx, "merch_1", "manual review outcome")
	if err != nil {
		t.Fatalf("Suspend from RESTRICTED: %v", err)
	}
	if profile.Status != StatusSuspended {
		t.Errorf("status = %s, want SUSPENDED", profile.Status)
	}
}

type recordingSink struct {
	mu         sync.Mutex
	signals    int
	restricted int
	created    int
}

func (s *recordingSink) SignalRecorded(*Signal) {
	s.mu.Lock()
	s.signals++
	s.mu.Unlock()
}
func (s *recordingSink) ProfileRestricted(*Profile, *enforcement.Enforcement) {
	s.mu.Lock()
	s.restricted++
	s.mu.Unlock()
}
func (s *recordingSink) EnforcementCreated(*enforcement.Enforcement) {
	s.mu.Lock()
	s.created++
	s.mu.Unlock()
}

func TestEventSinkNotifications(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	sink := &recordingSink{}
	engine.WithEventSink(sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ { // third crosses the threshold
		if _, err := engine.IngestSignal(ctx, &SignalInput{
			MerchantID: "merch_1",
			Scope:      string(ScopeMerchant),
			Key:        "fraud_report",
			Severity:   string(SeverityHigh),
		}); err != nil {
			t.Fatalf("IngestSignal %d: %v", i, err)
		}
	}

	if sink.signals != 3 {
		t.Errorf("signal notifications = %d, want 3", sink.signals)
	}
	if sink.restricted != 1 {
		t.Errorf("restricted notifications = %d, want 1", sink.restricted)
	}
}
