// Package risk implements merchant risk scoring and automated enforcement.
//
// External producers (payment webhook processors, merchant-admin hooks) feed
// discrete risk signals into the engine. Each signal carries a severity that
// maps deterministically to a score delta; deltas accumulate on a per-merchant
// (or per merchant+customer) profile. When a merchant's accumulated score
// crosses the threshold, the engine flips the profile to RESTRICTED and
// imposes a time-bounded REQUIRE_MANUAL_APPROVAL restriction exactly once,
// even when many signals cross the threshold concurrently.
//
// Flow per signal:
//  1. Validate scope, severity, identifiers → reject with no side effects
//  2. Severity → score delta (scoring policy)
//  3. Append signal to the audit log
//  4. Atomic profile increment (no read-modify-write)
//  5. Merchant scope: threshold check + compare-and-set status transition
//  6. Rule evaluation (pluggable) → further enforcement intents
//  7. Return signal ID and profile snapshot
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storelink/riskd/internal/pagination"
)

var (
	ErrInvalidSeverity = errors.New("invalid signal severity")
	ErrInvalidScope    = errors.New("invalid signal scope")
	ErrProfileNotFound = errors.New("risk profile not found")
)

// Scope indicates whether a signal pertains to a merchant as a whole or to a
// specific customer within that merchant.
type Scope string

const (
	ScopeMerchant Scope = "MERCHANT"
	ScopeCustomer Scope = "CUSTOMER"
)

// Valid reports whether the scope is known.
func (s Scope) Valid() bool {
	return s == ScopeMerchant || s == ScopeCustomer
}

// Severity is the coarse classification of a signal's weight.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Status is the enforcement state of a merchant profile. Automatic transitions
// only move forward (NORMAL → RESTRICTED); escalation to SUSPENDED and any
// de-escalation are manual, administrative actions.
type Status string

const (
	StatusNormal     Status = "NORMAL"
	StatusRestricted Status = "RESTRICTED"
	StatusSuspended  Status = "SUSPENDED"
)

// Signal is a single ingested risk observation. Append-only: once recorded it
// is never mutated or deleted, and ScoreDelta keeps the value the scoring
// policy produced at ingestion time even if the policy table later changes.
type Signal struct {
	ID         string            `json:"id"`
	MerchantID string            `json:"merchantId"`
	Scope      Scope             `json:"scope"`
	ScopeID    string            `json:"scopeId,omitempty"` // customer ID for CUSTOMER scope
	Key        string            `json:"key"`               // signal type, e.g. "chargeback"
	Severity   Severity          `json:"severity"`
	ScoreDelta int               `json:"scoreDelta"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Profile is the accumulated risk state for one merchant.
type Profile struct {
	MerchantID      string    `json:"merchantId"`
	Score           int64     `json:"merchantRiskScore"`
	Status          Status    `json:"status"`
	LastEvaluatedAt time.Time `json:"lastEvaluatedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// CustomerProfile is the accumulated risk state for one (merchant, customer)
// pair. No automatic enforcement is wired to this scope.
type CustomerProfile struct {
	MerchantID string    `json:"merchantId"`
	CustomerID string    `json:"customerId"`
	Score      int64     `json:"riskScore"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SignalStore is the append-only audit log of ingested signals.
type SignalStore interface {
	// Append records a signal atomically: it is either fully recorded or
	// not recorded at all.
	Append(ctx context.Context, sig *Signal) error
	// ListByMerchant returns a merchant's signals, newest first, starting
	// after the cursor when one is given.
	ListByMerchant(ctx context.Context, merchantID string, cursor *pagination.Cursor, limit int) ([]*Signal, error)
	// CountByKeySince counts a merchant's signals of one key since the
	// given instant (rule evaluation support, e.g. velocity checks).
	CountByKeySince(ctx context.Context, merchantID, key string, since time.Time) (int, error)
}

// ProfileStore holds the per-merchant and per-customer score aggregates.
//
// Increments must be atomic storage operations, never read-modify-write in
// application code: two concurrent increments of +50 and +20 on a fresh
// profile always leave the stored score at 70. SetStatus is a compare-and-set
// so that exactly one of many concurrent threshold-crossing signals wins the
// transition.
type ProfileStore interface {
	IncrementScore(ctx context.Context, merchantID string, delta int) (*Profile, error)
	IncrementCustomerScore(ctx context.Context, merchantID, customerID string, delta int) (*CustomerProfile, error)
	SetStatus(ctx context.Context, merchantID string, expected, next Status) (bool, error)
	GetProfile(ctx context.Context, merchantID string) (*Profile, error)
	GetCustomerProfile(ctx context.Context, merchantID, customerID string) (*CustomerProfile, error)
}

// PartialError reports that a signal was durably logged but one of the
// downstream effects (profile update, enforcement, rules) failed. The signal
// must not be re-submitted; retrying the whole ingest would double-count it.
// A reconciliation pass can re-evaluate the merchant instead.
type PartialError struct {
	SignalID string
	Err      error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("signal %s recorded but downstream effects incomplete: %v", e.SignalID, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }
