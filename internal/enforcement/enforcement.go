// Package enforcement manages time-bounded restrictions placed on merchants
// and their customers.
//
// An enforcement action is created when accumulated risk crosses a threshold
// (automatic path) or by an operator (manual path). Actions carry a TTL;
// expiry is purely time-based and evaluated at read time, so "active" always
// means expiresAt is in the future. At most one active action may exist for a
// given (merchant, action, scope, scopeID) tuple: Create is idempotent and
// returns the existing action instead of duplicating it, including under
// concurrent callers.
package enforcement

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("enforcement action not found")
	ErrInvalidAction = errors.New("invalid enforcement action type")
	ErrInvalidScope  = errors.New("invalid enforcement scope")
)

// ActionType is the kind of restriction imposed.
type ActionType string

const (
	ActionRequireManualApproval ActionType = "REQUIRE_MANUAL_APPROVAL"
	ActionSuspend               ActionType = "SUSPEND"
)

// Valid reports whether the action type is known.
func (a ActionType) Valid() bool {
	return a == ActionRequireManualApproval || a == ActionSuspend
}

// Scope indicates whether an action applies to a merchant as a whole or to
// one customer within that merchant.
type Scope string

const (
	ScopeMerchant Scope = "MERCHANT"
	ScopeCustomer Scope = "CUSTOMER"
)

// Valid reports whether the scope is known.
func (s Scope) Valid() bool {
	return s == ScopeMerchant || s == ScopeCustomer
}

// DefaultTTL is how long an automatic restriction stays active.
const DefaultTTL = 7 * 24 * time.Hour

// Enforcement is a single restriction record.
type Enforcement struct {
	ID         string     `json:"id"`
	MerchantID string     `json:"merchantId"`
	Scope      Scope      `json:"scope"`
	ScopeID    string     `json:"scopeId,omitempty"` // customer ID when scope is CUSTOMER
	Action     ActionType `json:"action"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// Active reports whether the action is in effect at the given instant.
func (e *Enforcement) Active(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

// CreateInput describes an action to be created.
type CreateInput struct {
	MerchantID string
	Scope      Scope
	ScopeID    string
	Action     ActionType
	Reason     string
	TTL        time.Duration // zero means DefaultTTL
}

// Store persists enforcement actions.
//
// Create must be atomic with respect to the one-active-per-tuple invariant:
// when an active action already exists for the tuple, it is returned with
// created=false and no new row is written, even under concurrent callers.
type Store interface {
	Create(ctx context.Context, e *Enforcement) (existing *Enforcement, created bool, err error)
	FindActive(ctx context.Context, merchantID string, action ActionType, scope Scope, scopeID string, now time.Time) (*Enforcement, error)
	ListActive(ctx context.Context, merchantID string, now time.Time) ([]*Enforcement, error)
	ListAll(ctx context.Context, merchantID string, limit int) ([]*Enforcement, error)
}
