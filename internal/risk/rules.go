package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/storelink/riskd/internal/enforcement"
)

// Rules run after every signal's profile update and may emit additional
// enforcement intents beyond the plain threshold check. They are injected
// strategies: new fraud heuristics are added as independent Rule
// implementations without touching the engine's control flow.

// Intent is an enforcement action a rule wants imposed. Intents are applied
// through the manager's idempotent create path, so a rule firing repeatedly
// does not stack duplicate restrictions.
type Intent struct {
	Action enforcement.ActionType
	Scope  enforcement.Scope
	// ScopeID is the customer ID for CUSTOMER-scoped intents.
	ScopeID string
	Reason  string
	// TTL of zero means the manager's default.
	TTL time.Duration
}

// RuleInput carries the state a rule may inspect.
type RuleInput struct {
	// Signal is the signal that triggered this evaluation.
	Signal *Signal
	// Profile is the merchant profile after the increment; nil for
	// customer-scoped signals.
	Profile *Profile
	// Signals gives rules read access to the audit log.
	Signals SignalStore
}

// Rule is a pluggable cross-signal check.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, in RuleInput) ([]Intent, error)
}

// RuleSet runs registered rules in order and collects their intents.
// A failing rule does not stop the others; its error is reported alongside
// the intents that were produced.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet creates a rule set. An empty set is valid and evaluates to
// nothing, so the hook is stable even with no rules installed.
func NewRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Evaluate runs all rules and returns every produced intent. The returned
// error wraps the first rule failure, if any.
func (rs *RuleSet) Evaluate(ctx context.Context, in RuleInput) ([]Intent, error) {
	var intents []Intent
	var firstErr error

	for _, rule := range rs.rules {
		ruleIntents, err := rule.Evaluate(ctx, in)
		if err != nil {
			rulesFailedTotal.WithLabelValues(rule.Name()).Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("rule %s: %w", rule.Name(), err)
			}
			continue
		}
		if len(ruleIntents) > 0 {
			rulesFiredTotal.WithLabelValues(rule.Name()).Add(float64(len(ruleIntents)))
		}
		intents = append(intents, ruleIntents...)
	}

	return intents, firstErr
}

// ---------------------------------------------------------------------------
// KeyVelocityRule: too many signals of one key in a window
// ---------------------------------------------------------------------------

// KeyVelocityRule fires when a merchant accumulates more than MaxCount
// signals of the watched key within the window, regardless of severity.
// Typical use: more than 3 "chargeback" signals in 24h.
type KeyVelocityRule struct {
	Key      string
	MaxCount int
	Window   time.Duration
	Action   enforcement.ActionType
}

// NewChargebackVelocityRule returns the stock velocity rule: more than 3
// chargeback signals in 24 hours requires manual approval.
func NewChargebackVelocityRule() *KeyVelocityRule {
	return &KeyVelocityRule{
		Key:      "chargeback",
		MaxCount: 3,
		Window:   24 * time.Hour,
		Action:   enforcement.ActionRequireManualApproval,
	}
}

func (r *KeyVelocityRule) Name() string { return "key_velocity:" + r.Key }

func (r *KeyVelocityRule) Evaluate(ctx context.Context, in RuleInput) ([]Intent, error) {
	if in.Signal.Key != r.Key {
		return nil, nil // only re-count when the triggering signal matches
	}

	since := in.Signal.CreatedAt.Add(-r.Window)
	count, err := in.Signals.CountByKeySince(ctx, in.Signal.MerchantID, r.Key, since)
	if err != nil {
		return nil, fmt.Errorf("count %s signals: %w", r.Key, err)
	}

	if count <= r.MaxCount {
		return nil, nil
	}

	return []Intent{{
		Action: r.Action,
		Scope:  enforcement.ScopeMerchant,
		Reason: fmt.Sprintf("%d %s signals within %s exceeds limit of %d", count, r.Key, r.Window, r.MaxCount),
	}}, nil
}
