package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/storelink/riskd/internal/enforcement"
	"github.com/storelink/riskd/internal/idgen"
	"github.com/storelink/riskd/internal/pagination"
	"github.com/storelink/riskd/internal/traces"
	"github.com/storelink/riskd/internal/validation"
)

// ErrAlreadySuspended is returned by Suspend when the merchant is already in
// the SUSPENDED state.
var ErrAlreadySuspended = errors.New("merchant already suspended")

// reasonThresholdExceeded is the audit reason recorded on automatic
// threshold-crossing restrictions.
const reasonThresholdExceeded = "Risk score exceeded threshold"

// EventSink receives notifications about engine outcomes. Implementations
// must not block; the server wires this to the webhook emitter. A nil sink
// disables notifications.
type EventSink interface {
	SignalRecorded(sig *Signal)
	ProfileRestricted(p *Profile, e *enforcement.Enforcement)
	EnforcementCreated(e *enforcement.Enforcement)
}

// SignalInput is the raw ingestion request before validation.
type SignalInput struct {
	MerchantID string            `json:"merchantId"`
	Scope      string            `json:"scope"`
	ScopeID    string            `json:"scopeId,omitempty"`
	Key        string            `json:"key"`
	Severity   string            `json:"severity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IngestResult is returned to the producer after a signal is processed.
type IngestResult struct {
	Signal          *Signal                  `json:"signal"`
	Profile         *Profile                 `json:"profile,omitempty"`
	CustomerProfile *CustomerProfile         `json:"customerProfile,omitempty"`
	Enforcement     *enforcement.Enforcement `json:"enforcement,omitempty"`
}

// StatusReport answers the gating question "can this merchant act?".
type StatusReport struct {
	MerchantID         string                     `json:"merchantId"`
	Status             Status                     `json:"status"`
	Score              int64                      `json:"merchantRiskScore"`
	LastEvaluatedAt    time.Time                  `json:"lastEvaluatedAt,omitempty"`
	ActiveEnforcements []*enforcement.Enforcement `json:"activeEnforcements"`
}

// Engine orchestrates signal ingestion: scoring, audit logging, atomic
// profile updates, threshold enforcement, and rule evaluation.
type Engine struct {
	signals   SignalStore
	profiles  ProfileStore
	enforcer  *enforcement.Manager
	rules     *RuleSet
	events    EventSink
	logger    *slog.Logger
	threshold int
	ttl       time.Duration
	now       func() time.Time
}

// NewEngine creates a risk engine with default threshold and enforcement TTL.
func NewEngine(signals SignalStore, profiles ProfileStore, enforcer *enforcement.Manager, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		signals:   signals,
		profiles:  profiles,
		enforcer:  enforcer,
		rules:     NewRuleSet(),
		logger:    logger,
		threshold: DefaultThreshold,
		ttl:       enforcement.DefaultTTL,
		now:       time.Now,
	}
}

// WithThreshold overrides the enforcement threshold.
func (e *Engine) WithThreshold(t int) *Engine {
	e.threshold = t
	return e
}

// WithTTL overrides the enforcement TTL.
func (e *Engine) WithTTL(ttl time.Duration) *Engine {
	e.ttl = ttl
	return e
}

// WithRules installs the rule set evaluated after every signal.
func (e *Engine) WithRules(rs *RuleSet) *Engine {
	e.rules = rs
	return e
}

// WithEventSink installs the outbound notification sink.
func (e *Engine) WithEventSink(sink EventSink) *Engine {
	e.events = sink
	return e
}

// WithClock overrides the time source (for tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ValidateInput checks an ingestion request without side effects.
func ValidateInput(in *SignalInput) validation.ValidationErrors {
	errs := validation.Validate(
		validation.Required("merchantId", in.MerchantID),
		validation.ValidIdentifier("merchantId", in.MerchantID),
		validation.Required("key", in.Key),
		validation.MaxLength("key", in.Key, 128),
		validation.Required("scope", in.Scope),
		validation.OneOf("scope", in.Scope, string(ScopeMerchant), string(ScopeCustomer)),
		validation.Required("severity", in.Severity),
		validation.OneOf("severity", in.Severity, string(SeverityLow), string(SeverityMedium), string(SeverityHigh)),
		validation.ValidIdentifier("scopeId", in.ScopeID),
	)

	if in.Scope == string(ScopeCustomer) && in.ScopeID == "" {
		errs = append(errs, validation.ValidationError{Field: "scopeId", Message: "is required for CUSTOMER scope"})
	}
	if len(in.Metadata) > validation.MaxMetadataKeys {
		errs = append(errs, validation.ValidationError{Field: "metadata", Message: "too many entries"})
	}
	for k, v := range in.Metadata {
		if len(k) > 128 || len(v) > validation.MaxStringLength {
			errs = append(errs, validation.ValidationError{Field: "metadata", Message: "entry exceeds maximum length"})
			break
		}
	}

	return errs
}

// IngestSignal processes one signal end to end.
//
// Validation failures are rejected before any write and are safe to correct
// and retry. Failures after the signal is durably logged come back as a
// *PartialError: the signal is kept, and the producer must not re-submit it.
func (e *Engine) IngestSignal(ctx context.Context, in *SignalInput) (*IngestResult, error) {
	ctx, span := traces.StartSpan(ctx, "risk.ingest",
		traces.MerchantID(in.MerchantID),
		traces.SignalKey(in.Key),
		traces.Severity(in.Severity),
	)
	defer span.End()

	if errs := ValidateInput(in); len(errs) > 0 {
		signalsRejectedTotal.Inc()
		return nil, errs
	}

	severity := Severity(in.Severity)
	delta, err := ScoreForSeverity(severity)
	if err != nil {
		// Unreachable after validation, kept as a guard for direct callers.
		signalsRejectedTotal.Inc()
		return nil, err
	}

	sig := &Signal{
		ID:         idgen.WithPrefix("sig_"),
		MerchantID: in.MerchantID,
		Scope:      Scope(in.Scope),
		ScopeID:    in.ScopeID,
		Key:        in.Key,
		Severity:   severity,
		ScoreDelta: delta,
		Metadata:   in.Metadata,
		CreatedAt:  e.now(),
	}

	if err := e.signals.Append(ctx, sig); err != nil {
		// Nothing was recorded; the whole call is safe to retry.
		return nil, fmt.Errorf("append signal: %w", err)
	}
	signalsIngestedTotal.WithLabelValues(in.Scope, in.Severity).Inc()
	e.notifySignalRecorded(sig)

	result := &IngestResult{Signal: sig}

	if sig.Scope == ScopeCustomer {
		cp, err := e.profiles.IncrementCustomerScore(ctx, sig.MerchantID, sig.ScopeID, delta)
		if err != nil {
			return result, e.partial(sig, fmt.Errorf("increment customer score: %w", err))
		}
		result.CustomerProfile = cp
		// Customer-scoped signals never trigger enforcement.
		return result, nil
	}

	profile, err := e.profiles.IncrementScore(ctx, sig.MerchantID, delta)
	if err != nil {
		return result, e.partial(sig, fmt.Errorf("increment merchant score: %w", err))
	}
	result.Profile = profile

	enf, err := e.checkThreshold(ctx, profile)
	if err != nil {
		return result, e.partial(sig, err)
	}
	result.Enforcement = enf

	if err := e.runRules(ctx, sig, profile); err != nil {
		return result, e.partial(sig, err)
	}

	return result, nil
}

// checkThreshold transitions the merchant to RESTRICTED and creates the
// manual-approval restriction when the score strictly exceeds the threshold.
// The compare-and-set guarantees exactly one winner among concurrent signals;
// losers skip enforcement creation entirely.
func (e *Engine) checkThreshold(ctx context.Context, profile *Profile) (*enforcement.Enforcement, error) {
	if profile.Score <= int64(e.threshold) || profile.Status != StatusNormal {
		return nil, nil
	}

	won, err := e.profiles.SetStatus(ctx, profile.MerchantID, StatusNormal, StatusRestricted)
	if err != nil {
		return nil, fmt.Errorf("set status: %w", err)
	}
	if !won {
		// A concurrent signal already transitioned the profile and created
		// the restriction. Expected under load, not an error.
		return nil, nil
	}
	profile.Status = StatusRestricted
	thresholdCrossingsTotal.Inc()

	enf, err := e.enforcer.Create(ctx, enforcement.CreateInput{
		MerchantID: profile.MerchantID,
		Scope:      enforcement.ScopeMerchant,
		Action:     enforcement.ActionRequireManualApproval,
		Reason:     reasonThresholdExceeded,
		TTL:        e.ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create threshold enforcement: %w", err)
	}

	e.logger.Warn("merchant restricted",
		"merchant_id", profile.MerchantID,
		"score", profile.Score,
		"threshold", e.threshold,
	)
	e.notifyRestricted(profile, enf)
	return enf, nil
}

// runRules evaluates the rule set and applies every intent through the
// idempotent enforcement path.
func (e *Engine) runRules(ctx context.Context, sig *Signal, profile *Profile) error {
	intents, ruleErr := e.rules.Evaluate(ctx, RuleInput{
		Signal:  sig,
		Profile: profile,
		Signals: e.signals,
	})

	for _, intent := range intents {
		enf, err := e.enforcer.Create(ctx, enforcement.CreateInput{
			MerchantID: sig.MerchantID,
			Scope:      intent.Scope,
			ScopeID:    intent.ScopeID,
			Action:     intent.Action,
			Reason:     intent.Reason,
			TTL:        intent.TTL,
		})
		if err != nil {
			return fmt.Errorf("apply rule intent: %w", err)
		}
		e.notifyEnforcementCreated(enf)
	}

	if ruleErr != nil {
		return fmt.Errorf("evaluate rules: %w", ruleErr)
	}
	return nil
}

// Status returns the merchant's current risk standing and active
// restrictions. Merchants with no recorded signals report a zero score and
// NORMAL status.
func (e *Engine) Status(ctx context.Context, merchantID string) (*StatusReport, error) {
	report := &StatusReport{
		MerchantID:         merchantID,
		Status:             StatusNormal,
		ActiveEnforcements: []*enforcement.Enforcement{},
	}

	profile, err := e.profiles.GetProfile(ctx, merchantID)
	if err != nil && err != ErrProfileNotFound {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if profile != nil {
		report.Status = profile.Status
		report.Score = profile.Score
		report.LastEvaluatedAt = profile.LastEvaluatedAt
	}

	actions, err := e.enforcer.ListActive(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list active enforcements: %w", err)
	}
	if actions != nil {
		report.ActiveEnforcements = actions
	}

	return report, nil
}

// CustomerStatus returns the accumulated score for one (merchant, customer)
// pair.
func (e *Engine) CustomerStatus(ctx context.Context, merchantID, customerID string) (*CustomerProfile, error) {
	return e.profiles.GetCustomerProfile(ctx, merchantID, customerID)
}

// Signals returns one page of a merchant's audit log, newest first, plus the
// cursor for the next page.
func (e *Engine) Signals(ctx context.Context, merchantID, cursor string, limit int) ([]*Signal, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}

	// Fetch one extra row to learn whether another page exists.
	signals, err := e.signals.ListByMerchant(ctx, merchantID, cur, limit+1)
	if err != nil {
		return nil, "", false, err
	}

	page, next, hasMore := pagination.ComputePage(signals, limit, func(s *Signal) (time.Time, string) {
		return s.CreatedAt, s.ID
	})
	return page, next, hasMore, nil
}

// Suspend is the manual, administrative escalation path. It moves the
// merchant forward to SUSPENDED (from NORMAL or RESTRICTED) and imposes a
// SUSPEND restriction through the same idempotent create path as automatic
// enforcement.
func (e *Engine) Suspend(ctx context.Context, merchantID, reason string) (*Profile, *enforcement.Enforcement, error) {
	// Statuses only move forward, so a lost compare-and-set means the stored
	// status advanced underneath us; re-read and retry against the new state.
	// Three attempts cover every possible interleaving of the three statuses.
	var profile *Profile
	won := false
	for attempt := 0; attempt < 3 && !won; attempt++ {
		var err error
		profile, err = e.profiles.GetProfile(ctx, merchantID)
		if err != nil {
			return nil, nil, err
		}
		if profile.Status == StatusSuspended {
			return nil, nil, ErrAlreadySuspended
		}
		won, err = e.profiles.SetStatus(ctx, merchantID, profile.Status, StatusSuspended)
		if err != nil {
			return nil, nil, fmt.Errorf("set status: %w", err)
		}
	}
	if !won {
		return nil, nil, fmt.Errorf("suspend %s: concurrent status transitions, not suspended", merchantID)
	}
	profile.Status = StatusSuspended

	enf, err := e.enforcer.Create(ctx, enforcement.CreateInput{
		MerchantID: merchantID,
		Scope:      enforcement.ScopeMerchant,
		Action:     enforcement.ActionSuspend,
		Reason:     reason,
		TTL:        e.ttl,
	})
	if err != nil {
		return profile, nil, fmt.Errorf("create suspension: %w", err)
	}
	e.notifyEnforcementCreated(enf)

	e.logger.Warn("merchant suspended", "merchant_id", merchantID, "reason", reason)
	return profile, enf, nil
}

// partial wraps a post-log failure. The signal stays recorded; callers get a
// typed error so transports can signal "accepted but incomplete" instead of
// inviting a retry that would double-count.
func (e *Engine) partial(sig *Signal, err error) error {
	partialCompletionsTotal.Inc()
	e.logger.Error("signal recorded but downstream effects incomplete",
		"signal_id", sig.ID,
		"merchant_id", sig.MerchantID,
		"error", err,
	)
	return &PartialError{SignalID: sig.ID, Err: err}
}

func (e *Engine) notifySignalRecorded(sig *Signal) {
	if e.events != nil {
		e.events.SignalRecorded(sig)
	}
}

func (e *Engine) notifyRestricted(p *Profile, enf *enforcement.Enforcement) {
	if e.events != nil {
		e.events.ProfileRestricted(p, enf)
	}
}

func (e *Engine) notifyEnforcementCreated(enf *enforcement.Enforcement) {
	if e.events != nil {
		e.events.EnforcementCreated(enf)
	}
}
