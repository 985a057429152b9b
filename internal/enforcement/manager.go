package enforcement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/storelink/riskd/internal/idgen"
)

var (
	enforcementsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskd",
		Subsystem: "enforcement",
		Name:      "created_total",
		Help:      "Total enforcement actions created by action type and scope.",
	}, []string{"action", "scope"})

	enforcementsDedupedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskd",
		Subsystem: "enforcement",
		Name:      "deduped_total",
		Help:      "Create calls that returned an already-active action.",
	}, []string{"action", "scope"})
)

func init() {
	prometheus.MustRegister(enforcementsCreatedTotal, enforcementsDedupedTotal)
}

// Manager creates and queries enforcement actions.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates an enforcement manager.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the time source (for tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// HasActive reports whether an active (non-expired) action exists for the tuple.
func (m *Manager) HasActive(ctx context.Context, merchantID string, action ActionType, scope Scope, scopeID string) (bool, error) {
	e, err := m.store.FindActive(ctx, merchantID, action, scope, scopeID, m.now())
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find active enforcement: %w", err)
	}
	return e != nil, nil
}

// Create imposes a restriction. Idempotent in effect: when an active action
// already exists for the same (merchant, action, scope, scopeID) tuple the
// existing action is returned and no duplicate row is written.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Enforcement, error) {
	if !in.Action.Valid() {
		return nil, ErrInvalidAction
	}
	if !in.Scope.Valid() {
		return nil, ErrInvalidScope
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := m.now()
	e := &Enforcement{
		ID:         idgen.WithPrefix("enf_"),
		MerchantID: in.MerchantID,
		Scope:      in.Scope,
		ScopeID:    in.ScopeID,
		Action:     in.Action,
		Reason:     in.Reason,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	result, created, err := m.store.Create(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("create enforcement: %w", err)
	}

	if created {
		enforcementsCreatedTotal.WithLabelValues(string(in.Action), string(in.Scope)).Inc()
		m.logger.Info("enforcement created",
			"id", result.ID,
			"merchant_id", in.MerchantID,
			"action", in.Action,
			"scope", in.Scope,
			"expires_at", result.ExpiresAt,
		)
	} else {
		enforcementsDedupedTotal.WithLabelValues(string(in.Action), string(in.Scope)).Inc()
	}

	return result, nil
}

// ListActive returns all non-expired actions for a merchant, any scope.
func (m *Manager) ListActive(ctx context.Context, merchantID string) ([]*Enforcement, error) {
	return m.store.ListActive(ctx, merchantID, m.now())
}

// ListAll returns the merchant's enforcement history, newest first.
func (m *Manager) ListAll(ctx context.Context, merchantID string, limit int) ([]*Enforcement, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListAll(ctx, merchantID, limit)
}
