package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/storelink/riskd/internal/enforcement"
	"github.com/storelink/riskd/internal/idgen"
	"github.com/storelink/riskd/internal/risk"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskd",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskd",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit risk lifecycle events. All methods are
// fire-and-forget: errors are logged but never returned, so notification
// problems cannot fail signal ingestion.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// Compile-time check that Emitter satisfies the engine's sink contract.
var _ risk.EventSink = (*Emitter)(nil)

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(merchantID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	// This context only bounds the subscription lookup; the dispatcher
	// detaches delivery goroutines from it.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.d.DispatchToMerchant(ctx, merchantID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "merchant_id", merchantID, "error", err)
	}
}

// SignalRecorded emits a risk.signal.recorded event.
func (e *Emitter) SignalRecorded(sig *risk.Signal) {
	e.emit(sig.MerchantID, EventSignalRecorded, map[string]interface{}{
		"signalId":   sig.ID,
		"merchantId": sig.MerchantID,
		"scope":      string(sig.Scope),
		"key":        sig.Key,
		"severity":   string(sig.Severity),
		"scoreDelta": sig.ScoreDelta,
	})
}

// ProfileRestricted emits a risk.profile.restricted event.
func (e *Emitter) ProfileRestricted(p *risk.Profile, enf *enforcement.Enforcement) {
	data := map[string]interface{}{
		"merchantId": p.MerchantID,
		"score":      p.Score,
		"status":     string(p.Status),
	}
	if enf != nil {
		data["enforcementId"] = enf.ID
		data["action"] = string(enf.Action)
		data["expiresAt"] = enf.ExpiresAt
	}
	e.emit(p.MerchantID, EventProfileRestricted, data)
}

// EnforcementCreated emits an enforcement.created event, or
// merchant.suspended for SUSPEND actions.
func (e *Emitter) EnforcementCreated(enf *enforcement.Enforcement) {
	eventType := EventEnforcementCreated
	if enf.Action == enforcement.ActionSuspend {
		eventType = EventMerchantSuspended
	}
	e.emit(enf.MerchantID, eventType, map[string]interface{}{
		"enforcementId": enf.ID,
		"merchantId":    enf.MerchantID,
		"scope":         string(enf.Scope),
		"scopeId":       enf.ScopeID,
		"action":        string(enf.Action),
		"reason":        enf.Reason,
		"expiresAt":     enf.ExpiresAt,
	})
}
