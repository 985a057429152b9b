// Package webhooks delivers risk event notifications to external services.
//
// Merchant platforms register webhook URLs to receive notifications about
// recorded signals, profile restrictions, and enforcement actions, so their
// own systems can react (pause payouts, queue reviews) without polling.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/storelink/riskd/internal/circuitbreaker"
	"github.com/storelink/riskd/internal/retry"
	"github.com/storelink/riskd/internal/syncutil"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventSignalRecorded     EventType = "risk.signal.recorded"
	EventProfileRestricted  EventType = "risk.profile.restricted"
	EventEnforcementCreated EventType = "enforcement.created"
	EventMerchantSuspended  EventType = "merchant.suspended"
)

// maxConsecutiveFailures is the delivery failure count after which a
// subscription is deactivated.
const maxConsecutiveFailures = 10

// deliveryTimeout bounds one delivery attempt cycle (all retries included).
const deliveryTimeout = 30 * time.Second

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	MerchantID          string      `json:"merchantId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByMerchant(ctx context.Context, merchantID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events. Deliveries are retried with backoff, and
// a per-URL circuit breaker skips endpoints that keep failing so a dead
// receiver cannot soak up delivery goroutines.
type Dispatcher struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker
	// subLocks serializes failure bookkeeping per subscription ID so
	// concurrent deliveries cannot clobber each other's counts.
	subLocks syncutil.ShardedMutex
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, 60*time.Second),
	}
}

// DispatchToMerchant sends an event to a merchant's subscriptions that cover
// the event type. Deliveries run asynchronously.
func (d *Dispatcher) DispatchToMerchant(ctx context.Context, merchantID string, event *Event) error {
	subs, err := d.store.GetByMerchant(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				// Deliveries outlive the caller's context. WithoutCancel
				// keeps the caller's values but detaches its cancellation;
				// each delivery gets its own timeout instead.
				go func(sub *Subscription) {
					dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
					defer cancel()
					d.send(dctx, sub, event)
				}(sub)
				break
			}
		}
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if !d.breaker.Allow(sub.URL) {
		d.updateError(ctx, sub, "delivery skipped: endpoint circuit open")
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return d.deliver(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.URL)
		d.updateError(ctx, sub, err.Error())
		return
	}

	d.breaker.RecordSuccess(sub.URL)
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Riskd-Event", string(event.Type))
	req.Header.Set("X-Riskd-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	if sub.Secret != "" {
		req.Header.Set("X-Riskd-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying will not help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 signature receivers verify against the
// X-Riskd-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// updateSuccess and updateError re-read the subscription under a per-ID lock
// before writing, so the failure counter reflects every delivery outcome even
// when deliveries for one subscription overlap.

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	unlock := d.subLocks.Lock(sub.ID)
	defer unlock()

	cur, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return
	}
	now := time.Now()
	cur.LastSuccess = &now
	cur.LastError = ""
	cur.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, cur)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	unlock := d.subLocks.Lock(sub.ID)
	defer unlock()

	cur, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return
	}
	cur.LastError = errMsg
	cur.ConsecutiveFailures++
	if cur.ConsecutiveFailures >= maxConsecutiveFailures {
		cur.Active = false
	}
	_ = d.store.Update(ctx, cur)
}
