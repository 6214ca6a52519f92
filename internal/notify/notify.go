// Package notify delivers lifecycle events to the marketplace frontend.
//
// Delivery is asynchronous and best-effort: the engine's correctness
// never depends on a notification arriving. Payloads are signed with
// HMAC-SHA256 so the receiver can authenticate them.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cryptonexus/payengine/internal/circuitbreaker"
	"github.com/cryptonexus/payengine/internal/metrics"
	"github.com/cryptonexus/payengine/internal/retry"
)

// breakerKey is the single circuit key: there is one receiver endpoint.
const breakerKey = "webhook"

// Event names the lifecycle moments the frontend cares about.
type Event string

const (
	EventOrderPaid          Event = "order.paid"
	EventOrderDelivered     Event = "order.delivered"
	EventOrderCompleted     Event = "order.completed"
	EventDisputeOpened      Event = "dispute.opened"
	EventDisputeResolved    Event = "dispute.resolved"
	EventEscrowAutoReleased Event = "escrow.auto_released"
	EventPaymentExpired     Event = "payment.expired"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Payengine-Signature"

type payload struct {
	Event     Event          `json:"event"`
	OrderID   string         `json:"orderId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emitter posts signed event payloads to a configured URL. A nil Emitter
// and an Emitter with an empty URL are both safe no-ops, so callers never
// have to check whether notifications are configured.
type Emitter struct {
	url     string
	secret  []byte
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

func NewEmitter(url, secret string, logger *slog.Logger) *Emitter {
	return &Emitter{
		url:     url,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// Emit sends the event in the background. Returns immediately.
func (e *Emitter) Emit(ctx context.Context, event Event, orderID string, data map[string]any) {
	if e == nil || e.url == "" {
		return
	}

	body, err := json.Marshal(payload{
		Event:     event,
		OrderID:   orderID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		e.logger.Error("notification marshal failed", "event", string(event), "error", err)
		return
	}

	// Detached from the request context: the caller's HTTP request
	// finishing must not cancel delivery.
	go e.deliver(event, orderID, body)
}

func (e *Emitter) deliver(event Event, orderID string, body []byte) {
	// When the receiver is down, drop fast instead of spending a retry
	// cycle per event.
	if !e.breaker.Allow(breakerKey) {
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		e.logger.Debug("notification dropped, circuit open",
			"event", string(event), "order_id", orderID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return e.post(ctx, body)
	})
	if err != nil {
		e.breaker.RecordFailure(breakerKey)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		e.logger.Warn("notification delivery failed",
			"event", string(event),
			"order_id", orderID,
			"error", err)
		return
	}
	e.breaker.RecordSuccess(breakerKey)
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	e.logger.Debug("notification delivered", "event", string(event), "order_id", orderID)
}

func (e *Emitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, e.sign(body))

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying will not help.
		return retry.Permanent(fmt.Errorf("notification rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("notification failed with status %d", resp.StatusCode)
	}
}

func (e *Emitter) sign(body []byte) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
