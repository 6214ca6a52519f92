// Package vault stores order credential payloads and gates their reveal.
//
// The payload (license key, account login, download link) is opaque to
// the engine. It is written once when the vendor supplies it and revealed
// only to the order's buyer once the order has progressed far enough:
// escrow orders need delivery, non-escrow orders just need payment.
package vault

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cryptonexus/payengine/internal/logging"
	"github.com/cryptonexus/payengine/internal/metrics"
)

var (
	ErrNotFound = errors.New("credentials not found")
	// ErrNotEligible means the requester or order state does not permit
	// the reveal. Distinct from ErrNotFound so the API can say 403 vs 404.
	ErrNotEligible = errors.New("credentials not eligible for reveal")
	ErrAlreadySet  = errors.New("credentials already set")
)

// Record is the stored credential payload for one order.
type Record struct {
	OrderID    string     `json:"orderId"`
	Payload    string     `json:"payload"`
	RevealedAt *time.Time `json:"revealedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Store persists credential records.
type Store interface {
	// Put inserts a record; ErrAlreadySet if the order already has one.
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, orderID string) (*Record, error)
	Update(ctx context.Context, r *Record) error
}

// OrderAccess is what the gate needs to know about an order.
type OrderAccess struct {
	BuyerRef  string
	UseEscrow bool
	// Status is the order's lifecycle status (pending_payment, paid,
	// delivered, completed, disputed, cancelled, refunded).
	Status string
	// PaymentSettled reports whether the order's destination is still
	// paid or overpaid. Only meaningful while Status is paid: a chain
	// reorg can roll the payment back while the order status stays put.
	PaymentSettled bool
}

// OrderGate resolves order access facts. The order state machine
// implements this; implementations return ErrNotFound for unknown orders.
type OrderGate interface {
	OrderAccess(ctx context.Context, orderID string) (OrderAccess, error)
}

// Eligible statuses by escrow mode. Escrow buyers wait for delivery; the
// funds sitting in escrow are their leverage, the credentials are the
// vendor's, and neither moves until the vendor delivers. Non-escrow
// buyers paid up front and get access as soon as payment confirms.
var (
	escrowEligible    = map[string]bool{"delivered": true, "completed": true}
	nonEscrowEligible = map[string]bool{"paid": true, "delivered": true, "completed": true}
)

// Service is the credential vault gate.
type Service struct {
	store  Store
	orders OrderGate
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, orders OrderGate, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		orders: orders,
		logger: logger,
		now:    time.Now,
	}
}

// SetGate wires the order service in after construction, breaking the
// construction cycle between the vault and the order state machine.
func (s *Service) SetGate(orders OrderGate) { s.orders = orders }

// Put stores the credential payload for an order. Set once; later writes
// fail with ErrAlreadySet so a compromised vendor account cannot swap
// payloads after the buyer has seen them.
func (s *Service) Put(ctx context.Context, orderID, payload string) error {
	r := &Record{
		OrderID:   orderID,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	if err := s.store.Put(ctx, r); err != nil {
		return err
	}
	logging.L(ctx).Info("credentials stored", "order_id", orderID)
	return nil
}

// Has reports whether the order has a credential payload.
func (s *Service) Has(ctx context.Context, orderID string) (bool, error) {
	_, err := s.store.Get(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RevealIfEligible returns the payload if the requester is the buyer and
// the order state permits it. The first successful reveal stamps
// revealed_at; re-reads return the same payload with the original stamp.
func (s *Service) RevealIfEligible(ctx context.Context, orderID, requester string) (*Record, error) {
	access, err := s.orders.OrderAccess(ctx, orderID)
	if err != nil {
		metrics.CredentialRevealsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	if requester != access.BuyerRef {
		metrics.CredentialRevealsTotal.WithLabelValues("denied").Inc()
		logging.L(ctx).Warn("credential reveal denied",
			"order_id", orderID,
			"requester", requester)
		return nil, ErrNotEligible
	}

	eligible := nonEscrowEligible
	if access.UseEscrow {
		eligible = escrowEligible
	}
	if !eligible[access.Status] {
		metrics.CredentialRevealsTotal.WithLabelValues("denied").Inc()
		logging.L(ctx).Info("credential reveal denied by order state",
			"order_id", orderID,
			"status", access.Status,
			"use_escrow", access.UseEscrow)
		return nil, ErrNotEligible
	}

	// A paid order is only as good as its destination. Delivery re-checks
	// the destination for the same reason; a reorg that rolled the payment
	// back must not leak the payload.
	if access.Status == "paid" && !access.PaymentSettled {
		metrics.CredentialRevealsTotal.WithLabelValues("denied").Inc()
		logging.L(ctx).Warn("credential reveal denied, payment rolled back",
			"order_id", orderID)
		return nil, ErrNotEligible
	}

	r, err := s.store.Get(ctx, orderID)
	if err != nil {
		metrics.CredentialRevealsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	if r.RevealedAt == nil {
		now := s.now()
		r.RevealedAt = &now
		if err := s.store.Update(ctx, r); err != nil {
			return nil, err
		}
		logging.L(ctx).Info("credentials revealed", "order_id", orderID)
	}

	metrics.CredentialRevealsTotal.WithLabelValues("revealed").Inc()
	return r, nil
}
