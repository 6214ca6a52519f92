package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptonexus/payengine/internal/escrow"
	"github.com/cryptonexus/payengine/internal/idgen"
	"github.com/cryptonexus/payengine/internal/logging"
	"github.com/cryptonexus/payengine/internal/metrics"
	"github.com/cryptonexus/payengine/internal/money"
	"github.com/cryptonexus/payengine/internal/notify"
	"github.com/cryptonexus/payengine/internal/pagination"
	"github.com/cryptonexus/payengine/internal/payment"
	"github.com/cryptonexus/payengine/internal/syncutil"
	"github.com/cryptonexus/payengine/internal/traces"
	"github.com/cryptonexus/payengine/internal/vault"
)

// Store persists orders and their dispute cases.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// Update writes the order only if the stored version matches,
	// bumping it; ErrVersionConflict otherwise.
	Update(ctx context.Context, o *Order) error
	// List methods return newest-first, resuming after cursor when set.
	ListByBuyer(ctx context.Context, buyerRef string, cursor *pagination.Cursor, limit int) ([]*Order, error)
	ListByVendor(ctx context.Context, vendorRef string, cursor *pagination.Cursor, limit int) ([]*Order, error)
	// ListDeliveredBefore returns delivered orders whose delivered_at is
	// older than the cutoff, for the default-accept sweep.
	ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)

	CreateDispute(ctx context.Context, d *DisputeCase) error
	// ActiveDispute returns the unresolved case; ErrNoActiveDispute if none.
	ActiveDispute(ctx context.Context, orderID string) (*DisputeCase, error)
	UpdateDispute(ctx context.Context, d *DisputeCase) error
}

// Destinations is what the order lifecycle needs from the payment side.
// *payment.Service satisfies it.
type Destinations interface {
	Allocate(ctx context.Context, req payment.AllocateRequest) (*payment.Destination, error)
	StatusByOrder(ctx context.Context, orderID string) (payment.Status, error)
	CancelByOrder(ctx context.Context, orderID string) error
}

// EscrowGateway is what the order lifecycle needs from escrow.
// *escrow.Service satisfies it.
type EscrowGateway interface {
	Hold(ctx context.Context, orderID string, total money.Amount, feePct decimal.Decimal, autoReleaseAt time.Time) (*escrow.Hold, error)
	Freeze(ctx context.Context, orderID string) error
	Release(ctx context.Context, orderID, resolution string) (escrow.SettleResult, error)
	Refund(ctx context.Context, orderID, resolution string) (escrow.SettleResult, error)
	Split(ctx context.Context, orderID string, releaseFraction decimal.Decimal) (escrow.SettleResult, error)
}

// Credentials is what the order lifecycle needs from the vault.
// *vault.Service satisfies it.
type Credentials interface {
	Put(ctx context.Context, orderID, payload string) error
	Has(ctx context.Context, orderID string) (bool, error)
}

// Notifier emits lifecycle events. *notify.Emitter satisfies it.
type Notifier interface {
	Emit(ctx context.Context, event notify.Event, orderID string, data map[string]any)
}

// Config carries the lifecycle knobs.
type Config struct {
	// EscrowFeePct is the marketplace fee taken when escrow is held.
	EscrowFeePct decimal.Decimal
	// AutoRelease is how long a hold survives without buyer action.
	AutoRelease time.Duration
	// DisputeWindow is how long after delivery a dispute can open, and
	// doubles as the default-accept deadline.
	DisputeWindow time.Duration
}

// Service is the order state machine.
type Service struct {
	store        Store
	destinations Destinations
	escrows      EscrowGateway
	credentials  Credentials
	notifier     Notifier
	cfg          Config
	locks        *syncutil.KeyedMutex
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(store Store, destinations Destinations, escrows EscrowGateway, credentials Credentials, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		destinations: destinations,
		escrows:      escrows,
		credentials:  credentials,
		notifier:     notifier,
		cfg:          cfg,
		locks:        &syncutil.KeyedMutex{},
		logger:       logger,
		now:          time.Now,
	}
}

// advance applies the one allowed way to change an order's status.
func (s *Service) advance(ctx context.Context, o *Order, to Status) error {
	if !o.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Attempted: to}
	}
	logging.L(logging.WithOrder(ctx, o.ID)).Info("order transition",
		"from", string(o.Status),
		"to", string(to))
	o.Status = to
	o.UpdatedAt = s.now()
	metrics.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// CreateRequest carries a new order.
type CreateRequest struct {
	BuyerRef   string
	VendorRef  string
	ProductRef string
	Quantity   int64
	UnitPrice  money.Amount
	Currency   string
	UseEscrow  bool
	// Credentials is the optional payload the vendor pre-loads at listing
	// time (license keys sold off a shelf).
	Credentials string
}

// Create opens an order in pending_payment and allocates its payment
// destination.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if !req.UnitPrice.IsPositive() {
		return nil, fmt.Errorf("%w: unit price must be positive", money.ErrInvalidAmount)
	}

	now := s.now()
	o := &Order{
		ID:            idgen.OrderID(),
		BuyerRef:      req.BuyerRef,
		VendorRef:     req.VendorRef,
		ProductRef:    req.ProductRef,
		Quantity:      req.Quantity,
		UnitPrice:     req.UnitPrice,
		TotalAmount:   req.UnitPrice.MulInt(req.Quantity),
		Currency:      req.Currency,
		UseEscrow:     req.UseEscrow,
		Status:        StatusPendingPayment,
		PaymentStatus: string(payment.StatusPending),
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	d, err := s.destinations.Allocate(ctx, payment.AllocateRequest{
		OrderID:        o.ID,
		Currency:       o.Currency,
		ExpectedAmount: o.TotalAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("allocate destination: %w", err)
	}
	o.PaymentAddress = d.Address
	expires := d.ExpiresAt
	o.PaymentExpiresAt = &expires
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if req.Credentials != "" {
		if err := s.credentials.Put(ctx, o.ID, req.Credentials); err != nil {
			return nil, fmt.Errorf("store credentials: %w", err)
		}
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusPendingPayment)).Inc()
	logging.L(ctx).Info("order created",
		"order_id", o.ID,
		"buyer_ref", o.BuyerRef,
		"vendor_ref", o.VendorRef,
		"total", o.TotalAmount.String(),
		"currency", o.Currency,
		"use_escrow", o.UseEscrow)
	return o, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByBuyer returns a buyer's orders, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerRef string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	return s.store.ListByBuyer(ctx, buyerRef, cursor, limit)
}

// ListByVendor returns a vendor's orders, newest first.
func (s *Service) ListByVendor(ctx context.Context, vendorRef string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	return s.store.ListByVendor(ctx, vendorRef, cursor, limit)
}

// PaymentConfirmed is the tracker's ingress: the destination crossed the
// paid threshold for the first time. Moves the order to paid and opens
// the escrow hold.
func (s *Service) PaymentConfirmed(ctx context.Context, orderID string, overpaid bool) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != StatusPendingPayment {
		// The order raced with cancellation or the flag replayed after a
		// crash; the confirmation is stale.
		logging.L(ctx).Warn("payment confirmation for order not awaiting payment",
			"order_id", orderID, "status", string(o.Status))
		return nil
	}

	if err := s.advance(ctx, o, StatusPaid); err != nil {
		return err
	}
	now := s.now()
	o.ConfirmedAt = &now
	o.PaymentStatus = string(payment.StatusPaid)
	if overpaid {
		o.PaymentStatus = string(payment.StatusOverpaid)
	}
	if err := s.store.Update(ctx, o); err != nil {
		return fmt.Errorf("payment confirmed: %w", err)
	}

	if o.UseEscrow {
		autoReleaseAt := now.Add(s.cfg.AutoRelease)
		if _, err := s.escrows.Hold(ctx, o.ID, o.TotalAmount, s.cfg.EscrowFeePct, autoReleaseAt); err != nil && !errors.Is(err, escrow.ErrAlreadyHeld) {
			return fmt.Errorf("hold escrow: %w", err)
		}
	}

	s.notifier.Emit(ctx, notify.EventOrderPaid, o.ID, map[string]any{
		"amount":   o.TotalAmount.String(),
		"currency": o.Currency,
		"overpaid": overpaid,
	})
	return nil
}

// MarkDelivered records vendor delivery, optionally attaching the
// credential payload. The destination must still be settled at the moment
// of transition; a reorg that rolled the payment back blocks delivery
// even though the order status is still paid.
func (s *Service) MarkDelivered(ctx context.Context, orderID, actor, credentials string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != o.VendorRef {
		return nil, ErrNotParticipant
	}

	ds, err := s.destinations.StatusByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("check payment: %w", err)
	}
	if !ds.Settled() {
		logging.L(ctx).Warn("delivery blocked by payment state",
			"order_id", orderID,
			"payment_status", string(ds))
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusDelivered}
	}

	if err := s.advance(ctx, o, StatusDelivered); err != nil {
		return nil, err
	}
	now := s.now()
	o.DeliveredAt = &now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}

	if credentials != "" {
		has, err := s.credentials.Has(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("check credentials: %w", err)
		}
		if !has {
			if err := s.credentials.Put(ctx, orderID, credentials); err != nil {
				return nil, fmt.Errorf("store credentials: %w", err)
			}
		}
	}

	s.notifier.Emit(ctx, notify.EventOrderDelivered, o.ID, nil)
	return o, nil
}

// ConfirmDelivery is the buyer accepting the goods: completes the order
// and releases escrow.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, actor string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != o.BuyerRef {
		return nil, ErrNotParticipant
	}
	if o.Status != StatusDelivered {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusCompleted}
	}

	return o, s.complete(ctx, o, escrow.ResolutionConfirmed, notify.EventOrderCompleted)
}

// ReleaseEscrow is the direct escrow-release surface: the buyer settles
// without a separate delivery confirmation. Valid from paid or delivered.
func (s *Service) ReleaseEscrow(ctx context.Context, orderID, actor string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != o.BuyerRef {
		return nil, ErrNotParticipant
	}
	if !o.UseEscrow {
		return nil, fmt.Errorf("%w: order %s has no escrow", escrow.ErrNotFound, orderID)
	}
	if o.Status != StatusPaid && o.Status != StatusDelivered {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusCompleted}
	}

	return o, s.complete(ctx, o, escrow.ResolutionConfirmed, notify.EventOrderCompleted)
}

// complete settles escrow toward the vendor and closes the order. Caller
// holds the order lock and has already authorized the action.
func (s *Service) complete(ctx context.Context, o *Order, resolution string, event notify.Event) error {
	ctx, span := traces.StartSpan(ctx, "order.complete", traces.OrderID(o.ID))
	defer span.End()

	if o.UseEscrow {
		if _, err := s.escrows.Release(ctx, o.ID, resolution); err != nil {
			return fmt.Errorf("release escrow: %w", err)
		}
	}

	if err := s.advance(ctx, o, StatusCompleted); err != nil {
		return err
	}
	now := s.now()
	o.ClosedAt = &now
	if err := s.store.Update(ctx, o); err != nil {
		return fmt.Errorf("complete order: %w", err)
	}

	s.notifier.Emit(ctx, event, o.ID, nil)
	return nil
}

// OpenDispute freezes the order (and escrow) while the disagreement is
// arbitrated. Buyer only; from paid or delivered; within the dispute
// window after delivery; one active case at a time.
func (s *Service) OpenDispute(ctx context.Context, orderID, actor, reason string) (*DisputeCase, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != o.BuyerRef {
		return nil, ErrNotParticipant
	}
	if o.Status != StatusPaid && o.Status != StatusDelivered {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusDisputed}
	}
	if o.DeliveredAt != nil && s.now().After(o.DeliveredAt.Add(s.cfg.DisputeWindow)) {
		return nil, ErrDisputeWindowOver
	}

	if _, err := s.store.ActiveDispute(ctx, orderID); err == nil {
		return nil, ErrActiveDispute
	} else if !errors.Is(err, ErrNoActiveDispute) {
		return nil, err
	}

	d := &DisputeCase{
		ID:       idgen.WithPrefix("dsp_"),
		OrderID:  orderID,
		Reason:   reason,
		OpenedAt: s.now(),
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("open dispute: %w", err)
	}

	if err := s.advance(ctx, o, StatusDisputed); err != nil {
		return nil, err
	}
	o.DisputeReason = reason
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("open dispute: %w", err)
	}

	if o.UseEscrow {
		if err := s.escrows.Freeze(ctx, orderID); err != nil && !errors.Is(err, escrow.ErrNotFound) {
			return nil, fmt.Errorf("freeze escrow: %w", err)
		}
	}

	s.notifier.Emit(ctx, notify.EventDisputeOpened, orderID, map[string]any{
		"reason": reason,
	})
	return d, nil
}

// ResolveRequest carries an arbitration outcome.
type ResolveRequest struct {
	// Resolution is release, refund, or partial.
	Resolution string
	// ReleaseFraction applies to partial: the vendor's share.
	ReleaseFraction decimal.Decimal
}

// ResolveDispute settles the active case. Arbitration itself happens
// outside the engine; this records its outcome and moves the money.
func (s *Service) ResolveDispute(ctx context.Context, orderID string, req ResolveRequest) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusDisputed {
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: StatusCompleted}
	}

	d, err := s.store.ActiveDispute(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var target Status
	switch req.Resolution {
	case ResolutionRelease:
		target = StatusCompleted
		if o.UseEscrow {
			if _, err := s.escrows.Release(ctx, orderID, escrow.ResolutionDisputeRelease); err != nil {
				return nil, fmt.Errorf("release escrow: %w", err)
			}
		}
	case ResolutionRefund:
		target = StatusRefunded
		if o.UseEscrow {
			if _, err := s.escrows.Refund(ctx, orderID, escrow.ResolutionDisputeRefund); err != nil {
				return nil, fmt.Errorf("refund escrow: %w", err)
			}
		}
	case ResolutionPartial:
		// The larger share decides which terminal status the order gets.
		target = StatusRefunded
		if req.ReleaseFraction.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
			target = StatusCompleted
		}
		if o.UseEscrow {
			if _, err := s.escrows.Split(ctx, orderID, req.ReleaseFraction); err != nil {
				return nil, fmt.Errorf("split escrow: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, req.Resolution)
	}

	if err := s.advance(ctx, o, target); err != nil {
		return nil, err
	}
	now := s.now()
	o.ClosedAt = &now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("resolve dispute: %w", err)
	}

	d.Resolution = req.Resolution
	d.ReleaseFraction = req.ReleaseFraction
	d.ResolvedAt = &now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("resolve dispute: %w", err)
	}

	s.notifier.Emit(ctx, notify.EventDisputeResolved, orderID, map[string]any{
		"resolution": req.Resolution,
	})
	return o, nil
}

// Cancel aborts an unpaid order. Buyer only, pending_payment only; once
// money has confirmed the way out is a dispute.
func (s *Service) Cancel(ctx context.Context, orderID, actor string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != o.BuyerRef {
		return nil, ErrNotParticipant
	}

	if err := s.advance(ctx, o, StatusCancelled); err != nil {
		return nil, err
	}
	now := s.now()
	o.ClosedAt = &now
	o.PaymentStatus = string(payment.StatusCancelled)
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}

	if err := s.destinations.CancelByOrder(ctx, orderID); err != nil {
		return nil, fmt.Errorf("cancel destination: %w", err)
	}
	return o, nil
}

// UpdateStatus is the generic status endpoint: a thin dispatcher onto the
// specific actions, so it can never bypass their guards.
func (s *Service) UpdateStatus(ctx context.Context, orderID, actor string, requested Status) (*Order, error) {
	switch requested {
	case StatusDelivered:
		return s.MarkDelivered(ctx, orderID, actor, "")
	case StatusCompleted:
		return s.ConfirmDelivery(ctx, orderID, actor)
	case StatusCancelled:
		return s.Cancel(ctx, orderID, actor)
	default:
		o, err := s.store.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{OrderID: orderID, From: o.Status, Attempted: requested}
	}
}

// ExpirePayment cancels an order whose payment window closed unpaid.
// Scheduler entry point.
func (s *Service) ExpirePayment(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != StatusPendingPayment {
		return nil
	}

	if err := s.advance(ctx, o, StatusCancelled); err != nil {
		return err
	}
	now := s.now()
	o.ClosedAt = &now
	o.PaymentStatus = string(payment.StatusExpired)
	if err := s.store.Update(ctx, o); err != nil {
		return fmt.Errorf("expire payment: %w", err)
	}

	s.notifier.Emit(ctx, notify.EventPaymentExpired, orderID, nil)
	return nil
}

// AutoReleaseEscrow settles an overdue hold toward the vendor and
// completes the order. Scheduler entry point; a dispute opening between
// the due-list read and this call wins, because Freeze moved the hold out
// of held and Release from disputed is not attempted here.
func (s *Service) AutoReleaseEscrow(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != StatusPaid && o.Status != StatusDelivered {
		return nil
	}

	res, err := s.escrows.Release(ctx, orderID, escrow.ResolutionAutoReleased)
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidTransition) {
			// Disputed in the meantime; the arbitration path owns it now.
			return nil
		}
		return fmt.Errorf("auto-release escrow: %w", err)
	}
	if !res.Performed {
		return nil
	}

	if err := s.advance(ctx, o, StatusCompleted); err != nil {
		return err
	}
	now := s.now()
	o.ClosedAt = &now
	if err := s.store.Update(ctx, o); err != nil {
		return fmt.Errorf("auto-release escrow: %w", err)
	}

	s.notifier.Emit(ctx, notify.EventEscrowAutoReleased, orderID, nil)
	s.notifier.Emit(ctx, notify.EventOrderCompleted, orderID, nil)
	return nil
}

// AutoComplete default-accepts a delivered order the buyer neither
// confirmed nor disputed within the window. Scheduler entry point.
func (s *Service) AutoComplete(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != StatusDelivered {
		return nil
	}
	if o.DeliveredAt == nil || s.now().Before(o.DeliveredAt.Add(s.cfg.DisputeWindow)) {
		return nil
	}

	return s.complete(ctx, o, escrow.ResolutionAutoReleased, notify.EventOrderCompleted)
}

// ListDeliveredBefore surfaces default-accept candidates for the sweep.
func (s *Service) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	return s.store.ListDeliveredBefore(ctx, cutoff, limit)
}

// PaymentProfile implements the payment side's order lookup.
func (s *Service) PaymentProfile(ctx context.Context, orderID string) (string, money.Amount, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", money.Amount{}, payment.ErrNotFound
		}
		return "", money.Amount{}, err
	}
	return o.Currency, o.TotalAmount, nil
}

// OrderAccess implements the vault's reveal gate lookup.
func (s *Service) OrderAccess(ctx context.Context, orderID string) (vault.OrderAccess, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return vault.OrderAccess{}, vault.ErrNotFound
		}
		return vault.OrderAccess{}, err
	}
	access := vault.OrderAccess{
		BuyerRef:  o.BuyerRef,
		UseEscrow: o.UseEscrow,
		Status:    string(o.Status),
	}
	if o.Status == StatusPaid {
		// Same re-check delivery does: the order status alone cannot
		// see a reorg that rolled the payment back.
		ds, err := s.destinations.StatusByOrder(ctx, orderID)
		if err != nil {
			return vault.OrderAccess{}, fmt.Errorf("check payment: %w", err)
		}
		access.PaymentSettled = ds.Settled()
	}
	return access, nil
}
