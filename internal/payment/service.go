package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cryptonexus/payengine/internal/idgen"
	"github.com/cryptonexus/payengine/internal/logging"
	"github.com/cryptonexus/payengine/internal/metrics"
	"github.com/cryptonexus/payengine/internal/money"
	"github.com/cryptonexus/payengine/internal/syncutil"
	"github.com/cryptonexus/payengine/internal/traces"
)

// Store persists payment destinations.
type Store interface {
	// Create inserts a destination. It must enforce address uniqueness
	// among non-terminal destinations and return ErrAddressTaken on
	// collision, atomically with the insert.
	Create(ctx context.Context, d *Destination) error
	Get(ctx context.Context, id string) (*Destination, error)
	GetByOrder(ctx context.Context, orderID string) (*Destination, error)
	Update(ctx context.Context, d *Destination) error
	// ListExpired returns pending/partial destinations whose window
	// closed before the cutoff.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Destination, error)
}

// StatusListener hears payment outcomes. The order state machine
// implements this; the tracker calls it outside its own lock.
type StatusListener interface {
	PaymentConfirmed(ctx context.Context, orderID string, overpaid bool) error
}

// AllocateRequest asks for a payment destination for an order.
type AllocateRequest struct {
	OrderID        string
	Currency       string
	ExpectedAmount money.Amount
}

// Service is the destination allocator plus the confirmation tracker.
type Service struct {
	store      Store
	currencies *money.Registry
	listener   StatusListener
	locks      *syncutil.KeyedMutex
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(store Store, currencies *money.Registry, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		currencies: currencies,
		locks:      &syncutil.KeyedMutex{},
		logger:     logger,
		now:        time.Now,
	}
}

// SetListener wires the order state machine in after construction,
// breaking the otherwise circular dependency between the packages.
func (s *Service) SetListener(l StatusListener) { s.listener = l }

// Allocate returns the order's payment destination, creating it on first
// call. Repeated calls for the same order return the existing destination
// unchanged.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (*Destination, error) {
	unlock := s.locks.Lock(req.OrderID)
	defer unlock()

	existing, err := s.store.GetByOrder(ctx, req.OrderID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("allocate: %w", err)
	}

	cur, err := s.currencies.Get(req.Currency)
	if err != nil {
		return nil, err
	}
	if !req.ExpectedAmount.IsPositive() {
		return nil, fmt.Errorf("%w: expected amount must be positive", money.ErrInvalidAmount)
	}

	now := s.now()
	d := &Destination{
		ID:                    idgen.WithPrefix("dst_"),
		OrderID:               req.OrderID,
		Currency:              cur.Code,
		Address:               deriveAddress(cur, req.OrderID),
		ExpectedAmount:        req.ExpectedAmount,
		RequiredConfirmations: cur.RequiredConfirmations,
		Status:                StatusPending,
		ExpiresAt:             now.Add(cur.PaymentWindow),
		Transactions:          make(map[string]*Tx),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("allocate: %w", err)
	}

	logging.L(ctx).Info("payment destination allocated",
		"destination_id", d.ID,
		"order_id", d.OrderID,
		"currency", d.Currency,
		"expected", d.ExpectedAmount.String(),
		"expires_at", d.ExpiresAt)
	return d, nil
}

// deriveAddress produces a deterministic per-order address. In production
// the external processor hands back the real address; this is the
// fallback so the flow works without one.
func deriveAddress(cur money.Currency, orderID string) string {
	sum := sha256.Sum256([]byte(cur.Code + ":" + orderID))
	return cur.AddressPrefix + hex.EncodeToString(sum[:16])
}

// Get returns a destination by id.
func (s *Service) Get(ctx context.Context, id string) (*Destination, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the order's destination.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Destination, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// StatusByOrder returns just the payment status for order-side guards.
func (s *Service) StatusByOrder(ctx context.Context, orderID string) (Status, error) {
	d, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return d.Status, nil
}

// Apply processes one confirmation event. It is safe to call with
// duplicated, reordered, or replayed events; the result reports what the
// call actually changed. A notification to the listener fires after the
// store write commits and after the per-order lock is released.
func (s *Service) Apply(ctx context.Context, ev ConfirmationEvent) (ApplyResult, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Apply",
		traces.DestinationID(ev.DestinationID),
		traces.TxID(ev.TxID),
		attribute.Int("confirmations", ev.Confirmations))
	defer span.End()

	// Resolve the order key first; the authoritative read happens again
	// under the lock.
	probe, err := s.store.Get(ctx, ev.DestinationID)
	if err != nil {
		metrics.ConfirmationEventsTotal.WithLabelValues("not_found").Inc()
		return "", err
	}

	result, notify, overpaid, orderID, err := s.applyLocked(ctx, probe.OrderID, ev)
	if err != nil {
		return result, err
	}

	metrics.ConfirmationEventsTotal.WithLabelValues(string(result)).Inc()
	if notify && s.listener != nil {
		if lerr := s.listener.PaymentConfirmed(ctx, orderID, overpaid); lerr != nil {
			logging.L(ctx).Error("payment confirmed handoff failed",
				"order_id", orderID, "error", lerr)
		}
	}
	return result, nil
}

func (s *Service) applyLocked(ctx context.Context, orderKey string, ev ConfirmationEvent) (result ApplyResult, notify, overpaid bool, orderID string, err error) {
	unlock := s.locks.Lock(orderKey)
	defer unlock()

	d, err := s.store.Get(ctx, ev.DestinationID)
	if err != nil {
		return "", false, false, "", err
	}
	orderID = d.OrderID

	if d.Status.IsTerminal() {
		logging.L(ctx).Warn("confirmation event rejected",
			"destination_id", d.ID,
			"order_id", d.OrderID,
			"tx_id", ev.TxID,
			"status", string(d.Status),
			"confirmations", ev.Confirmations)
		metrics.ConfirmationEventsTotal.WithLabelValues(string(ResultRejected)).Inc()
		return ResultRejected, false, false, orderID, fmt.Errorf("%w: destination %s is %s", ErrRejected, d.ID, d.Status)
	}

	result = s.applyTx(ctx, d, ev)
	if result == ResultDuplicate {
		return result, false, false, orderID, nil
	}

	notify, overpaid = s.reconcile(ctx, d)
	d.UpdatedAt = s.now()
	if err := s.store.Update(ctx, d); err != nil {
		return result, false, false, orderID, fmt.Errorf("apply: %w", err)
	}
	metrics.PaymentStatusTotal.WithLabelValues(string(d.Status)).Inc()
	return result, notify, overpaid, orderID, nil
}

// applyTx folds the event into the per-tx ledger. Amounts are credited
// once per tx id; confirmations only ratchet up, except for the explicit
// reorg path (a known tx reported back at zero confirmations).
func (s *Service) applyTx(ctx context.Context, d *Destination, ev ConfirmationEvent) ApplyResult {
	tx, seen := d.Transactions[ev.TxID]
	if !seen {
		d.Transactions[ev.TxID] = &Tx{
			Amount:        ev.AmountDelta,
			Confirmations: ev.Confirmations,
		}
		d.ReceivedAmount = d.ReceivedAmount.Add(ev.AmountDelta)
		return ResultApplied
	}

	switch {
	case ev.Confirmations == 0 && tx.Confirmations > 0 && !tx.Invalidated:
		// Reorg dropped the tx out of the chain. This is the one path
		// that removes received value.
		tx.Confirmations = 0
		tx.Invalidated = true
		d.ReceivedAmount = d.ReceivedAmount.Sub(tx.Amount)
		logging.L(ctx).Warn("transaction invalidated by reorg",
			"destination_id", d.ID,
			"order_id", d.OrderID,
			"tx_id", ev.TxID,
			"amount", tx.Amount.String())
		return ResultReorg
	case ev.Confirmations > tx.Confirmations:
		if tx.Invalidated {
			// Re-mined after a reorg; the amount counts again.
			tx.Invalidated = false
			d.ReceivedAmount = d.ReceivedAmount.Add(tx.Amount)
		}
		tx.Confirmations = ev.Confirmations
		return ResultApplied
	default:
		return ResultDuplicate
	}
}

// reconcile rederives the destination status from the tx ledger and
// reports whether the paid threshold was crossed for the first time.
func (s *Service) reconcile(ctx context.Context, d *Destination) (notify, overpaid bool) {
	cur, err := s.currencies.Get(d.Currency)
	if err != nil {
		// Currency removed from the registry after allocation; keep the
		// stored confirmation requirement and a zero tolerance.
		cur = money.Currency{Code: d.Currency, RequiredConfirmations: d.RequiredConfirmations}
	}

	confirmed := d.confirmedAmount()
	d.Confirmations = d.maxConfirmations()

	prev := d.Status
	switch {
	case confirmed.Cmp(d.ExpectedAmount) >= 0:
		if d.ReceivedAmount.Cmp(cur.PaidThreshold(d.ExpectedAmount)) > 0 {
			d.Status = StatusOverpaid
		} else {
			d.Status = StatusPaid
		}
		if !d.PaidNotified {
			d.PaidNotified = true
			now := s.now()
			d.ConfirmedAt = &now
			notify = true
			overpaid = d.Status == StatusOverpaid
		}
	case d.ReceivedAmount.IsPositive():
		d.Status = StatusPartial
	case prev.Settled():
		// Rollback erased everything that was received. The destination
		// moves back to partial, not pending: value was seen on-chain
		// once and the order is still waiting on it.
		d.Status = StatusPartial
	default:
		d.Status = StatusPending
	}

	if prev.Settled() && !d.Status.Settled() {
		logging.L(ctx).Warn("payment rolled back below threshold",
			"destination_id", d.ID,
			"order_id", d.OrderID,
			"prior", string(prev),
			"status", string(d.Status))
	}
	return notify, overpaid
}

// Expire moves a pending/partial destination to expired. Settled and
// already-terminal destinations are left alone.
func (s *Service) Expire(ctx context.Context, destinationID string) (bool, error) {
	probe, err := s.store.Get(ctx, destinationID)
	if err != nil {
		return false, err
	}

	unlock := s.locks.Lock(probe.OrderID)
	defer unlock()

	d, err := s.store.Get(ctx, destinationID)
	if err != nil {
		return false, err
	}
	if d.Status != StatusPending && d.Status != StatusPartial {
		return false, nil
	}
	d.Status = StatusExpired
	d.UpdatedAt = s.now()
	if err := s.store.Update(ctx, d); err != nil {
		return false, fmt.Errorf("expire: %w", err)
	}
	metrics.PaymentStatusTotal.WithLabelValues(string(StatusExpired)).Inc()
	logging.L(ctx).Info("payment destination expired",
		"destination_id", d.ID, "order_id", d.OrderID)
	return true, nil
}

// CancelByOrder marks the order's destination cancelled so late events
// are rejected. Called when the order itself is cancelled; settled
// destinations are not touched.
func (s *Service) CancelByOrder(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	d, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if d.Status.IsTerminal() || d.Status.Settled() {
		return nil
	}
	d.Status = StatusCancelled
	d.UpdatedAt = s.now()
	if err := s.store.Update(ctx, d); err != nil {
		return fmt.Errorf("cancel destination: %w", err)
	}
	metrics.PaymentStatusTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return nil
}

// ListExpired surfaces destinations for the scheduler sweep.
func (s *Service) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Destination, error) {
	return s.store.ListExpired(ctx, before, limit)
}
