// Package escrow holds buyer funds per order until delivery is confirmed,
// disputed, or the auto-release deadline passes.
//
// One hold per order. The hold is created when payment confirms, frozen
// while a dispute is open, and settled exactly once: full release to the
// vendor, full refund to the buyer, or a split. Settlement is guarded by
// a per-order lock plus a terminal-state check, so concurrent release
// attempts execute once and later callers get a no-op success.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptonexus/payengine/internal/idgen"
	"github.com/cryptonexus/payengine/internal/logging"
	"github.com/cryptonexus/payengine/internal/metrics"
	"github.com/cryptonexus/payengine/internal/money"
	"github.com/cryptonexus/payengine/internal/syncutil"
	"github.com/cryptonexus/payengine/internal/traces"
)

var (
	ErrNotFound          = errors.New("escrow hold not found")
	ErrAlreadyHeld       = errors.New("escrow already held for order")
	ErrInvalidTransition = errors.New("invalid escrow transition")
	ErrInvalidFraction   = errors.New("release fraction must be between 0 and 1")
)

// Status is the lifecycle state of an escrow hold.
type Status string

const (
	StatusHeld     Status = "held"
	StatusDisputed Status = "disputed"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusSplit    Status = "split"
)

// IsTerminal reports whether the hold has settled.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusSplit
}

// Resolution records why a hold settled.
const (
	ResolutionConfirmed      = "confirmed"
	ResolutionAutoReleased   = "auto_released"
	ResolutionDisputeRelease = "dispute_release"
	ResolutionDisputeRefund  = "dispute_refund"
	ResolutionDisputeSplit   = "dispute_split"
)

// Hold is the escrowed balance for one order.
type Hold struct {
	ID      string `json:"id"`
	OrderID string `json:"orderId"`

	// Amount is what the vendor receives on full release: the order
	// total minus the marketplace fee.
	Amount money.Amount `json:"amount"`
	Fee    money.Amount `json:"fee"`

	Status        Status    `json:"status"`
	AutoReleaseAt time.Time `json:"autoReleaseAt"`

	Resolution    string       `json:"resolution,omitempty"`
	ReleaseAmount money.Amount `json:"releaseAmount"`
	RefundAmount  money.Amount `json:"refundAmount"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists escrow holds.
type Store interface {
	// Create inserts a hold; ErrAlreadyHeld if the order already has one.
	Create(ctx context.Context, h *Hold) error
	GetByOrder(ctx context.Context, orderID string) (*Hold, error)
	Update(ctx context.Context, h *Hold) error
	// ListDue returns held (not disputed) holds past their auto-release
	// deadline.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Hold, error)
}

// SettleResult reports what a settlement call did.
type SettleResult struct {
	Hold *Hold
	// Performed is false when another caller already settled the hold in
	// the same direction and this call was a no-op.
	Performed bool
}

// Service manages escrow holds.
type Service struct {
	store  Store
	locks  *syncutil.KeyedMutex
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		locks:  &syncutil.KeyedMutex{},
		logger: logger,
		now:    time.Now,
	}
}

// Hold escrows the order total. The fee comes off the top; the remainder
// is what a full release pays out. At most one hold per order, ever.
func (s *Service) Hold(ctx context.Context, orderID string, total money.Amount, feePct decimal.Decimal, autoReleaseAt time.Time) (*Hold, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	if _, err := s.store.GetByOrder(ctx, orderID); err == nil {
		return nil, ErrAlreadyHeld
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("hold: %w", err)
	}

	fee := total.Percent(feePct)
	now := s.now()
	h := &Hold{
		ID:            idgen.WithPrefix("esc_"),
		OrderID:       orderID,
		Amount:        total.Sub(fee),
		Fee:           fee,
		Status:        StatusHeld,
		AutoReleaseAt: autoReleaseAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, h); err != nil {
		return nil, fmt.Errorf("hold: %w", err)
	}

	metrics.EscrowOpsTotal.WithLabelValues("held").Inc()
	logging.L(ctx).Info("escrow held",
		"escrow_id", h.ID,
		"order_id", orderID,
		"amount", h.Amount.String(),
		"fee", h.Fee.String(),
		"auto_release_at", h.AutoReleaseAt)
	return h, nil
}

// GetByOrder returns the order's hold.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Hold, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// Release pays the held amount to the vendor. Valid from held or
// disputed. Calling it on an already-released hold is a no-op success;
// on a refunded or split hold it is ErrInvalidTransition.
func (s *Service) Release(ctx context.Context, orderID, resolution string) (SettleResult, error) {
	return s.settle(ctx, orderID, StatusReleased, resolution, decimal.NewFromInt(1))
}

// Refund returns the held amount (fee included) to the buyer. Valid only
// from disputed; funds leave escrow toward the buyer only through a
// dispute resolution.
func (s *Service) Refund(ctx context.Context, orderID, resolution string) (SettleResult, error) {
	return s.settle(ctx, orderID, StatusRefunded, resolution, decimal.Zero)
}

// Split settles a disputed hold with releaseFraction of the amount going
// to the vendor and the remainder refunded.
func (s *Service) Split(ctx context.Context, orderID string, releaseFraction decimal.Decimal) (SettleResult, error) {
	if releaseFraction.IsNegative() || releaseFraction.GreaterThan(decimal.NewFromInt(1)) {
		return SettleResult{}, ErrInvalidFraction
	}
	return s.settle(ctx, orderID, StatusSplit, ResolutionDisputeSplit, releaseFraction)
}

func (s *Service) settle(ctx context.Context, orderID string, target Status, resolution string, releaseFraction decimal.Decimal) (SettleResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle", traces.OrderID(orderID))
	defer span.End()

	unlock := s.locks.Lock(orderID)
	defer unlock()

	h, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return SettleResult{}, err
	}

	if h.Status.IsTerminal() {
		if h.Status == target {
			// First caller won; this call observes the outcome it wanted.
			metrics.EscrowOpsTotal.WithLabelValues("noop").Inc()
			return SettleResult{Hold: h, Performed: false}, nil
		}
		return SettleResult{}, fmt.Errorf("%w: order %s escrow is %s", ErrInvalidTransition, orderID, h.Status)
	}

	if !validSettlement(h.Status, target) {
		return SettleResult{}, fmt.Errorf("%w: order %s escrow cannot move from %s to %s", ErrInvalidTransition, orderID, h.Status, target)
	}

	switch target {
	case StatusReleased:
		h.ReleaseAmount = h.Amount
		h.RefundAmount = money.Zero()
	case StatusRefunded:
		// Refunds return the fee too; the marketplace only earns on
		// completed trades.
		h.ReleaseAmount = money.Zero()
		h.RefundAmount = h.Amount.Add(h.Fee)
	case StatusSplit:
		h.ReleaseAmount = h.Amount.Fraction(releaseFraction)
		h.RefundAmount = h.Amount.Sub(h.ReleaseAmount)
	}

	now := s.now()
	h.Status = target
	h.Resolution = resolution
	h.ResolvedAt = &now
	h.UpdatedAt = now
	if err := s.store.Update(ctx, h); err != nil {
		return SettleResult{}, fmt.Errorf("settle: %w", err)
	}

	outcome := string(target)
	if resolution == ResolutionAutoReleased {
		outcome = "auto_released"
	}
	metrics.EscrowOpsTotal.WithLabelValues(outcome).Inc()
	metrics.EscrowSettlementDuration.Observe(now.Sub(h.CreatedAt).Seconds())
	logging.L(ctx).Info("escrow settled",
		"escrow_id", h.ID,
		"order_id", orderID,
		"status", string(h.Status),
		"resolution", resolution,
		"release_amount", h.ReleaseAmount.String(),
		"refund_amount", h.RefundAmount.String())
	return SettleResult{Hold: h, Performed: true}, nil
}

func validSettlement(from, to Status) bool {
	switch from {
	case StatusHeld:
		return to == StatusReleased
	case StatusDisputed:
		return to == StatusReleased || to == StatusRefunded || to == StatusSplit
	default:
		return false
	}
}

// Freeze moves a held escrow to disputed so the auto-release sweep skips
// it. Already-disputed holds are left alone.
func (s *Service) Freeze(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	h, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if h.Status == StatusDisputed {
		return nil
	}
	if h.Status != StatusHeld {
		return fmt.Errorf("%w: order %s escrow cannot move from %s to disputed", ErrInvalidTransition, orderID, h.Status)
	}

	h.Status = StatusDisputed
	h.UpdatedAt = s.now()
	if err := s.store.Update(ctx, h); err != nil {
		return fmt.Errorf("freeze: %w", err)
	}
	metrics.EscrowOpsTotal.WithLabelValues("disputed").Inc()
	logging.L(ctx).Info("escrow frozen for dispute", "escrow_id", h.ID, "order_id", orderID)
	return nil
}

// ListDue surfaces holds eligible for auto-release. Disputed holds never
// appear; Freeze removes them from the held set.
func (s *Service) ListDue(ctx context.Context, before time.Time, limit int) ([]*Hold, error) {
	return s.store.ListDue(ctx, before, limit)
}
