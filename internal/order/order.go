// Package order implements the marketplace order lifecycle.
//
// Every order moves through a closed set of statuses with an exhaustive
// transition table; nothing mutates an order's status except advance(),
// and advance() refuses anything the table does not allow. All mutating
// operations on one order run inside the per-order exclusive section, so
// a buyer action, a vendor action, a confirmation event, and a scheduler
// sweep can never interleave on the same order.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptonexus/payengine/internal/money"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrInvalidTransition is the sentinel matched by errors.Is; the
	// concrete error is always an InvalidTransitionError naming both states.
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrNotParticipant    = errors.New("actor is not a participant in this order")
	ErrActiveDispute     = errors.New("order already has an active dispute")
	ErrNoActiveDispute   = errors.New("order has no active dispute")
	ErrUnknownResolution = errors.New("unknown dispute resolution")
	ErrDisputeWindowOver = errors.New("dispute window has closed")
	ErrVersionConflict   = errors.New("order was modified concurrently")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusDelivered      Status = "delivered"
	StatusCompleted      Status = "completed"
	StatusDisputed       Status = "disputed"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
)

// transitions is the exhaustive table. paid → completed covers escrow
// auto-release on orders the vendor never marked delivered.
var transitions = map[Status][]Status{
	StatusPendingPayment: {StatusPaid, StatusCancelled},
	StatusPaid:           {StatusDelivered, StatusDisputed, StatusCompleted},
	StatusDelivered:      {StatusCompleted, StatusDisputed},
	StatusDisputed:       {StatusCompleted, StatusRefunded},
	StatusCompleted:      {},
	StatusCancelled:      {},
	StatusRefunded:       {},
}

// CanTransitionTo reports whether the table allows s → to.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the order has reached a final state.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// InvalidTransitionError names the source and the attempted target of a
// refused transition.
type InvalidTransitionError struct {
	OrderID   string
	From      Status
	Attempted Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order transition: %s cannot move from %s to %s",
		e.OrderID, e.From, e.Attempted)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Order is one marketplace purchase.
type Order struct {
	ID         string `json:"id"`
	BuyerRef   string `json:"buyerRef"`
	VendorRef  string `json:"vendorRef"`
	ProductRef string `json:"productRef"`

	Quantity    int64        `json:"quantity"`
	UnitPrice   money.Amount `json:"unitPrice"`
	TotalAmount money.Amount `json:"totalAmount"`
	Currency    string       `json:"currency"`
	UseEscrow   bool         `json:"useEscrow"`

	Status Status `json:"status"`
	// PaymentStatus mirrors the destination status for reads; the
	// destination itself is authoritative.
	PaymentStatus string `json:"paymentStatus"`

	PaymentAddress   string     `json:"paymentAddress,omitempty"`
	PaymentExpiresAt *time.Time `json:"paymentExpiresAt,omitempty"`

	DisputeReason string `json:"disputeReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`

	// Version is the optimistic concurrency token; stores reject writes
	// whose version does not match the stored row.
	Version int64 `json:"version"`
}

// Dispute resolutions.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
	ResolutionPartial = "partial"
)

// DisputeCase is one buyer-opened dispute. At most one active (unresolved)
// case per order; resolved cases are terminal.
type DisputeCase struct {
	ID      string `json:"id"`
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`

	Resolution      string          `json:"resolution,omitempty"`
	ReleaseFraction decimal.Decimal `json:"releaseFraction"`

	OpenedAt   time.Time  `json:"openedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Resolved reports whether the case is closed.
func (d *DisputeCase) Resolved() bool { return d.ResolvedAt != nil }
