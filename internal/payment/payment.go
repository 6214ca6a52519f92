// Package payment allocates per-order payment destinations and tracks
// blockchain confirmations against them.
//
// Flow:
//  1. Order created → destination allocated (one per order, idempotent)
//  2. Payment watcher feeds (destination, tx, amount, confirmations) events
//  3. Tracker derives pending → partial → paid/overpaid
//  4. On reaching paid the order state machine is notified exactly once
//
// The tracker is correct under duplicate and out-of-order delivery: amounts
// are credited once per tx id, confirmations only move a tx toward the
// threshold, and an explicit reorg invalidation is the only thing that can
// take received value away again.
package payment

import (
	"errors"
	"time"

	"github.com/cryptonexus/payengine/internal/money"
)

var (
	ErrNotFound = errors.New("payment destination not found")
	// ErrRejected marks events against terminal destinations. Rejections
	// are logged with full context and never applied.
	ErrRejected = errors.New("confirmation event rejected")
	// ErrAddressTaken guards the cross-order uniqueness of active addresses.
	ErrAddressTaken = errors.New("payment address already in use")
)

// Status is the payment state of a destination.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusPaid      Status = "paid"
	StatusOverpaid  Status = "overpaid"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further payment can be applied.
func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

// Settled reports whether the destination has collected the full amount.
func (s Status) Settled() bool {
	return s == StatusPaid || s == StatusOverpaid
}

// Tx is one observed blockchain transaction paying a destination.
type Tx struct {
	Amount        money.Amount `json:"amount"`
	Confirmations int          `json:"confirmations"`
	// Invalidated is set when a reorg drops the tx back to zero
	// confirmations after it had some; its amount is removed from the
	// received total until it re-confirms.
	Invalidated bool `json:"invalidated,omitempty"`
}

// Destination is the unique payment target for one order.
type Destination struct {
	ID       string `json:"id"`
	OrderID  string `json:"orderId"`
	Currency string `json:"currency"`
	Address  string `json:"address"`

	ExpectedAmount money.Amount `json:"expectedAmount"`
	// ReceivedAmount is the sum of all non-invalidated tx amounts. It is
	// monotonically non-decreasing except for explicit reorg invalidation.
	ReceivedAmount money.Amount `json:"receivedAmount"`

	// Confirmations is the highest confirmation count among contributing
	// transactions, for display; the paid decision is per-tx.
	Confirmations         int `json:"confirmations"`
	RequiredConfirmations int `json:"requiredConfirmations"`

	Status    Status     `json:"status"`
	ExpiresAt time.Time  `json:"expiresAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`

	// PaidNotified is the monotonic flag guaranteeing the order state
	// machine hears PaymentConfirmed at most once, no matter how events
	// are duplicated or how a reorg replays the threshold crossing.
	PaidNotified bool `json:"paidNotified"`

	Transactions map[string]*Tx `json:"transactions"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// confirmedAmount sums tx amounts that reached the required confirmations.
func (d *Destination) confirmedAmount() money.Amount {
	total := money.Zero()
	for _, tx := range d.Transactions {
		if !tx.Invalidated && tx.Confirmations >= d.RequiredConfirmations {
			total = total.Add(tx.Amount)
		}
	}
	return total
}

// maxConfirmations returns the highest live confirmation count.
func (d *Destination) maxConfirmations() int {
	max := 0
	for _, tx := range d.Transactions {
		if !tx.Invalidated && tx.Confirmations > max {
			max = tx.Confirmations
		}
	}
	return max
}

// ConfirmationEvent is one observation from the external payment watcher.
type ConfirmationEvent struct {
	DestinationID string       `json:"destinationId" binding:"required"`
	TxID          string       `json:"txId" binding:"required"`
	AmountDelta   money.Amount `json:"amountDelta"`
	Confirmations int          `json:"confirmations"`
}

// ApplyResult says what applying an event actually did.
type ApplyResult string

const (
	ResultApplied   ApplyResult = "applied"
	ResultDuplicate ApplyResult = "duplicate"
	ResultReorg     ApplyResult = "reorg"
	ResultRejected  ApplyResult = "rejected"
)
