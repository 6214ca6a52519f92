// Package scheduler runs the periodic sweep that moves time-dependent
// state forward: expiring unpaid destinations, auto-releasing overdue
// escrows, and default-accepting delivered orders the buyer ignored.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cryptonexus/payengine/internal/escrow"
	"github.com/cryptonexus/payengine/internal/metrics"
	"github.com/cryptonexus/payengine/internal/order"
	"github.com/cryptonexus/payengine/internal/payment"
)

const sweepBatch = 100

// Scheduler drives the three sweeps off a single ticker. Each affected
// order is handled through the order service, so sweep actions take the
// same per-order lock as user actions and confirmation events.
type Scheduler struct {
	orders   *order.Service
	payments *payment.Service
	escrows  *escrow.Service

	// disputeWindow is how long after delivery the buyer can still act.
	disputeWindow time.Duration
	interval      time.Duration
	logger        *slog.Logger
	stop          chan struct{}
	running       atomic.Bool
	now           func() time.Time
}

func New(orders *order.Service, payments *payment.Service, escrows *escrow.Service, disputeWindow, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		orders:        orders,
		payments:      payments,
		escrows:       escrows,
		disputeWindow: disputeWindow,
		interval:      interval,
		logger:        logger,
		stop:          make(chan struct{}),
		now:           time.Now,
	}
}

// Running reports whether the sweep loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass of all three checks. Exported so tests and the
// operator endpoint can trigger it without waiting for the ticker.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()
	s.expirePayments(ctx, now)
	s.autoReleaseEscrows(ctx, now)
	s.defaultAcceptDeliveries(ctx, now)
}

// expirePayments closes destinations whose payment window passed unpaid
// and cancels their orders.
func (s *Scheduler) expirePayments(ctx context.Context, now time.Time) {
	due, err := s.payments.ListExpired(ctx, now, sweepBatch)
	if err != nil {
		s.logger.Error("expiry sweep list failed", "error", err)
		return
	}
	for _, d := range due {
		expired, err := s.payments.Expire(ctx, d.ID)
		if err != nil {
			s.logger.Error("destination expiry failed",
				"destination_id", d.ID, "order_id", d.OrderID, "error", err)
			continue
		}
		if !expired {
			// Paid between the list and the lock; leave it alone.
			continue
		}
		if err := s.orders.ExpirePayment(ctx, d.OrderID); err != nil {
			s.logger.Error("order expiry failed", "order_id", d.OrderID, "error", err)
			continue
		}
		metrics.SweepActionsTotal.WithLabelValues("payment_expired").Inc()
		s.logger.Info("payment window expired", "order_id", d.OrderID)
	}
}

// autoReleaseEscrows settles holds whose deadline passed with no dispute.
func (s *Scheduler) autoReleaseEscrows(ctx context.Context, now time.Time) {
	due, err := s.escrows.ListDue(ctx, now, sweepBatch)
	if err != nil {
		s.logger.Error("auto-release sweep list failed", "error", err)
		return
	}
	for _, h := range due {
		if err := s.orders.AutoReleaseEscrow(ctx, h.OrderID); err != nil {
			s.logger.Error("escrow auto-release failed", "order_id", h.OrderID, "error", err)
			continue
		}
		metrics.SweepActionsTotal.WithLabelValues("auto_release").Inc()
		s.logger.Info("escrow auto-released", "order_id", h.OrderID)
	}
}

// defaultAcceptDeliveries completes delivered orders past the dispute
// window.
func (s *Scheduler) defaultAcceptDeliveries(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.disputeWindow)
	due, err := s.orders.ListDeliveredBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		s.logger.Error("default-accept sweep list failed", "error", err)
		return
	}
	for _, o := range due {
		if err := s.orders.AutoComplete(ctx, o.ID); err != nil {
			s.logger.Error("default-accept failed", "order_id", o.ID, "error", err)
			continue
		}
		metrics.SweepActionsTotal.WithLabelValues("auto_complete").Inc()
		s.logger.Info("delivery default-accepted", "order_id", o.ID)
	}
}
