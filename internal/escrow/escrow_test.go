package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptonexus/payengine/internal/money"
)

var feePct = decimal.NewFromInt(2)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewMemoryStore(), slog.Default())
}

func hold(t *testing.T, svc *Service, orderID, total string) *Hold {
	t.Helper()
	h, err := svc.Hold(context.Background(), orderID, money.MustParse(total), feePct, time.Now().Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	return h
}

func TestHold_FeeComesOffTheTop(t *testing.T) {
	svc := newTestService(t)

	h := hold(t, svc, "ORD-AAAA0001", "0.5")
	if h.Fee.String() != "0.01000000" {
		t.Errorf("expected 2%% fee of 0.01, got %s", h.Fee)
	}
	if h.Amount.String() != "0.49000000" {
		t.Errorf("expected held amount 0.49, got %s", h.Amount)
	}
	if h.Status != StatusHeld {
		t.Errorf("expected held, got %s", h.Status)
	}
}

func TestHold_OncePerOrder(t *testing.T) {
	svc := newTestService(t)
	hold(t, svc, "ORD-AAAA0001", "1")

	_, err := svc.Hold(context.Background(), "ORD-AAAA0001", money.MustParse("1"), feePct, time.Now())
	if !errors.Is(err, ErrAlreadyHeld) {
		t.Errorf("expected ErrAlreadyHeld, got %v", err)
	}
}

func TestRelease_FromHeld(t *testing.T) {
	svc := newTestService(t)
	hold(t, svc, "ORD-AAAA0001", "1")

	res, err := svc.Release(context.Background(), "ORD-AAAA0001", ResolutionConfirmed)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !res.Performed {
		t.Error("expected first release to perform the transition")
	}
	if res.Hold.Status != StatusReleased {
		t.Errorf("expected released, got %s", res.Hold.Status)
	}
	if res.Hold.ReleaseAmount.String() != "0.98000000" {
		t.Errorf("expected full amount released, got %s", res.Hold.ReleaseAmount)
	}
	if res.Hold.ResolvedAt == nil {
		t.Error("expected resolved_at to be set")
	}
}

func TestRelease_IdempotentAfterRelease(t *testing.T) {
	svc := newTestService(t)
	hold(t, svc, "ORD-AAAA0001", "1")
	ctx := context.Background()

	first, _ := svc.Release(ctx, "ORD-AAAA0001", ResolutionConfirmed)
	second, err := svc.Release(ctx, "ORD-AAAA0001", ResolutionConfirmed)
	if err != nil {
		t.Fatalf("second release failed: %v", err)
	}
	if second.Performed {
		t.Error("second release should be a no-op")
	}
	if second.Hold.Status != first.Hold.Status {
		t.Error("no-op release changed the hold")
	}
}

func TestRefund_OnlyFromDisputed(t *testing.T) {
	svc := newTestService(t)
	hold(t, svc, "ORD-AAAA0001", "1")
	ctx := context.Background()

	_, err := svc.Refund(ctx, "ORD-AAAA0001", ResolutionDisputeRefund)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected refund from held to fail, got %v", err)
	}

	if err := svc.Freeze(ctx, "ORD-AAAA0001"); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	res, err := svc.Refund(ctx, "ORD-AAAA0001", ResolutionDisputeRefund)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	// Refund returns amount plus fee.
	if res.Hold.RefundAmount.String() != "1.00000000" {
		t.Errorf("expected full refund of 1, got %s", res.Hold.RefundAmount)
	}
	if !res.Hold.ReleaseAmount.IsZero() {
		t.Errorf("expected zero release, got %s", res.Hold.ReleaseAmount)
	}
}

func TestRelease_ConflictsWithRefund(t *testing.T) {
	svc := newTestService(t)
	hold(t, svc, "ORD-AAAA0001", "1")
	ctx := context.Background()

	svc.Freeze(ctx, "ORD-AAAA0001")
	svc.Refund(ctx, "ORD-AAAA0001", ResolutionDisputeRefund)

	_, err := svc.Release(ctx, "ORD-AAAA0001", ResolutionConfirmed)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected release after refund to fail, got %v", err)
	}
}

func TestSplit(t *testing.T) {
	svc := newTestService(t)
	hold(t, svc, "ORD-AAAA0001", "1")
	ctx := context.Background()

	svc.Freeze(ctx, "ORD-AAAA0001")
	res, err := svc.Split(ctx, "ORD-AAAA0001", decimal.RequireFromString("0.75"))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if res.Hold.Status != StatusSplit {
		t.Errorf("expected split, got %s", res.Hold.Status)
	}
	// 75% of 0.98 to the vendor, remainder back to the buyer.
	if res.Hold.ReleaseAmount.String() != "0.73500000" {
		t.Errorf("unexpected release amount %s", res.Hold.ReleaseAmount)
	}
	if res.Hold.RefundAmount.String() != "0.24500000" {
		t.Errorf("unexpected refund amount %s", res.Hold.RefundAmount)
	}
	// Conservation: release + refund = held amount.
	sum := res.Hold.ReleaseAmount.Add(res.Hold.RefundAmount)
	if !sum.Equal(money.MustParse("0.98")) {
		t.Errorf("split does not conserve the held amount: %s", sum)
	}
}

func TestSplit_FractionBounds(t *testing.T) {
	svc := newTestService(t)
	hold(t, svc, "ORD-AAAA0001", "1")
	ctx := context.Background()
	svc.Freeze(ctx, "ORD-AAAA0001")

	if _, err := svc.Split(ctx, "ORD-AAAA0001", decimal.RequireFromString("1.5")); !errors.Is(err, ErrInvalidFraction) {
		t.Errorf("expected ErrInvalidFraction for 1.5, got %v", err)
	}
	if _, err := svc.Split(ctx, "ORD-AAAA0001", decimal.RequireFromString("-0.1")); !errors.Is(err, ErrInvalidFraction) {
		t.Errorf("expected ErrInvalidFraction for -0.1, got %v", err)
	}
}

func TestFreeze(t *testing.T) {
	svc := newTestService(t)
	hold(t, svc, "ORD-AAAA0001", "1")
	ctx := context.Background()

	if err := svc.Freeze(ctx, "ORD-AAAA0001"); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	// Freezing again is a no-op.
	if err := svc.Freeze(ctx, "ORD-AAAA0001"); err != nil {
		t.Errorf("second freeze failed: %v", err)
	}

	h, _ := svc.GetByOrder(ctx, "ORD-AAAA0001")
	if h.Status != StatusDisputed {
		t.Errorf("expected disputed, got %s", h.Status)
	}

	// Frozen holds are invisible to the auto-release sweep.
	due, _ := svc.ListDue(ctx, time.Now().Add(30*24*time.Hour), 100)
	if len(due) != 0 {
		t.Errorf("disputed hold appeared in due list")
	}
}

func TestFreeze_TerminalFails(t *testing.T) {
	svc := newTestService(t)
	hold(t, svc, "ORD-AAAA0001", "1")
	ctx := context.Background()

	svc.Release(ctx, "ORD-AAAA0001", ResolutionConfirmed)
	if err := svc.Freeze(ctx, "ORD-AAAA0001"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected freeze after release to fail, got %v", err)
	}
}

func TestListDue(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(7 * 24 * time.Hour)
	svc.Hold(ctx, "ORD-AAAA0001", money.MustParse("1"), feePct, past)
	svc.Hold(ctx, "ORD-AAAA0002", money.MustParse("1"), feePct, future)

	due, err := svc.ListDue(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 1 || due[0].OrderID != "ORD-AAAA0001" {
		t.Fatalf("expected only the past-deadline hold, got %d", len(due))
	}
}

func TestRelease_NWayConcurrentExecutesOnce(t *testing.T) {
	svc := newTestService(t)
	hold(t, svc, "ORD-AAAA0001", "1")

	const n = 32
	var performed atomic.Int64
	var failed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Release(context.Background(), "ORD-AAAA0001", ResolutionConfirmed)
			if err != nil {
				failed.Add(1)
				return
			}
			if res.Performed {
				performed.Add(1)
			}
		}()
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Errorf("%d concurrent releases errored", failed.Load())
	}
	if performed.Load() != 1 {
		t.Errorf("expected exactly one caller to perform the release, got %d", performed.Load())
	}

	h, _ := svc.GetByOrder(context.Background(), "ORD-AAAA0001")
	if h.Status != StatusReleased {
		t.Errorf("expected released, got %s", h.Status)
	}
}
