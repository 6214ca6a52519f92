package vault

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type fakeGate struct {
	orders map[string]OrderAccess
}

func (f *fakeGate) OrderAccess(ctx context.Context, orderID string) (OrderAccess, error) {
	a, ok := f.orders[orderID]
	if !ok {
		return OrderAccess{}, ErrNotFound
	}
	return a, nil
}

func newTestService(t *testing.T) (*Service, *fakeGate) {
	t.Helper()
	gate := &fakeGate{orders: make(map[string]OrderAccess)}
	return NewService(NewMemoryStore(), gate, slog.Default()), gate
}

func TestPut_Once(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Put(ctx, "ORD-AAAA0001", "user:pass"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := svc.Put(ctx, "ORD-AAAA0001", "other:creds"); !errors.Is(err, ErrAlreadySet) {
		t.Errorf("expected ErrAlreadySet, got %v", err)
	}

	has, err := svc.Has(ctx, "ORD-AAAA0001")
	if err != nil || !has {
		t.Errorf("expected Has to be true, got %v/%v", has, err)
	}
}

func TestReveal_EscrowRequiresDelivery(t *testing.T) {
	svc, gate := newTestService(t)
	ctx := context.Background()
	svc.Put(ctx, "ORD-AAAA0001", "user:pass")

	// Escrow order only paid: not yet.
	gate.orders["ORD-AAAA0001"] = OrderAccess{BuyerRef: "buyer-1", UseEscrow: true, Status: "paid"}
	if _, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", "buyer-1"); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible while paid, got %v", err)
	}

	// Delivered: reveal works.
	gate.orders["ORD-AAAA0001"] = OrderAccess{BuyerRef: "buyer-1", UseEscrow: true, Status: "delivered"}
	r, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", "buyer-1")
	if err != nil {
		t.Fatalf("RevealIfEligible failed: %v", err)
	}
	if r.Payload != "user:pass" {
		t.Errorf("unexpected payload %q", r.Payload)
	}
	if r.RevealedAt == nil {
		t.Error("expected revealed_at to be stamped")
	}
}

func TestReveal_NonEscrowPaidIsEnough(t *testing.T) {
	svc, gate := newTestService(t)
	ctx := context.Background()
	svc.Put(ctx, "ORD-AAAA0001", "license-key")
	gate.orders["ORD-AAAA0001"] = OrderAccess{BuyerRef: "buyer-1", UseEscrow: false, Status: "paid", PaymentSettled: true}

	r, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", "buyer-1")
	if err != nil {
		t.Fatalf("RevealIfEligible failed: %v", err)
	}
	if r.Payload != "license-key" {
		t.Errorf("unexpected payload %q", r.Payload)
	}
}

func TestReveal_PaidButRolledBackDenied(t *testing.T) {
	svc, gate := newTestService(t)
	ctx := context.Background()
	svc.Put(ctx, "ORD-AAAA0001", "license-key")

	// The order says paid but the destination no longer does: a reorg
	// invalidated the funding tx after the threshold was crossed.
	gate.orders["ORD-AAAA0001"] = OrderAccess{BuyerRef: "buyer-1", UseEscrow: false, Status: "paid", PaymentSettled: false}
	if _, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", "buyer-1"); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible while rolled back, got %v", err)
	}

	// Re-mined: the destination settles again and the reveal goes through.
	gate.orders["ORD-AAAA0001"] = OrderAccess{BuyerRef: "buyer-1", UseEscrow: false, Status: "paid", PaymentSettled: true}
	r, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", "buyer-1")
	if err != nil {
		t.Fatalf("RevealIfEligible failed after re-confirmation: %v", err)
	}
	if r.Payload != "license-key" {
		t.Errorf("unexpected payload %q", r.Payload)
	}
}

func TestReveal_PendingPaymentNever(t *testing.T) {
	svc, gate := newTestService(t)
	ctx := context.Background()
	svc.Put(ctx, "ORD-AAAA0001", "license-key")
	gate.orders["ORD-AAAA0001"] = OrderAccess{BuyerRef: "buyer-1", UseEscrow: false, Status: "pending_payment"}

	if _, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", "buyer-1"); !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible, got %v", err)
	}
}

func TestReveal_OnlyBuyer(t *testing.T) {
	svc, gate := newTestService(t)
	ctx := context.Background()
	svc.Put(ctx, "ORD-AAAA0001", "user:pass")
	gate.orders["ORD-AAAA0001"] = OrderAccess{BuyerRef: "buyer-1", UseEscrow: false, Status: "completed"}

	for _, requester := range []string{"vendor-1", "buyer-2", ""} {
		if _, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", requester); !errors.Is(err, ErrNotEligible) {
			t.Errorf("requester %q: expected ErrNotEligible, got %v", requester, err)
		}
	}
}

func TestReveal_StampSetOnce(t *testing.T) {
	svc, gate := newTestService(t)
	ctx := context.Background()
	svc.Put(ctx, "ORD-AAAA0001", "user:pass")
	gate.orders["ORD-AAAA0001"] = OrderAccess{BuyerRef: "buyer-1", UseEscrow: false, Status: "completed"}

	first, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", "buyer-1")
	if err != nil {
		t.Fatalf("first reveal failed: %v", err)
	}
	second, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", "buyer-1")
	if err != nil {
		t.Fatalf("second reveal failed: %v", err)
	}
	if !first.RevealedAt.Equal(*second.RevealedAt) {
		t.Error("revealed_at changed on re-read")
	}
}

func TestReveal_Distinguishes404From403(t *testing.T) {
	svc, gate := newTestService(t)
	ctx := context.Background()

	// Unknown order: NotFound.
	if _, err := svc.RevealIfEligible(ctx, "ORD-AAAA0099", "buyer-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown order, got %v", err)
	}

	// Known order, no credentials stored yet: NotFound.
	gate.orders["ORD-AAAA0001"] = OrderAccess{BuyerRef: "buyer-1", UseEscrow: false, Status: "completed"}
	if _, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", "buyer-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing record, got %v", err)
	}

	// Known order, wrong requester: NotEligible.
	svc.Put(ctx, "ORD-AAAA0001", "user:pass")
	if _, err := svc.RevealIfEligible(ctx, "ORD-AAAA0001", "vendor-1"); !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible, got %v", err)
	}
}
