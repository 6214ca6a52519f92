//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cryptonexus/payengine/internal/idgen"
	"github.com/cryptonexus/payengine/internal/money"
	"github.com/cryptonexus/payengine/internal/testutil"
)

func testHold(orderID string) *Hold {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Hold{
		ID:            idgen.WithPrefix("esc_"),
		OrderID:       orderID,
		Amount:        money.MustParse("0.98"),
		Fee:           money.MustParse("0.02"),
		Status:        StatusHeld,
		AutoReleaseAt: now.Add(7 * 24 * time.Hour),
		ReleaseAmount: money.Zero(),
		RefundAmount:  money.Zero(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresStore_HoldRoundtrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	h := testHold("ORD-AAAA0001")
	if err := store.Create(ctx, h); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.GetByOrder(ctx, "ORD-AAAA0001")
	if err != nil {
		t.Fatalf("GetByOrder failed: %v", err)
	}
	if got.ID != h.ID || !got.Amount.Equal(h.Amount) || !got.Fee.Equal(h.Fee) {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.Resolution != "" || got.ResolvedAt != nil {
		t.Errorf("expected unresolved hold, got %+v", got)
	}

	if _, err := store.GetByOrder(ctx, "ORD-FFFFFFFF"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_OneHoldPerOrder(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, testHold("ORD-AAAA0001")); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if err := store.Create(ctx, testHold("ORD-AAAA0001")); !errors.Is(err, ErrAlreadyHeld) {
		t.Errorf("expected ErrAlreadyHeld, got %v", err)
	}
}

func TestPostgresStore_SettleAndListDue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	due := testHold("ORD-AAAA0001")
	due.AutoReleaseAt = time.Now().UTC().Add(-time.Hour)
	early := testHold("ORD-AAAA0002")
	for _, h := range []*Hold{due, early} {
		if err := store.Create(ctx, h); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := store.ListDue(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected one due hold, got %d", len(got))
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	due.Status = StatusReleased
	due.Resolution = ResolutionAutoReleased
	due.ReleaseAmount = due.Amount
	due.ResolvedAt = &now
	due.UpdatedAt = now
	if err := store.Update(ctx, due); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err = store.ListDue(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("second ListDue failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("settled hold still listed as due")
	}

	settled, _ := store.GetByOrder(ctx, "ORD-AAAA0001")
	if settled.Status != StatusReleased || settled.Resolution != ResolutionAutoReleased {
		t.Errorf("settlement did not persist: %+v", settled)
	}
}
