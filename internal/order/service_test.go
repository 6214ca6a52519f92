package order

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptonexus/payengine/internal/escrow"
	"github.com/cryptonexus/payengine/internal/money"
	"github.com/cryptonexus/payengine/internal/notify"
	"github.com/cryptonexus/payengine/internal/payment"
	"github.com/cryptonexus/payengine/internal/vault"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Emit(ctx context.Context, event notify.Event, orderID string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) has(event notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

// engine wires the full in-memory stack the way the server does.
type engine struct {
	orders   *Service
	payments *payment.Service
	escrows  *escrow.Service
	vault    *vault.Service
	notifier *recordingNotifier
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	logger := slog.Default()

	paymentSvc := payment.NewService(payment.NewMemoryStore(), money.DefaultRegistry(), logger)
	escrowSvc := escrow.NewService(escrow.NewMemoryStore(), logger)
	notifier := &recordingNotifier{}

	orderSvc := NewService(NewMemoryStore(), paymentSvc, escrowSvc, nil, notifier, Config{
		EscrowFeePct:  decimal.NewFromInt(2),
		AutoRelease:   7 * 24 * time.Hour,
		DisputeWindow: 48 * time.Hour,
	}, logger)

	vaultSvc := vault.NewService(vault.NewMemoryStore(), orderSvc, logger)
	orderSvc.credentials = vaultSvc
	paymentSvc.SetListener(orderSvc)

	return &engine{
		orders:   orderSvc,
		payments: paymentSvc,
		escrows:  escrowSvc,
		vault:    vaultSvc,
		notifier: notifier,
	}
}

func (e *engine) createOrder(t *testing.T, useEscrow bool) *Order {
	t.Helper()
	o, err := e.orders.Create(context.Background(), CreateRequest{
		BuyerRef:    "buyer-1",
		VendorRef:   "vendor-1",
		ProductRef:  "prod-42",
		Quantity:    1,
		UnitPrice:   money.MustParse("0.5"),
		Currency:    "XMR",
		UseEscrow:   useEscrow,
		Credentials: "user:pass",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return o
}

// pay confirms the full amount on the order's destination.
func (e *engine) pay(t *testing.T, orderID string) {
	t.Helper()
	d, err := e.payments.GetByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("no destination for %s: %v", orderID, err)
	}
	_, err = e.payments.Apply(context.Background(), payment.ConfirmationEvent{
		DestinationID: d.ID,
		TxID:          "feed0001",
		AmountDelta:   d.ExpectedAmount,
		Confirmations: d.RequiredConfirmations,
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
}

func TestCreate_AllocatesDestination(t *testing.T) {
	e := newEngine(t)
	o := e.createOrder(t, true)

	if o.Status != StatusPendingPayment {
		t.Errorf("expected pending_payment, got %s", o.Status)
	}
	if o.TotalAmount.String() != "0.50000000" {
		t.Errorf("unexpected total %s", o.TotalAmount)
	}
	if o.PaymentAddress == "" || o.PaymentExpiresAt == nil {
		t.Error("expected payment address and expiry to be set")
	}

	d, err := e.payments.GetByOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("destination not allocated: %v", err)
	}
	if !d.ExpectedAmount.Equal(o.TotalAmount) {
		t.Errorf("destination expects %s, order totals %s", d.ExpectedAmount, o.TotalAmount)
	}
}

// Scenario: happy escrow path end to end.
func TestLifecycle_EscrowHappyPath(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, true)

	e.pay(t, o.ID)

	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != StatusPaid {
		t.Fatalf("expected paid after confirmation, got %s", got.Status)
	}
	if !e.notifier.has(notify.EventOrderPaid) {
		t.Error("expected order.paid notification")
	}
	h, err := e.escrows.GetByOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("expected escrow hold: %v", err)
	}
	if h.Status != escrow.StatusHeld {
		t.Errorf("expected held escrow, got %s", h.Status)
	}

	if _, err := e.orders.MarkDelivered(ctx, o.ID, "vendor-1", ""); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	// Buyer can now see credentials.
	r, err := e.vault.RevealIfEligible(ctx, o.ID, "buyer-1")
	if err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	if r.Payload != "user:pass" {
		t.Errorf("unexpected payload %q", r.Payload)
	}

	if _, err := e.orders.ConfirmDelivery(ctx, o.ID, "buyer-1"); err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}

	got, _ = e.orders.Get(ctx, o.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	h, _ = e.escrows.GetByOrder(ctx, o.ID)
	if h.Status != escrow.StatusReleased {
		t.Errorf("expected released escrow, got %s", h.Status)
	}
	if !e.notifier.has(notify.EventOrderCompleted) {
		t.Error("expected order.completed notification")
	}
}

func TestMarkDelivered_RequiresPayment(t *testing.T) {
	e := newEngine(t)
	o := e.createOrder(t, true)

	_, err := e.orders.MarkDelivered(context.Background(), o.ID, "vendor-1", "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition before payment, got %v", err)
	}
}

func TestMarkDelivered_BlockedByReorg(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, true)
	e.pay(t, o.ID)

	// A reorg invalidates the funding tx. The order stays paid but the
	// destination is no longer settled.
	d, _ := e.payments.GetByOrder(ctx, o.ID)
	e.payments.Apply(ctx, payment.ConfirmationEvent{
		DestinationID: d.ID, TxID: "feed0001", Confirmations: 0,
	})

	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != StatusPaid {
		t.Fatalf("expected order to stay paid through reorg, got %s", got.Status)
	}
	if _, err := e.orders.MarkDelivered(ctx, o.ID, "vendor-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected delivery to be blocked, got %v", err)
	}

	// Re-confirmation unblocks it.
	e.payments.Apply(ctx, payment.ConfirmationEvent{
		DestinationID: d.ID, TxID: "feed0001", Confirmations: 1,
	})
	if _, err := e.orders.MarkDelivered(ctx, o.ID, "vendor-1", ""); err != nil {
		t.Errorf("expected delivery after re-confirmation, got %v", err)
	}
}

func TestCredentials_BlockedByReorg(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, false)
	e.pay(t, o.ID)

	// Non-escrow and paid: the buyer can read the credentials.
	if _, err := e.vault.RevealIfEligible(ctx, o.ID, "buyer-1"); err != nil {
		t.Fatalf("reveal while settled failed: %v", err)
	}

	// The funding tx drops out of the chain. The order stays paid but the
	// payload must stop leaking until the payment settles again.
	d, _ := e.payments.GetByOrder(ctx, o.ID)
	e.payments.Apply(ctx, payment.ConfirmationEvent{
		DestinationID: d.ID, TxID: "feed0001", Confirmations: 0,
	})
	if _, err := e.vault.RevealIfEligible(ctx, o.ID, "buyer-1"); !errors.Is(err, vault.ErrNotEligible) {
		t.Errorf("expected reveal blocked after rollback, got %v", err)
	}

	e.payments.Apply(ctx, payment.ConfirmationEvent{
		DestinationID: d.ID, TxID: "feed0001", Confirmations: 1,
	})
	if _, err := e.vault.RevealIfEligible(ctx, o.ID, "buyer-1"); err != nil {
		t.Errorf("expected reveal after re-confirmation, got %v", err)
	}
}

func TestMarkDelivered_VendorOnly(t *testing.T) {
	e := newEngine(t)
	o := e.createOrder(t, true)
	e.pay(t, o.ID)

	for _, who := range []string{"buyer-1", "vendor-2", ""} {
		if _, err := e.orders.MarkDelivered(context.Background(), o.ID, who, ""); !errors.Is(err, ErrNotParticipant) {
			t.Errorf("actor %q: expected ErrNotParticipant, got %v", who, err)
		}
	}
}

func TestCancel_OnlyPendingPayment(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	o := e.createOrder(t, false)
	if _, err := e.orders.Cancel(ctx, o.ID, "buyer-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	// The destination is closed too; late events bounce.
	d, _ := e.payments.GetByOrder(ctx, o.ID)
	if d.Status != payment.StatusCancelled {
		t.Errorf("expected cancelled destination, got %s", d.Status)
	}

	// Paid orders cannot cancel.
	o2 := e.createOrder(t, false)
	e.pay(t, o2.ID)
	if _, err := e.orders.Cancel(ctx, o2.ID, "buyer-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for paid order, got %v", err)
	}
}

func TestCancelThenLateConfirmation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, false)
	d, _ := e.payments.GetByOrder(ctx, o.ID)

	e.orders.Cancel(ctx, o.ID, "buyer-1")

	_, err := e.payments.Apply(ctx, payment.ConfirmationEvent{
		DestinationID: d.ID, TxID: "feed0009", AmountDelta: d.ExpectedAmount, Confirmations: 1,
	})
	if !errors.Is(err, payment.ErrRejected) {
		t.Errorf("expected rejection after cancel, got %v", err)
	}
	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != StatusCancelled {
		t.Errorf("late event revived the order: %s", got.Status)
	}
}

// Scenario: dispute resolved with a refund.
func TestDispute_Refund(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, true)
	e.pay(t, o.ID)
	e.orders.MarkDelivered(ctx, o.ID, "vendor-1", "")

	d, err := e.orders.OpenDispute(ctx, o.ID, "buyer-1", "never worked")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if d.Resolved() {
		t.Error("new dispute should be unresolved")
	}

	h, _ := e.escrows.GetByOrder(ctx, o.ID)
	if h.Status != escrow.StatusDisputed {
		t.Errorf("expected frozen escrow, got %s", h.Status)
	}

	// Second dispute is refused.
	if _, err := e.orders.OpenDispute(ctx, o.ID, "buyer-1", "again"); !errors.Is(err, ErrActiveDispute) {
		t.Errorf("expected ErrActiveDispute, got %v", err)
	}

	got, err := e.orders.ResolveDispute(ctx, o.ID, ResolveRequest{Resolution: ResolutionRefund})
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if got.Status != StatusRefunded {
		t.Errorf("expected refunded, got %s", got.Status)
	}
	h, _ = e.escrows.GetByOrder(ctx, o.ID)
	if h.Status != escrow.StatusRefunded {
		t.Errorf("expected refunded escrow, got %s", h.Status)
	}
	if !e.notifier.has(notify.EventDisputeResolved) {
		t.Error("expected dispute.resolved notification")
	}
}

func TestDispute_PartialSplit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, true)
	e.pay(t, o.ID)
	e.orders.MarkDelivered(ctx, o.ID, "vendor-1", "")
	e.orders.OpenDispute(ctx, o.ID, "buyer-1", "half broken")

	got, err := e.orders.ResolveDispute(ctx, o.ID, ResolveRequest{
		Resolution:      ResolutionPartial,
		ReleaseFraction: decimal.RequireFromString("0.6"),
	})
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	// Vendor got the larger share: completed.
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	h, _ := e.escrows.GetByOrder(ctx, o.ID)
	if h.Status != escrow.StatusSplit {
		t.Errorf("expected split escrow, got %s", h.Status)
	}
	if !h.ReleaseAmount.Add(h.RefundAmount).Equal(h.Amount) {
		t.Error("split does not conserve the held amount")
	}
}

func TestDispute_WindowCloses(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, true)
	e.pay(t, o.ID)
	e.orders.MarkDelivered(ctx, o.ID, "vendor-1", "")

	// Rewind the clock: delivery happened 49 hours ago.
	e.orders.now = func() time.Time { return time.Now().Add(49 * time.Hour) }

	if _, err := e.orders.OpenDispute(ctx, o.ID, "buyer-1", "too late"); !errors.Is(err, ErrDisputeWindowOver) {
		t.Errorf("expected ErrDisputeWindowOver, got %v", err)
	}
}

// Scenario: escrow auto-release when the buyer goes silent.
func TestAutoReleaseEscrow(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, true)
	e.pay(t, o.ID)

	if err := e.orders.AutoReleaseEscrow(ctx, o.ID); err != nil {
		t.Fatalf("AutoReleaseEscrow failed: %v", err)
	}

	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	h, _ := e.escrows.GetByOrder(ctx, o.ID)
	if h.Status != escrow.StatusReleased || h.Resolution != escrow.ResolutionAutoReleased {
		t.Errorf("expected auto-released escrow, got %s/%s", h.Status, h.Resolution)
	}
	if !e.notifier.has(notify.EventEscrowAutoReleased) {
		t.Error("expected escrow.auto_released notification")
	}

	// Running it again is a no-op.
	if err := e.orders.AutoReleaseEscrow(ctx, o.ID); err != nil {
		t.Errorf("second auto-release errored: %v", err)
	}
}

func TestAutoReleaseEscrow_SkipsDisputed(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, true)
	e.pay(t, o.ID)
	e.orders.OpenDispute(ctx, o.ID, "buyer-1", "hold on")

	if err := e.orders.AutoReleaseEscrow(ctx, o.ID); err != nil {
		t.Fatalf("AutoReleaseEscrow errored on disputed order: %v", err)
	}
	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != StatusDisputed {
		t.Errorf("auto-release moved a disputed order to %s", got.Status)
	}
	h, _ := e.escrows.GetByOrder(ctx, o.ID)
	if h.Status != escrow.StatusDisputed {
		t.Errorf("auto-release settled a disputed hold: %s", h.Status)
	}
}

func TestAutoComplete_DefaultAccept(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, true)
	e.pay(t, o.ID)
	e.orders.MarkDelivered(ctx, o.ID, "vendor-1", "")

	// Window not over yet: no-op.
	if err := e.orders.AutoComplete(ctx, o.ID); err != nil {
		t.Fatalf("AutoComplete failed: %v", err)
	}
	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != StatusDelivered {
		t.Fatalf("AutoComplete fired early: %s", got.Status)
	}

	e.orders.now = func() time.Time { return time.Now().Add(49 * time.Hour) }
	if err := e.orders.AutoComplete(ctx, o.ID); err != nil {
		t.Fatalf("AutoComplete failed: %v", err)
	}
	got, _ = e.orders.Get(ctx, o.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestExpirePayment(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, false)

	if err := e.orders.ExpirePayment(ctx, o.ID); err != nil {
		t.Fatalf("ExpirePayment failed: %v", err)
	}
	got, _ := e.orders.Get(ctx, o.ID)
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if got.PaymentStatus != string(payment.StatusExpired) {
		t.Errorf("expected expired payment status, got %s", got.PaymentStatus)
	}
	if !e.notifier.has(notify.EventPaymentExpired) {
		t.Error("expected payment.expired notification")
	}

	// Paid orders are untouched.
	o2 := e.createOrder(t, false)
	e.pay(t, o2.ID)
	e.orders.ExpirePayment(ctx, o2.ID)
	got, _ = e.orders.Get(ctx, o2.ID)
	if got.Status != StatusPaid {
		t.Errorf("expiry sweep touched a paid order: %s", got.Status)
	}
}

func TestUpdateStatus_Dispatcher(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, true)
	e.pay(t, o.ID)

	// The generic endpoint cannot bypass the vendor guard.
	if _, err := e.orders.UpdateStatus(ctx, o.ID, "buyer-1", StatusDelivered); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}

	if _, err := e.orders.UpdateStatus(ctx, o.ID, "vendor-1", StatusDelivered); err != nil {
		t.Fatalf("deliver via dispatcher failed: %v", err)
	}
	if _, err := e.orders.UpdateStatus(ctx, o.ID, "buyer-1", StatusCompleted); err != nil {
		t.Fatalf("confirm via dispatcher failed: %v", err)
	}

	// Statuses with no user-facing action are refused outright.
	o2 := e.createOrder(t, false)
	if _, err := e.orders.UpdateStatus(ctx, o2.ID, "buyer-1", StatusPaid); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for requested paid, got %v", err)
	}
	if _, err := e.orders.UpdateStatus(ctx, o2.ID, "buyer-1", StatusRefunded); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for requested refunded, got %v", err)
	}
}

func TestNonEscrowOrder_NoHold(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.createOrder(t, false)
	e.pay(t, o.ID)

	if _, err := e.escrows.GetByOrder(ctx, o.ID); !errors.Is(err, escrow.ErrNotFound) {
		t.Errorf("non-escrow order got a hold: %v", err)
	}

	// Credentials unlock at paid for non-escrow orders.
	if _, err := e.vault.RevealIfEligible(ctx, o.ID, "buyer-1"); err != nil {
		t.Errorf("expected reveal at paid, got %v", err)
	}
}

// Delivered-only-when-paid must hold across arbitrary interleavings of
// confirmation events and delivery attempts.
func TestDeliveredOnlyWhenPaid_RandomizedOrderings(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 25; iter++ {
		e := newEngine(t)
		ctx := context.Background()
		o := e.createOrder(t, true)
		d, _ := e.payments.GetByOrder(ctx, o.ID)

		actions := []func(){
			func() {
				e.payments.Apply(ctx, payment.ConfirmationEvent{
					DestinationID: d.ID, TxID: "t1", AmountDelta: money.MustParse("0.3"), Confirmations: 1,
				})
			},
			func() {
				e.payments.Apply(ctx, payment.ConfirmationEvent{
					DestinationID: d.ID, TxID: "t2", AmountDelta: money.MustParse("0.2"), Confirmations: 1,
				})
			},
			func() { e.orders.MarkDelivered(ctx, o.ID, "vendor-1", "") },
			func() { e.orders.MarkDelivered(ctx, o.ID, "vendor-1", "") },
		}
		rng.Shuffle(len(actions), func(i, j int) { actions[i], actions[j] = actions[j], actions[i] })
		for _, act := range actions {
			act()
		}

		got, _ := e.orders.Get(ctx, o.ID)
		ds, _ := e.payments.StatusByOrder(ctx, o.ID)
		if got.Status == StatusDelivered && !ds.Settled() {
			t.Fatalf("iteration %d: order delivered while payment is %s", iter, ds)
		}
		// Full amount confirmed implies paid order regardless of ordering.
		if ds.Settled() && got.Status == StatusPendingPayment {
			t.Fatalf("iteration %d: payment settled but order still pending", iter)
		}
	}
}

func TestConcurrentConfirmAndDispute(t *testing.T) {
	// Buyer confirming and buyer disputing race; exactly one terminal
	// outcome must win and escrow must settle at most once.
	for i := 0; i < 10; i++ {
		e := newEngine(t)
		ctx := context.Background()
		o := e.createOrder(t, true)
		e.pay(t, o.ID)
		e.orders.MarkDelivered(ctx, o.ID, "vendor-1", "")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.orders.ConfirmDelivery(ctx, o.ID, "buyer-1")
		}()
		go func() {
			defer wg.Done()
			e.orders.OpenDispute(ctx, o.ID, "buyer-1", "changed my mind")
		}()
		wg.Wait()

		got, _ := e.orders.Get(ctx, o.ID)
		h, _ := e.escrows.GetByOrder(ctx, o.ID)
		switch got.Status {
		case StatusCompleted:
			if h.Status != escrow.StatusReleased {
				t.Fatalf("completed order with %s escrow", h.Status)
			}
		case StatusDisputed:
			if h.Status != escrow.StatusDisputed {
				t.Fatalf("disputed order with %s escrow", h.Status)
			}
		default:
			t.Fatalf("unexpected terminal status %s", got.Status)
		}
	}
}
