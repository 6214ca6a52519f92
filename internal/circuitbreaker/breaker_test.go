package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func trip(b *Breaker, key string, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(key)
	}
}

func TestAllow_FreshKeyIsClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("webhook") {
		t.Fatal("a key with no history must allow deliveries")
	}
	if b.State("webhook") != StateClosed {
		t.Fatalf("expected closed, got %v", b.State("webhook"))
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	trip(b, "webhook", 2)
	if !b.Allow("webhook") {
		t.Fatal("below threshold, deliveries must still flow")
	}

	b.RecordFailure("webhook")
	if b.Allow("webhook") {
		t.Fatal("at threshold, deliveries must be dropped")
	}
	if b.State("webhook") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("webhook"))
	}
}

func TestCoolingOffAdmitsOneProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	trip(b, "webhook", 2)

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("webhook") {
		t.Fatal("cooled-off circuit must admit a probe")
	}
	if b.State("webhook") != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State("webhook"))
	}
	if b.Allow("webhook") {
		t.Fatal("only one probe may be in flight")
	}
}

func TestProbeOutcomes(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		trip(b, "webhook", 2)
		time.Sleep(60 * time.Millisecond)
		b.Allow("webhook")

		b.RecordSuccess("webhook")
		if b.State("webhook") != StateClosed {
			t.Fatalf("expected closed after a good probe, got %v", b.State("webhook"))
		}
		if !b.Allow("webhook") {
			t.Fatal("recovered endpoint must accept deliveries")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		trip(b, "webhook", 2)
		time.Sleep(60 * time.Millisecond)
		b.Allow("webhook")

		b.RecordFailure("webhook")
		if b.State("webhook") != StateOpen {
			t.Fatalf("expected open after a failed probe, got %v", b.State("webhook"))
		}
	})
}

func TestSuccessResetsTheStreak(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	trip(b, "webhook", 2)
	b.RecordSuccess("webhook")
	b.RecordFailure("webhook")

	if !b.Allow("webhook") {
		t.Fatal("one failure after a success must not trip the circuit")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	trip(b, "webhook", 2)

	if b.Allow("webhook") {
		t.Fatal("webhook circuit should be open")
	}
	if !b.Allow("processor") {
		t.Fatal("processor circuit must not share webhook's failures")
	}
}

func TestOnTransition(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var seen []string
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		seen = append(seen, key+":"+from.String()+">"+to.String())
		mu.Unlock()
	})

	trip(b, "webhook", 2)
	time.Sleep(20 * time.Millisecond) // callback runs on its own goroutine

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "webhook:closed>open" {
		t.Fatalf("unexpected transitions %v", seen)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(42), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}
