package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level       string
		debugOn     bool
		infoEnabled bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"", false, true},
		{"verbose", false, true},
	}
	ctx := context.Background()
	for _, tc := range tests {
		logger := New(tc.level, "text")
		if got := logger.Enabled(ctx, slog.LevelDebug); got != tc.debugOn {
			t.Errorf("level %q: debug enabled = %v, want %v", tc.level, got, tc.debugOn)
		}
		if got := logger.Enabled(ctx, slog.LevelInfo); got != tc.infoEnabled {
			t.Errorf("level %q: info enabled = %v, want %v", tc.level, got, tc.infoEnabled)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	if logger := New("info", "json"); logger == nil {
		t.Fatal("expected a logger for the json format")
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("expected no request id on a bare context, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-7f3a")
	if id := RequestID(ctx); id != "req-7f3a" {
		t.Errorf("expected req-7f3a, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-8b2c")
	if id := RequestID(ctx); id != "req-8b2c" {
		t.Errorf("expected the later id to win, got %q", id)
	}
}

func TestOrderID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := OrderID(ctx); id != "" {
		t.Errorf("expected no order id on a bare context, got %q", id)
	}
	ctx = WithOrder(ctx, "ORD-AAAA0001")
	if id := OrderID(ctx); id != "ORD-AAAA0001" {
		t.Errorf("expected ORD-AAAA0001, got %q", id)
	}
}

func TestL_AttachesContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req-7f3a")
	ctx = WithOrder(ctx, "ORD-AAAA0001")

	L(ctx).Info("order transition", "from", "pending_payment", "to", "paid")

	line := buf.String()
	for _, want := range []string{"request_id=req-7f3a", "order_id=ORD-AAAA0001", "to=paid"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %q: %s", want, line)
		}
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected the default logger for a bare context")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("expected the context logger back")
	}
}
