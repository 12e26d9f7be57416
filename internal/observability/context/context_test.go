package context

import (
	"context"
	"testing"
)

func TestEventRoundTrip(t *testing.T) {
	ctx := WithEvent(context.Background(), " evt_1 ", "invoice.payment_succeeded")
	eventID, eventType := EventFromContext(ctx)
	if eventID != "evt_1" {
		t.Fatalf("expected evt_1, got %q", eventID)
	}
	if eventType != "invoice.payment_succeeded" {
		t.Fatalf("unexpected event type %q", eventType)
	}
}

func TestRequestIDIgnoresBlank(t *testing.T) {
	ctx := WithRequestID(context.Background(), "  ")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
	if NewRequestID() == NewRequestID() {
		t.Fatalf("expected unique request ids")
	}
}
