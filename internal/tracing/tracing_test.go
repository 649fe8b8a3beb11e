package tracing

import (
	"context"
	"testing"
)

func TestDisabledReturnsNoopTracer(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if tracer == nil {
		t.Fatal("nil tracer")
	}
	// Spans from the noop tracer must be safe to use and end.
	_, span := tracer.Start(context.Background(), "turn.llm")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestUnknownProtocolRejected(t *testing.T) {
	_, _, err := Setup(context.Background(), Config{Enabled: true, Protocol: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected protocol error")
	}
}
