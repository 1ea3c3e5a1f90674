package tracing

import (
	"context"
	"testing"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatal("noop tracer should not produce valid span contexts")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestEnabledProviderRecordsSpans(t *testing.T) {
	p, err := Setup(context.Background(), Config{Enabled: true, Endpoint: "127.0.0.1:1", Insecure: true, ServiceName: "flowd-test"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "unit")
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a sampled span")
	}
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}
