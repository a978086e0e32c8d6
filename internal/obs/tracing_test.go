package obs

import (
	"context"
	"testing"
)

func TestInitTracerWithoutEndpointIsNoop(test *testing.T) {
	test.Parallel()
	tracer, shutdown, err := InitTracer(context.Background(), TracingConfig{ServiceName: "creditd"})
	if err != nil {
		test.Fatalf("init tracer: %v", err)
	}
	_, span := tracer.Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		test.Fatalf("expected a non-recording span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		test.Fatalf("shutdown: %v", err)
	}
}
