package otelx

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown func is nil")
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// Safe to call twice
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider type = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
}

func TestInit_Disabled_SetsPropagator(t *testing.T) {
	_, _ = Init(context.Background(), Options{Enabled: false})

	fieldSet := make(map[string]bool)
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fieldSet[f] = true
	}
	for _, want := range []string{"traceparent", "baggage"} {
		if !fieldSet[want] {
			t.Errorf("propagator missing %s field", want)
		}
	}
}

func TestInit_Enabled_LazyDial(t *testing.T) {
	// The grpc exporter connects lazily, so an unreachable collector
	// must not fail startup.
	shutdown, err := Init(context.Background(), Options{
		Enabled:  true,
		Endpoint: "127.0.0.1:1",
		Insecure: true,
		Sample:   0.5,
		Service:  "s3zipper-test",
	})
	if err != nil {
		t.Fatalf("Init enabled: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
