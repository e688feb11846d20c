package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), &Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestStartNodeRecordsAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartNode(context.Background(), "run-1", "b1", "brain", 2)
	End(span, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "node.brain" {
		t.Errorf("span name = %s", spans[0].Name())
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["blueprint.run_id"] != "run-1" || attrs["blueprint.attempt"] != "2" {
		t.Errorf("unexpected attributes: %v", attrs)
	}
	if spans[0].Status().Description != "boom" {
		t.Errorf("status = %+v", spans[0].Status())
	}
}

func TestSampler(t *testing.T) {
	for _, rate := range []float64{-1, 0, 0.5, 1, 2} {
		if Sampler(rate) == nil {
			t.Errorf("nil sampler for %v", rate)
		}
	}
}
