package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(t.Context(), Config{ServiceName: "test", Enabled: false})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_Enabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// The gRPC exporter dials lazily, so no collector is needed here.
	shutdown, err := Init(t.Context(), Config{
		ServiceName: "pai-quota-test",
		Endpoint:    "localhost:4317",
		SampleRate:  1,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	})

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global tracer provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
}

func TestNewResource(t *testing.T) {
	res, err := newResource("pai-quota-test")
	if err != nil {
		t.Fatalf("newResource() error = %v", err)
	}
	if res.SchemaURL() != semconv.SchemaURL {
		t.Errorf("SchemaURL() = %q, want %q", res.SchemaURL(), semconv.SchemaURL)
	}
	got, ok := res.Set().Value(semconv.ServiceNameKey)
	if !ok || got.AsString() != "pai-quota-test" {
		t.Errorf("service.name = %v (present %v), want pai-quota-test", got.AsString(), ok)
	}
}

func TestSampler(t *testing.T) {
	traceID := trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	tests := []struct {
		name string
		rate float64
		want sdktrace.SamplingDecision
	}{
		{"always", 1, sdktrace.RecordAndSample},
		{"above one", 3, sdktrace.RecordAndSample},
		{"never", 0, sdktrace.Drop},
		{"negative", -1, sdktrace.Drop},
		{"ratio drops high trace ids", 0.5, sdktrace.Drop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Sampler(tt.rate).ShouldSample(sdktrace.SamplingParameters{TraceID: traceID, Name: "span"})
			if res.Decision != tt.want {
				t.Errorf("Sampler(%v) decision = %v, want %v", tt.rate, res.Decision, tt.want)
			}
		})
	}
}
