package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestGetVersion(t *testing.T) {
	t.Setenv("SERVICE_VERSION", "v1.2.3")
	if got := getVersion(); got != "v1.2.3" {
		t.Errorf("getVersion() = %q, want v1.2.3", got)
	}
	t.Setenv("SERVICE_VERSION", "")
	if got := getVersion(); got != "dev" {
		t.Errorf("getVersion() = %q, want dev", got)
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		podName  string
		expected string
	}{
		{name: "hostname wins", hostname: "worker-1", podName: "pod-1", expected: "worker-1"},
		{name: "pod name fallback", podName: "pod-1", expected: "pod-1"},
		{name: "unknown", expected: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostname)
			t.Setenv("POD_NAME", tt.podName)
			if got := getInstanceID(); got != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestOTLPEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "tempo:4318"},
		{in: "http://collector:4318", want: "collector:4318"},
		{in: "https://collector:4318/", want: "collector:4318"},
		{in: "collector:4318", want: "collector:4318"},
	}
	for _, tt := range tests {
		if got := otlpEndpoint(tt.in); got != tt.want {
			t.Errorf("otlpEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://otel:4318")
	t.Setenv("OTEL_SAMPLE_RATIO", "0.25")
	t.Setenv("OTEL_DISABLED", "TRUE")

	opts := OptionsFromEnv()
	if opts.Endpoint != "otel:4318" || opts.SampleRatio != 0.25 || !opts.Disabled {
		t.Errorf("OptionsFromEnv() = %+v", opts)
	}
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "svc", Options{Disabled: true})
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	shutdown()
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "delivery.process",
		attribute.String("pair_id", "pair-1"),
		attribute.Int("attempt", 2),
	)
	AddSpanEvent(ctx, "http.send_webhook", attribute.Int("status", 200))
	SetSpanError(ctx, errors.New("boom"))
	SetSpanError(ctx, nil)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "delivery.process" {
		t.Errorf("span name = %q", s.Name)
	}
	if len(s.Attributes) != 2 {
		t.Errorf("attributes = %v", s.Attributes)
	}
	if len(s.Events) != 2 { // custom event + recorded error
		t.Errorf("events = %d, want 2", len(s.Events))
	}
	if s.Status.Code != codes.Error {
		t.Errorf("status = %v, want error", s.Status.Code)
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)

	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() without span = %q, want empty", id)
	}
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if id := GetTraceID(ctx); id != span.SpanContext().TraceID().String() {
		t.Errorf("GetTraceID() = %q, want %q", id, span.SpanContext().TraceID())
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "enqueue")
	headers := InjectHeaders(ctx)
	span.End()

	if headers["traceparent"] == "" {
		t.Fatalf("InjectHeaders() = %v, want traceparent", headers)
	}

	restored := ExtractHeaders(context.Background(), headers)
	child, childSpan := StartSpan(restored, "process")
	defer childSpan.End()

	if GetTraceID(child) != span.SpanContext().TraceID().String() {
		t.Error("trace id not carried across InjectHeaders/ExtractHeaders")
	}
}

func TestExtractHeadersEmpty(t *testing.T) {
	ctx := context.Background()
	if got := ExtractHeaders(ctx, nil); got != ctx {
		t.Error("ExtractHeaders(nil) should return the input context")
	}
}
