package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-receipt-pipeline/internal/config"
)

func preserveOTelGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func enabled(name string) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: name,
		SampleRatio: 1.0,
	}
}

func TestSetupOTel_Disabled_NoOp(t *testing.T) {
	preserveOTelGlobals(t)
	prevTP := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false, ServiceName: "svc"}, "v0.0.0")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("disabled setup must not replace the tracer provider")
	}
}

func TestSetupOTel_Insecure_SetsProviderAndPropagator(t *testing.T) {
	preserveOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), enabled("receipts-api"), "v1.2.3")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}

	carrier := propagation.MapCarrier{}
	ctx, span := otel.Tracer("services/receipts").Start(context.Background(), "Upload", trace.WithSpanKind(trace.SpanKindInternal))
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()
	if !strings.HasPrefix(carrier.Get("traceparent"), "00-") {
		t.Fatalf("traceparent not injected: %v", carrier)
	}
}

func TestSetupOTel_SecureTLS_SetsProvider(t *testing.T) {
	preserveOTelGlobals(t)

	cfg := enabled("svc-tls")
	cfg.Insecure = false
	shutdown, err := SetupOTel(context.Background(), cfg, "v9.9.9")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}
}

func TestSetupOTel_ResourceCarriesNamespace(t *testing.T) {
	preserveOTelGlobals(t)

	var got *resource.Resource
	orig := newServiceResourceFn
	t.Cleanup(func() { newServiceResourceFn = orig })
	newServiceResourceFn = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		r, err := orig(ctx, serviceName, version)
		got = r
		return r, err
	}

	shutdown, err := SetupOTel(context.Background(), enabled("receipts-api"), "v1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	found := false
	for _, kv := range got.Attributes() {
		if string(kv.Key) == "service.namespace" && kv.Value.AsString() == ServiceNamespace {
			found = true
		}
	}
	if !found {
		t.Fatalf("service.namespace missing from resource: %v", got.Attributes())
	}
}

func TestSetupOTel_ExporterError_Propagates_AndGlobalsIntact(t *testing.T) {
	preserveOTelGlobals(t)

	orig := newOTLPExporterFn
	t.Cleanup(func() { newOTLPExporterFn = orig })
	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("boom-exporter")
	}

	prevTP := otel.GetTracerProvider()
	if _, err := SetupOTel(context.Background(), enabled("svc"), "v0"); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
}

func TestSetupOTel_ResourceError_Propagates(t *testing.T) {
	preserveOTelGlobals(t)

	orig := newServiceResourceFn
	t.Cleanup(func() { newServiceResourceFn = orig })
	newServiceResourceFn = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		return nil, errors.New("boom-resource")
	}

	prevTP := otel.GetTracerProvider()
	if _, err := SetupOTel(context.Background(), enabled("svc"), "v0"); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
}

func TestShutdown_IsCallable(t *testing.T) {
	preserveOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), enabled("svc-shutdown"), "v1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestSampler(t *testing.T) {
	cases := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tc := range cases {
		if got := Sampler(tc.ratio).Description(); !strings.HasPrefix(got, "ParentBased{root:"+tc.want) {
			t.Fatalf("Sampler(%v) = %q; want root %q", tc.ratio, got, tc.want)
		}
	}
}
