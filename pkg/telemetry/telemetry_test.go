package telemetry

import (
	"context"
	"testing"

	"dpifuzz/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/fx/fxtest"
)

func TestFactoryWithoutTelemetry(t *testing.T) {
	factory := NewTracerFactory(TracerFactoryParams{})
	tracer := factory.NewTracer(context.Background(), "fuzz run")
	assert.IsType(t, &DummyTracer{}, tracer)

	// the dummy must absorb every call
	tracer.Start()
	tracer.AddEvent("crash", CrashEventAttributes(0, "TCP"))
	tracer.Spawn("child").End()
	tracer.End()
}

func TestTelemetryTracerRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	tracer := NewTelemetryTracer(context.Background(), provider.Tracer("test"), "fuzz run").
		WithAttributes(EmptySpanAttributes().WithRunID("run-1").WithSeed(42))
	tracer.Start()
	tracer.AddEvent("crash", CrashEventAttributes(3, "UDP 1.1.1.1:1 > 2.2.2.2:2 len=4"))
	tracer.WithAttributes(EmptySpanAttributes().WithExtraAttribute("packets", 10))
	tracer.SetStatus(codes.Error, "target died")
	tracer.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "fuzz run", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Attributes(), attribute.String("dpifuzz.run.id", "run-1"))
	assert.Contains(t, span.Attributes(), attribute.Int64("dpifuzz.mutator.seed", 42))
	assert.Contains(t, span.Attributes(), attribute.Int("packets", 10))
	require.Len(t, span.Events(), 1)
	assert.Contains(t, span.Events()[0].Attributes, attribute.String("dpifuzz.report.index", "3"))
}

func TestMergeKeepsExistingValues(t *testing.T) {
	base := EmptySpanAttributes().WithRunID("a").WithExtraAttribute("k", "v1")
	base.Merge(EmptySpanAttributes().WithRunID("b").WithSeed(7).WithExtraAttribute("k", "v2"))

	attrs := base.Attributes()
	assert.Contains(t, attrs, attribute.String("dpifuzz.run.id", "a"))
	assert.Contains(t, attrs, attribute.Int64("dpifuzz.mutator.seed", 7))
	assert.Contains(t, attrs, attribute.String("k", "v1"))
}

func TestCollectorEndpoint(t *testing.T) {
	cases := []struct {
		raw      string
		address  string
		insecure bool
	}{
		{"collector:4317", "collector:4317", false},
		{"http://collector:4317", "collector:4317", true},
		{"https://otel.example.com:4317", "otel.example.com:4317", false},
		{"http://10.0.0.7:4317/", "10.0.0.7:4317", true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			address, insecure, err := collectorEndpoint(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.address, address)
			assert.Equal(t, tc.insecure, insecure)
		})
	}

	for _, raw := range []string{"http://", "ftp://collector:4317"} {
		_, _, err := collectorEndpoint(raw)
		assert.Error(t, err, raw)
	}
}

func TestNewTelemetry(t *testing.T) {
	tel, err := NewTelemetry(TelemetryParams{Lifecyle: fxtest.NewLifecycle(t), Config: &config.AppConfig{}})
	require.NoError(t, err)
	assert.Nil(t, tel)

	_, err = NewTelemetry(TelemetryParams{
		Lifecyle: fxtest.NewLifecycle(t),
		Config:   &config.AppConfig{OtelEndpoint: "gopher://collector"},
	})
	assert.Error(t, err)

	lc := fxtest.NewLifecycle(t)
	tel, err = NewTelemetry(TelemetryParams{
		Lifecyle: lc,
		Config:   &config.AppConfig{OtelEndpoint: "http://127.0.0.1:4317", ServiceName: "dpifuzz-test"},
	})
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.NotNil(t, tel.GetTracer())
	lc.RequireStart().RequireStop()
}
