package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	shutdown, err := Init(context.Background(), Config{
		Enabled:     true,
		ServiceName: "catalog-sync-test",
		Version:     "test",
	}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "catalog.sync_cycle")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "catalog.sync_cycle", ended[0].Name())
	require.Equal(t, TracerName, ended[0].InstrumentationScope().Name)

	var service string
	for _, kv := range ended[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	require.Equal(t, "catalog-sync-test", service)
}
