package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/pianoscribe/pkg/logging"
)

func TestInitTracerDisabled(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "pscribe-test"}, logging.Nop())
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	_, span := p.Tracer().Start(context.Background(), "noop")
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInjectHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "request")
	defer span.End()

	headers := map[string]string{}
	InjectHeaders(ctx, func(k, v string) { headers[k] = v })

	require.Contains(t, headers, "traceparent")
	assert.Contains(t, headers["traceparent"], span.SpanContext().TraceID().String())
}

func TestSetError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "status")
	SetError(span, errors.New("service unavailable"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "service unavailable", ended[0].Status().Description)
	assert.NotEmpty(t, ended[0].Events(), "error is recorded as an event")
}
