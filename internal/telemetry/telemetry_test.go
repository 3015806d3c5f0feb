package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, tel.Enabled())

	// no-op instruments accept records without panicking
	tel.Metrics().RecordLoginStarted(context.Background())
	tel.Metrics().RecordCallback(context.Background(), "success", 200)
	tel.Metrics().RecordExchange(context.Background(), time.Millisecond, "ok")

	_, err = tel.Snapshot(context.Background())
	assert.Error(t, err)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	tel, err := New(ctx, Config{Enabled: true, ServiceName: "clowdbot-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	require.True(t, tel.Enabled())

	m := tel.Metrics()
	m.RecordLoginStarted(ctx)
	m.RecordLoginStarted(ctx)
	m.RecordCallback(ctx, "success", 200)
	m.RecordCallback(ctx, "state_mismatch", 400)
	m.RecordExchange(ctx, 12*time.Millisecond, "ok")
	m.RecordRateLimitExceeded(ctx, "/auth/login")
	require.NoError(t, m.RegisterSessionCount(func(context.Context) (int64, error) { return 3, nil }))

	snap, err := tel.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2.0, snap[MetricLoginStarted])
	assert.Equal(t, 1.0, snap[MetricCallbackCompleted+"{clowdbot.outcome=success,http.status_code=200}"])
	assert.Equal(t, 1.0, snap[MetricCallbackCompleted+"{clowdbot.outcome=state_mismatch,http.status_code=400}"])
	assert.Equal(t, 1.0, snap[MetricExchangeDuration+".count{clowdbot.exchange.result=ok}"])
	assert.Equal(t, 1.0, snap[MetricRateLimitExceeded+"{http.endpoint=/auth/login}"])
	assert.Equal(t, 3.0, snap[MetricSessions])
}

func TestSnapshot_GaugeCallbackError(t *testing.T) {
	ctx := context.Background()
	tel, err := New(ctx, Config{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	require.NoError(t, tel.Metrics().RegisterSessionCount(func(context.Context) (int64, error) {
		return 0, errors.New("store unavailable")
	}))
	tel.Metrics().RecordLoginStarted(ctx)

	_, err = tel.Snapshot(ctx)
	assert.Error(t, err)
}

func TestStartSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tel := NewNoop()
	tel, err := NewWithProviders(tel.MeterProvider(), tp)
	require.NoError(t, err)

	_, span := tel.StartSpan(context.Background(), "token_exchange", attribute.String(AttrStage, "exchanging"))
	RecordError(span, errors.New("boom"))
	span.End()

	_, okSpan := tel.StartSpan(context.Background(), "callback")
	SetSpanSuccess(okSpan)
	okSpan.End()

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "token_exchange", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.String(AttrStage, "exchanging"))
	assert.Equal(t, codes.Ok, ended[1].Status().Code)

	RecordError(nil, errors.New("ignored"))
	SetSpanSuccess(nil)
}
