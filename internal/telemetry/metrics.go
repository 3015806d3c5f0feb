package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys. Never attach tokens, codes or secrets.
const (
	AttrOutcome  = "clowdbot.outcome"
	AttrStage    = "clowdbot.stage"
	AttrResult   = "clowdbot.exchange.result"
	AttrStatus   = "http.status_code"
	AttrEndpoint = "http.endpoint"
)

// Metric names
const (
	MetricLoginStarted      = "clowdbot.login.started"
	MetricCallbackCompleted = "clowdbot.callback.completed"
	MetricExchangeDuration  = "clowdbot.token_exchange.duration"
	MetricRateLimitExceeded = "clowdbot.rate_limit.exceeded"
	MetricSessions          = "clowdbot.sessions"
)

// Metrics holds the instruments for the login flow
type Metrics struct {
	meter metric.Meter

	LoginStarted      metric.Int64Counter
	CallbackCompleted metric.Int64Counter
	ExchangeDuration  metric.Float64Histogram
	RateLimitExceeded metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error
	m.LoginStarted, err = meter.Int64Counter(MetricLoginStarted,
		metric.WithDescription("Number of login redirects issued"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s counter: %w", MetricLoginStarted, err)
	}

	m.CallbackCompleted, err = meter.Int64Counter(MetricCallbackCompleted,
		metric.WithDescription("Number of provider callbacks handled, by outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s counter: %w", MetricCallbackCompleted, err)
	}

	m.ExchangeDuration, err = meter.Float64Histogram(MetricExchangeDuration,
		metric.WithDescription("Duration of authorization code exchanges in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s histogram: %w", MetricExchangeDuration, err)
	}

	m.RateLimitExceeded, err = meter.Int64Counter(MetricRateLimitExceeded,
		metric.WithDescription("Number of requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s counter: %w", MetricRateLimitExceeded, err)
	}

	return m, nil
}

// RecordLoginStarted counts a login redirect
func (m *Metrics) RecordLoginStarted(ctx context.Context) {
	m.LoginStarted.Add(ctx, 1)
}

// RecordCallback counts a finished callback. Outcome is "success" or an
// error kind.
func (m *Metrics) RecordCallback(ctx context.Context, outcome string, status int) {
	m.CallbackCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOutcome, outcome),
		attribute.Int(AttrStatus, status),
	))
}

// RecordExchange records how long a code exchange took
func (m *Metrics) RecordExchange(ctx context.Context, d time.Duration, result string) {
	m.ExchangeDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String(AttrResult, result),
	))
}

// RecordRateLimitExceeded counts a rejected request
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrEndpoint, endpoint),
	))
}

// RegisterSessionCount reports the number of stored sessions as a gauge.
func (m *Metrics) RegisterSessionCount(count func(ctx context.Context) (int64, error)) error {
	_, err := m.meter.Int64ObservableGauge(MetricSessions,
		metric.WithDescription("Number of sessions held in memory"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := count(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s gauge: %w", MetricSessions, err)
	}
	return nil
}

func seriesName(name string, attrs attribute.Set) string {
	if attrs.Len() == 0 {
		return name
	}
	parts := make([]string, 0, attrs.Len())
	iter := attrs.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}
