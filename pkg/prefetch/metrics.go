package prefetch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "image-fetcher/prefetch"

// Metrics counts message outcomes. A nil *Metrics records nothing.
type Metrics struct {
	fetched      metric.Int64Counter
	failed       metric.Int64Counter
	deadLettered metric.Int64Counter
}

// NewMetrics creates the counters on mp, or on the global meter provider when mp is nil
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		m   Metrics
		err error
	)
	m.fetched, err = meter.Int64Counter(
		"prefetch.fetched",
		metric.WithDescription("Number of images fetched"),
	)
	if err != nil {
		return nil, err
	}

	m.failed, err = meter.Int64Counter(
		"prefetch.failed",
		metric.WithDescription("Number of repository URIs that could not be fetched"),
	)
	if err != nil {
		return nil, err
	}

	m.deadLettered, err = meter.Int64Counter(
		"prefetch.dead_lettered",
		metric.WithDescription("Number of messages published to the dead-letter destination"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) recordFetched(ctx context.Context) {
	if m == nil {
		return
	}
	m.fetched.Add(ctx, 1)
}

func (m *Metrics) recordFailed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) recordDeadLettered(ctx context.Context, destination string) {
	if m == nil {
		return
	}
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", destination)))
}
