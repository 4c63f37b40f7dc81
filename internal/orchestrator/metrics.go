package orchestrator

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"wa-session-server/internal/model"
)

const meterName = "wa-session-server/orchestrator"

type metrics struct {
	transitions   metric.Int64Counter
	liveInstances metric.Int64UpDownCounter
	watchdogFired metric.Int64Counter
	driverErrors  metric.Int64Counter
}

func newMetrics(m metric.Meter) *metrics {
	if m == nil {
		m = otel.Meter(meterName)
	}
	out, err := buildMetrics(m)
	if err != nil {
		log.Printf("orchestrator: metrics disabled: %v", err)
		out, _ = buildMetrics(noop.NewMeterProvider().Meter(meterName))
	}
	return out
}

func buildMetrics(m metric.Meter) (*metrics, error) {
	var (
		out metrics
		err error
	)
	if out.transitions, err = m.Int64Counter("session.transitions",
		metric.WithDescription("Session state transitions")); err != nil {
		return nil, err
	}
	if out.liveInstances, err = m.Int64UpDownCounter("session.live_instances",
		metric.WithDescription("Live driver instances")); err != nil {
		return nil, err
	}
	if out.watchdogFired, err = m.Int64Counter("session.watchdog_fired",
		metric.WithDescription("Initializations abandoned by the watchdog")); err != nil {
		return nil, err
	}
	if out.driverErrors, err = m.Int64Counter("session.driver.errors",
		metric.WithDescription("Failed driver calls")); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *metrics) transition(from, to model.Status, kind EventKind) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("event", string(kind)),
	))
	if kind == EvWatchdogFired {
		m.watchdogFired.Add(context.Background(), 1)
	}
}

func (m *metrics) instanceDelta(n int64) {
	m.liveInstances.Add(context.Background(), n)
}

func (m *metrics) driverError(op string) {
	m.driverErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}
