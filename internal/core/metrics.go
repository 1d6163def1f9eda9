package core

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type slotMetrics struct {
	reserveCount    metric.Int64Counter
	reserveDuration metric.Int64Histogram
	keepCount       metric.Int64Counter
	keepDuration    metric.Int64Histogram
	doubleClaims    metric.Int64Counter
	reclaimed       metric.Int64Counter
}

func newSlotMetrics(logger pslog.Logger) *slotMetrics {
	meter := otel.Meter("pkt.systems/handd/core")
	m := &slotMetrics{}
	var err error

	m.reserveCount, err = meter.Int64Counter(
		"handd.reserve",
		metric.WithDescription("Slot reservation attempts"),
	)
	logMetricInitError(logger, "handd.reserve", err)

	m.reserveDuration, err = meter.Int64Histogram(
		"handd.reserve.duration_ms",
		metric.WithDescription("Slot reservation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "handd.reserve.duration_ms", err)

	m.keepCount, err = meter.Int64Counter(
		"handd.keep",
		metric.WithDescription("Token-gated renew and release operations"),
	)
	logMetricInitError(logger, "handd.keep", err)

	m.keepDuration, err = meter.Int64Histogram(
		"handd.keep.duration_ms",
		metric.WithDescription("Renew and release duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "handd.keep.duration_ms", err)

	m.doubleClaims, err = meter.Int64Counter(
		"handd.reserve.double_claim",
		metric.WithDescription("Claims lost to a concurrent reserver (VerifyClaims only)"),
	)
	logMetricInitError(logger, "handd.reserve.double_claim", err)

	m.reclaimed, err = meter.Int64Counter(
		"handd.sweep.reclaimed",
		metric.WithDescription("Slots reclaimed by the staleness sweeper"),
	)
	logMetricInitError(logger, "handd.sweep.reclaimed", err)

	return m
}

func (m *slotMetrics) recordReserve(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("handd.result", resultLabel(err)))
	if m.reserveCount != nil {
		m.reserveCount.Add(ctx, 1, attrs)
	}
	if m.reserveDuration != nil {
		m.reserveDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *slotMetrics) recordKeep(ctx context.Context, action Action, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("handd.action", action.String()),
		attribute.String("handd.result", resultLabel(err)),
	)
	if m.keepCount != nil {
		m.keepCount.Add(ctx, 1, attrs)
	}
	if m.keepDuration != nil {
		m.keepDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *slotMetrics) recordDoubleClaim(ctx context.Context) {
	if m == nil || m.doubleClaims == nil {
		return
	}
	m.doubleClaims.Add(ctx, 1)
}

func (m *slotMetrics) recordReclaim(ctx context.Context, orphan bool) {
	if m == nil || m.reclaimed == nil {
		return
	}
	m.reclaimed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("handd.orphan", orphan)))
}

// resultLabel is the failure code, "success", or "error" for foreign errors.
func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	var failure Failure
	if errors.As(err, &failure) {
		return failure.Code
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
