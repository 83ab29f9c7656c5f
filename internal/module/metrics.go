package module

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// Metrics records inventory-scan telemetry, following the teacher's
// per-package Metrics constructor/RegisterCallback convention
// (lib/images/metrics.go).
type Metrics struct {
	scanDuration   metric.Float64Histogram
	modulesSkipped metric.Int64Counter

	enabledCount atomic.Int64
}

// NewMetrics builds the Metrics instruments under meter, using prefix as the
// instrument name namespace (e.g. "hybridmount.module").
func NewMetrics(meter metric.Meter, prefix string) (*Metrics, error) {
	m := &Metrics{}

	var err error
	m.scanDuration, err = meter.Float64Histogram(
		prefix+".scan.duration",
		metric.WithDescription("Time to scan and resolve the module inventory"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.modulesSkipped, err = meter.Int64Counter(
		prefix+".scan.skipped",
		metric.WithDescription("Modules skipped during inventory scan (disabled/removed/reserved)"),
	)
	if err != nil {
		return nil, err
	}

	gauge, err := meter.Int64ObservableGauge(
		prefix+".modules.enabled",
		metric.WithDescription("Modules currently enabled for mounting"),
	)
	if err != nil {
		return nil, err
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, m.enabledCount.Load())
		return nil
	}, gauge); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordScan(ctx context.Context, durationSeconds float64, enabled, skipped int64) {
	m.scanDuration.Record(ctx, durationSeconds)
	m.modulesSkipped.Add(ctx, skipped)
	m.enabledCount.Store(enabled)
}
