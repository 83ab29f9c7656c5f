package storage

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics records storage-provisioning telemetry.
type Metrics struct {
	setupDuration  metric.Float64Histogram
	fallbackCount  metric.Int64Counter
	commitDuration metric.Float64Histogram
}

// NewMetrics builds the Metrics instruments under meter.
func NewMetrics(meter metric.Meter, prefix string) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.setupDuration, err = meter.Float64Histogram(
		prefix+".setup.duration",
		metric.WithDescription("Time to provision the storage backend"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.fallbackCount, err = meter.Int64Counter(
		prefix+".setup.fallback",
		metric.WithDescription("Times the storage backend fell back to a lower-preference mode"),
	)
	if err != nil {
		return nil, err
	}

	m.commitDuration, err = meter.Float64Histogram(
		prefix+".commit.duration",
		metric.WithDescription("Time to pack and remount an erofs image"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordSetup(ctx context.Context, seconds float64, fellBack bool) {
	m.setupDuration.Record(ctx, seconds)
	if fellBack {
		m.fallbackCount.Add(ctx, 1)
	}
}

func (m *Metrics) recordCommit(ctx context.Context, seconds float64) {
	m.commitDuration.Record(ctx, seconds)
}
