package sync

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics records module-sync telemetry.
type Metrics struct {
	syncDuration metric.Float64Histogram
	prunedCount  metric.Int64Counter
	syncedCount  metric.Int64Counter
}

// NewMetrics builds the Metrics instruments under meter.
func NewMetrics(meter metric.Meter, prefix string) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.syncDuration, err = meter.Float64Histogram(
		prefix+".sync.duration",
		metric.WithDescription("Time to sync all module content into the storage backend"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.prunedCount, err = meter.Int64Counter(
		prefix+".sync.pruned",
		metric.WithDescription("Orphaned synced module directories removed"),
	)
	if err != nil {
		return nil, err
	}

	m.syncedCount, err = meter.Int64Counter(
		prefix+".sync.synced",
		metric.WithDescription("Modules whose content was (re)synced"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordSync(ctx context.Context, seconds float64, synced, pruned int64) {
	m.syncDuration.Record(ctx, seconds)
	m.syncedCount.Add(ctx, synced)
	m.prunedCount.Add(ctx, pruned)
}
