package planner

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics records planner telemetry.
type Metrics struct {
	conflictsTotal metric.Int64Counter
}

// NewMetrics builds the Metrics instruments under meter.
func NewMetrics(meter metric.Meter, prefix string) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.conflictsTotal, err = meter.Int64Counter(
		prefix+".analyze.conflicts",
		metric.WithDescription("Conflicting relative paths found across module lowerdirs"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordConflicts(ctx context.Context, count int64) {
	m.conflictsTotal.Add(ctx, count)
}
