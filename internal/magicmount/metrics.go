package magicmount

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics records magic-mount realization telemetry.
type Metrics struct {
	mountDuration metric.Float64Histogram
	nodesMounted  metric.Int64Counter
	tmpfsCreated  metric.Int64Counter
}

// NewMetrics builds the Metrics instruments under meter.
func NewMetrics(meter metric.Meter, prefix string) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.mountDuration, err = meter.Float64Histogram(
		prefix+".mount.duration",
		metric.WithDescription("Time to realize the magic-mount tree"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.nodesMounted, err = meter.Int64Counter(
		prefix+".nodes",
		metric.WithDescription("Nodes realized (bind-mounted, symlinked, or mirrored) by magic mount"),
	)
	if err != nil {
		return nil, err
	}

	m.tmpfsCreated, err = meter.Int64Counter(
		prefix+".tmpfs",
		metric.WithDescription("tmpfs workspaces created to satisfy a directory-level conflict"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordMount(ctx context.Context, seconds float64, nodes, tmpfsCount int64) {
	m.mountDuration.Record(ctx, seconds)
	m.nodesMounted.Add(ctx, nodes)
	m.tmpfsCreated.Add(ctx, tmpfsCount)
}
