package engine

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics records the boot-level telemetry SPEC_FULL.md's tracing/metrics
// section names explicitly, complementing (not replacing) each
// sub-package's own finer-grained metrics.go instruments.
type Metrics struct {
	storageSetupSeconds  metric.Float64Histogram
	syncModulesTotal     metric.Int64Counter
	plannerConflictsTotal metric.Int64Counter
	overlayChunkedTotal  metric.Int64Counter
	magicNodesTotal      metric.Int64Counter
	bootCounter          metric.Int64Counter
}

// NewMetrics builds the Metrics instruments under meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.storageSetupSeconds, err = meter.Float64Histogram(
		"hybridmount_storage_setup_seconds",
		metric.WithDescription("Time to provision the storage backend during boot"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.syncModulesTotal, err = meter.Int64Counter(
		"hybridmount_sync_modules_total",
		metric.WithDescription("Modules (re)synced into the storage backend during boot"),
	); err != nil {
		return nil, err
	}

	if m.plannerConflictsTotal, err = meter.Int64Counter(
		"hybridmount_planner_conflicts_total",
		metric.WithDescription("Conflicting relative paths found across module lowerdirs"),
	); err != nil {
		return nil, err
	}

	if m.overlayChunkedTotal, err = meter.Int64Counter(
		"hybridmount_overlay_chunked_total",
		metric.WithDescription("Overlay operations that required staged/chunked lowerdir mounting"),
	); err != nil {
		return nil, err
	}

	if m.magicNodesTotal, err = meter.Int64Counter(
		"hybridmount_magic_nodes_total",
		metric.WithDescription("Nodes realized by the magic mounter during boot"),
	); err != nil {
		return nil, err
	}

	if m.bootCounter, err = meter.Int64Counter(
		"hybridmount_boot_counter",
		metric.WithDescription("Boot attempts observed by the bootloop-detection counter"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordStorageSetup(ctx context.Context, seconds float64) {
	m.storageSetupSeconds.Record(ctx, seconds)
}

func (m *Metrics) recordSync(ctx context.Context, synced int64) {
	m.syncModulesTotal.Add(ctx, synced)
}

func (m *Metrics) recordConflicts(ctx context.Context, conflicts int64) {
	m.plannerConflictsTotal.Add(ctx, conflicts)
}

func (m *Metrics) recordOverlayChunked(ctx context.Context, chunked int64) {
	m.overlayChunkedTotal.Add(ctx, chunked)
}

func (m *Metrics) recordMagicNodes(ctx context.Context, nodes int64) {
	m.magicNodesTotal.Add(ctx, nodes)
}

func (m *Metrics) recordBootAttempt(ctx context.Context, count int64) {
	m.bootCounter.Add(ctx, count)
}
