// Package engine implements the Controller (C8): a type-state machine
// driving Inventory, Storage, Sync, Planner, the Overlay Mounter, the
// Magic Mounter, and the Umount Scheduler in a fixed order, owning the
// boot-time lifecycle end to end. Grounded on
// original_source/src/core/manager.rs (MountController<S>, the
// StorageReady/ModulesReady/Planned/Executed state chain) and the
// teacher's instances.State/ValidTransitions pattern
// (lib/instances/state.go) for the runtime-checked state machine itself.
package engine

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/trace"

	"github.com/hybridmount/mountd/internal/config"
	"github.com/hybridmount/mountd/internal/magicmount"
	"github.com/hybridmount/mountd/internal/module"
	"github.com/hybridmount/mountd/internal/overlaymount"
	"github.com/hybridmount/mountd/internal/paths"
	"github.com/hybridmount/mountd/internal/planner"
	"github.com/hybridmount/mountd/internal/runtimestate"
	"github.com/hybridmount/mountd/internal/storage"
	"github.com/hybridmount/mountd/internal/sync"
	"github.com/hybridmount/mountd/internal/umount"
	"github.com/hybridmount/mountd/internal/xerrors"
)

// ComponentMetrics bundles every sub-package's own metrics.go instruments,
// so callers wire up telemetry in one place (cmd/hybridmountd/main.go).
type ComponentMetrics struct {
	Module      *module.Metrics
	Storage     *storage.Metrics
	Sync        *sync.Metrics
	Planner     *planner.Metrics
	MagicMount  *magicmount.Metrics
	Boot        *Metrics
}

// ExecutionResult is the outcome of the Execute transition: the module ids
// that actually ended up mounted through each strategy, after any
// overlay-to-magic strategy fallback.
type ExecutionResult struct {
	OverlayModuleIDs []string
	MagicModuleIDs   []string
	Touched          []string
}

// Controller owns the StorageHandle, the MountPlan, and the
// ExecutionResult in sequence, matching spec.md §4's ownership rules. Module
// records are read-only after ScanAndSync.
type Controller struct {
	cfg    config.Config
	paths  *paths.Paths
	logger *slog.Logger
	tracer trace.Tracer
	m      ComponentMetrics

	state State

	modules []module.Module
	handle  *storage.Handle
	plan    *planner.Plan
	report  *planner.AnalysisReport
	result  ExecutionResult

	umountScheduler *umount.Scheduler
}

// New builds a Controller in StateInit. logger and tracer may be nil
// (a no-op tracer is substituted); m's fields may be individually nil.
func New(cfg config.Config, p *paths.Paths, logger *slog.Logger, tracer trace.Tracer, m ComponentMetrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("engine")
	}
	return &Controller{
		cfg:             cfg,
		paths:           p,
		logger:          logger,
		tracer:          tracer,
		m:               m,
		state:           StateInit,
		umountScheduler: umount.New(effectiveUmountEnabled(cfg)),
	}
}

// effectiveUmountEnabled applies spec.md §6's environment override: a
// detected zygisksu denylist-enforce marker forces disable_umount unless
// the operator explicitly opted into coexistence.
func effectiveUmountEnabled(cfg config.Config) bool {
	if cfg.DisableUmount {
		return false
	}
	if cfg.AllowUmountCoexist {
		return true
	}
	return !zygiskDenylistEnforced()
}

func zygiskDenylistEnforced() bool {
	data, err := readFileQuiet("/data/adb/zygisksu/denylist_enforce")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) != "0"
}

// State returns the Controller's current lifecycle state.
func (c *Controller) State() State { return c.state }

// Modules returns the Inventory snapshot from ScanAndSync, for callers
// (the status surface) that need to report it after a completed boot.
func (c *Controller) Modules() []module.Module { return c.modules }

// Report returns the diagnostic/conflict analysis produced by
// GeneratePlan, or nil before that transition has run.
func (c *Controller) Report() *planner.AnalysisReport { return c.report }

// Result returns the last Execute outcome.
func (c *Controller) Result() ExecutionResult { return c.result }

// StorageHandle returns the provisioned storage backend, or nil before
// InitStorage has run.
func (c *Controller) StorageHandle() *storage.Handle { return c.handle }

func (c *Controller) transition(from, to State) error {
	if err := from.CanTransitionTo(to); err != nil {
		return err
	}
	c.state = to
	return nil
}

// InitStorage provisions the storage backend (C2). Storage setup failure
// is fatal for the boot per spec.md §7.
func (c *Controller) InitStorage(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "storage")
	defer span.End()

	start := time.Now()
	handle, err := storage.Setup(ctx, c.paths, c.cfg, c.m.Storage)
	if err != nil {
		return xerrors.New(xerrors.KindMount, "engine.InitStorage", err)
	}
	c.handle = handle

	if c.m.Boot != nil {
		c.m.Boot.recordStorageSetup(ctx, time.Since(start).Seconds())
	}
	c.logger.Info("storage ready", "phase", "storage", "mode", handle.Mode, "backing_image_size", backingImageSizeHuman(handle.BackingImage))
	return c.transition(StateInit, StateStorageReady)
}

// ScanAndSync discovers modules (C1) and syncs their content into the
// storage backend (C3), committing an erofs-staging handle before any
// mounting proceeds.
func (c *Controller) ScanAndSync(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "sync")
	defer span.End()

	modules, err := module.Scan(ctx, c.cfg, c.m.Module)
	if err != nil {
		return xerrors.New(xerrors.KindIO, "engine.ScanAndSync", err)
	}
	c.modules = modules

	if err := sync.Perform(ctx, modules, c.paths.StorageMount(), c.m.Sync); err != nil {
		return xerrors.New(xerrors.KindIO, "engine.ScanAndSync", err)
	}

	if c.handle != nil && c.handle.Mode == storage.ModeErofsStaging {
		if err := c.handle.Commit(ctx, c.m.Storage); err != nil {
			return xerrors.New(xerrors.KindMount, "engine.ScanAndSync", err)
		}
	}

	if c.m.Boot != nil {
		c.m.Boot.recordSync(ctx, int64(len(modules)))
	}
	c.logger.Info("modules synced", "phase", "sync", "count", len(modules))
	return c.transition(StateStorageReady, StateModulesReady)
}

// GeneratePlan computes the mount plan (C4) and runs diagnostic analysis
// over it, attaching conflict/diagnostic counts as span attributes.
func (c *Controller) GeneratePlan(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "plan")
	defer span.End()

	plan, err := planner.Generate(c.cfg, c.modules, c.paths)
	if err != nil {
		return xerrors.New(xerrors.KindInvariant, "engine.GeneratePlan", err)
	}
	c.plan = plan

	report, err := planner.Analyze(ctx, plan, c.m.Planner)
	if err != nil {
		return xerrors.New(xerrors.KindInvariant, "engine.GeneratePlan", err)
	}
	c.report = report

	c.logger.Info("plan generated", "phase", "plan",
		"overlay_ops", len(plan.OverlayOps), "conflicts", len(report.Conflicts))
	return c.transition(StateModulesReady, StatePlanned)
}

// Execute realizes the plan (C5 for every OverlayOperation, then C6 for
// magic-marked modules and for modules whose overlay attempt failed).
// OverlayFS failure for one partition is contained: that partition's
// modules are requeued into the magic queue (spec.md §7 strategy
// fallback).
func (c *Controller) Execute(ctx context.Context) (ExecutionResult, error) {
	ctx, span := c.tracer.Start(ctx, "execute")
	defer span.End()

	ops := append([]planner.OverlayOperation{}, c.plan.OverlayOps...)
	sort.Slice(ops, func(i, j int) bool { return len(ops[i].Target) < len(ops[j].Target) })

	overlayOK := map[string]bool{}
	for _, id := range c.plan.OverlayModuleIDs {
		overlayOK[id] = true
	}
	var chunkedOps int64

	for _, op := range ops {
		joined := strings.Join(append(append([]string{}, op.Lowerdirs...), op.Target), ":")
		if len(joined) >= overlaymount.PageLimit {
			chunkedOps++
		}

		opts := overlaymount.Options{
			Upperdir:      c.paths.OverlayUpperDir(op.PartitionName),
			Workdir:       c.paths.OverlayWorkDir(op.PartitionName),
			DisableUmount: c.cfg.DisableUmount,
		}
		if err := overlaymount.MountPartition(op.Target, op.Lowerdirs, opts); err != nil {
			c.logger.Warn("overlay mount failed, falling back to magic mount",
				"phase", "execute", "target", op.Target, "err", err)
			for _, lower := range op.Lowerdirs {
				id := planner.ModuleIDForLowerdir(lower)
				delete(overlayOK, id)
			}
			continue
		}
		c.umountScheduler.Enqueue(op.Target)
	}

	if c.m.Boot != nil {
		c.m.Boot.recordOverlayChunked(ctx, chunkedOps)
	}

	magicIDs := map[string]bool{}
	for _, id := range c.plan.MagicModuleIDs {
		magicIDs[id] = true
	}
	for _, id := range c.plan.OverlayModuleIDs {
		if !overlayOK[id] {
			magicIDs[id] = true
		}
	}

	var contentPaths []string
	for _, mod := range c.modules {
		if magicIDs[mod.ID] {
			contentPaths = append(contentPaths, c.resolveContentPath(mod))
		}
	}

	var touched []string
	if len(contentPaths) > 0 {
		magicOpts := magicmount.Options{
			WorkspaceRoot:   c.paths.MagicWorkspace(),
			ExtraPartitions: c.cfg.Partitions,
			UmountScheduler: c.umountScheduler,
		}
		res, err := magicmount.MagicMount(ctx, contentPaths, magicOpts, c.m.MagicMount)
		if err != nil && err != magicmount.ErrNoContent {
			return ExecutionResult{}, xerrors.New(xerrors.KindMount, "engine.Execute", err)
		}
		if res != nil {
			touched = res.Touched
			if c.m.Boot != nil {
				c.m.Boot.recordMagicNodes(ctx, res.NodesRealized)
			}
		}
	}

	c.result = ExecutionResult{
		OverlayModuleIDs: sortedSet(overlayOK),
		MagicModuleIDs:   sortedSet(magicIDs),
		Touched:          touched,
	}
	c.logger.Info("execute complete", "phase", "execute",
		"overlay_modules", len(c.result.OverlayModuleIDs), "magic_modules", len(c.result.MagicModuleIDs))
	if err := c.transition(StatePlanned, StateExecuted); err != nil {
		return ExecutionResult{}, err
	}
	return c.result, nil
}

// resolveContentPath mirrors planner.Generate's "synced dir, else raw
// source" fallback so magic mount sees the same content overlay mount
// would have.
func (c *Controller) resolveContentPath(mod module.Module) string {
	synced := c.paths.SyncedModuleDir(mod.ID)
	if pathIsDir(synced) {
		return synced
	}
	return mod.SourcePath
}

// Finalize commits the Umount Scheduler's queue, rewrites the engine's own
// module descriptor, and persists RuntimeState. Snapshot/state/descriptor
// errors are warnings only per spec.md §7; they never fail Finalize.
func (c *Controller) Finalize(ctx context.Context) error {
	_, span := c.tracer.Start(ctx, "finalize")
	defer span.End()

	c.umountScheduler.Commit(c.logger)

	description := "active: " + strings.Join(c.result.OverlayModuleIDs, ",") +
		" | magic: " + strings.Join(c.result.MagicModuleIDs, ",")
	if err := module.UpdateDescription(c.paths.ModulePropFile(), description); err != nil {
		c.logger.Warn("failed to update module descriptor", "phase", "finalize", "err", err)
	}

	st := runtimestate.New(
		time.Now(),
		string(c.handle.Mode),
		c.handle.MountPoint,
		c.result.OverlayModuleIDs,
		c.result.MagicModuleIDs,
		c.result.Touched,
		umount.DriverAvailable(),
		true,
	)
	if err := st.Save(c.paths.StateFile()); err != nil {
		c.logger.Warn("failed to persist runtime state", "phase", "finalize", "err", err)
	}

	c.logger.Info("boot finalized", "phase", "finalize")
	return c.transition(StateExecuted, StateFinalized)
}

// Run drives every transition in order, stopping at the first fatal
// error. Storage setup failures abort immediately (spec.md §7); every
// later-stage failure that Execute/Finalize themselves don't contain is
// still surfaced to the caller so main can decide whether the process
// exits non-zero.
func (c *Controller) Run(ctx context.Context) (ExecutionResult, error) {
	ctx, span := c.tracer.Start(ctx, "boot")
	defer span.End()

	if err := c.InitStorage(ctx); err != nil {
		return ExecutionResult{}, err
	}
	if err := c.ScanAndSync(ctx); err != nil {
		return ExecutionResult{}, err
	}
	if err := c.GeneratePlan(ctx); err != nil {
		return ExecutionResult{}, err
	}
	result, err := c.Execute(ctx)
	if err != nil {
		return ExecutionResult{}, err
	}
	if err := c.Finalize(ctx); err != nil {
		return result, err
	}
	return result, nil
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func pathIsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func readFileQuiet(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// backingImageSizeHuman reports the storage backend's loop image size in
// human-readable form ("0 B" for a tmpfs-only handle with no backing image),
// for the boot log line an operator actually reads.
func backingImageSizeHuman(backingImage string) string {
	if backingImage == "" {
		return humanize.Bytes(0)
	}
	info, err := os.Stat(backingImage)
	if err != nil {
		return humanize.Bytes(0)
	}
	return humanize.Bytes(uint64(info.Size()))
}
