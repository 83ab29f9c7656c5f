// Command hybridmountd performs one boot-time pass through the hybrid
// mount engine (Inventory → Storage → Sync → Planner → OverlayMounter
// ⇄ MagicMounter → UmountScheduler → RuntimeState), wrapped by Snapshot
// and Recovery, then serves a read-only status surface for the rest of
// the process's lifetime. Mirrors the teacher's cmd/api/main.go boot
// sequence shape (config/otel init, graceful-degradation logging,
// signal-driven shutdown) adapted from a long-lived API server to a
// one-shot boot binary that keeps a small status server up afterward.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/hybridmount/mountd/internal/config"
	"github.com/hybridmount/mountd/internal/engine"
	"github.com/hybridmount/mountd/internal/logx"
	"github.com/hybridmount/mountd/internal/magicmount"
	"github.com/hybridmount/mountd/internal/module"
	"github.com/hybridmount/mountd/internal/otelinit"
	"github.com/hybridmount/mountd/internal/paths"
	"github.com/hybridmount/mountd/internal/planner"
	"github.com/hybridmount/mountd/internal/runtimestate"
	"github.com/hybridmount/mountd/internal/snapshot"
	"github.com/hybridmount/mountd/internal/statusapi"
	"github.com/hybridmount/mountd/internal/storage"
	"github.com/hybridmount/mountd/internal/sync"
)

func main() {
	if err := run(); err != nil {
		slog.Error("hybridmountd terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("hybridmountd exiting normally")
}

func run() error {
	baseDir := flag.String("base", "/data/adb/meta-hybrid", "meta-hybrid's own data directory")
	moduleDir := flag.String("moduledir", "", "override modules metadata directory (default: config.toml's moduledir)")
	envFile := flag.String("envfile", "", "optional .env overlay for process-level config overrides")
	noServe := flag.Bool("no-serve", false, "exit immediately after the boot pass instead of serving the status API")
	flag.Parse()

	p := paths.New(*baseDir, defaultModuleRoot(*moduleDir))

	cfg, err := config.LoadWithEnvOverlay(p.ConfigFile(), *envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *moduleDir != "" {
		cfg.ModuleDir = *moduleDir
	}
	p = paths.New(*baseDir, cfg.ModuleDir)

	otelCfg := otelinit.Config{
		Enabled:     os.Getenv("HYBRIDMOUNT_OTEL_ENABLED") == "1",
		Endpoint:    os.Getenv("HYBRIDMOUNT_OTEL_ENDPOINT"),
		Insecure:    os.Getenv("HYBRIDMOUNT_OTEL_INSECURE") == "1",
		ServiceName: "hybridmountd",
		Version:     "dev",
	}
	provider, err := otelinit.Init(context.Background(), otelCfg)
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
		provider, _ = otelinit.Init(context.Background(), otelinit.Config{ServiceName: "hybridmountd"})
	}
	defer func() {
		if provider.Shutdown == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}()

	logCfg := logx.NewConfigFromEnv()
	base := logx.NewBase(logCfg)
	if provider.LogHandler != nil {
		base = provider.LogHandler
	}
	logger := logx.NewLogger(base, p.ModuleLogFile)
	slog.SetDefault(logger)

	componentMetrics, metricsErr := buildComponentMetrics(provider.Meter)
	if metricsErr != nil {
		logger.Warn("failed to build component metrics, continuing without them", "error", metricsErr)
		componentMetrics = engine.ComponentMetrics{}
	}

	snapMgr := snapshot.New(p.BackupsDir(), p.ConfigFile(), p.StateFile(), p.ModuleRoot())

	recoveryStatus := snapMgr.EnsureRecoveryState(p.BootCounterFile(), p.RescueNoticeFile(), logger)
	if recoveryStatus == snapshot.RecoveryRestored {
		logger.Warn("bootloop recovery executed, reloading config from restored snapshot")
		if reloaded, err := config.Load(p.ConfigFile()); err == nil {
			cfg = reloaded
			p = paths.New(*baseDir, cfg.ModuleDir)
		}
	}

	if _, err := snapMgr.Create(cfg, "boot", "pre-mount snapshot"); err != nil {
		logger.Warn("failed to create pre-mount snapshot", "error", err)
	}

	ctrl := engine.New(cfg, p, logger, provider.Tracer, componentMetrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, runErr := ctrl.Run(ctx)
	if runErr != nil {
		logger.Error("boot pipeline failed", "error", runErr, "state", ctrl.State())
		otelinit.FlushNow(provider)
		return runErr
	}

	snapshot.ResetRecoveryState(p.BootCounterFile(), logger)
	logger.Info("boot complete",
		"overlay_modules", len(result.OverlayModuleIDs),
		"magic_modules", len(result.MagicModuleIDs))

	if *noServe {
		return nil
	}

	return serveStatus(ctx, p, cfg, ctrl, logger)
}

// serveStatus assembles the post-boot Snapshot and blocks serving the
// status API until ctx is cancelled (SIGINT/SIGTERM), matching
// SPEC_FULL.md §1's "small read-only HTTP status surface... for the
// lifetime of the process".
func serveStatus(ctx context.Context, p *paths.Paths, cfg config.Config, ctrl *engine.Controller, logger *slog.Logger) error {
	state, err := runtimestate.Load(p.StateFile())
	if err != nil {
		logger.Warn("failed to reload runtime state for status API", "error", err)
		state = &runtimestate.State{}
	}

	snap := statusapi.Snapshot{
		State:       state,
		Modules:     ctrl.Modules(),
		Diagnostics: ctrl.Report(),
	}
	srv := statusapi.New(snap, cfg.StatusAPIJWTSecret, "hybridmountd", logger)

	addr := cfg.StatusAPIAddr
	if addr == "" {
		addr = "127.0.0.1:8086"
	}

	httpServer := newHTTPServer(addr, srv.Router())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("status API listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down status API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err.Error() != "http: Server closed" {
			return fmt.Errorf("status API: %w", err)
		}
		return nil
	}
}

func defaultModuleRoot(override string) string {
	if override != "" {
		return override
	}
	return "/data/adb/modules"
}

// buildComponentMetrics wires every sub-package's own metrics.go
// constructor under meter, following the teacher's per-package Metrics
// instantiation convention (cmd/api/main.go's guest.NewMetrics/vmm.NewMetrics
// calls during startup).
func buildComponentMetrics(meter metric.Meter) (engine.ComponentMetrics, error) {
	var m engine.ComponentMetrics
	var err error

	if m.Module, err = module.NewMetrics(meter, "hybridmount.module"); err != nil {
		return m, err
	}
	if m.Storage, err = storage.NewMetrics(meter, "hybridmount.storage"); err != nil {
		return m, err
	}
	if m.Sync, err = sync.NewMetrics(meter, "hybridmount.sync"); err != nil {
		return m, err
	}
	if m.Planner, err = planner.NewMetrics(meter, "hybridmount.planner"); err != nil {
		return m, err
	}
	if m.MagicMount, err = magicmount.NewMetrics(meter, "hybridmount.magicmount"); err != nil {
		return m, err
	}
	if m.Boot, err = engine.NewMetrics(meter); err != nil {
		return m, err
	}
	return m, nil
}
