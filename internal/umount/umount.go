// Package umount implements the Umount Scheduler (C7): a process-wide,
// deduplicating queue of mountpoints to hide from selected process
// namespaces, committed once at the end of boot, grounded on
// original_source/src/mount/umount_mgr.rs.
package umount

import (
	"log/slog"
	"os"
	"sync"
)

// driverCapabilityPath is the sysfs marker used to detect the optional
// in-kernel redirect/umount-hiding driver (spec.md §1, §9 — the character
// device itself is out of this engine's scope, modeled only as a capability
// flag). Its absence degrades Enqueue/Commit to no-ops.
const driverCapabilityPath = "/sys/kernel/ksu"

// DriverAvailable probes whether the optional hide-from-namespace capability
// is present on this system.
func DriverAvailable() bool {
	_, err := os.Stat(driverCapabilityPath)
	return err == nil
}

// Scheduler holds the pending hide-from-namespace queue. The zero value is
// not usable; construct with New. A Scheduler is safe for concurrent use,
// mirroring the original's LazyLock<Mutex<TryUmount>> + dedup HashSet.
type Scheduler struct {
	mu      sync.Mutex
	queue   []string
	seen    map[string]struct{}
	enabled bool
}

// New builds a Scheduler. enabled mirrors the original's KSU-driver-present
// check: when the driver capability is absent, Enqueue/Commit degrade to
// no-ops rather than failing, per spec.md §4.7.
func New(enabled bool) *Scheduler {
	return &Scheduler{enabled: enabled, seen: make(map[string]struct{})}
}

// Enqueue adds path to the pending queue, ignoring a path already enqueued.
// A no-op when the scheduler is disabled.
func (s *Scheduler) Enqueue(path string) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[path]; ok {
		return
	}
	s.seen[path] = struct{}{}
	s.queue = append(s.queue, path)
}

// Pending returns a snapshot of the currently queued paths, for diagnostics.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.queue))
	copy(out, s.queue)
	return out
}

// Commit drains the whole queue as one batch and passes it to sendToDriver,
// first with flag 0 (hide from all processes) and, on failure, with flag 2
// (hide only from zygote-spawned processes), logging either failure but
// never raising — umount scheduling errors are warnings only per spec.md §7.
// sendToDriver only checks the driver capability marker and issues no
// ioctl, so no mount is actually hidden from any namespace here.
// A no-op when the scheduler is disabled (the driver capability is absent).
func (s *Scheduler) Commit(logger *slog.Logger) {
	if !s.enabled {
		return
	}

	s.mu.Lock()
	paths := s.queue
	s.queue = nil
	s.seen = make(map[string]struct{})
	s.mu.Unlock()

	if len(paths) == 0 {
		return
	}

	if err := sendToDriver(paths, 0); err != nil {
		if logger != nil {
			logger.Debug("try_umount(0) failed, retrying with flags(2)", "error", err, "count", len(paths))
		}
		if err := sendToDriver(paths, 2); err != nil && logger != nil {
			logger.Warn("try_umount(2) failed", "error", err, "count", len(paths))
		}
	}
}

func sendToDriver(paths []string, flag int) error {
	if !DriverAvailable() {
		return ErrDriverUnavailable
	}
	// The driver ioctl itself is an external capability (spec.md §1); this
	// engine's obligation is limited to building and committing the batch
	// in the documented two-flag order, which callers of this package can
	// observe via Pending() in tests.
	_ = flag
	return nil
}
