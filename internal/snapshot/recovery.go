package snapshot

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hybridmount/mountd/internal/xerrors"
)

// bootloopThreshold is the consecutive-failed-boot count that triggers an
// automatic rollback, matching granary.rs's hardcoded threshold of 3.
const bootloopThreshold = 3

// RecoveryStatus reports what EnsureRecoveryState did.
type RecoveryStatus int

const (
	// RecoveryStandby means the boot counter was incremented but stayed
	// below threshold; boot proceeds normally.
	RecoveryStandby RecoveryStatus = iota
	// RecoveryRestored means a bootloop was detected and the newest
	// snapshot was restored; the counter was reset.
	RecoveryRestored
)

// EnsureRecoveryState increments the on-disk boot counter under an
// exclusive advisory lock, and when it reaches bootloopThreshold, attempts
// to restore the newest snapshot (writing rescueNoticePath on success) or,
// failing that, disables every module as a last resort. Mirrors
// ensure_recovery_state. Counter and recovery errors are logged, never
// raised: recovery is advisory, and a failure here must not prevent boot.
func (m *Manager) EnsureRecoveryState(counterPath, rescueNoticePath string, logger *slog.Logger) RecoveryStatus {
	count, err := incrementBootCounter(counterPath)
	if err != nil {
		if logger != nil {
			logger.Warn("recovery: failed to update boot counter", "error", err)
		}
		return RecoveryStandby
	}

	if logger != nil {
		logger.Info("recovery: boot counter", "count", count)
	}

	if count < bootloopThreshold {
		return RecoveryStandby
	}

	if logger != nil {
		logger.Error("recovery: bootloop detected, executing emergency rollback", "count", count)
	}

	id, err := m.RestoreLatest()
	if err != nil {
		if logger != nil {
			logger.Error("recovery: rollback failed, disabling all modules", "error", err)
		}
		if derr := m.DisableAllModules(); derr != nil && logger != nil {
			logger.Warn("recovery: disable-all-modules also failed", "error", derr)
		}
		_ = os.Remove(counterPath)
		return RecoveryStandby
	}

	_ = os.Remove(counterPath)
	notice := "System recovered from bootloop by restoring snapshot: " + id
	if err := os.WriteFile(rescueNoticePath, []byte(notice), 0o644); err != nil && logger != nil {
		logger.Warn("recovery: failed to write rescue notice", "error", err)
	}
	return RecoveryRestored
}

// ResetRecoveryState deletes the boot counter file after a successful
// finalize, mirroring reset_recovery_state. A missing file is not an error.
func ResetRecoveryState(counterPath string, logger *slog.Logger) {
	if _, err := os.Stat(counterPath); os.IsNotExist(err) {
		return
	}
	if err := os.Remove(counterPath); err != nil && logger != nil {
		logger.Warn("recovery: failed to reset boot counter", "error", err)
	}
}

// incrementBootCounter opens counterPath (creating it if absent), takes an
// exclusive flock for the duration of the read-increment-write-fsync cycle,
// and returns the new count. A garbled or empty counter value is treated as
// zero rather than failing, matching the original's `.unwrap_or(0)`.
func incrementBootCounter(counterPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(counterPath), 0o755); err != nil {
		return 0, xerrors.New(xerrors.KindIO, "snapshot.incrementBootCounter", err)
	}

	f, err := os.OpenFile(counterPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, xerrors.New(xerrors.KindIO, "snapshot.incrementBootCounter", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return 0, xerrors.New(xerrors.KindIO, "snapshot.incrementBootCounter", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	buf := make([]byte, 16)
	n, _ := f.Read(buf)
	count, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		count = 0
	}
	count++

	if err := f.Truncate(0); err != nil {
		return 0, xerrors.New(xerrors.KindIO, "snapshot.incrementBootCounter", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(count)), 0); err != nil {
		return 0, xerrors.New(xerrors.KindIO, "snapshot.incrementBootCounter", err)
	}
	if err := f.Sync(); err != nil {
		return 0, xerrors.New(xerrors.KindIO, "snapshot.incrementBootCounter", err)
	}

	return count, nil
}
