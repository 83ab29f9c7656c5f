package umount

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueueDeduplicates(t *testing.T) {
	s := New(true)
	s.Enqueue("/system/lib/libfoo.so")
	s.Enqueue("/system/lib/libfoo.so")
	s.Enqueue("/system/lib/libbar.so")

	require.ElementsMatch(t, []string{"/system/lib/libfoo.so", "/system/lib/libbar.so"}, s.Pending())
}

func TestEnqueueNoopWhenDisabled(t *testing.T) {
	s := New(false)
	s.Enqueue("/system/lib/libfoo.so")
	require.Empty(t, s.Pending())
}

func TestCommitDrainsQueueRegardlessOfDriverOutcome(t *testing.T) {
	s := New(true)
	s.Enqueue("/vendor/lib/libx.so")
	require.Len(t, s.Pending(), 1)

	s.Commit(slog.Default())
	require.Empty(t, s.Pending(), "Commit always drains the queue even when the driver capability is unavailable")
}

func TestCommitNoopWhenDisabled(t *testing.T) {
	s := New(false)
	s.Commit(nil)
}

func TestCommitEmptyQueueIsNoop(t *testing.T) {
	s := New(true)
	s.Commit(slog.Default())
	require.Empty(t, s.Pending())
}

func TestDriverAvailableReflectsSysfsProbe(t *testing.T) {
	// No assumption about the host running tests as a real device; just
	// confirm the probe doesn't panic and returns a plain bool.
	_ = DriverAvailable()
}
