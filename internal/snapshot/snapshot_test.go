package snapshot

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybridmount/mountd/internal/config"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.toml")
	stateFile := filepath.Join(dir, "state.json")
	moduleDir := filepath.Join(dir, "modules")
	require.NoError(t, os.MkdirAll(moduleDir, 0o755))
	require.NoError(t, os.WriteFile(configFile, []byte("moduledir = \"/data/adb/modules\"\n"), 0o644))
	require.NoError(t, os.WriteFile(stateFile, []byte(`{"timestamp":1}`), 0o644))
	return New(filepath.Join(dir, "backups"), configFile, stateFile, moduleDir), dir
}

func TestCreateListOrderedNewestFirst(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := config.Default()

	id1, err := m.Create(cfg, "first", "manual")
	require.NoError(t, err)
	id2, err := m.Create(cfg, "second", "manual")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	snaps, err := m.List()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, id2, snaps[0].ID)
}

func TestPruneKeepsAtMostMaxBackups(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := config.Default()
	cfg.Backup.MaxBackups = 2

	for i := 0; i < 5; i++ {
		_, err := m.Create(cfg, "label", "manual")
		require.NoError(t, err)
	}

	snaps, err := m.List()
	require.NoError(t, err)
	require.LessOrEqual(t, len(snaps), cfg.Backup.MaxBackups)
	require.GreaterOrEqual(t, len(snaps), 1)
}

func TestRestoreLatestWritesBackConfigAndState(t *testing.T) {
	m, dir := newTestManager(t)
	cfg := config.Default()
	cfg.OverlayMode = config.OverlayModeExt4

	_, err := m.Create(cfg, "pre-mount", "boot")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(m.ConfigFile, []byte("moduledir = \"/corrupted\"\n"), 0o644))

	restoredID, err := m.RestoreLatest()
	require.NoError(t, err)
	require.NotEmpty(t, restoredID)

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	require.Contains(t, string(data), "/data/adb/modules")
}

func TestRestoreLatestNoSnapshots(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.RestoreLatest()
	require.ErrorIs(t, err, ErrNoSnapshots)
}

func TestDeleteMissingSnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Delete("snap_does_not_exist")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestDisableAllModulesCreatesMarkers(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Join(m.ModuleDir, "mod.a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(m.ModuleDir, "mod.b"), 0o755))

	require.NoError(t, m.DisableAllModules())

	_, err := os.Stat(filepath.Join(m.ModuleDir, "mod.a", "disable"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(m.ModuleDir, "mod.b", "disable"))
	require.NoError(t, err)
}

func TestBootCounterTriggersRestoreAtThreshold(t *testing.T) {
	m, dir := newTestManager(t)
	cfg := config.Default()
	_, err := m.Create(cfg, "pre-mount", "boot")
	require.NoError(t, err)

	counterPath := filepath.Join(dir, "run", "boot_counter")
	rescuePath := filepath.Join(dir, "rescue_notice")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	require.Equal(t, RecoveryStandby, m.EnsureRecoveryState(counterPath, rescuePath, logger))
	require.Equal(t, RecoveryStandby, m.EnsureRecoveryState(counterPath, rescuePath, logger))
	status := m.EnsureRecoveryState(counterPath, rescuePath, logger)
	require.Equal(t, RecoveryRestored, status)

	_, err = os.Stat(counterPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(rescuePath)
	require.NoError(t, err)
}

func TestResetRecoveryStateRemovesCounter(t *testing.T) {
	dir := t.TempDir()
	counterPath := filepath.Join(dir, "boot_counter")
	require.NoError(t, os.WriteFile(counterPath, []byte("1"), 0o644))

	ResetRecoveryState(counterPath, nil)

	_, err := os.Stat(counterPath)
	require.True(t, os.IsNotExist(err))
}
