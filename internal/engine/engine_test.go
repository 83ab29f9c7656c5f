package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybridmount/mountd/internal/config"
	"github.com/hybridmount/mountd/internal/paths"
)

func TestNewControllerStartsInStateInit(t *testing.T) {
	p := paths.New(t.TempDir(), t.TempDir())
	c := New(config.Default(), p, nil, nil, ComponentMetrics{})
	require.Equal(t, StateInit, c.State())
	require.Nil(t, c.Report())
	require.Nil(t, c.StorageHandle())
	require.Empty(t, c.Modules())
}

func TestStateCanTransitionToFollowsFixedOrder(t *testing.T) {
	require.NoError(t, StateInit.CanTransitionTo(StateStorageReady))
	require.NoError(t, StateStorageReady.CanTransitionTo(StateModulesReady))
	require.NoError(t, StateModulesReady.CanTransitionTo(StatePlanned))
	require.NoError(t, StatePlanned.CanTransitionTo(StateExecuted))
	require.NoError(t, StateExecuted.CanTransitionTo(StateFinalized))
}

func TestStateCanTransitionToRejectsSkippingAhead(t *testing.T) {
	require.Error(t, StateInit.CanTransitionTo(StateModulesReady))
	require.Error(t, StateInit.CanTransitionTo(StatePlanned))
	require.Error(t, StateStorageReady.CanTransitionTo(StateExecuted))
}

func TestStateCanTransitionToRejectsGoingBackward(t *testing.T) {
	require.Error(t, StateFinalized.CanTransitionTo(StateInit))
	require.Error(t, StatePlanned.CanTransitionTo(StateStorageReady))
}

func TestFinalizedStateIsTerminal(t *testing.T) {
	require.True(t, StateFinalized.IsTerminal())
	require.False(t, StateInit.IsTerminal())
	require.Empty(t, ValidTransitions[StateFinalized])
}

func TestEffectiveUmountEnabledHonorsDisableUmount(t *testing.T) {
	cfg := config.Default()
	cfg.DisableUmount = true
	require.False(t, effectiveUmountEnabled(cfg))
}

func TestEffectiveUmountEnabledHonorsCoexistenceOverride(t *testing.T) {
	cfg := config.Default()
	cfg.AllowUmountCoexist = true
	require.True(t, effectiveUmountEnabled(cfg))
}

func TestEffectiveUmountEnabledDefaultsTrueWithoutZygiskDenylist(t *testing.T) {
	cfg := config.Default()
	require.True(t, effectiveUmountEnabled(cfg), "no /data/adb/zygisksu/denylist_enforce present on a test host")
}
