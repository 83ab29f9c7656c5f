package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybridmount/mountd/internal/config"
	"github.com/hybridmount/mountd/internal/module"
	"github.com/hybridmount/mountd/internal/paths"
)

func mkdirAllT(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
}

// fakeLiveSystem builds a scratch directory tree standing in for "/" (the
// real live system) so Generate's os.Stat(target) checks succeed without
// touching the actual root filesystem.
func fakeLiveSystem(t *testing.T) string {
	live := t.TempDir()
	for _, partition := range []string{"system", "system/bin", "vendor"} {
		mkdirAllT(t, filepath.Join(live, partition))
	}
	return live
}

func TestGenerateSingleModuleSingleOverlay(t *testing.T) {
	base := t.TempDir()
	p := paths.New(base, filepath.Join(base, "modules"))
	mkdirAllT(t, p.SyncedModuleDir("mod_a")+"/system/bin")

	mods := []module.Module{{
		ID:         "mod_a",
		SourcePath: filepath.Join(base, "modules", "mod_a"),
		Rules:      config.ModuleRules{DefaultMode: config.MountModeOverlay, Paths: map[string]config.MountMode{}},
	}}

	plan, err := Generate(config.Default(), mods, p)
	require.NoError(t, err)
	require.Equal(t, []string{"mod_a"}, plan.OverlayModuleIDs)
	require.Empty(t, plan.MagicModuleIDs)
	require.NotEmpty(t, plan.OverlayOps)
}

func TestGenerateTwoModulesConflictGroupedUnderSameTarget(t *testing.T) {
	base := t.TempDir()
	p := paths.New(base, filepath.Join(base, "modules"))

	for _, id := range []string{"A", "B"} {
		dir := filepath.Join(p.SyncedModuleDir(id), "system", "lib")
		mkdirAllT(t, dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "libx.so"), []byte("x"), 0o644))
	}

	mods := []module.Module{
		{ID: "A", SourcePath: filepath.Join(base, "modules", "A"), Rules: config.ModuleRules{DefaultMode: config.MountModeOverlay, Paths: map[string]config.MountMode{}}},
		{ID: "B", SourcePath: filepath.Join(base, "modules", "B"), Rules: config.ModuleRules{DefaultMode: config.MountModeOverlay, Paths: map[string]config.MountMode{}}},
	}

	plan, err := Generate(config.Default(), mods, p)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "B"}, plan.OverlayModuleIDs)

	var libOp *OverlayOperation
	for i := range plan.OverlayOps {
		if filepath.Base(plan.OverlayOps[i].Target) == "lib" {
			libOp = &plan.OverlayOps[i]
		}
	}
	require.NotNil(t, libOp, "system/lib is a sensitive-split subdirectory of system")
	require.Equal(t, "system", libOp.PartitionName, "partition_name is the second path component of the canonical target")
	require.Len(t, libOp.Lowerdirs, 2)
}

func TestGeneratePerPathModeOverride(t *testing.T) {
	base := t.TempDir()
	p := paths.New(base, filepath.Join(base, "modules"))

	mkdirAllT(t, filepath.Join(p.SyncedModuleDir("hybrid"), "system", "lib"))
	mkdirAllT(t, filepath.Join(p.SyncedModuleDir("hybrid"), "system", "bin"))

	mods := []module.Module{{
		ID:         "hybrid",
		SourcePath: filepath.Join(base, "modules", "hybrid"),
		Rules: config.ModuleRules{
			DefaultMode: config.MountModeOverlay,
			Paths:       map[string]config.MountMode{"system": config.MountModeMagic},
		},
	}}

	plan, err := Generate(config.Default(), mods, p)
	require.NoError(t, err)
	require.Equal(t, []string{"hybrid"}, plan.MagicModuleIDs)
	require.Empty(t, plan.OverlayModuleIDs)
	require.Empty(t, plan.OverlayOps)
}

func TestGenerateEmptyModuleDirYieldsEmptyPlan(t *testing.T) {
	base := t.TempDir()
	p := paths.New(base, filepath.Join(base, "modules"))

	plan, err := Generate(config.Default(), nil, p)
	require.NoError(t, err)
	require.Empty(t, plan.OverlayOps)
	require.Empty(t, plan.OverlayModuleIDs)
	require.Empty(t, plan.MagicModuleIDs)
}

func TestModuleIDForLowerdirWalksUpToModuleProp(t *testing.T) {
	base := t.TempDir()
	modRoot := filepath.Join(base, "storage", "mod_z")
	deep := filepath.Join(modRoot, "system", "lib")
	mkdirAllT(t, deep)
	require.NoError(t, os.WriteFile(filepath.Join(modRoot, "module.prop"), []byte("id=mod_z\n"), 0o644))

	require.Equal(t, "mod_z", ModuleIDForLowerdir(deep))
}
