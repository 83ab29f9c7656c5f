package module

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybridmount/mountd/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanSkipsDisabledReservedAndInvalidIDs(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "good_module", "module.prop"), "id=good_module\n")
	writeFile(t, filepath.Join(root, "disabled_module", "module.prop"), "id=disabled_module\n")
	writeFile(t, filepath.Join(root, "disabled_module", "disable"), "")
	writeFile(t, filepath.Join(root, "removed_module", "remove"), "")
	writeFile(t, filepath.Join(root, "skip_module", "skip_mount"), "")
	writeFile(t, filepath.Join(root, "meta-hybrid", "module.prop"), "id=meta-hybrid\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "9bad-start"), 0o755))

	cfg := config.Default()
	cfg.ModuleDir = root

	modules, err := Scan(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Len(t, modules, 1)
	require.Equal(t, "good_module", modules[0].ID)
}

func TestScanSortsDescendingByID(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"aaa", "zzz", "mmm"} {
		writeFile(t, filepath.Join(root, id, "module.prop"), "id="+id+"\n")
	}

	cfg := config.Default()
	cfg.ModuleDir = root

	modules, err := Scan(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Len(t, modules, 3)
	require.Equal(t, []string{"zzz", "mmm", "aaa"}, []string{modules[0].ID, modules[1].ID, modules[2].ID})
}

func TestScanMissingModuleDirReturnsEmpty(t *testing.T) {
	cfg := config.Default()
	cfg.ModuleDir = filepath.Join(t.TempDir(), "does-not-exist")

	modules, err := Scan(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Empty(t, modules)
}

func TestLoadModuleRulesLayering(t *testing.T) {
	root := t.TempDir()
	modPath := filepath.Join(root, "layered")
	writeFile(t, filepath.Join(modPath, "module.prop"), "id=layered\n")
	writeFile(t, filepath.Join(modPath, "hybrid_rules.json"),
		`{"default_mode":"magic","paths":{"system/lib":"overlay"}}`)

	cfg := config.Default()
	cfg.ModuleDir = root
	cfg.Rules = map[string]config.ModuleRules{
		"layered": {
			DefaultMode: config.MountModeOverlay,
			Paths:       map[string]config.MountMode{"system/bin": config.MountModeIgnore},
		},
	}

	modules, err := Scan(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Len(t, modules, 1)

	rules := modules[0].Rules
	require.Equal(t, config.MountModeOverlay, rules.DefaultMode, "config-level override wins over the module's own default")
	require.Equal(t, config.MountModeIgnore, rules.GetMode("system/bin"))
}

func TestLoadModuleRulesNoFilesNoOverrides(t *testing.T) {
	root := t.TempDir()
	modPath := filepath.Join(root, "plain")
	writeFile(t, filepath.Join(modPath, "module.prop"), "id=plain\n")

	cfg := config.Default()
	cfg.ModuleDir = root

	modules, err := Scan(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Len(t, modules, 1)
	require.Equal(t, config.MountModeOverlay, modules[0].Rules.DefaultMode)
	require.Empty(t, modules[0].Rules.Paths)
}

func TestReadPropAndUpdateDescription(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module.prop")
	writeFile(t, path, "id=x\nname=Some Module\nversion=1.0\nauthor=me\ndescription=old\n")

	prop := ReadProp(path)
	require.Equal(t, "Some Module", prop.Name)
	require.Equal(t, "old", prop.Description)

	require.NoError(t, UpdateDescription(path, "active: a,b | magic: c"))
	prop2 := ReadProp(path)
	require.Equal(t, "active: a,b | magic: c", prop2.Description)
	require.Equal(t, "Some Module", prop2.Name, "non-description fields are left untouched")
}

func TestUpdateDescriptionAppendsWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module.prop")
	writeFile(t, path, "id=x\nname=NoDescription\n")

	require.NoError(t, UpdateDescription(path, "active: none"))
	prop := ReadProp(path)
	require.Equal(t, "active: none", prop.Description)
}
