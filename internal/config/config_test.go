package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.Equal(t, defaultModuleDir, cfg.ModuleDir)
	require.Equal(t, OverlayModeTmpfs, cfg.OverlayMode)
	require.Equal(t, DefaultModeOverlay, cfg.DefaultMode)
	require.Equal(t, 20, cfg.Backup.MaxBackups)
	require.NotNil(t, cfg.Rules)
	require.NotNil(t, cfg.Winnowing)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.ModuleDir = "/data/adb/modules"
	cfg.OverlayMode = OverlayModeExt4
	cfg.Rules["acme"] = ModuleRules{DefaultMode: MountModeMagic, Paths: map[string]MountMode{"vendor": MountModeIgnore}}
	cfg.Winnowing.SetRule("system/lib/libfoo.so", "acme")

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.OverlayMode, loaded.OverlayMode)
	require.Equal(t, cfg.Rules["acme"].DefaultMode, loaded.Rules["acme"].DefaultMode)
	require.Equal(t, []string{"acme"}, loaded.Winnowing["system/lib/libfoo.so"])
}

func TestLoadPartitionsAsCSVString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`partitions = "system, vendor,product"`+"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"system", "vendor", "product"}, cfg.Partitions)
}

func TestLoadPartitionsAsNativeArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("partitions = [\"system\", \"vendor\"]\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"system", "vendor"}, cfg.Partitions)
}

func TestLoadGranaryAliasAppliesWhenBackupAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[granary]\nmax_backups = 5\nretention_days = 7\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Backup.MaxBackups)
	require.Equal(t, int64(7), cfg.Backup.RetentionDays)
}

func TestLoadGranaryAliasIgnoredWhenBackupPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"[backup]\nmax_backups = 99\nretention_days = 1\n[granary]\nmax_backups = 5\n",
	), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 99, cfg.Backup.MaxBackups)
}

func TestMaxImageSizeBytesParsesHumanReadableSize(t *testing.T) {
	cfg := Default()
	cfg.MaxImageSize = "512MB"
	bytes, ok := cfg.MaxImageSizeBytes()
	require.True(t, ok)
	require.Equal(t, int64(512*1024*1024), bytes)
}

func TestMaxImageSizeBytesEmptyIsNotOK(t *testing.T) {
	cfg := Default()
	_, ok := cfg.MaxImageSizeBytes()
	require.False(t, ok)
}

func TestModuleRulesGetModeFallsBackToDefault(t *testing.T) {
	rules := ModuleRules{DefaultMode: MountModeMagic, Paths: map[string]MountMode{"vendor": MountModeIgnore}}
	require.Equal(t, MountModeIgnore, rules.GetMode("vendor"))
	require.Equal(t, MountModeMagic, rules.GetMode("system"))
}

func TestModuleRulesGetModeEmptyDefaultsToOverlay(t *testing.T) {
	rules := ModuleRules{}
	require.Equal(t, MountModeOverlay, rules.GetMode("anything"))
}

func TestWinnowingSetRuleDeduplicates(t *testing.T) {
	w := Winnowing{}
	w.SetRule("system/lib/libfoo.so", "acme")
	w.SetRule("system/lib/libfoo.so", "acme")
	w.SetRule("system/lib/libfoo.so", "other")
	require.Equal(t, []string{"acme", "other"}, w["system/lib/libfoo.so"])
}

func TestLoadWithEnvOverlayAppliesEnvVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("moduledir = \"/data/adb/modules\"\n"), 0o644))

	t.Setenv("HYBRIDMOUNT_MODULEDIR", "/tmp/modules")
	t.Setenv("HYBRIDMOUNT_OVERLAY_MODE", "ERofs")
	t.Setenv("HYBRIDMOUNT_STATUSAPI_ADDR", "127.0.0.1:9999")
	t.Setenv("HYBRIDMOUNT_STATUSAPI_JWT_SECRET", "s3cr3t")

	cfg, err := LoadWithEnvOverlay(path, "")
	require.NoError(t, err)
	require.Equal(t, "/tmp/modules", cfg.ModuleDir)
	require.Equal(t, OverlayModeErofs, cfg.OverlayMode)
	require.Equal(t, "127.0.0.1:9999", cfg.StatusAPIAddr)
	require.Equal(t, "s3cr3t", cfg.StatusAPIJWTSecret)
}
