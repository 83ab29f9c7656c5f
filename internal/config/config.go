// Package config loads and saves the mount engine's TOML configuration,
// mirroring the field set and defaults of the original hybrid-mount
// implementation's Config type (original_source/src/conf/config.rs) while
// following the teacher's env/.env layering convention
// (cmd/api/config/config.go) for process-level overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/hybridmount/mountd/internal/xerrors"
)

// OverlayMode selects the storage backend used to stage synced module
// content. Tmpfs is the default — it's tried first and only falls back to
// Ext4 when CONFIG_TMPFS_XATTR isn't supported by the running kernel. Ext4
// skips tmpfs; Erofs is tried before tmpfs and only when the kernel lists
// erofs, otherwise it behaves like Tmpfs.
type OverlayMode string

const (
	OverlayModeTmpfs OverlayMode = "tmpfs"
	OverlayModeExt4  OverlayMode = "ext4"
	OverlayModeErofs OverlayMode = "erofs"
)

// DefaultMode is the fallback MountMode applied to a module partition
// directory with no more specific rule.
type DefaultMode string

const (
	DefaultModeOverlay DefaultMode = "overlay"
	DefaultModeMagic   DefaultMode = "magic"
)

// MountMode is the mounting strategy chosen for a single module/partition pair.
type MountMode string

const (
	MountModeOverlay MountMode = "overlay"
	MountModeMagic   MountMode = "magic"
	MountModeIgnore  MountMode = "ignore"
)

// ModuleRules holds per-module mount-mode overrides, keyed by the
// partition-relative directory name (e.g. "system", "vendor").
type ModuleRules struct {
	DefaultMode MountMode            `toml:"default_mode" json:"default_mode"`
	Paths       map[string]MountMode `toml:"paths" json:"paths"`
}

// GetMode returns the mode for a relative path, falling back to DefaultMode.
func (r ModuleRules) GetMode(relativePath string) MountMode {
	if mode, ok := r.Paths[relativePath]; ok {
		return mode
	}
	if r.DefaultMode == "" {
		return MountModeOverlay
	}
	return r.DefaultMode
}

// BackupConfig controls snapshot retention (internal/snapshot).
type BackupConfig struct {
	MaxBackups    int   `toml:"max_backups" json:"max_backups"`
	RetentionDays int64 `toml:"retention_days" json:"retention_days"`
}

func defaultBackupConfig() BackupConfig {
	return BackupConfig{MaxBackups: 20, RetentionDays: 0}
}

// Winnowing maps a conflicting relative path to the module ids an operator
// has accepted as non-issues (supplemented feature, see DESIGN.md).
type Winnowing map[string][]string

// SetRule marks moduleID as an accepted contributor for path.
func (w Winnowing) SetRule(path, moduleID string) {
	for _, id := range w[path] {
		if id == moduleID {
			return
		}
	}
	w[path] = append(w[path], moduleID)
}

// Config is the full engine configuration, loaded from config.toml with an
// optional .env overlay for deployment-specific values.
type Config struct {
	ModuleDir             string                 `toml:"moduledir" json:"moduledir"`
	MountSource           string                 `toml:"mountsource" json:"mountsource"`
	Partitions            []string               `toml:"partitions" json:"partitions"`
	OverlayMode           OverlayMode            `toml:"overlay_mode" json:"overlay_mode"`
	DisableUmount         bool                   `toml:"disable_umount" json:"disable_umount"`
	AllowUmountCoexist    bool                   `toml:"allow_umount_coexistence" json:"allow_umount_coexistence"`
	Backup                BackupConfig           `toml:"backup" json:"backup"`
	HybridMountDir        string                 `toml:"hybrid_mnt_dir" json:"hybrid_mnt_dir"`
	DefaultMode           DefaultMode            `toml:"default_mode" json:"default_mode"`
	Rules                 map[string]ModuleRules `toml:"rules" json:"rules"`
	Winnowing             Winnowing              `toml:"winnowing" json:"winnowing"`
	StatusAPIAddr         string                 `toml:"statusapi_addr" json:"statusapi_addr"`
	StatusAPIJWTSecret    string                 `toml:"statusapi_jwt_secret" json:"statusapi_jwt_secret"`
	// MaxImageSize caps the ext4 loopback image's computed size (the
	// max(64MiB, ceil(1.2x total)) growth rule), written as a
	// human-readable size string ("1GB", "512MB"). Empty means no cap.
	MaxImageSize string `toml:"max_image_size" json:"max_image_size"`
}

// MaxImageSizeBytes parses MaxImageSize, reporting ok=false when it's empty
// or malformed (callers should then skip capping).
func (c Config) MaxImageSizeBytes() (int64, bool) {
	if strings.TrimSpace(c.MaxImageSize) == "" {
		return 0, false
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(c.MaxImageSize)); err != nil {
		return 0, false
	}
	return int64(v.Bytes()), true
}

const (
	defaultModuleDir      = "/data/adb/modules"
	DefaultHybridMountDir = "/data/adb/meta-hybrid/mnt"
)

// Default returns the zero-value-free default configuration, matching
// original_source/src/conf/config.rs's Default impl.
func Default() Config {
	return Config{
		ModuleDir:      defaultModuleDir,
		MountSource:    detectMountSource(),
		Partitions:     nil,
		OverlayMode:    OverlayModeTmpfs,
		Backup:         defaultBackupConfig(),
		HybridMountDir: DefaultHybridMountDir,
		DefaultMode:    DefaultModeOverlay,
		Rules:          map[string]ModuleRules{},
		Winnowing:      Winnowing{},
	}
}

// detectMountSource reports the overlay "source" label to use, based on
// which root-access framework is present. Neither KernelSU nor APatch
// sysfs markers are guaranteed readable outside a real device, so this
// degrades to "APatch" the same way the original CLI's detect_mount_source
// does when the KSU sysfs probe comes up empty.
func detectMountSource() string {
	if _, err := os.Stat("/sys/kernel/ksu"); err == nil {
		return "KSU"
	}
	return "APatch"
}

// Load reads and parses a config.toml file at path. A missing file is not
// an error — Default() is returned instead, mirroring cli_handlers.rs's
// load_config NotFound handling.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, xerrors.New(xerrors.KindIO, "config.Load", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, xerrors.New(xerrors.KindParse, "config.Load", err)
	}
	if cfg.Rules == nil {
		cfg.Rules = map[string]ModuleRules{}
	}
	if cfg.Winnowing == nil {
		cfg.Winnowing = Winnowing{}
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err == nil {
		applyCompatAliases(&cfg, raw)
	}
	return cfg, nil
}

// applyCompatAliases handles the two spec.md §6 key spellings go-toml/v2's
// struct tags can't express directly: "partitions" as a single
// comma-separated string (in addition to the native array form), and
// "granary" as an alias for the "backup" table.
func applyCompatAliases(cfg *Config, raw map[string]any) {
	if v, ok := raw["partitions"]; ok {
		if s, ok := v.(string); ok {
			cfg.Partitions = splitCSV(s)
		}
	}
	if _, hasBackup := raw["backup"]; hasBackup {
		return
	}
	granary, ok := raw["granary"].(map[string]any)
	if !ok {
		return
	}
	if mb, ok := toInt(granary["max_backups"]); ok {
		cfg.Backup.MaxBackups = mb
	}
	if rd, ok := toInt(granary["retention_days"]); ok {
		cfg.Backup.RetentionDays = int64(rd)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// LoadWithEnvOverlay loads config.toml then applies a .env overlay for a
// short list of deployment knobs, following the teacher's godotenv-overlay
// convention (cmd/api/config/config.go) rather than making the whole
// config env-driven.
func LoadWithEnvOverlay(path, envPath string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return cfg, xerrors.New(xerrors.KindIO, "config.LoadWithEnvOverlay", err)
		}
	}

	if v := os.Getenv("HYBRIDMOUNT_MODULEDIR"); v != "" {
		cfg.ModuleDir = v
	}
	if v := os.Getenv("HYBRIDMOUNT_OVERLAY_MODE"); v != "" {
		cfg.OverlayMode = OverlayMode(strings.ToLower(v))
	}
	if v := os.Getenv("HYBRIDMOUNT_STATUSAPI_ADDR"); v != "" {
		cfg.StatusAPIAddr = v
	}
	if v := os.Getenv("HYBRIDMOUNT_STATUSAPI_JWT_SECRET"); v != "" {
		cfg.StatusAPIJWTSecret = v
	}
	return cfg, nil
}

// Save writes cfg to path as pretty TOML, creating parent directories as needed.
func Save(cfg Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return xerrors.New(xerrors.KindParse, "config.Save", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return xerrors.New(xerrors.KindIO, "config.Save", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return xerrors.New(xerrors.KindIO, "config.Save", err)
	}
	return nil
}

// String renders the storage mode for log lines ("tmpfs", "ext4", "erofs").
func (m OverlayMode) String() string { return string(m) }
