// Package paths provides centralized path construction for the mount
// engine's runtime directories.
//
// Directory structure:
//
//	/data/adb/modules/{id}/                module metadata + content (as shipped)
//	/data/adb/meta-hybrid/
//	  mnt/{id}/                             synced module content (storage-backed)
//	  rw/{partition}/{upperdir,workdir}     overlay upper/work dirs, if present
//	  rules/{id}.json                       per-module rule overrides saved via the status API
//	  backups/{snapshot-id}.json            config + state snapshots
//	  run/
//	    boot_counter                        bootloop detection counter
//	    modules/{id}.log                    per-module controller log
//	  rescue_notice                         left behind after an automatic restore
//	  state.json                            last-boot RuntimeState
//	  modules.img                           ext4/erofs backing image
package paths

import "path/filepath"

// Paths provides typed path construction rooted at a base data directory
// (normally /data/adb/meta-hybrid) and a separate module metadata directory
// (normally /data/adb/modules).
type Paths struct {
	base       string
	moduleRoot string
}

// New creates a Paths rooted at base (meta-hybrid's own directory) with
// moduleRoot pointing at the KernelSU/Magisk-style modules directory.
func New(base, moduleRoot string) *Paths {
	return &Paths{base: base, moduleRoot: moduleRoot}
}

// Base returns the root data directory.
func (p *Paths) Base() string { return p.base }

// ModuleRoot returns the modules metadata directory.
func (p *Paths) ModuleRoot() string { return p.moduleRoot }

// ModuleDir returns a module's metadata directory.
func (p *Paths) ModuleDir(id string) string {
	return filepath.Join(p.moduleRoot, id)
}

// ModuleProp returns the path to a module's module.prop file.
func (p *Paths) ModuleProp(id string) string {
	return filepath.Join(p.ModuleDir(id), "module.prop")
}

// ModuleRulesOverride returns the path to a module's in-tree rules file.
func (p *Paths) ModuleRulesOverride(id string) string {
	return filepath.Join(p.ModuleDir(id), "hybrid_rules.json")
}

// SavedRules returns the path to a rules file saved out-of-band via the
// status API for module id.
func (p *Paths) SavedRules(id string) string {
	return filepath.Join(p.base, "rules", id+".json")
}

// RulesDir returns the directory that holds saved rules files.
func (p *Paths) RulesDir() string {
	return filepath.Join(p.base, "rules")
}

// StorageMount returns the storage-backed mount point all synced module
// content lives under.
func (p *Paths) StorageMount() string {
	return filepath.Join(p.base, "mnt")
}

// StorageImage returns the backing image path for ext4/erofs storage modes.
func (p *Paths) StorageImage() string {
	return filepath.Join(p.base, "modules.img")
}

// SyncedModuleDir returns the synced content directory for a module under
// the storage mount.
func (p *Paths) SyncedModuleDir(id string) string {
	return filepath.Join(p.StorageMount(), id)
}

// OverlayUpperDir returns the overlay upperdir for a partition, if preexisting.
func (p *Paths) OverlayUpperDir(partition string) string {
	return filepath.Join(p.base, "rw", partition, "upperdir")
}

// OverlayWorkDir returns the overlay workdir for a partition, if preexisting.
func (p *Paths) OverlayWorkDir(partition string) string {
	return filepath.Join(p.base, "rw", partition, "workdir")
}

// MagicWorkspace returns the tmpfs workspace magic mount stages through.
func (p *Paths) MagicWorkspace() string {
	return filepath.Join(p.base, "magic_workspace")
}

// RunDir returns the scratch directory for staged-mount temp directories.
func (p *Paths) RunDir() string {
	return filepath.Join(p.base, "run")
}

// StagingDir returns the directory chunked overlay mounts stage
// intermediate layers in.
func (p *Paths) StagingDir() string {
	return filepath.Join(p.RunDir(), "staging")
}

// ModuleLogFile returns the per-module controller log file path.
func (p *Paths) ModuleLogFile(id string) string {
	return filepath.Join(p.RunDir(), "modules", id+".log")
}

// BootCounterFile returns the bootloop-detection counter file.
func (p *Paths) BootCounterFile() string {
	return filepath.Join(p.RunDir(), "boot_counter")
}

// RescueNoticeFile returns the file written after an automatic rollback.
func (p *Paths) RescueNoticeFile() string {
	return filepath.Join(p.base, "rescue_notice")
}

// BackupsDir returns the snapshot/backup directory.
func (p *Paths) BackupsDir() string {
	return filepath.Join(p.base, "backups")
}

// SnapshotFile returns the path to a specific snapshot's JSON file.
func (p *Paths) SnapshotFile(id string) string {
	return filepath.Join(p.BackupsDir(), id+".json")
}

// StateFile returns the path to the last-boot runtime state file.
func (p *Paths) StateFile() string {
	return filepath.Join(p.base, "state.json")
}

// ConfigFile returns the default config.toml path.
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.base, "config.toml")
}

// ModulePropFile returns meta-hybrid's own module.prop, whose description
// field is rewritten after every successful boot.
func (p *Paths) ModulePropFile() string {
	return filepath.Join(p.moduleRoot, "meta-hybrid", "module.prop")
}
