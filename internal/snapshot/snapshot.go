// Package snapshot implements Snapshot & Recovery (C9): pre-mount config
// and state snapshotting, plus boot-counter-based bootloop detection and
// automatic rollback, grounded on original_source/src/core/granary.rs.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nrednav/cuid2"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/hybridmount/mountd/internal/config"
	"github.com/hybridmount/mountd/internal/xerrors"
)

// Snapshot is a timestamped record of config + raw state captured before a
// risky change (a mount attempt, or an explicit operator action), mirroring
// granary.rs's Snapshot type. RawConfig/RawState, when present, are restored
// verbatim in preference to re-marshaling ConfigSnapshot/StateSnapshot, so a
// restore reproduces the exact bytes that were live at capture time.
type Snapshot struct {
	ID             string        `json:"id"`
	Timestamp      int64         `json:"timestamp"`
	Label          string        `json:"label"`
	Reason         string        `json:"reason"`
	ConfigSnapshot config.Config `json:"config_snapshot"`
	RawConfig      *string       `json:"raw_config,omitempty"`
	RawState       *string       `json:"raw_state,omitempty"`
}

// Manager owns the snapshot directory, the config/state file paths they're
// captured from and restored to, and the module directory disabled as a
// last resort when automatic rollback itself fails.
type Manager struct {
	BackupsDir string
	ConfigFile string
	StateFile  string
	ModuleDir  string
}

// New builds a Manager rooted at the given paths.
func New(backupsDir, configFile, stateFile, moduleDir string) *Manager {
	return &Manager{BackupsDir: backupsDir, ConfigFile: configFile, StateFile: stateFile, ModuleDir: moduleDir}
}

func (m *Manager) snapshotPath(id string) string {
	return filepath.Join(m.BackupsDir, id+".json")
}

// Create assembles a Snapshot document from the currently-live config and
// state files, writes it atomically, and prunes according to cfg.Backup,
// mirroring create_snapshot. The id is a collision-free cuid2 rather than
// the original's raw unix-timestamp string, so two snapshots created within
// the same second never collide.
func (m *Manager) Create(cfg config.Config, label, reason string) (string, error) {
	if err := os.MkdirAll(m.BackupsDir, 0o755); err != nil {
		return "", xerrors.New(xerrors.KindIO, "snapshot.Create", err)
	}

	id := "snap_" + cuid2.Generate()
	snap := Snapshot{
		ID:             id,
		Timestamp:      time.Now().Unix(),
		Label:          label,
		Reason:         reason,
		ConfigSnapshot: cfg,
		RawConfig:      readOptional(m.ConfigFile),
		RawState:       readOptional(m.StateFile),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", xerrors.New(xerrors.KindParse, "snapshot.Create", err)
	}
	if err := atomicWrite(m.snapshotPath(id), data); err != nil {
		return "", err
	}

	if err := m.prune(cfg.Backup); err != nil {
		return id, err
	}
	return id, nil
}

// List returns every snapshot in BackupsDir, newest first by timestamp.
// Unparseable snapshot files are skipped rather than failing the whole
// listing, mirroring list_snapshots's `if let Ok(...)` filter.
func (m *Manager) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.BackupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.New(xerrors.KindIO, "snapshot.List", err)
	}

	var out []Snapshot
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.BackupsDir, e.Name()))
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// Delete removes a single snapshot by id.
func (m *Manager) Delete(id string) error {
	path := m.snapshotPath(id)
	if _, err := os.Stat(path); err != nil {
		return ErrSnapshotNotFound
	}
	if err := os.Remove(path); err != nil {
		return xerrors.New(xerrors.KindIO, "snapshot.Delete", err)
	}
	return nil
}

// Restore writes a snapshot's config and state back over the live files,
// preferring the raw captured bytes over re-marshaling the struct form,
// mirroring restore_snapshot.
func (m *Manager) Restore(id string) error {
	path := m.snapshotPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSnapshotNotFound
		}
		return xerrors.New(xerrors.KindIO, "snapshot.Restore", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return xerrors.New(xerrors.KindParse, "snapshot.Restore", err)
	}

	if snap.RawConfig != nil {
		if err := atomicWrite(m.ConfigFile, []byte(*snap.RawConfig)); err != nil {
			return err
		}
	} else {
		tomlBytes, err := toml.Marshal(snap.ConfigSnapshot)
		if err != nil {
			return xerrors.New(xerrors.KindParse, "snapshot.Restore", err)
		}
		if err := atomicWrite(m.ConfigFile, tomlBytes); err != nil {
			return err
		}
	}

	if snap.RawState != nil {
		if err := atomicWrite(m.StateFile, []byte(*snap.RawState)); err != nil {
			return err
		}
	}

	return nil
}

// RestoreLatest restores the newest snapshot and returns its id, mirroring
// restore_latest_snapshot. Returns ErrNoSnapshots if none exist.
func (m *Manager) RestoreLatest() (string, error) {
	snaps, err := m.List()
	if err != nil {
		return "", err
	}
	if len(snaps) == 0 {
		return "", ErrNoSnapshots
	}
	latest := snaps[0]
	if err := m.Restore(latest.ID); err != nil {
		return "", err
	}
	return latest.ID, nil
}

// prune deletes snapshots beyond bc.MaxBackups (0 = unlimited) and older
// than bc.RetentionDays*86400 seconds (0 = unlimited), always keeping the
// single newest snapshot regardless of retention, mirroring prune_snapshots.
func (m *Manager) prune(bc config.BackupConfig) error {
	snaps, err := m.List()
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	var expiration int64
	if bc.RetentionDays > 0 {
		expiration = now - bc.RetentionDays*86400
		if expiration < 0 {
			expiration = 0
		}
	}

	for i, snap := range snaps {
		shouldDelete := false
		if bc.MaxBackups > 0 && i >= bc.MaxBackups {
			shouldDelete = true
		}
		if bc.RetentionDays > 0 && i > 0 && snap.Timestamp < expiration {
			shouldDelete = true
		}
		if shouldDelete {
			_ = os.Remove(m.snapshotPath(snap.ID))
		}
	}
	return nil
}

// DisableAllModules writes a "disable" marker into every module directory
// that lacks one, the last-resort fallback when automatic rollback itself
// fails (supplemented from granary.rs's disable_all_modules, see
// SPEC_FULL.md §8).
func (m *Manager) DisableAllModules() error {
	entries, err := os.ReadDir(m.ModuleDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.New(xerrors.KindIO, "snapshot.DisableAllModules", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		marker := filepath.Join(m.ModuleDir, e.Name(), "disable")
		if _, err := os.Stat(marker); err == nil {
			continue
		}
		f, err := os.Create(marker)
		if err != nil {
			return xerrors.New(xerrors.KindIO, "snapshot.DisableAllModules", err)
		}
		f.Close()
	}
	return nil
}

func readOptional(path string) *string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func atomicWrite(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return xerrors.New(xerrors.KindIO, "snapshot.atomicWrite", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return xerrors.New(xerrors.KindIO, "snapshot.atomicWrite", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return xerrors.New(xerrors.KindIO, "snapshot.atomicWrite", err)
	}
	return nil
}
