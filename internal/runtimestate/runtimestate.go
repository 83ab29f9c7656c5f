// Package runtimestate persists the outcome of a completed boot cycle
// (C10): which storage backend was used, which modules ended up overlay-
// mounted vs. magic-mounted, and which mountpoints are now live. It is
// written once, atomically, at the very end of a successful Finalize,
// grounded on original_source/src/core/state.rs.
package runtimestate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/hybridmount/mountd/internal/xerrors"
)

// State is the single JSON document written at the end of boot, mirroring
// the field set of RuntimeState in state.rs, renamed per the data model:
// zygisksu_enforce becomes HardenedUmountSupported, reflecting what this
// engine actually checks (the optional umount-hiding driver's presence)
// rather than the original's zygisk-specific naming.
type State struct {
	Timestamp               int64    `json:"timestamp"`
	PID                     int      `json:"pid"`
	StorageMode             string   `json:"storage_mode"`
	MountPoint              string   `json:"mount_point"`
	OverlayModuleIDs        []string `json:"overlay_module_ids"`
	MagicModuleIDs          []string `json:"magic_module_ids"`
	ActiveMounts            []string `json:"active_mounts"`
	HardenedUmountSupported bool     `json:"hardened_umount_supported"`
	TmpfsXattrSupported     bool     `json:"tmpfs_xattr_supported"`
}

// New builds a State stamped with the current time and process id, given
// the boot outcome. now is injected so callers (and tests) control the
// timestamp rather than relying on a hidden time.Now() call.
func New(now time.Time, storageMode, mountPoint string, overlayIDs, magicIDs, activeMounts []string, hardenedUmountSupported, tmpfsXattrSupported bool) *State {
	return &State{
		Timestamp:              now.Unix(),
		PID:                     os.Getpid(),
		StorageMode:             storageMode,
		MountPoint:              mountPoint,
		OverlayModuleIDs:        append([]string{}, overlayIDs...),
		MagicModuleIDs:          append([]string{}, magicIDs...),
		ActiveMounts:            append([]string{}, activeMounts...),
		HardenedUmountSupported: hardenedUmountSupported,
		TmpfsXattrSupported:     tmpfsXattrSupported,
	}
}

// Save writes s to path atomically: marshal, write to a sibling temp file,
// then rename over path. Mirrors the write-temp-then-rename commit pattern
// used throughout this engine (see sync.commitSyncedDir, storage images).
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return xerrors.New(xerrors.KindParse, "runtimestate.Save", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.New(xerrors.KindIO, "runtimestate.Save", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return xerrors.New(xerrors.KindIO, "runtimestate.Save", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return xerrors.New(xerrors.KindIO, "runtimestate.Save", err)
	}
	return nil
}

// Load reads the last-boot State from path, returning a zero-value State
// (not an error) if no prior state exists, mirroring state.rs's load().
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, xerrors.New(xerrors.KindIO, "runtimestate.Load", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, xerrors.New(xerrors.KindParse, "runtimestate.Load", err)
	}
	return &s, nil
}
