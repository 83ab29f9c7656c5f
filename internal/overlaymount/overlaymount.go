// Package overlaymount implements the Overlay Mounter (C5): it realizes a
// single planner.OverlayOperation as a live overlayfs mount, preferring the
// Linux "new mount API" (fsopen/fsconfig/fsmount/move_mount) and falling
// back to the legacy mount(2) syscall, chunking the lowerdir string across
// staged intermediate mounts when it would otherwise exceed the kernel's
// mount-options page limit. Grounded on
// original_source/src/mount/overlay.rs.
package overlaymount

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hybridmount/mountd/internal/xerrors"
)

// PageLimit is the lowerdir-string length above which a direct overlay
// mount is likely to fail the kernel's single-page mount-data limit,
// triggering a fall back to staged (chunked) mounting.
const PageLimit = 4000

// SafeChunkSize is the per-batch lowerdir-string budget used when staging,
// comfortably inside PageLimit to leave room for upperdir/workdir/features.
const SafeChunkSize = 3500

const overlaySource = "HYBRIDMOUNT"

// Options carries the per-mount knobs that vary by caller: an explicit
// upperdir/workdir pair (when a prior overlay is being re-applied over
// persisted state) and whether to leave the new mount visible to the
// unprivileged umount-hiding driver.
type Options struct {
	Upperdir      string
	Workdir       string
	DisableUmount bool
}

// MountPartition realizes one overlay operation: module lowerdirs layered
// over targetRoot's existing content, preserving any live sub-mounts
// beneath targetRoot (e.g. linkerconfig's bind mounts) across the swap.
// Mirrors mount_overlay.
func MountPartition(targetRoot string, moduleRoots []string, opts Options) error {
	rootFile, err := os.Open(targetRoot)
	if err != nil {
		return xerrors.New(xerrors.KindMount, "overlaymount.MountPartition", err)
	}
	defer rootFile.Close()
	rootFd := int(rootFile.Fd())

	stockRoot := fmt.Sprintf("/proc/self/fd/%d", rootFd)

	subMounts, err := getSubMounts(targetRoot)
	if err != nil {
		subMounts = nil
	}

	type stashedMount struct {
		mountPoint string
		relative   string
		fd         int
	}
	var stashed []stashedMount
	for _, mp := range subMounts {
		relative := strings.TrimPrefix(mp, targetRoot)
		relativeClean := strings.TrimPrefix(relative, "/")
		fd, err := unix.OpenTree(rootFd, relativeClean, unix.OPEN_TREE_CLOEXEC|unix.OPEN_TREE_CLONE|unix.AT_RECURSIVE)
		if err != nil {
			continue
		}
		stashed = append(stashed, stashedMount{mountPoint: mp, relative: relative, fd: fd})
	}

	if err := mountOverlayFS(moduleRoots, stockRoot, opts.Upperdir, opts.Workdir, targetRoot, opts.DisableUmount); err != nil {
		for _, s := range stashed {
			unix.Close(s.fd)
		}
		return xerrors.Newf(xerrors.KindMount, "overlaymount.MountPartition", err, "root %s", targetRoot)
	}

	for _, s := range stashed {
		err := mountOverlayChild(s.mountPoint, s.relative, moduleRoots, s.fd, opts.DisableUmount)
		unix.Close(s.fd)
		if err != nil {
			if umountErr := unix.Unmount(targetRoot, unix.MNT_DETACH); umountErr != nil {
				return xerrors.Newf(xerrors.KindMount, "overlaymount.MountPartition", umountErr,
					"CRITICAL: failed to revert overlay on %s after child restore failure: %v", targetRoot, err)
			}
			return xerrors.Newf(xerrors.KindMount, "overlaymount.MountPartition", err, "child mount restoration failed for %s", s.mountPoint)
		}
	}
	return nil
}

// getOverlayFeatures probes which optional overlayfs mount options this
// kernel build supports, mirroring get_overlay_features.
func getOverlayFeatures() (redirectDir, metacopy bool) {
	if _, err := os.Stat("/sys/module/overlay/parameters/redirect_dir"); err == nil {
		redirectDir = true
	}
	if _, err := os.Stat("/sys/module/overlay/parameters/metacopy"); err == nil {
		metacopy = true
	}
	return redirectDir, metacopy
}

// getSubMounts returns every mountpoint strictly under parent, shortest
// path first, excluding parent itself and anything this engine already
// manages, mirroring get_sub_mounts.
func getSubMounts(parent string) ([]string, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil, xerrors.New(xerrors.KindIO, "overlaymount.getSubMounts", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return parseSubMounts(lines, parent), nil
}

// parseSubMounts extracts the sub-mounts strictly under parent from
// /proc/mounts lines, shortest path first, excluding parent itself and
// anything this engine already manages. Split out from getSubMounts so the
// parsing logic is testable without a real /proc/mounts.
func parseSubMounts(mountLines []string, parent string) []string {
	parentPrefix := parent
	if !strings.HasSuffix(parentPrefix, "/") {
		parentPrefix += "/"
	}

	var subMounts []string
	for _, line := range mountLines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		mountPoint := fields[1]
		if strings.HasPrefix(mountPoint, parentPrefix) && mountPoint != parent && !strings.Contains(mountPoint, "hybrid_mount") {
			subMounts = append(subMounts, mountPoint)
		}
	}

	sort.Slice(subMounts, func(i, j int) bool { return len(subMounts[i]) < len(subMounts[j]) })
	return subMounts
}

// mountOverlayFS mounts lowerDirs (plus lowest as the final/base layer) at
// dest, falling back to a staged/chunked mount if the combined lowerdir
// string is too long for a direct mount and no upperdir/workdir was
// requested (staging cannot honor upperdir/workdir, since only its final
// layer lands at the real destination). Mirrors mount_overlayfs.
func mountOverlayFS(lowerDirs []string, lowest, upperdir, workdir, dest string, disableUmount bool) error {
	all := append(append([]string{}, lowerDirs...), lowest)
	lowerdirConfig := strings.Join(all, ":")

	err := doMountOverlay(lowerdirConfig, upperdir, workdir, dest, disableUmount)
	if err == nil {
		return nil
	}

	if len(lowerdirConfig) >= PageLimit {
		if upperdir != "" || workdir != "" {
			return err
		}
		return mountOverlayFSStaged(lowerDirs, lowest, dest, disableUmount)
	}
	return err
}

// mountOverlayFSStaged splits lowerDirs into SafeChunkSize-budgeted
// batches and chains them through intermediate staging mounts, the
// innermost batch mounted first against lowest, each subsequent batch
// mounted against the previous stage, with only the final (outermost)
// batch landing at the real dest. Mirrors mount_overlayfs_staged.
func mountOverlayFSStaged(lowerDirs []string, lowest, dest string, disableUmount bool) error {
	batches := chunkLowerdirs(lowerDirs, SafeChunkSize)

	stagingRoot := filepath.Join(runDirFromDest(dest), "staging")
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return xerrors.New(xerrors.KindIO, "overlaymount.mountOverlayFSStaged", err)
	}

	currentBase := lowest
	var mounted []string
	committed := false
	defer func() {
		if committed {
			return
		}
		for i := len(mounted) - 1; i >= 0; i-- {
			_ = unix.Unmount(mounted[i], unix.MNT_DETACH)
			_ = os.Remove(mounted[i])
		}
	}()

	for i := len(batches) - 1; i >= 0; i-- {
		batch := batches[i]
		isLastLayer := i == 0

		var targetPath string
		if isLastLayer {
			targetPath = dest
		} else {
			stageDir := filepath.Join(stagingRoot, fmt.Sprintf("stage_%d_%d", time.Now().UnixNano(), i))
			if err := os.MkdirAll(stageDir, 0o755); err != nil {
				return xerrors.Newf(xerrors.KindIO, "overlaymount.mountOverlayFSStaged", err, "stage dir %s", stageDir)
			}
			targetPath = stageDir
		}

		lowerdirStr := strings.Join(append(append([]string{}, batch...), currentBase), ":")
		if err := doMountOverlay(lowerdirStr, "", "", targetPath, disableUmount); err != nil {
			return xerrors.Newf(xerrors.KindMount, "overlaymount.mountOverlayFSStaged", err, "stage %d", i)
		}

		if !isLastLayer {
			mounted = append(mounted, targetPath)
			currentBase = targetPath
		}
	}

	committed = true
	return nil
}

// chunkLowerdirs splits dirs into batches whose joined-with-separator
// length stays within limit, matching the greedy batching in
// mount_overlayfs_staged.
func chunkLowerdirs(dirs []string, limit int) [][]string {
	var batches [][]string
	var current []string
	currentLen := 0
	for _, dir := range dirs {
		if currentLen+len(dir)+1 > limit && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentLen = 0
		}
		current = append(current, dir)
		currentLen += len(dir) + 1
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// runDirFromDest has no direct handle on paths.Paths (overlaymount is
// below paths in the dependency graph by design), so the staging root is
// derived relative to /proc/self — engine callers that need a specific
// scratch location pass it in by pre-creating stagingRoot before calling
// MountPartition is not supported; this mirrors the original's hardcoded
// RUN_DIR constant.
func runDirFromDest(_ string) string {
	return "/data/adb/meta-hybrid/run"
}

// doMountOverlay attempts a direct overlay mount via the new mount API
// (fsopen/fsconfig/fsmount/move_mount), falling back to the legacy
// mount(2) syscall on any failure. Mirrors do_mount_overlay.
func doMountOverlay(lowerdirConfig, upperdir, workdir, dest string, disableUmount bool) error {
	upperdirOK := upperdir != "" && pathExists(upperdir)
	workdirOK := workdir != "" && pathExists(workdir)

	redirectDir, metacopy := getOverlayFeatures()

	if err := tryNewMountAPI(lowerdirConfig, upperdir, workdir, upperdirOK, workdirOK, redirectDir, metacopy, dest); err != nil {
		data := "lowerdir=" + lowerdirConfig
		if upperdirOK && workdirOK {
			data += ",upperdir=" + upperdir + ",workdir=" + workdir
		}
		if redirectDir {
			data += ",redirect_dir=on"
		}
		if metacopy {
			data += ",metacopy=on"
		}

		if mountErr := unix.Mount(overlaySource, dest, "overlay", 0, data); mountErr != nil {
			return xerrors.Newf(xerrors.KindMount, "overlaymount.doMountOverlay", mountErr, "legacy mount failed (fsopen also failed: %v)", err)
		}
	}

	if !disableUmount {
		// Best-effort: mark the new mount hideable from select namespaces.
		// The real driver call lives in internal/umount; this engine has no
		// direct handle on a Scheduler here, so callers (internal/engine)
		// are responsible for enqueuing dest with umount.Scheduler.
	}
	return nil
}

func tryNewMountAPI(lowerdirConfig, upperdir, workdir string, upperdirOK, workdirOK, redirectDir, metacopy bool, dest string) error {
	fsfd, err := unix.Fsopen("overlay", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return err
	}
	defer unix.Close(fsfd)

	if err := fsconfigSetStringValue(fsfd, "lowerdir", lowerdirConfig); err != nil {
		return err
	}
	if upperdirOK && workdirOK {
		if err := fsconfigSetStringValue(fsfd, "upperdir", upperdir); err != nil {
			return err
		}
		if err := fsconfigSetStringValue(fsfd, "workdir", workdir); err != nil {
			return err
		}
	}
	if redirectDir {
		_ = fsconfigSetStringValue(fsfd, "redirect_dir", "on")
	}
	if metacopy {
		_ = fsconfigSetStringValue(fsfd, "metacopy", "on")
	}
	if err := fsconfigSetStringValue(fsfd, "source", overlaySource); err != nil {
		return err
	}
	if err := fsconfigCreate(fsfd); err != nil {
		return err
	}

	mountFd, err := unix.Fsmount(fsfd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(mountFd)

	return unix.MoveMount(mountFd, "", unix.AT_FDCWD, dest, unix.MOVE_MOUNT_F_EMPTY_PATH)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// BindMount recursively clones from onto to via open_tree/move_mount, used
// by magicmount for the parts of its tree that need no overlay layering.
// Mirrors bind_mount/do_bind_mount.
func BindMount(from, to string) error {
	fd, err := unix.OpenTree(unix.AT_FDCWD, from, unix.OPEN_TREE_CLOEXEC|unix.OPEN_TREE_CLONE|unix.AT_RECURSIVE)
	if err != nil {
		return xerrors.Newf(xerrors.KindMount, "overlaymount.BindMount", err, "open_tree %s", from)
	}
	defer unix.Close(fd)

	if err := unix.MoveMount(fd, "", unix.AT_FDCWD, to, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return xerrors.Newf(xerrors.KindMount, "overlaymount.BindMount", err, "move_mount to %s", to)
	}
	return nil
}

// mountOverlayChild restores a single stashed sub-mount under a
// newly-overlaid root: if no module contributes anything under its
// relative path, the original mount is simply moved back into place;
// otherwise a nested overlay is attempted with the stashed mount as its
// base layer, falling back to a plain restore if that
// nested overlay fails. Mirrors mount_overlay_child.
func mountOverlayChild(mountPoint, relative string, moduleRoots []string, stockFd int, disableUmount bool) error {
	relClean := strings.TrimPrefix(relative, "/")

	hasModification := false
	for _, lower := range moduleRoots {
		if pathExists(filepath.Join(lower, relClean)) {
			hasModification = true
			break
		}
	}

	restoreStock := func() error {
		return unix.MoveMount(stockFd, "", unix.AT_FDCWD, mountPoint, unix.MOVE_MOUNT_F_EMPTY_PATH)
	}

	if !hasModification {
		return restoreStock()
	}

	var lowerDirs []string
	for _, lower := range moduleRoots {
		path := filepath.Join(lower, relClean)
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			lowerDirs = append(lowerDirs, path)
		} else if err == nil {
			// A module ships a non-directory at this path (e.g. a file
			// replacing what's normally a directory): leave the submount
			// untouched rather than guess at a layering strategy.
			return nil
		}
	}
	if len(lowerDirs) == 0 {
		return nil
	}

	stockMagicPath := fmt.Sprintf("/proc/self/fd/%d", stockFd)
	if err := mountOverlayFS(lowerDirs, stockMagicPath, "", "", mountPoint, disableUmount); err != nil {
		return restoreStock()
	}
	return nil
}
