// Package sync implements the Sync component (C3): it copies each enabled
// module's content into the storage backend, pruning modules that were
// removed since the last boot and propagating overlay opaque markers,
// grounded on original_source/src/core/ops/sync.rs.
package sync

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/hybridmount/mountd/internal/module"
	"github.com/hybridmount/mountd/internal/xattrutil"
	"github.com/hybridmount/mountd/internal/xerrors"
)

// maxCopyDepth bounds recursive tree copying on filesystems without stable
// inodes (e.g. a bind-mounted tmpfs), where the (device, inode) cycle
// detector below can't ever trip.
const maxCopyDepth = 64

// dirKey identifies a directory by (device, inode) for cycle detection
// during recursive copy, matching spec.md §4.3/§9's "cyclic module trees"
// defense.
type dirKey struct {
	dev, ino uint64
}

var keepNames = map[string]bool{
	"lost+found":  true,
	"meta-hybrid": true,
}

const replaceMarkerFile = ".replace"

// Perform syncs every module's content into targetBase, first pruning any
// previously-synced module directory that is no longer active. It mirrors
// perform_sync's prune-then-parallel-copy-then-atomic-commit structure. A
// module whose sync fails is logged and skipped; the others still sync.
func Perform(ctx context.Context, modules []module.Module, targetBase string, m *Metrics) error {
	start := time.Now()

	prunedBefore, err := countEntries(targetBase)
	if err != nil {
		return err
	}
	if err := pruneOrphaned(targetBase, modules); err != nil {
		return err
	}
	prunedAfter, _ := countEntries(targetBase)
	pruned := int64(prunedBefore - prunedAfter)
	if pruned < 0 {
		pruned = 0
	}

	var syncedCount atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, mod := range modules {
		mod := mod
		g.Go(func() error {
			synced, err := syncModule(mod, targetBase)
			if synced {
				syncedCount.Add(1)
			}
			if err != nil {
				slog.Warn("sync: module skipped after failure", "module", mod.ID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if m != nil {
		m.recordSync(ctx, time.Since(start).Seconds(), syncedCount.Load(), pruned)
	}
	return nil
}

func countEntries(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, xerrors.New(xerrors.KindIO, "sync.countEntries", err)
	}
	return len(entries), nil
}

func pruneOrphaned(targetBase string, modules []module.Module) error {
	active := make(map[string]bool, len(modules))
	for _, m := range modules {
		active[m.ID] = true
	}

	entries, err := os.ReadDir(targetBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.New(xerrors.KindIO, "sync.pruneOrphaned", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if keepNames[name] || strings.HasPrefix(name, ".") {
			continue
		}
		if active[name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(targetBase, name)); err != nil {
			return xerrors.New(xerrors.KindIO, "sync.pruneOrphaned", err)
		}
	}
	return nil
}

func syncModule(m module.Module, targetBase string) (bool, error) {
	if !hasContent(m.SourcePath) {
		return false, nil
	}

	dst, err := securejoin.SecureJoin(targetBase, m.ID)
	if err != nil {
		return false, xerrors.Newf(xerrors.KindIO, "sync.syncModule", err, "%s", m.ID)
	}

	if !shouldSync(m.SourcePath, dst) {
		return false, nil
	}

	tmp := filepath.Join(targetBase, ".tmp_"+m.ID)
	_ = os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return false, xerrors.New(xerrors.KindIO, "sync.syncModule", err)
	}

	if err := copyTree(m.SourcePath, tmp); err != nil {
		os.RemoveAll(tmp)
		return false, err
	}
	if err := pruneEmptyDirs(tmp); err != nil {
		os.RemoveAll(tmp)
		return false, err
	}
	if err := applyOverlayOpaqueFlags(tmp); err != nil {
		os.RemoveAll(tmp)
		return false, err
	}

	if err := commitSyncedDir(tmp, dst, m.ID, targetBase); err != nil {
		return false, err
	}
	return true, nil
}

// hasContent reports whether any subdirectory under source has files,
// meaning this module actually contributes content to mount. The
// subdirectory's name is not checked against the known partitions.
func hasContent(source string) bool {
	entries, err := os.ReadDir(source)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if dirHasAnyFile(filepath.Join(source, e.Name())) {
			return true
		}
	}
	return false
}

func dirHasAnyFile(dir string) bool {
	found := false
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// shouldSync reports whether dst needs refreshing: it's missing, or the
// module.prop contents differ between source and the last sync.
func shouldSync(src, dst string) bool {
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return true
	}
	srcProp, errA := os.ReadFile(filepath.Join(src, "module.prop"))
	dstProp, errB := os.ReadFile(filepath.Join(dst, "module.prop"))
	if errA != nil || errB != nil {
		return true
	}
	return string(srcProp) != string(dstProp)
}

// copyTree recursively clones src into dst: directories are created and
// recursed into (tracking visited (device, inode) pairs plus a depth cap
// against cycles), symlinks are read and recreated, every character device
// (including rdev-0 overlay whiteouts) is cloned via mknod, and everything
// else is copied by copyFile.
func copyTree(src, dst string) error {
	seen := map[dirKey]bool{}
	return copyTreeLevel(src, dst, seen, 0)
}

func copyTreeLevel(src, dst string, seen map[dirKey]bool, depth int) error {
	if depth > maxCopyDepth {
		return xerrors.Newf(xerrors.KindInvariant, "sync.copyTreeLevel", ErrCopyDepthExceeded, "%s", src)
	}

	info, err := os.Lstat(src)
	if err != nil {
		return xerrors.New(xerrors.KindIO, "sync.copyTreeLevel", err)
	}

	if info.IsDir() {
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			key := dirKey{dev: uint64(st.Dev), ino: st.Ino}
			if seen[key] {
				return nil
			}
			seen[key] = true
		}
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return xerrors.New(xerrors.KindIO, "sync.copyTreeLevel", err)
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return xerrors.New(xerrors.KindIO, "sync.copyTreeLevel", err)
		}
		for _, e := range entries {
			childSrc := filepath.Join(src, e.Name())
			childDst, err := securejoin.SecureJoin(dst, e.Name())
			if err != nil {
				return xerrors.New(xerrors.KindIO, "sync.copyTreeLevel", err)
			}
			if err := copyTreeLevel(childSrc, childDst, seen, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		linkTarget, err := os.Readlink(src)
		if err != nil {
			return xerrors.New(xerrors.KindIO, "sync.copyTreeLevel", err)
		}
		return os.Symlink(linkTarget, dst)
	case info.Mode()&os.ModeCharDevice != 0:
		return cloneCharDevice(src, dst, info)
	default:
		return copyFile(src, dst, info.Mode().Perm())
	}
}

// cloneCharDevice recreates a character-device node at dst via mknod,
// preserving its major/minor numbers. A rdev of 0 is how modules encode an
// overlay whiteout (spec.md §4.3, GLOSSARY "Whiteout"), so the clone must
// carry rdev through rather than collapsing to a regular file.
func cloneCharDevice(src, dst string, info os.FileInfo) error {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return xerrors.Newf(xerrors.KindIO, "sync.cloneCharDevice", ErrNoStatT, "%s", src)
	}
	_ = os.Remove(dst)
	mode := uint32(info.Mode().Perm()) | unix.S_IFCHR
	if err := unix.Mknod(dst, mode, int(st.Rdev)); err != nil {
		return xerrors.New(xerrors.KindIO, "sync.cloneCharDevice", err)
	}
	return nil
}

// copyFile clones a regular file, attempting a reflink (copy-on-write)
// clone first and falling back to a plain byte copy when the filesystem or
// kernel doesn't support it (e.g. not btrfs/xfs/overlayfs-with-reflink, or
// the two files live on different devices).
func copyFile(src, dst string, perm os.FileMode) error {
	if reflinkCopy(src, dst, perm) {
		return xattrutil.CopyExtendedAttributes(src, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return xerrors.New(xerrors.KindIO, "sync.copyFile", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return xerrors.New(xerrors.KindIO, "sync.copyFile", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return xerrors.New(xerrors.KindIO, "sync.copyFile", err)
	}
	if err := xattrutil.CopyExtendedAttributes(src, dst); err != nil {
		return err
	}
	return nil
}

// reflinkCopy attempts a copy-on-write clone via the FICLONE ioctl,
// reporting whether it succeeded. Any failure (unsupported filesystem,
// cross-device, missing ioctl) is silently treated as "try the plain path
// instead" since reflink is a pure performance optimization here.
func reflinkCopy(src, dst string, perm os.FileMode) bool {
	in, err := os.Open(src)
	if err != nil {
		return false
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return false
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		_ = os.Remove(dst)
		return false
	}
	return true
}

func pruneEmptyDirs(root string) error {
	var walk func(dir string) (bool, error)
	walk = func(dir string) (bool, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return false, err
		}
		empty := true
		for _, e := range entries {
			if e.IsDir() {
				childEmpty, err := walk(filepath.Join(dir, e.Name()))
				if err != nil {
					return false, err
				}
				if childEmpty {
					if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
						return false, err
					}
					continue
				}
			}
			empty = false
		}
		return empty && dir != root, nil
	}
	_, err := walk(root)
	return err
}

// applyOverlayOpaqueFlags walks tmp for a .replace marker file left by a
// module to declare "hide the lower layer's version of this directory",
// setting the overlay opaque xattr on the marker's parent directory. The
// marker file itself is left in place (not removed): magic mount's
// replace-flag detection reads it directly off the synced tree, alongside
// the xattr, matching the original's inventory model which treats either
// signal as equally authoritative.
func applyOverlayOpaqueFlags(tmp string) error {
	return filepath.Walk(tmp, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if filepath.Base(path) != replaceMarkerFile {
			return nil
		}
		return xattrutil.SetOverlayOpaque(filepath.Dir(path))
	})
}

// commitSyncedDir atomically swaps tmp into dst, keeping a rollback copy
// until the swap has fully succeeded.
func commitSyncedDir(tmp, dst, moduleID, targetBase string) error {
	backup := filepath.Join(targetBase, ".backup_"+moduleID)
	_ = os.RemoveAll(backup)

	hadExisting := false
	if _, err := os.Stat(dst); err == nil {
		if err := os.Rename(dst, backup); err != nil {
			return xerrors.New(xerrors.KindIO, "sync.commitSyncedDir", err)
		}
		hadExisting = true
	}

	if err := os.Rename(tmp, dst); err != nil {
		if hadExisting {
			_ = os.Rename(backup, dst)
		}
		return xerrors.New(xerrors.KindIO, "sync.commitSyncedDir", err)
	}

	if hadExisting {
		_ = os.RemoveAll(backup)
	}
	return nil
}
