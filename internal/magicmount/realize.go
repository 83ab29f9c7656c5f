package magicmount

import (
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hybridmount/mountd/internal/overlaymount"
	"github.com/hybridmount/mountd/internal/xattrutil"
	"github.com/hybridmount/mountd/internal/xerrors"
)

// doMagicMount realizes a single Node against the live filesystem,
// mirroring do_magic_mount(live_path, work_path, node, has_tmpfs): once an
// ancestor directory has decided it needs a tmpfs workspace, every node
// below it is populated into workPath instead of mounted directly onto
// livePath, because a live directory structure can't otherwise be made to
// disagree with what's actually there.
func doMagicMount(livePath, workPath string, node *Node, hasTmpfs bool) error {
	switch node.FileType {
	case FileTypeWhiteout:
		// Absence is achieved by simply not creating this entry in the
		// enclosing tmpfs; nothing to mount outside one either.
		return nil
	case FileTypeRegularFile:
		return mountRegularNode(livePath, workPath, node, hasTmpfs)
	case FileTypeSymlink:
		return mountSymlinkNode(workPath, node, hasTmpfs)
	case FileTypeDirectory:
		return mountDirectoryNode(livePath, workPath, node, hasTmpfs)
	default:
		return nil
	}
}

// mountRegularNode bind-mounts the module's file onto the live path (if no
// ancestor tmpfs is active) or onto the corresponding path inside the
// active tmpfs, then remounts it read-only.
func mountRegularNode(livePath, workPath string, node *Node, hasTmpfs bool) error {
	dest := livePath
	if hasTmpfs {
		dest = workPath
		if err := touchFile(dest); err != nil {
			return err
		}
	} else if !pathExists(dest) {
		return xerrors.Newf(xerrors.KindInvariant, "magicmount.mountRegularNode", ErrLiveTargetMissing, "%s", dest)
	}

	if err := overlaymount.BindMount(node.ModulePath, dest); err != nil {
		return xerrors.Newf(xerrors.KindMount, "magicmount.mountRegularNode", err, "%s", dest)
	}
	return remountReadOnlyBind(dest)
}

// mountSymlinkNode clones a module-contributed symlink into the tmpfs
// workspace. A live symlink can never be bind-mounted over, so this is
// only reachable once an ancestor directory has already created a tmpfs
// (dirNeedsTmpfs forces one whenever a child is a Symlink).
func mountSymlinkNode(workPath string, node *Node, hasTmpfs bool) error {
	if !hasTmpfs {
		return xerrors.Newf(xerrors.KindInvariant, "magicmount.mountSymlinkNode", ErrSymlinkNeedsTmpfs, "%s", workPath)
	}
	target, err := os.Readlink(node.ModulePath)
	if err != nil {
		return xerrors.New(xerrors.KindIO, "magicmount.mountSymlinkNode", err)
	}
	_ = os.Remove(workPath)
	if err := os.Symlink(target, workPath); err != nil {
		return xerrors.New(xerrors.KindIO, "magicmount.mountSymlinkNode", err)
	}
	return nil
}

// mountDirectoryNode decides whether node needs a fresh tmpfs workspace
// rooted at workPath: if not, its module-declared children are realized
// directly against the corresponding live children with no new layer; if
// so, workPath is populated (module children plus a mirror of every
// live-only child), remounted read-only, and move-mounted onto livePath.
func mountDirectoryNode(livePath, workPath string, node *Node, hasTmpfs bool) error {
	if !dirNeedsTmpfs(livePath, node) {
		var firstErr error
		for name, child := range node.Children {
			err := doMagicMount(filepath.Join(livePath, name), filepath.Join(workPath, name), child, hasTmpfs)
			if err == nil {
				continue
			}
			if hasTmpfs {
				// Inside a tmpfs subtree a partial failure leaves the
				// workspace in an inconsistent state: fatal per spec.md §4.6.4.
				return err
			}
			// Outside any tmpfs, only live bind mounts are involved:
			// contain the failure and keep going.
			if firstErr == nil {
				firstErr = err
			}
		}
		return nil
	}

	if err := os.MkdirAll(workPath, 0o755); err != nil {
		return xerrors.New(xerrors.KindIO, "magicmount.mountDirectoryNode", err)
	}
	if err := cloneDirMetadata(livePath, workPath); err != nil {
		return err
	}
	if err := selfBindMount(workPath); err != nil {
		return err
	}

	handled := map[string]bool{}
	names := make([]string, 0, len(node.Children))
	for name := range node.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		handled[name] = true
		child := node.Children[name]
		if err := doMagicMount(filepath.Join(livePath, name), filepath.Join(workPath, name), child, true); err != nil {
			return err
		}
	}

	liveNames, _ := listLiveChildren(livePath)
	for _, name := range liveNames {
		if handled[name] {
			continue
		}
		if err := mirrorLiveChild(filepath.Join(livePath, name), filepath.Join(workPath, name)); err != nil {
			return err
		}
	}

	if err := remountReadOnlyBind(workPath); err != nil {
		return err
	}
	if err := moveMount(workPath, livePath); err != nil {
		return xerrors.Newf(xerrors.KindMount, "magicmount.mountDirectoryNode", err, "%s -> %s", workPath, livePath)
	}
	if err := unix.Mount("", livePath, "", unix.MS_PRIVATE, ""); err != nil {
		return xerrors.New(xerrors.KindMount, "magicmount.mountDirectoryNode", err)
	}
	return nil
}

// dirNeedsTmpfs reports whether node's directory must be realized through a
// fresh tmpfs rather than bind-mounted file by file: a declared full
// replacement, any Symlink/Whiteout child (neither can be layered onto a
// live directory without a tmpfs beneath them), a child whose declared
// type disagrees with what's actually live, or a child missing on live.
func dirNeedsTmpfs(livePath string, node *Node) bool {
	if node.Replace {
		return true
	}
	for name, child := range node.Children {
		switch child.FileType {
		case FileTypeSymlink, FileTypeWhiteout:
			return true
		}
		info, err := os.Lstat(filepath.Join(livePath, name))
		if err != nil {
			return true
		}
		if !typesAgree(child.FileType, info) {
			return true
		}
	}
	return false
}

// mirrorLiveChild reproduces a live-only child (one no module touches)
// inside the active tmpfs workspace, so a directory that needed a tmpfs
// for unrelated reasons doesn't lose its other live content.
func mirrorLiveChild(livePath, workPath string) error {
	info, err := os.Lstat(livePath)
	if err != nil {
		// Nothing to mirror; the live entry vanished between listing and
		// mirroring (race with another process), not our problem to fix.
		return nil
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(livePath)
		if err != nil {
			return xerrors.New(xerrors.KindIO, "magicmount.mirrorLiveChild", err)
		}
		return os.Symlink(target, workPath)
	case info.IsDir():
		if err := os.MkdirAll(workPath, info.Mode().Perm()); err != nil {
			return xerrors.New(xerrors.KindIO, "magicmount.mirrorLiveChild", err)
		}
		if err := cloneDirMetadata(livePath, workPath); err != nil {
			return err
		}
		names, err := listLiveChildren(livePath)
		if err != nil {
			return nil
		}
		for _, name := range names {
			if err := mirrorLiveChild(filepath.Join(livePath, name), filepath.Join(workPath, name)); err != nil {
				return err
			}
		}
		return nil
	default:
		if err := touchFile(workPath); err != nil {
			return err
		}
		if err := overlaymount.BindMount(livePath, workPath); err != nil {
			return xerrors.Newf(xerrors.KindMount, "magicmount.mirrorLiveChild", err, "%s", workPath)
		}
		return remountReadOnlyBind(workPath)
	}
}

func listLiveChildren(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.New(xerrors.KindIO, "magicmount.touchFile", err)
	}
	return f.Close()
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// selfBindMount bind-mounts path onto itself so it becomes its own mount
// point, the prerequisite the kernel imposes before a later move-mount
// onto livePath can detach it.
func selfBindMount(path string) error {
	if err := unix.Mount(path, path, "", unix.MS_BIND, ""); err != nil {
		return xerrors.New(xerrors.KindMount, "magicmount.selfBindMount", err)
	}
	return nil
}

func remountReadOnlyBind(path string) error {
	if err := unix.Mount("", path, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return xerrors.New(xerrors.KindMount, "magicmount.remountReadOnlyBind", err)
	}
	return nil
}

// moveMount detaches the mount rooted at from and re-attaches it at to,
// the legacy mount(2) MS_MOVE equivalent of the new-mount-API move_mount
// overlaymount.BindMount uses for clone-style binds.
func moveMount(from, to string) error {
	return unix.Mount(from, to, "", unix.MS_MOVE, "")
}

// cloneDirMetadata copies uid/gid/mode/SELinux context from a live
// directory (or, if it doesn't exist, leaves workPath's freshly-created
// defaults alone) onto a tmpfs workspace directory being built to replace it.
func cloneDirMetadata(livePath, workPath string) error {
	info, err := os.Stat(livePath)
	if err != nil {
		return nil
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		_ = os.Chown(workPath, int(st.Uid), int(st.Gid))
	}
	_ = os.Chmod(workPath, info.Mode().Perm())
	if ctx, err := xattrutil.GetSELinuxContext(livePath); err == nil {
		_ = xattrutil.SetSELinuxContext(workPath, ctx)
	}
	return nil
}
