// Package magicmount implements the Magic Mounter (C6): when a sensitive
// partition can't be satisfied by an overlay (the partition is itself a
// bind mount, or module content structurally disagrees with it), modules
// assigned to MountModeMagic are realized node by node through a chain of
// tmpfs workspaces and bind mounts instead. Grounded on
// original_source/src/mount/magic/mod.rs.
package magicmount

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hybridmount/mountd/internal/umount"
	"github.com/hybridmount/mountd/internal/xerrors"
)

// Options configures a single MagicMount run.
type Options struct {
	// WorkspaceRoot is the scratch directory (paths.Paths.MagicWorkspace) on
	// which MagicMount mounts a private tmpfs for the duration of the run,
	// used as the staging area for every tmpfs workspace this run creates.
	WorkspaceRoot string
	// ExtraPartitions are caller-configured partitions (beyond the builtin
	// vendor/system_ext/product/odm set) to promote to root-level children.
	ExtraPartitions []string
	// UmountScheduler, when non-nil, has every top-level live path this run
	// realizes ("/system", "/vendor", ...) enqueued with it.
	UmountScheduler *umount.Scheduler
}

// Result summarizes a completed MagicMount run.
type Result struct {
	// Touched holds the top-level live paths ("/system", "/vendor", ...)
	// that were actually realized.
	Touched []string
	// NodesRealized is the total node count across every realized subtree.
	NodesRealized int64
	// TmpfsCreated is how many directories required a fresh tmpfs workspace.
	TmpfsCreated int64
}

// MagicMount merges moduleContentPaths' system/ subtrees into a single Node
// tree and realizes it against the live filesystem rooted at "/", creating
// tmpfs workspaces only where the live tree structurally disagrees with
// what the modules declare.
func MagicMount(ctx context.Context, moduleContentPaths []string, opts Options, m *Metrics) (*Result, error) {
	start := time.Now()

	root, err := CollectModuleFiles(moduleContentPaths, opts.ExtraPartitions)
	if err != nil {
		return nil, xerrors.New(xerrors.KindIO, "magicmount.MagicMount", err)
	}
	if root == nil {
		return nil, ErrNoContent
	}

	if opts.WorkspaceRoot != "" {
		if err := os.MkdirAll(opts.WorkspaceRoot, 0o755); err != nil {
			return nil, xerrors.New(xerrors.KindIO, "magicmount.MagicMount", err)
		}
		if err := unix.Mount("tmpfs", opts.WorkspaceRoot, "tmpfs", 0, "mode=0755"); err != nil {
			return nil, xerrors.New(xerrors.KindMount, "magicmount.MagicMount", err)
		}
		defer func() {
			_ = unix.Unmount(opts.WorkspaceRoot, unix.MNT_DETACH)
			_ = os.Remove(opts.WorkspaceRoot)
		}()
		if err := unix.Mount("", opts.WorkspaceRoot, "", unix.MS_PRIVATE, ""); err != nil {
			return nil, xerrors.New(xerrors.KindMount, "magicmount.MagicMount", err)
		}
	}

	result := &Result{}

	for name, child := range root.Children {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		livePath := filepath.Join("/", name)
		workPath := filepath.Join(opts.WorkspaceRoot, name)
		if _, err := os.Stat(livePath); err != nil {
			continue
		}

		result.NodesRealized += countNodes(child)
		result.TmpfsCreated += countTmpfsDirs(livePath, child)

		if err := doMagicMount(livePath, workPath, child, false); err != nil {
			return result, xerrors.Newf(xerrors.KindMount, "magicmount.MagicMount", err, "%s", livePath)
		}
		result.Touched = append(result.Touched, livePath)

		if opts.UmountScheduler != nil {
			opts.UmountScheduler.Enqueue(livePath)
		}
	}

	if m != nil {
		m.recordMount(ctx, time.Since(start).Seconds(), result.NodesRealized, result.TmpfsCreated)
	}
	return result, nil
}

// countNodes counts every node in the tree rooted at node, for telemetry.
func countNodes(node *Node) int64 {
	var n int64 = 1
	for _, child := range node.Children {
		n += countNodes(child)
	}
	return n
}

// countTmpfsDirs counts how many directories under node will require a
// fresh tmpfs workspace, mirroring the same decision doMagicMount makes.
func countTmpfsDirs(livePath string, node *Node) int64 {
	if node.FileType != FileTypeDirectory {
		return 0
	}
	var n int64
	if dirNeedsTmpfs(livePath, node) {
		n++
	}
	for name, child := range node.Children {
		n += countTmpfsDirs(filepath.Join(livePath, name), child)
	}
	return n
}
