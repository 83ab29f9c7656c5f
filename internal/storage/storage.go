// Package storage implements the Storage Provisioner (C2): it picks a
// backing store for synced module content, preferring tmpfs, falling back
// to an ext4 loop image, and supporting an EROFS staging/pack/remount cycle,
// grounded on original_source/src/core/storage.rs.
package storage

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hybridmount/mountd/internal/config"
	"github.com/hybridmount/mountd/internal/executil"
	"github.com/hybridmount/mountd/internal/paths"
	"github.com/hybridmount/mountd/internal/xattrutil"
	"github.com/hybridmount/mountd/internal/xerrors"
)

const loopControlPath = "/dev/loop-control"

// Mode is the storage backend actually selected, which may differ from the
// configured OverlayMode (e.g. erofs_staging while the tmpfs workspace is
// still being packed).
type Mode string

const (
	ModeTmpfs        Mode = "tmpfs"
	ModeExt4         Mode = "ext4"
	ModeErofsStaging Mode = "erofs_staging"
	ModeErofs        Mode = "erofs"
)

const defaultSELinuxContext = "u:object_r:system_file:s0"

// Handle is the live storage backend, returned by Setup and consumed by the
// Controller once module sync has populated it.
type Handle struct {
	MountPoint    string
	Mode          Mode
	BackingImage  string // non-empty for ext4/erofs backends
	mountSource   string
	disableUmount bool
}

// Setup mounts and returns the storage backend for synced module content,
// following storage.rs's setup() fallback chain: tmpfs (staged, to later be
// packed as EROFS) when requested and supported; else plain tmpfs when
// CONFIG_TMPFS_XATTR is present; else an ext4 loop image as a last resort.
func Setup(ctx context.Context, p *paths.Paths, cfg config.Config, m *Metrics) (*Handle, error) {
	start := time.Now()
	target := p.StorageMount()

	if mounted(target) {
		_ = unix.Unmount(target, 0)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, xerrors.New(xerrors.KindIO, "storage.Setup", err)
	}

	useErofs := cfg.OverlayMode == config.OverlayModeErofs
	forceExt4 := cfg.OverlayMode == config.OverlayModeExt4

	if useErofs && erofsSupported() {
		if err := mountTmpfs(target, cfg.MountSource); err != nil {
			return nil, err
		}
		if m != nil {
			m.recordSetup(ctx, time.Since(start).Seconds(), false)
		}
		return &Handle{MountPoint: target, Mode: ModeErofsStaging, BackingImage: p.StorageImage(), mountSource: cfg.MountSource, disableUmount: cfg.DisableUmount}, nil
	}

	if !forceExt4 {
		if ok, err := tryTmpfs(target, cfg.MountSource); err != nil {
			return nil, err
		} else if ok {
			_ = os.Remove(p.StorageImage())
			if m != nil {
				m.recordSetup(ctx, time.Since(start).Seconds(), false)
			}
			return &Handle{MountPoint: target, Mode: ModeTmpfs, mountSource: cfg.MountSource, disableUmount: cfg.DisableUmount}, nil
		}
	}

	maxImageBytes, _ := cfg.MaxImageSizeBytes()
	if err := setupExt4Image(ctx, target, p.StorageImage(), p.ModuleRoot(), maxImageBytes); err != nil {
		return nil, err
	}
	if m != nil {
		m.recordSetup(ctx, time.Since(start).Seconds(), true)
	}
	return &Handle{MountPoint: target, Mode: ModeExt4, BackingImage: p.StorageImage(), mountSource: cfg.MountSource, disableUmount: cfg.DisableUmount}, nil
}

// Commit finalizes the storage backend after sync has populated it. Only
// the erofs_staging mode does anything here: it packs the tmpfs staging
// tree into an EROFS image, unmounts the staging tmpfs, and remounts the
// packed image read-only at the same mount point, mirroring
// StorageHandle::commit in storage.rs.
func (h *Handle) Commit(ctx context.Context, m *Metrics) error {
	if h.Mode != ModeErofsStaging {
		return nil
	}
	start := time.Now()

	if err := createErofsImage(ctx, h.MountPoint, h.BackingImage); err != nil {
		return err
	}
	if err := unix.Unmount(h.MountPoint, 0); err != nil {
		return xerrors.New(xerrors.KindMount, "storage.Commit", err)
	}
	if err := mountErofsImage(h.BackingImage, h.MountPoint); err != nil {
		return err
	}
	if err := unix.Mount("", h.MountPoint, "", unix.MS_PRIVATE, ""); err != nil {
		return xerrors.New(xerrors.KindMount, "storage.Commit", err)
	}
	h.Mode = ModeErofs
	if m != nil {
		m.recordCommit(ctx, time.Since(start).Seconds())
	}
	return nil
}

// ReleaseBackingPath best-effort removes a storage backing path (loop image
// or staging directory) during teardown/reset, grounded on the original
// implementation's nuke.rs cleanup helper. Failures are swallowed: this is
// advisory cleanup, not a correctness requirement.
func ReleaseBackingPath(path string) {
	if path == "" {
		return
	}
	_ = os.RemoveAll(path)
}

func mounted(path string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	needle := " " + filepath.Clean(path) + " "
	return contains(string(data), needle)
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func mountTmpfs(target, source string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return xerrors.New(xerrors.KindIO, "storage.mountTmpfs", err)
	}
	if err := unix.Mount(source, target, "tmpfs", 0, "mode=0755"); err != nil {
		return xerrors.New(xerrors.KindMount, "storage.mountTmpfs", err)
	}
	return nil
}

func tryTmpfs(target, source string) (bool, error) {
	if err := mountTmpfs(target, source); err != nil {
		return false, err
	}
	if !xattrutil.IsTmpfsXattrSupported() {
		_ = unix.Unmount(target, 0)
		return false, nil
	}
	return true, nil
}

func erofsSupported() bool {
	data, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return false
	}
	return contains(string(data), "erofs")
}

func setupExt4Image(ctx context.Context, target, imagePath, moduleRoot string, maxBytes int64) error {
	_ = os.Remove(imagePath)

	size := growSize(moduleRoot, maxBytes)
	f, err := os.Create(imagePath)
	if err != nil {
		return xerrors.New(xerrors.KindIO, "storage.setupExt4Image", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return xerrors.New(xerrors.KindIO, "storage.setupExt4Image", err)
	}
	f.Close()

	if _, err := executil.Run(ctx, "mkfs.ext4", "-b", "1024", imagePath); err != nil {
		return xerrors.New(xerrors.KindExternal, "storage.setupExt4Image", err)
	}
	checkImage(ctx, imagePath)
	_ = xattrutil.SetSELinuxContext(imagePath, "u:object_r:ksu_file:s0")

	mountOnce := func(ctx context.Context) error {
		return mountExt4Loop(imagePath, target)
	}
	repair := func(ctx context.Context) error {
		_, err := executil.RunAllowExitCodes(ctx, []int{0, 1, 2}, "e2fsck", "-y", "-f", imagePath)
		return err
	}
	if err := executil.RetryOnce(ctx, mountOnce, repair); err != nil {
		return xerrors.New(xerrors.KindMount, "storage.setupExt4Image", err)
	}

	return labelTree(target)
}

// growSize computes max(64MiB, ceil(1.2*total)), clamped to maxBytes when
// maxBytes is positive (internal/config's optional MaxImageSize cap).
func growSize(root string, maxBytes int64) int64 {
	const minSize = 64 * 1024 * 1024
	total := dirSize(root)
	grown := int64(math.Ceil(float64(total) * 1.2))
	if grown < minSize {
		grown = minSize
	}
	if maxBytes > 0 && grown > maxBytes {
		grown = maxBytes
	}
	return grown
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func checkImage(ctx context.Context, imagePath string) {
	_, _ = executil.RunAllowExitCodes(ctx, []int{0, 1, 2}, "e2fsck", "-y", "-f", imagePath)
}

func mountExt4Loop(imagePath, target string) error {
	devPath, err := attachLoopDevice(imagePath)
	if err != nil {
		return err
	}
	if err := unix.Mount(devPath, target, "ext4", 0, ""); err != nil {
		detachLoopDevice(devPath)
		return xerrors.New(xerrors.KindMount, "storage.mountExt4Loop", err)
	}
	return nil
}

// attachLoopDevice binds imagePath to a free /dev/loopN node and returns
// its path. The kernel mount(2) syscall requires a block-device source for
// ext4/erofs and does not itself understand a "loop" mount option — that
// auto-attach convenience lives in mount(8)/util-linux, not the kernel —
// so a regular image file must be bound to a loop device first, mirroring
// AutoMountExt4::try_new in storage.rs.
func attachLoopDevice(imagePath string) (string, error) {
	ctl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return "", xerrors.New(xerrors.KindMount, "storage.attachLoopDevice", err)
	}
	defer ctl.Close()

	devNum, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", xerrors.New(xerrors.KindMount, "storage.attachLoopDevice", err)
	}
	devPath := fmt.Sprintf("/dev/loop%d", devNum)

	img, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return "", xerrors.New(xerrors.KindIO, "storage.attachLoopDevice", err)
	}
	defer img.Close()

	loopFd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		return "", xerrors.New(xerrors.KindMount, "storage.attachLoopDevice", err)
	}
	defer unix.Close(loopFd)

	if err := unix.IoctlSetInt(loopFd, unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		return "", xerrors.New(xerrors.KindMount, "storage.attachLoopDevice", err)
	}
	return devPath, nil
}

// detachLoopDevice best-effort releases a loop binding created by
// attachLoopDevice, e.g. when the subsequent mount(2) call itself fails.
func detachLoopDevice(devPath string) {
	fd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		return
	}
	defer unix.Close(fd)
	_ = unix.IoctlSetInt(fd, unix.LOOP_CLR_FD, 0)
}

func labelTree(root string) error {
	return filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		_ = xattrutil.SetSELinuxContext(path, defaultSELinuxContext)
		return nil
	})
}

func createErofsImage(ctx context.Context, srcDir, imagePath string) error {
	mkfsPath := "mkfs.erofs"
	if _, err := os.Stat("/system/bin/mkfs.erofs"); err == nil {
		mkfsPath = "/system/bin/mkfs.erofs"
	}
	if _, err := executil.Run(ctx, mkfsPath, "-z", "lz4hc", "-x", "256", imagePath, srcDir); err != nil {
		return xerrors.New(xerrors.KindExternal, "storage.createErofsImage", err)
	}
	_ = os.Chmod(imagePath, 0o644)
	_ = xattrutil.SetSELinuxContext(imagePath, "u:object_r:ksu_file:s0")
	return nil
}

func mountErofsImage(imagePath, target string) error {
	devPath, err := attachLoopDevice(imagePath)
	if err != nil {
		return err
	}
	if err := unix.Mount(devPath, target, "erofs", unix.MS_RDONLY, "ro,nodev,noatime"); err != nil {
		detachLoopDevice(devPath)
		return xerrors.New(xerrors.KindMount, "storage.mountErofsImage", err)
	}
	return nil
}
