package magicmount

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"

	"github.com/hybridmount/mountd/internal/xattrutil"
)

func TestClassifyRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	ft, err := classify(path)
	require.NoError(t, err)
	require.Equal(t, FileTypeRegularFile, ft)
}

func TestClassifyDirectory(t *testing.T) {
	dir := t.TempDir()
	ft, err := classify(dir)
	require.NoError(t, err)
	require.Equal(t, FileTypeDirectory, ft)
}

func TestClassifySymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	ft, err := classify(link)
	require.NoError(t, err)
	require.Equal(t, FileTypeSymlink, ft)
}

func TestClassifyWhiteoutCharDeviceWithZeroRdev(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whiteout")
	if err := unix.Mknod(path, unix.S_IFCHR|0o600, 0); err != nil {
		t.Skipf("mknod not permitted in this environment: %v", err)
	}

	ft, err := classify(path)
	require.NoError(t, err)
	require.Equal(t, FileTypeWhiteout, ft)
}

func TestClassifyMissingPathIsError(t *testing.T) {
	_, err := classify(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestReplaceMarkerExists(t *testing.T) {
	dir := t.TempDir()
	require.False(t, replaceMarkerExists(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".replace"), nil, 0o644))
	require.True(t, replaceMarkerExists(dir))
}

func TestReplaceMarkerExistsViaOpaqueXattrAlone(t *testing.T) {
	dir := t.TempDir()
	require.False(t, replaceMarkerExists(dir))
	if err := xattrutil.SetOverlayOpaque(dir); err != nil {
		t.Skipf("opaque xattr unsupported on this filesystem: %v", err)
	}
	require.True(t, replaceMarkerExists(dir), "a synced .replace directory keeps the marker AND gains the opaque xattr; either alone must be recognized")
}

func TestCountNodesCountsEntireSubtree(t *testing.T) {
	root := newNode("system", FileTypeDirectory)
	root.Children["bin"] = newNode("bin", FileTypeDirectory)
	root.Children["bin"].Children["tool"] = newNode("tool", FileTypeRegularFile)
	root.Children["lib"] = newNode("lib", FileTypeDirectory)

	require.Equal(t, int64(4), countNodes(root))
}

func TestCollectModuleFilesReturnsNilWhenNoModuleHasSystemContent(t *testing.T) {
	empty := t.TempDir()
	root, err := CollectModuleFiles([]string{empty}, nil)
	require.NoError(t, err)
	require.Nil(t, root)
}

func TestCollectModuleFilesMergesSingleModuleSystemTree(t *testing.T) {
	modRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(modRoot, "system", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modRoot, "system", "bin", "tool"), []byte("x"), 0o644))

	root, err := CollectModuleFiles([]string{modRoot}, nil)
	require.NoError(t, err)
	require.NotNil(t, root)

	system, ok := root.Children["system"]
	require.True(t, ok)
	bin, ok := system.Children["bin"]
	require.True(t, ok)
	_, ok = bin.Children["tool"]
	require.True(t, ok)
}
