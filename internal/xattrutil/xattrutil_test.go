package xattrutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// requireTrustedXattrSupport skips the test when the trusted.* xattr
// namespace isn't usable in this environment (needs CAP_SYS_ADMIN and a
// backing filesystem that supports it) rather than failing — these tests
// exercise real syscalls the sandbox this module is tested in may not grant.
func requireTrustedXattrSupport(t *testing.T, dir string) {
	t.Helper()
	if err := SetOverlayOpaque(dir); err != nil {
		t.Skipf("trusted.* xattr namespace unavailable in this environment: %v", err)
	}
}

func TestSetAndIsOverlayOpaque(t *testing.T) {
	dir := t.TempDir()
	requireTrustedXattrSupport(t, dir)
	require.True(t, IsOverlayOpaque(dir))
}

func TestIsOverlayOpaqueFalseWhenUnset(t *testing.T) {
	dir := t.TempDir()
	require.False(t, IsOverlayOpaque(dir))
}

func TestSetAndGetSELinuxContext(t *testing.T) {
	dir := t.TempDir()
	const ctx = "u:object_r:system_file:s0"
	if err := SetSELinuxContext(dir, ctx); err != nil {
		t.Skipf("security.selinux xattr unavailable in this environment: %v", err)
	}
	got, err := GetSELinuxContext(dir)
	require.NoError(t, err)
	require.Equal(t, ctx, got)
}

func TestGetSELinuxContextErrorsWhenUnset(t *testing.T) {
	dir := t.TempDir()
	_, err := GetSELinuxContext(dir)
	require.Error(t, err)
}

func TestCopyExtendedAttributesIsBestEffortWithNoSourceAttrs(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, CopyExtendedAttributes(src, dst))
}

func TestCopyExtendedAttributesPropagatesOpaqueMarker(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	requireTrustedXattrSupport(t, src)

	require.NoError(t, CopyExtendedAttributes(src, dst))
	require.True(t, IsOverlayOpaque(dst))
}

func TestIsTmpfsXattrSupportedDoesNotPanic(t *testing.T) {
	_ = IsTmpfsXattrSupported()
}

func TestProbeProcConfigGracefulWhenAbsent(t *testing.T) {
	if _, err := os.Stat("/proc/config.gz"); err == nil {
		t.Skip("this host exposes /proc/config.gz; probeProcConfig's negative path isn't exercised here")
	}
	supported, ok := probeProcConfig()
	require.False(t, ok)
	require.False(t, supported)
}
