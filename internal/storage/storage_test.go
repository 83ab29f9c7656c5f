package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContainsFindsSubstringBoundedByNeedle(t *testing.T) {
	require.True(t, contains("nodev overlay\nerofs\next4\n", "erofs"))
	require.False(t, contains("nodev overlay\next4\n", "erofs"))
	require.True(t, contains("", ""))
}

func TestDirSizeSumsRegularFilesRecursively(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), make([]byte, 100), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b"), make([]byte, 250), 0o644))

	require.Equal(t, int64(350), dirSize(root))
}

func TestDirSizeMissingDirIsZero(t *testing.T) {
	require.Equal(t, int64(0), dirSize(filepath.Join(t.TempDir(), "does-not-exist")))
}

func TestGrowSizeEnforcesMinimumFloor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "tiny"), []byte("x"), 0o644))

	require.Equal(t, int64(64*1024*1024), growSize(root, 0))
}

func TestGrowSizeAddsTwentyPercentHeadroomAboveFloor(t *testing.T) {
	root := t.TempDir()
	big := make([]byte, 100*1024*1024)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big"), big, 0o644))

	got := growSize(root, 0)
	require.Greater(t, got, int64(len(big)))
	require.InDelta(t, float64(len(big))*1.2, float64(got), float64(len(big))*0.01)
}

func TestGrowSizeClampsToMaxBytesCap(t *testing.T) {
	root := t.TempDir()
	big := make([]byte, 100*1024*1024)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big"), big, 0o644))

	cap := int64(90 * 1024 * 1024)
	require.Equal(t, cap, growSize(root, cap))
}
