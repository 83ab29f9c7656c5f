package overlaymount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkLowerdirsStaysWithinLimit(t *testing.T) {
	dirs := make([]string, 50)
	for i := range dirs {
		dirs[i] = strings.Repeat("x", 80)
	}

	batches := chunkLowerdirs(dirs, SafeChunkSize)
	require.NotEmpty(t, batches)

	var total int
	for _, batch := range batches {
		joined := strings.Join(batch, ":")
		require.LessOrEqual(t, len(joined), SafeChunkSize)
		total += len(batch)
	}
	require.Equal(t, len(dirs), total)
}

func TestChunkLowerdirsSingleBatchWhenSmall(t *testing.T) {
	dirs := []string{"/a", "/b", "/c"}
	batches := chunkLowerdirs(dirs, SafeChunkSize)
	require.Len(t, batches, 1)
	require.Equal(t, dirs, batches[0])
}

func TestChunkLowerdirsEmpty(t *testing.T) {
	require.Empty(t, chunkLowerdirs(nil, SafeChunkSize))
}

func TestParseSubMountsFiltersParentAndManaged(t *testing.T) {
	lines := []string{
		"tmpfs / tmpfs rw 0 0",
		"tmpfs /system tmpfs rw 0 0",
		"tmpfs /system/lib tmpfs rw 0 0",
		"tmpfs /system/lib/hybrid_mount_run tmpfs rw 0 0",
		"tmpfs /systemx/other tmpfs rw 0 0",
	}
	subs := parseSubMounts(lines, "/system")
	require.Equal(t, []string{"/system/lib"}, subs)
}

func TestParseSubMountsSortsShortestFirst(t *testing.T) {
	lines := []string{
		"tmpfs /vendor/a/b/c tmpfs rw 0 0",
		"tmpfs /vendor/a tmpfs rw 0 0",
		"tmpfs /vendor/a/b tmpfs rw 0 0",
	}
	subs := parseSubMounts(lines, "/vendor")
	require.Equal(t, []string{"/vendor/a", "/vendor/a/b", "/vendor/a/b/c"}, subs)
}
