package sorter_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/ccindex/pkg/ccrow"
	"github.com/kalbasit/ccindex/pkg/sorter"
)

func writeUnsortedShard(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := parquet.NewGenericWriter[ccrow.Row](f)

	rows := []ccrow.Row{
		{HostRev: "gov,whitehouse,www", URL: "https://www.whitehouse.gov/c", Timestamp: "3"},
		{HostRev: "gov,example", URL: "https://example.gov/a", Timestamp: "1"},
		{HostRev: "gov,whitehouse,www", URL: "https://www.whitehouse.gov/a", Timestamp: "2"},
	}

	_, err = w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestSortShard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	shardPath := filepath.Join(dir, "cdx-00001.gz.parquet")

	writeUnsortedShard(t, shardPath)

	err := sorter.SortShard(context.Background(), shardPath, "CC-MAIN-2024-10", "cdx-00001.gz", sorter.Options{
		MemoryLimitBytes: 256 << 20,
		Threads:          1,
		SpillDir:         filepath.Join(dir, "spill"),
	})
	require.NoError(t, err)

	assert.FileExists(t, sorter.MarkerPath(shardPath))
	assert.True(t, sorter.IsSorted(shardPath))

	f, err := os.Open(shardPath)
	require.NoError(t, err)
	defer f.Close()

	info, err := f.Stat()
	require.NoError(t, err)

	pf, err := parquet.OpenFile(f, info.Size())
	require.NoError(t, err)

	r := parquet.NewGenericReader[ccrow.Row](pf)
	defer r.Close() //nolint:errcheck

	rows := make([]ccrow.Row, 3)
	n, _ := r.Read(rows)
	require.Equal(t, 3, n)

	for i := 1; i < len(rows); i++ {
		less := rows[i-1].HostRev < rows[i].HostRev ||
			(rows[i-1].HostRev == rows[i].HostRev && rows[i-1].URL <= rows[i].URL)
		assert.True(t, less, "row %d out of order relative to %d", i, i-1)
	}
}

func TestSortShard_SkipsAlreadySorted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	shardPath := filepath.Join(dir, "cdx-00002.gz.parquet")

	writeUnsortedShard(t, shardPath)
	require.NoError(t, os.WriteFile(sorter.MarkerPath(shardPath), nil, 0o600))

	before, err := os.ReadFile(shardPath)
	require.NoError(t, err)

	err = sorter.SortShard(context.Background(), shardPath, "CC-MAIN-2024-10", "cdx-00002.gz", sorter.Options{})
	require.NoError(t, err)

	after, err := os.ReadFile(shardPath)
	require.NoError(t, err)

	assert.Equal(t, before, after, "already-sorted shard must not be rewritten")
}
