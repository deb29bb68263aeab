package shardindex_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/ccindex/pkg/ccrow"
	"github.com/kalbasit/ccindex/pkg/duckdbconn"
	"github.com/kalbasit/ccindex/pkg/shardindex"
)

func writeSortedShard(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := parquet.NewGenericWriter[ccrow.Row](f, parquet.MaxRowsPerRowGroup(2))

	rows := []ccrow.Row{
		{Host: "example.gov", HostRev: "gov,example", URL: "https://example.gov/a"},
		{Host: "www.whitehouse.gov", HostRev: "gov,whitehouse,www", URL: "https://www.whitehouse.gov/a"},
		{Host: "www.whitehouse.gov", HostRev: "gov,whitehouse,www", URL: "https://www.whitehouse.gov/b"},
	}

	_, err = w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, os.WriteFile(path+".sorted", nil, 0o600))
}

func TestIndexShard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	shardPath := filepath.Join(dir, "cdx-00001.gz.parquet")
	writeSortedShard(t, shardPath)

	dbPath := filepath.Join(dir, "collection.duckdb")

	err := shardindex.IndexShard(context.Background(), dbPath, shardindex.Shard{
		Path:           shardPath,
		ParquetRelpath: "CC-MAIN-2024-10/cdx-00001.gz.parquet",
		Collection:     "CC-MAIN-2024-10",
		Year:           "2024",
		ShardFile:      "cdx-00001.gz",
	})
	require.NoError(t, err)

	db, err := duckdbconn.OpenReadOnly(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	var distinctHosts int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM domain_shards`).Scan(&distinctHosts))
	assert.Equal(t, 2, distinctHosts)

	var ingestedRows int64
	require.NoError(t, db.QueryRow(`SELECT rows FROM ingested_files WHERE path = ?`, shardPath).Scan(&ingestedRows))
	assert.Equal(t, int64(3), ingestedRows)

	// Re-indexing the unchanged shard is a no-op: ingested_files row stays put.
	err = shardindex.IndexShard(context.Background(), dbPath, shardindex.Shard{
		Path:           shardPath,
		ParquetRelpath: "CC-MAIN-2024-10/cdx-00001.gz.parquet",
		Collection:     "CC-MAIN-2024-10",
		Year:           "2024",
		ShardFile:      "cdx-00001.gz",
	})
	require.NoError(t, err)

	var again int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM domain_shards`).Scan(&again))
	assert.Equal(t, 2, again)
}

func TestIndexShard_RejectsUnsortedShard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	shardPath := filepath.Join(dir, "cdx-00002.gz.parquet")

	f, err := os.Create(shardPath)
	require.NoError(t, err)

	w := parquet.NewGenericWriter[ccrow.Row](f)
	_, err = w.Write([]ccrow.Row{{HostRev: "gov,example"}})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	err = shardindex.IndexShard(context.Background(), filepath.Join(dir, "collection.duckdb"), shardindex.Shard{
		Path:           shardPath,
		ParquetRelpath: "CC-MAIN-2024-10/cdx-00002.gz.parquet",
		Collection:     "CC-MAIN-2024-10",
		ShardFile:      "cdx-00002.gz",
	})
	require.Error(t, err)
}
