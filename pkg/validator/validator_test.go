package validator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/ccindex/pkg/ccrow"
	"github.com/kalbasit/ccindex/pkg/shardindex"
	"github.com/kalbasit/ccindex/pkg/validator"
)

type fakeManifest struct {
	count int
	ok    bool
}

func (f fakeManifest) ExpectedShardCount(context.Context, string) (int, bool, error) {
	return f.count, f.ok, nil
}

func TestValidate_CleanCollection(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	collection := "CC-MAIN-2024-33"

	ccindexDir := filepath.Join(root, "ccindex", collection)
	require.NoError(t, os.MkdirAll(ccindexDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ccindexDir, "cdx-00001.gz"), []byte("x"), 0o600))

	parquetDir := filepath.Join(root, "parquet", collection)
	require.NoError(t, os.MkdirAll(parquetDir, 0o755))

	shardPath := filepath.Join(parquetDir, "cdx-00001.gz.parquet")

	f, err := os.Create(shardPath)
	require.NoError(t, err)

	w := parquet.NewGenericWriter[ccrow.Row](f)
	_, err = w.Write([]ccrow.Row{{Host: "example.gov", HostRev: "gov,example"}})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(shardPath+".sorted", nil, 0o600))

	duckdbRoot := filepath.Join(root, "duckdb")
	dbPath := filepath.Join(duckdbRoot, "cc_pointers_by_collection", collection+".duckdb")

	require.NoError(t, shardindex.IndexShard(context.Background(), dbPath, shardindex.Shard{
		Path:           shardPath,
		ParquetRelpath: collection + "/cdx-00001.gz.parquet",
		Collection:     collection,
		Year:           "2024",
		ShardFile:      "cdx-00001.gz",
	}))

	cfg := validator.Config{
		CCIndexRoot: filepath.Join(root, "ccindex"),
		ParquetRoot: filepath.Join(root, "parquet"),
		DuckDBRoot:  duckdbRoot,
	}

	status, err := validator.Validate(context.Background(), cfg, collection, "2024", fakeManifest{count: 1, ok: true})
	require.NoError(t, err)

	assert.Equal(t, 1, status.ShardCountDownloaded)
	assert.Equal(t, 1, status.ShardCountConverted)
	assert.Equal(t, 1, status.ShardCountSorted)
	assert.Equal(t, 1, status.ShardCountIndexed)
	assert.True(t, status.CollectionDBPresent)
	assert.False(t, status.YearDBPresent)
	assert.False(t, status.MasterDBPresent)
	assert.Empty(t, status.Anomalies)
	assert.True(t, status.ExpectedShardsKnown)
	assert.True(t, status.OK())
}

func TestValidate_GhostShard(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	collection := "CC-MAIN-2024-33"

	parquetDir := filepath.Join(root, "parquet", collection)
	require.NoError(t, os.MkdirAll(parquetDir, 0o755))

	shardPath := filepath.Join(parquetDir, "cdx-00001.gz.parquet")

	f, err := os.Create(shardPath)
	require.NoError(t, err)

	w := parquet.NewGenericWriter[ccrow.Row](f)
	_, err = w.Write([]ccrow.Row{{Host: "example.gov", HostRev: "gov,example"}})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(shardPath+".sorted", nil, 0o600))

	duckdbRoot := filepath.Join(root, "duckdb")
	dbPath := filepath.Join(duckdbRoot, "cc_pointers_by_collection", collection+".duckdb")

	require.NoError(t, shardindex.IndexShard(context.Background(), dbPath, shardindex.Shard{
		Path:           shardPath,
		ParquetRelpath: collection + "/cdx-00001.gz.parquet",
		Collection:     collection,
		Year:           "2024",
		ShardFile:      "cdx-00001.gz",
	}))

	// The shard is removed from disk after indexing: domain_shards still
	// references it, reproducing the ghost-file regression scenario.
	require.NoError(t, os.Remove(shardPath))
	require.NoError(t, os.Remove(shardPath+".sorted"))

	cfg := validator.Config{
		CCIndexRoot: filepath.Join(root, "ccindex"),
		ParquetRoot: filepath.Join(root, "parquet"),
		DuckDBRoot:  duckdbRoot,
	}

	status, err := validator.Validate(context.Background(), cfg, collection, "2024", nil)
	require.NoError(t, err)

	require.Len(t, status.Anomalies, 1)
	assert.Contains(t, status.Anomalies[0].Message, "does not exist under PARQUET_ROOT")
	assert.False(t, status.ExpectedShardsKnown)
	assert.False(t, status.OK())
}
