package metaindex_test

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
	"github.com/kalbasit/ccindex/pkg/metaindex"
	"github.com/kalbasit/ccindex/pkg/shardindex"
)

func writeCollectionDB(t *testing.T, dir, name, collection, year string, hosts []string) string {
	t.Helper()

	shardPath := filepath.Join(dir, name+".parquet")

	f, err := os.Create(shardPath)
	require.NoError(t, err)

	w := parquet.NewGenericWriter[ccrow.Row](f)

	rows := make([]ccrow.Row, 0, len(hosts))
	for _, h := range hosts {
		rows = append(rows, ccrow.Row{Host: h, HostRev: ccrow.ReverseHost(h), URL: "https://" + h + "/"})
	}

	_, err = w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(shardPath+".sorted", nil, 0o600))

	dbPath := filepath.Join(dir, name+".duckdb")

	require.NoError(t, shardindex.IndexShard(context.Background(), dbPath, shardindex.Shard{
		Path:           shardPath,
		ParquetRelpath: collection + "/" + name + ".parquet",
		Collection:     collection,
		Year:           year,
		ShardFile:      name + ".gz",
	}))

	return dbPath
}

func TestBuildYearDB(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	collectionDB := writeCollectionDB(t, dir, "cdx-00001", "CC-MAIN-2024-10", "2024",
		[]string{"www.senate.gov", "data.senate.gov"})

	yearDBPath := filepath.Join(dir, "2024.duckdb")
	sources := []metaindex.Source{
		{AbsPath: collectionDB, RelPath: "cc_pointers_by_collection/CC-MAIN-2024-10.duckdb", Collection: "CC-MAIN-2024-10", Year: "2024"},
	}

	needs, err := metaindex.NeedsRebuild(context.Background(), yearDBPath, sources)
	require.NoError(t, err)
	assert.True(t, needs)

	require.NoError(t, metaindex.BuildYearDB(context.Background(), yearDBPath, sources))

	db, err := duckdbconn.OpenReadOnly(context.Background(), yearDBPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM meta_index`).Scan(&count))
	assert.Equal(t, 2, count)

	var child string
	require.NoError(t, db.QueryRow(
		`SELECT child_db_relpath FROM meta_index WHERE host_rev = ?`, ccrow.ReverseHost("www.senate.gov"),
	).Scan(&child))
	assert.Equal(t, "cc_pointers_by_collection/CC-MAIN-2024-10.duckdb", child)

	needs, err = metaindex.NeedsRebuild(context.Background(), yearDBPath, sources)
	require.NoError(t, err)
	assert.False(t, needs, "rebuild should be skipped when no source mtime advanced")
}

func TestBuildMasterDB(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	col2024 := writeCollectionDB(t, dir, "a", "CC-MAIN-2024-10", "2024", []string{"www.senate.gov"})
	col2025 := writeCollectionDB(t, dir, "b", "CC-MAIN-2025-05", "2025", []string{"www.senate.gov"})

	year2024 := filepath.Join(dir, "2024.duckdb")
	require.NoError(t, metaindex.BuildYearDB(context.Background(), year2024, []metaindex.Source{
		{AbsPath: col2024, RelPath: "cc_pointers_by_collection/CC-MAIN-2024-10.duckdb", Year: "2024"},
	}))

	year2025 := filepath.Join(dir, "2025.duckdb")
	require.NoError(t, metaindex.BuildYearDB(context.Background(), year2025, []metaindex.Source{
		{AbsPath: col2025, RelPath: "cc_pointers_by_collection/CC-MAIN-2025-05.duckdb", Year: "2025"},
	}))

	masterPath := filepath.Join(dir, "master.duckdb")
	require.NoError(t, metaindex.BuildMasterDB(context.Background(), masterPath, []metaindex.Source{
		{AbsPath: year2024, RelPath: "cc_pointers_by_year/2024.duckdb", Year: "2024"},
		{AbsPath: year2025, RelPath: "cc_pointers_by_year/2025.duckdb", Year: "2025"},
	}))

	db, err := duckdbconn.OpenReadOnly(context.Background(), masterPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM meta_index WHERE host_rev = ?`, ccrow.ReverseHost("www.senate.gov"),
	).Scan(&count))
	assert.Equal(t, 2, count, "one pointer per year for senate.gov")
}
