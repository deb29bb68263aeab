package orchestrator_test

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/ccindex/pkg/ccrow"
	"github.com/kalbasit/ccindex/pkg/config"
	"github.com/kalbasit/ccindex/pkg/duckdbconn"
	"github.com/kalbasit/ccindex/pkg/orchestrator"
	"github.com/kalbasit/ccindex/pkg/pipelineerr"
	"github.com/kalbasit/ccindex/pkg/validator"
)

type fakeManifest struct {
	count int
}

func (f fakeManifest) ExpectedShardCount(context.Context, string) (int, bool, error) {
	return f.count, true, nil
}

type recordingDownloader struct {
	requested []string
}

func (d *recordingDownloader) RequestRedownload(_ context.Context, _, shardFile string) error {
	d.requested = append(d.requested, shardFile)

	return nil
}

func writeGzCDX(t *testing.T, path string, lines []string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	for _, line := range lines {
		_, err := gz.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}

	require.NoError(t, gz.Close())
}

func cdxLine(host string) string {
	hostRev := ccrow.ReverseHost(host)

	return fmt.Sprintf(
		`%s 20240101000000 {"url":"http://%s/","status":"200","mime":"text/html","digest":"abc",`+
			`"filename":"crawl.warc.gz","offset":"100","length":"200"}`,
		hostRev, host)
}

func TestRunCollection_DrivesShardThroughAllPhases(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	collection := "CC-MAIN-2024-33"

	ccindexDir := filepath.Join(root, "ccindex", collection)
	require.NoError(t, os.MkdirAll(ccindexDir, 0o755))
	writeGzCDX(t, filepath.Join(ccindexDir, "cdx-00001.gz"), []string{cdxLine("www.example.gov")})

	cfg := config.Config{
		CCIndexRoot: filepath.Join(root, "ccindex"),
		ParquetRoot: filepath.Join(root, "parquet"),
		DuckDBRoot:  filepath.Join(root, "duckdb"),
		MaxWorkers:  2,
	}

	o := orchestrator.New(cfg, fakeManifest{count: 1}, nil, nil, nil, nil, nil)

	ctx := context.Background()
	require.NoError(t, o.RunCollection(ctx, collection, "2024"))

	shardPath := filepath.Join(cfg.ParquetRoot, collection, "cdx-00001.gz.parquet")
	assert.FileExists(t, shardPath)
	assert.FileExists(t, shardPath+".sorted")

	dbPath := filepath.Join(cfg.DuckDBRoot, "cc_pointers_by_collection", collection+".duckdb")

	db, err := duckdbconn.OpenReadOnly(ctx, dbPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM domain_shards WHERE host_rev = ?`,
		ccrow.ReverseHost("www.example.gov")).Scan(&count))
	assert.Equal(t, 1, count)

	status, err := validator.Validate(ctx, validator.Config{
		CCIndexRoot: cfg.CCIndexRoot, ParquetRoot: cfg.ParquetRoot, DuckDBRoot: cfg.DuckDBRoot,
	}, collection, "2024", fakeManifest{count: 1})
	require.NoError(t, err)
	assert.True(t, status.OK())
}

func TestRunCollection_CleansUpSourceArchivesWhenConfigured(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	collection := "CC-MAIN-2024-33"

	ccindexDir := filepath.Join(root, "ccindex", collection)
	require.NoError(t, os.MkdirAll(ccindexDir, 0o755))

	archivePath := filepath.Join(ccindexDir, "cdx-00001.gz")
	writeGzCDX(t, archivePath, []string{cdxLine("www.example.gov")})

	cfg := config.Config{
		CCIndexRoot:           filepath.Join(root, "ccindex"),
		ParquetRoot:           filepath.Join(root, "parquet"),
		DuckDBRoot:            filepath.Join(root, "duckdb"),
		MaxWorkers:            2,
		CleanupSourceArchives: true,
	}

	o := orchestrator.New(cfg, nil, nil, nil, nil, nil, nil)

	require.NoError(t, o.RunCollection(context.Background(), collection, "2024"))

	assert.NoFileExists(t, archivePath)
}

func TestRunCollection_QuarantinesUnreadableShard(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	collection := "CC-MAIN-2024-33"

	ccindexDir := filepath.Join(root, "ccindex", collection)
	require.NoError(t, os.MkdirAll(ccindexDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ccindexDir, "cdx-00002.gz"), []byte("not gzip data"), 0o600))

	cfg := config.Config{
		CCIndexRoot: filepath.Join(root, "ccindex"),
		ParquetRoot: filepath.Join(root, "parquet"),
		DuckDBRoot:  filepath.Join(root, "duckdb"),
		MaxWorkers:  1,
	}

	downloader := &recordingDownloader{}

	o := orchestrator.New(cfg, nil, downloader, nil, nil, nil, nil)

	err := o.RunCollection(context.Background(), collection, "2024")
	require.Error(t, err)

	assert.Equal(t, []string{"cdx-00002.gz"}, downloader.requested)
	assert.NoFileExists(t, filepath.Join(cfg.ParquetRoot, collection, "cdx-00002.gz.parquet"))
}

func TestRunCollection_SurfacesUnrecoverableMissingShards(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	collection := "CC-MAIN-2024-33"

	ccindexDir := filepath.Join(root, "ccindex", collection)
	require.NoError(t, os.MkdirAll(ccindexDir, 0o755))
	writeGzCDX(t, filepath.Join(ccindexDir, "cdx-00001.gz"), []string{cdxLine("www.example.gov")})

	cfg := config.Config{
		CCIndexRoot: filepath.Join(root, "ccindex"),
		ParquetRoot: filepath.Join(root, "parquet"),
		DuckDBRoot:  filepath.Join(root, "duckdb"),
		MaxWorkers:  1,
	}

	// The manifest promises 3 shards; only one ever arrived.
	o := orchestrator.New(cfg, fakeManifest{count: 3}, nil, nil, nil, nil, nil)

	err := o.RunCollection(context.Background(), collection, "2024")
	require.ErrorIs(t, err, pipelineerr.ErrUnrecoverableMissing)

	// The shard that did arrive is still fully processed.
	assert.FileExists(t, filepath.Join(cfg.ParquetRoot, collection, "cdx-00001.gz.parquet.sorted"))
}

func TestRunCollection_RebuildsOnAnomaly(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	collection := "CC-MAIN-2024-33"

	ccindexDir := filepath.Join(root, "ccindex", collection)
	require.NoError(t, os.MkdirAll(ccindexDir, 0o755))
	writeGzCDX(t, filepath.Join(ccindexDir, "cdx-00001.gz"), []string{cdxLine("www.example.gov")})

	cfg := config.Config{
		CCIndexRoot: filepath.Join(root, "ccindex"),
		ParquetRoot: filepath.Join(root, "parquet"),
		DuckDBRoot:  filepath.Join(root, "duckdb"),
		MaxWorkers:  1,
	}

	o := orchestrator.New(cfg, nil, nil, nil, nil, nil, nil)

	ctx := context.Background()
	require.NoError(t, o.RunCollection(ctx, collection, "2024"))

	// Corrupt the index: insert a domain_shards row pointing at a shard
	// that no longer exists on disk, reproducing the ghost-file anomaly.
	dbPath := filepath.Join(cfg.DuckDBRoot, "cc_pointers_by_collection", collection+".duckdb")

	db, err := duckdbconn.OpenWriter(ctx, dbPath)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO domain_shards (source_path, collection, year, shard_file, parquet_relpath, host, host_rev)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"/gone", collection, "2024", "cdx-99999.gz", collection+"/cdx-99999.gz.parquet", "ghost.gov", "gov,ghost")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, o.RunCollection(ctx, collection, "2024"))

	status, err := validator.Validate(ctx, validator.Config{
		CCIndexRoot: cfg.CCIndexRoot, ParquetRoot: cfg.ParquetRoot, DuckDBRoot: cfg.DuckDBRoot,
	}, collection, "2024", nil)
	require.NoError(t, err)
	assert.Empty(t, status.Anomalies)
}

func writeAndIndexParquetShard(t *testing.T, parquetPath string, rows []ccrow.Row) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(parquetPath), 0o755))

	f, err := os.Create(parquetPath)
	require.NoError(t, err)

	w := parquet.NewGenericWriter[ccrow.Row](f)
	_, err = w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestRebuildYear_AggregatesCollectionsAndRebuildsMaster(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	collection := "CC-MAIN-2024-33"

	cfg := config.Config{
		CCIndexRoot: filepath.Join(root, "ccindex"),
		ParquetRoot: filepath.Join(root, "parquet"),
		DuckDBRoot:  filepath.Join(root, "duckdb"),
		MaxWorkers:  1,
	}

	ccindexDir := filepath.Join(cfg.CCIndexRoot, collection)
	require.NoError(t, os.MkdirAll(ccindexDir, 0o755))
	writeGzCDX(t, filepath.Join(ccindexDir, "cdx-00001.gz"), []string{cdxLine("www.example.gov")})

	o := orchestrator.New(cfg, nil, nil, nil, nil, nil, nil)

	ctx := context.Background()
	require.NoError(t, o.RunCollection(ctx, collection, "2024"))
	require.NoError(t, o.RebuildYear(ctx, "2024", []string{collection}))

	masterPath := filepath.Join(cfg.DuckDBRoot, "cc_pointers_master", "master.duckdb")
	assert.FileExists(t, masterPath)

	db, err := duckdbconn.OpenReadOnly(ctx, masterPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM meta_index WHERE host_rev = ?`,
		ccrow.ReverseHost("www.example.gov")).Scan(&count))
	assert.Equal(t, 1, count)
}
