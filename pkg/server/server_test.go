package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/ccindex/pkg/ccrow"
	"github.com/kalbasit/ccindex/pkg/metaindex"
	"github.com/kalbasit/ccindex/pkg/search"
	"github.com/kalbasit/ccindex/pkg/server"
	"github.com/kalbasit/ccindex/pkg/shardindex"
	"github.com/kalbasit/ccindex/pkg/validator"
)

const collection = "CC-MAIN-2024-33"

func buildFixture(t *testing.T, root string) {
	t.Helper()

	parquetDir := filepath.Join(root, "parquet", collection)
	require.NoError(t, os.MkdirAll(parquetDir, 0o755))

	shardPath := filepath.Join(parquetDir, "cdx-00001.gz.parquet")

	f, err := os.Create(shardPath)
	require.NoError(t, err)

	w := parquet.NewGenericWriter[ccrow.Row](f)
	_, err = w.Write([]ccrow.Row{
		{
			Host: "www.example.gov", HostRev: ccrow.ReverseHost("www.example.gov"),
			URL: "https://www.example.gov/p", Timestamp: "20240831000000",
			WARCFilename: "CC-MAIN-20240831-000000.warc.gz", WARCOffset: 100, WARCLength: 500,
			Collection: collection,
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(shardPath+".sorted", nil, 0o600))

	duckdbDir := filepath.Join(root, "duckdb")
	collDBPath := filepath.Join(duckdbDir, "cc_pointers_by_collection", collection+".duckdb")

	require.NoError(t, shardindex.IndexShard(context.Background(), collDBPath, shardindex.Shard{
		Path:           shardPath,
		ParquetRelpath: collection + "/cdx-00001.gz.parquet",
		Collection:     collection,
		Year:           "2024",
		ShardFile:      "cdx-00001.gz",
	}))

	yearDBPath := filepath.Join(duckdbDir, "cc_pointers_by_year", "2024.duckdb")
	require.NoError(t, metaindex.BuildYearDB(context.Background(), yearDBPath, []metaindex.Source{
		{AbsPath: collDBPath, RelPath: filepath.Join("cc_pointers_by_collection", collection+".duckdb"), Year: "2024"},
	}))

	masterDBPath := filepath.Join(duckdbDir, "cc_pointers_master", "master.duckdb")
	require.NoError(t, metaindex.BuildMasterDB(context.Background(), masterDBPath, []metaindex.Source{
		{AbsPath: yearDBPath, RelPath: filepath.Join("cc_pointers_by_year", "2024.duckdb"), Year: "2024"},
	}))
}

func newTestServer(t *testing.T, root string) *server.Server {
	t.Helper()

	eng := search.New(filepath.Join(root, "duckdb"), filepath.Join(root, "parquet"),
		filepath.Join("cc_pointers_master", "master.duckdb"), nil, nil)

	cfg := validator.Config{
		CCIndexRoot: filepath.Join(root, "ccindex"),
		ParquetRoot: filepath.Join(root, "parquet"),
		DuckDBRoot:  filepath.Join(root, "duckdb"),
	}

	return server.New(eng, cfg, nil)
}

func TestGetSearch_StreamsNDJSON(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	buildFixture(t, root)

	srv := newTestServer(t, root)

	req := httptest.NewRequest(http.MethodGet, "/search?domain=www.example.gov", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(rec.Body)

	var pointers []search.Pointer

	for scanner.Scan() {
		var p search.Pointer
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &p))
		pointers = append(pointers, p)
	}

	require.Len(t, pointers, 1)
	assert.Equal(t, "https://www.example.gov/p", pointers[0].URL)
}

func TestGetSearch_MissingDomain(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	buildFixture(t, root)

	srv := newTestServer(t, root)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetValidate_ReportsCleanCollection(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	buildFixture(t, root)

	srv := newTestServer(t, root)

	req := httptest.NewRequest(http.MethodGet, "/validate?collection="+collection+"&year=2024", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var status validator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.OK())
}

func TestMetrics_MountedOnlyWhenGathererSet(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	srv.SetPrometheusGatherer(prometheus.NewRegistry())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
