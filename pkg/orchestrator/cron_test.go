package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/ccindex/pkg/config"
	"github.com/kalbasit/ccindex/pkg/duckdbconn"
	"github.com/kalbasit/ccindex/pkg/orchestrator"
	"github.com/kalbasit/ccindex/pkg/validator"
)

// everySecond fires once per second, fast enough for a test to observe
// within its timeout without flaking on a slower CI host.
type everySecond struct{}

var _ cron.Schedule = everySecond{}

func (everySecond) Next(t time.Time) time.Time { return t.Add(time.Second) }

func TestRevalidateCronJob_RebuildsGhostCollectionOnTick(t *testing.T) {
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, o.RunCollection(ctx, collection, "2024"))

	dbPath := filepath.Join(cfg.DuckDBRoot, "cc_pointers_by_collection", collection+".duckdb")

	db, err := duckdbconn.OpenWriter(ctx, dbPath)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO domain_shards (source_path, collection, year, shard_file, parquet_relpath, host, host_rev)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"/gone", collection, "2024", "cdx-99999.gz", collection+"/cdx-99999.gz.parquet", "ghost.gov", "gov,ghost")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	o.SetupCron(nil)
	o.AddRevalidateCronJob(ctx, everySecond{}, func(context.Context) ([]orchestrator.CollectionYear, error) {
		return []orchestrator.CollectionYear{{Collection: collection, Year: "2024"}}, nil
	})
	o.StartCron()

	require.Eventually(t, func() bool {
		status, err := validator.Validate(ctx, validator.Config{
			CCIndexRoot: cfg.CCIndexRoot, ParquetRoot: cfg.ParquetRoot, DuckDBRoot: cfg.DuckDBRoot,
		}, collection, "2024", nil)

		return err == nil && len(status.Anomalies) == 0
	}, 8*time.Second, 100*time.Millisecond, "revalidate sweep never rebuilt the ghost reference")

	o.StopCron(ctx)
}
