// Package sorter performs an external-merge sort of a columnar shard by
// (host_rev, url, ts) under a memory budget, using DuckDB's native ORDER BY
// with a spill directory in place of a hand-rolled merge sort.
package sorter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/kalbasit/ccindex/pkg/atomicfile"
	"github.com/kalbasit/ccindex/pkg/duckdbconn"
	"github.com/kalbasit/ccindex/pkg/pipelineerr"
)

// MarkerSuffix names the sibling file whose existence is the sole
// authoritative evidence a shard satisfies the sort invariant.
const MarkerSuffix = ".sorted"

// Options configures one shard sort.
type Options struct {
	// MemoryLimitBytes bounds DuckDB's own accounting of the sort's peak
	// RSS (DuckDB's memory_limit setting).
	MemoryLimitBytes uint64

	// Threads bounds DuckDB's thread count for this sort, independent of
	// GOMAXPROCS; the orchestrator derives it from W_sort_effective.
	Threads int

	// SpillDir is the scratch directory DuckDB spills intermediate sort
	// runs to when MemoryLimitBytes is exceeded. Reclaimed on worker exit.
	SpillDir string
}

// MarkerPath returns the sibling marker path for shardPath.
func MarkerPath(shardPath string) string {
	return shardPath + MarkerSuffix
}

// IsSorted reports whether shardPath already carries its marker, the O(1)
// idempotence check the orchestrator relies on for skip-if-done.
func IsSorted(shardPath string) bool {
	return atomicfile.Exists(MarkerPath(shardPath))
}

// SortShard sorts the columnar shard at shardPath in place by (host_rev,
// url, ts) and writes its marker. A shard already marked sorted is a no-op.
// On any failure the original shardPath is left untouched: the replacement
// is built in a tempfile and only renamed over shardPath once fully
// written and fsynced.
func SortShard(ctx context.Context, shardPath, collection, shardFile string, opts Options) error {
	if IsSorted(shardPath) {
		zerolog.Ctx(ctx).Debug().
			Str("collection", collection).
			Str("shard", shardFile).
			Msg("shard already sorted, skipping")

		return nil
	}

	db, err := duckdbconn.OpenInMemory(ctx)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindSort, collection, shardFile, true, err)
	}
	defer db.Close() //nolint:errcheck

	if err := configureSession(ctx, db, opts); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindSort, collection, shardFile, true, err)
	}

	dir := filepath.Dir(shardPath)

	tmp, err := os.CreateTemp(dir, filepath.Base(shardPath)+".sort-*")
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindSort, collection, shardFile, true,
			fmt.Errorf("creating tempfile: %w", err))
	}

	tmpPath := tmp.Name()
	tmp.Close() //nolint:errcheck
	os.Remove(tmpPath) // DuckDB COPY TO must create the file itself

	cleanup := func() { os.Remove(tmpPath) } //nolint:errcheck

	copyQuery := fmt.Sprintf(
		`COPY (SELECT * FROM read_parquet(?) ORDER BY host_rev, url, ts) TO %s (FORMAT parquet)`,
		quoteLiteral(tmpPath),
	)

	if _, err := db.ExecContext(ctx, copyQuery, shardPath); err != nil {
		cleanup()

		return pipelineerr.Wrap(pipelineerr.KindSort, collection, shardFile, true,
			fmt.Errorf("sorting via duckdb: %w", err))
	}

	if err := fsyncPath(tmpPath); err != nil {
		cleanup()

		return pipelineerr.Wrap(pipelineerr.KindSort, collection, shardFile, true, err)
	}

	if err := os.Rename(tmpPath, shardPath); err != nil {
		cleanup()

		return pipelineerr.Wrap(pipelineerr.KindSort, collection, shardFile, true,
			fmt.Errorf("publishing sorted shard: %w", err))
	}

	if err := atomicfile.Marker(MarkerPath(shardPath)); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindSort, collection, shardFile, true,
			fmt.Errorf("writing sorted marker: %w", err))
	}

	return nil
}

// configureSession applies the memory/thread/spill-directory bounds that
// make this an external merge sort instead of an in-memory one once the
// shard exceeds opts.MemoryLimitBytes.
func configureSession(ctx context.Context, db *sql.DB, opts Options) error {
	if opts.MemoryLimitBytes > 0 {
		stmt := fmt.Sprintf("SET memory_limit = '%dB'", opts.MemoryLimitBytes)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setting memory_limit: %w", err)
		}
	}

	if opts.Threads > 0 {
		stmt := fmt.Sprintf("SET threads = %d", opts.Threads)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setting threads: %w", err)
		}
	}

	if opts.SpillDir != "" {
		if err := os.MkdirAll(opts.SpillDir, 0o755); err != nil {
			return fmt.Errorf("creating spill directory %q: %w", opts.SpillDir, err)
		}

		stmt := fmt.Sprintf("SET temp_directory = %s", quoteLiteral(opts.SpillDir))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setting temp_directory: %w", err)
		}
	}

	return nil
}

func fsyncPath(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %q to fsync: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsyncing %q: %w", path, err)
	}

	return nil
}

func quoteLiteral(path string) string {
	return "'" + filepathEscape(path) + "'"
}

func filepathEscape(path string) string {
	out := make([]byte, 0, len(path))

	for i := 0; i < len(path); i++ {
		if path[i] == '\'' {
			out = append(out, '\'', '\'')

			continue
		}

		out = append(out, path[i])
	}

	return string(out)
}
