// Package shardindex derives domain_shards and parquet_rowgroups rows from
// a sorted columnar shard, and commits them transactionally alongside an
// ingested_files ledger entry.
package shardindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kalbasit/ccindex/pkg/duckdbconn"
	"github.com/kalbasit/ccindex/pkg/pipelineerr"
	"github.com/kalbasit/ccindex/pkg/sorter"
)

// Shard describes one sorted shard to index.
type Shard struct {
	Path           string // absolute path to the sorted parquet shard
	ParquetRelpath string // path recorded in index rows, relative to PARQUET_ROOT
	Collection     string
	Year           string
	ShardFile      string // the original cdx-NNNNN.gz name
}

// IndexShard opens dbPath (creating it if absent), and transactionally
// inserts shard's domain_shards and parquet_rowgroups rows plus its
// ingested_files entry. Already-ingested shards (by path, with an
// unchanged mtime) are skipped. On any failure the transaction is rolled
// back and the shard remains eligible for re-indexing.
func IndexShard(ctx context.Context, dbPath string, shard Shard) error {
	if !sorter.IsSorted(shard.Path) {
		return pipelineerr.New(pipelineerr.KindInvariantViolation, shard.Collection, shard.ShardFile,
			"shard indexer invoked on a shard without a .sorted marker", false)
	}

	info, err := os.Stat(shard.Path)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIndex, shard.Collection, shard.ShardFile, true, err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIndex, shard.Collection, shard.ShardFile, true, err)
	}

	db, err := duckdbconn.OpenWriter(ctx, dbPath)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIndex, shard.Collection, shard.ShardFile, true, err)
	}
	defer db.Close() //nolint:errcheck

	if err := ensureSchema(ctx, db); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIndex, shard.Collection, shard.ShardFile, true, err)
	}

	already, err := alreadyIngested(ctx, db, shard.Path, info)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIndex, shard.Collection, shard.ShardFile, true, err)
	}

	if already {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIndex, shard.Collection, shard.ShardFile, true, err)
	}

	if err := indexWithinTx(ctx, tx, shard, info); err != nil {
		_ = tx.Rollback() //nolint:errcheck

		return pipelineerr.Wrap(pipelineerr.KindIndex, shard.Collection, shard.ShardFile, true, err)
	}

	if err := tx.Commit(); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindIndex, shard.Collection, shard.ShardFile, true, err)
	}

	return nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	for _, stmt := range indexStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating index (%s): %w", stmt, err)
		}
	}

	return nil
}

func alreadyIngested(ctx context.Context, db *sql.DB, path string, info os.FileInfo) (bool, error) {
	var mtimeNS int64

	err := db.QueryRowContext(ctx, `SELECT mtime_ns FROM ingested_files WHERE path = ?`, path).Scan(&mtimeNS)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("checking ingested_files: %w", err)
	}

	return mtimeNS >= info.ModTime().UnixNano(), nil
}

func indexWithinTx(ctx context.Context, tx *sql.Tx, shard Shard, info os.FileInfo) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM domain_shards WHERE parquet_relpath = ?`, shard.ParquetRelpath); err != nil {
		return fmt.Errorf("clearing stale domain_shards rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM parquet_rowgroups WHERE parquet_relpath = ?`, shard.ParquetRelpath); err != nil {
		return fmt.Errorf("clearing stale parquet_rowgroups rows: %w", err)
	}

	insertDomains := `
		INSERT INTO domain_shards (source_path, collection, year, shard_file, parquet_relpath, host, host_rev)
		SELECT ?, ?, ?, ?, ?, any_value(host), host_rev
		FROM read_parquet(?)
		GROUP BY host_rev
	`
	if _, err := tx.ExecContext(ctx, insertDomains,
		shard.Path, shard.Collection, shard.Year, shard.ShardFile, shard.ParquetRelpath, shard.Path,
	); err != nil {
		return fmt.Errorf("inserting domain_shards: %w", err)
	}

	rowGroups, err := rowGroupStats(ctx, tx, shard.Path)
	if err != nil {
		return fmt.Errorf("deriving row group stats: %w", err)
	}

	insertRowGroup := `
		INSERT INTO parquet_rowgroups (parquet_relpath, row_group, row_start, row_end, host_rev_min, host_rev_max)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	for _, rg := range rowGroups {
		if _, err := tx.ExecContext(ctx, insertRowGroup,
			shard.ParquetRelpath, rg.RowGroup, rg.RowStart, rg.RowEnd, rg.HostRevMin, rg.HostRevMax,
		); err != nil {
			return fmt.Errorf("inserting parquet_rowgroups: %w", err)
		}
	}

	insertIngested := `
		INSERT INTO ingested_files (path, size_bytes, mtime_ns, ingested_at, rows)
		VALUES (?, ?, ?, ?, (SELECT COUNT(*) FROM read_parquet(?)))
		ON CONFLICT (path) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			mtime_ns = excluded.mtime_ns,
			ingested_at = excluded.ingested_at,
			rows = excluded.rows
	`
	if _, err := tx.ExecContext(ctx, insertIngested,
		shard.Path, info.Size(), info.ModTime().UnixNano(), time.Now().UTC(), shard.Path,
	); err != nil {
		return fmt.Errorf("inserting ingested_files: %w", err)
	}

	return nil
}

// rowGroup is one row group's min/max host_rev range plus its row span.
type rowGroup struct {
	RowGroup   int64
	RowStart   int64
	RowEnd     int64
	HostRevMin string
	HostRevMax string
}

// rowGroupStats derives per-row-group host_rev min/max and row spans via
// DuckDB's parquet_metadata() table function, rather than decoding the
// parquet column index format by hand in Go.
func rowGroupStats(ctx context.Context, tx *sql.Tx, path string) ([]rowGroup, error) {
	query := `
		SELECT row_group_id, row_group_num_rows, stats_min, stats_max
		FROM parquet_metadata(?)
		WHERE path_in_schema = 'host_rev'
		ORDER BY row_group_id
	`

	rows, err := tx.QueryContext(ctx, query, path)
	if err != nil {
		return nil, fmt.Errorf("querying parquet_metadata: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var (
		out      []rowGroup
		rowStart int64
	)

	for rows.Next() {
		var (
			rgID, numRows          int64
			hostRevMin, hostRevMax string
		)

		if err := rows.Scan(&rgID, &numRows, &hostRevMin, &hostRevMax); err != nil {
			return nil, fmt.Errorf("scanning parquet_metadata row: %w", err)
		}

		out = append(out, rowGroup{
			RowGroup:   rgID,
			RowStart:   rowStart,
			RowEnd:     rowStart + numRows - 1,
			HostRevMin: hostRevMin,
			HostRevMax: hostRevMax,
		})

		rowStart += numRows
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
