// Package validator is the single source of truth for "what
// state is collection X in?" It discovers artifacts by listing what
// actually exists on disk -- never by trusting a hardcoded count or the
// orchestrator's in-memory state -- and reports every disagreement between
// the index tables and the filesystem as a structured anomaly.
package validator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalbasit/ccindex/pkg/blobstore"
	"github.com/kalbasit/ccindex/pkg/duckdbconn"
	"github.com/kalbasit/ccindex/pkg/pipelineerr"
	"github.com/kalbasit/ccindex/pkg/sorter"
)

// ManifestReader exposes the downloader collaborator's expected shard
// count for a collection. A validator that cannot reach it reports
// ExpectedShardsKnown=false rather than fabricating a number.
type ManifestReader interface {
	ExpectedShardCount(ctx context.Context, collection string) (count int, ok bool, err error)
}

// Config roots the three trees the validator cross-references.
type Config struct {
	CCIndexRoot string
	ParquetRoot string
	DuckDBRoot  string

	// CCStore, when set, lists CCIndexRoot's downloaded shards through the
	// blobstore.Store abstraction instead of os.ReadDir, so a collection
	// whose raw archives live behind an S3-compatible bucket validates the
	// same way a local one does. A nil CCStore falls back to a direct
	// directory read.
	CCStore blobstore.Store
}

// Anomaly is one structural defect the validator found: a domain_shards
// row referencing a shard missing under PARQUET_ROOT, or shards in
// domain_shards with no parquet_rowgroups entry.
type Anomaly struct {
	Kind    pipelineerr.Kind
	Message string
}

// Status is the validator's full report for one collection.
type Status struct {
	Collection string

	ShardCountDownloaded int
	ShardCountConverted  int
	ShardCountSorted     int
	ShardCountIndexed    int

	ExpectedShards      int
	ExpectedShardsKnown bool

	CollectionDBPresent bool
	CollectionDBMtime   time.Time

	YearDBPresent   bool
	MasterDBPresent bool

	Anomalies []Anomaly
}

// OK reports whether the collection shows no anomalies and every phase has
// caught up with the expected shard count (when known).
func (s Status) OK() bool {
	if len(s.Anomalies) > 0 {
		return false
	}

	if s.ExpectedShardsKnown && s.ShardCountIndexed < s.ExpectedShards {
		return false
	}

	return true
}

// collectionDBPath and friends mirror the tree's on-disk layout contract.
func collectionDBPath(duckdbRoot, collection string) string {
	return filepath.Join(duckdbRoot, "cc_pointers_by_collection", collection+".duckdb")
}

func yearDBPath(duckdbRoot, year string) string {
	return filepath.Join(duckdbRoot, "cc_pointers_by_year", year+".duckdb")
}

func masterDBPath(duckdbRoot string) string {
	return filepath.Join(duckdbRoot, "cc_pointers_master", "master.duckdb")
}

// Validate inspects the on-disk state of collection (whose captures belong
// to year) and returns a Status. manifest may be nil, in which case
// ExpectedShardsKnown is always false.
func Validate(ctx context.Context, cfg Config, collection, year string, manifest ManifestReader) (Status, error) {
	status := Status{Collection: collection}

	downloaded, err := countDownloadedShards(ctx, cfg, collection)
	if err != nil {
		return status, fmt.Errorf("listing downloaded shards: %w", err)
	}

	status.ShardCountDownloaded = downloaded

	converted, err := countFiles(filepath.Join(cfg.ParquetRoot, collection), ".gz.parquet", noSuffix)
	if err != nil {
		return status, fmt.Errorf("listing converted shards: %w", err)
	}

	status.ShardCountConverted = converted

	sortedCount, err := countFiles(filepath.Join(cfg.ParquetRoot, collection), ".gz.parquet", sorter.MarkerSuffix)
	if err != nil {
		return status, fmt.Errorf("listing sorted shards: %w", err)
	}

	status.ShardCountSorted = sortedCount

	if manifest != nil {
		expected, ok, err := manifest.ExpectedShardCount(ctx, collection)
		if err != nil {
			return status, fmt.Errorf("reading manifest for %s: %w", collection, err)
		}

		status.ExpectedShards = expected
		status.ExpectedShardsKnown = ok
	}

	collDB := collectionDBPath(cfg.DuckDBRoot, collection)

	if info, err := os.Stat(collDB); err == nil {
		status.CollectionDBPresent = true
		status.CollectionDBMtime = info.ModTime()

		anomalies, indexed, err := validateCollectionDB(ctx, collDB, cfg.ParquetRoot, collection)
		if err != nil {
			return status, fmt.Errorf("validating collection db %q: %w", collDB, err)
		}

		status.ShardCountIndexed = indexed
		status.Anomalies = append(status.Anomalies, anomalies...)
	} else if !os.IsNotExist(err) {
		return status, fmt.Errorf("stat collection db %q: %w", collDB, err)
	}

	if _, err := os.Stat(yearDBPath(cfg.DuckDBRoot, year)); err == nil {
		status.YearDBPresent = true
	} else if !os.IsNotExist(err) {
		return status, fmt.Errorf("stat year db: %w", err)
	}

	if _, err := os.Stat(masterDBPath(cfg.DuckDBRoot)); err == nil {
		status.MasterDBPresent = true
	} else if !os.IsNotExist(err) {
		return status, fmt.Errorf("stat master db: %w", err)
	}

	return status, nil
}

const noSuffix = ""

// countDownloadedShards counts collection's .gz archives under
// cfg.CCIndexRoot, through cfg.CCStore when set.
func countDownloadedShards(ctx context.Context, cfg Config, collection string) (int, error) {
	if cfg.CCStore == nil {
		return countFiles(filepath.Join(cfg.CCIndexRoot, collection), ".gz", noSuffix)
	}

	count := 0

	err := cfg.CCStore.Walk(ctx, collection, func(key string) error {
		if strings.HasSuffix(key, ".gz") {
			count++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// countFiles counts files under dir whose name ends with suffix (after
// trimming requireTrailing, when non-empty, which must also be present).
// requireTrailing lets the caller ask "how many *.gz.parquet also have a
// .sorted sibling" without a second directory walk.
func countFiles(dir, suffix, requireTrailing string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, err
	}

	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names[e.Name()] = struct{}{}
		}
	}

	count := 0

	for name := range names {
		if !strings.HasSuffix(name, suffix) {
			continue
		}

		if requireTrailing != "" {
			if _, ok := names[name+requireTrailing]; !ok {
				continue
			}
		}

		count++
	}

	return count, nil
}

// validateCollectionDB opens db read-only, counts ingested_files rows, and
// checks two structural invariants: every shard referenced by domain_shards
// exists on disk, and every such shard has at least one parquet_rowgroups
// entry (the entry's host_rev range is not checked). A referenced-but-missing shard ("ghost file") is always
// reported, never swallowed.
func validateCollectionDB(ctx context.Context, dbPath, parquetRoot, collection string) ([]Anomaly, int, error) {
	db, err := duckdbconn.OpenReadOnly(ctx, dbPath)
	if err != nil {
		return nil, 0, err
	}
	defer db.Close() //nolint:errcheck

	var indexed int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingested_files`).Scan(&indexed); err != nil {
		return nil, 0, fmt.Errorf("counting ingested_files: %w", err)
	}

	var anomalies []Anomaly

	ghosts, err := ghostShards(ctx, db, parquetRoot)
	if err != nil {
		return nil, indexed, err
	}

	for _, relpath := range ghosts {
		anomalies = append(anomalies, Anomaly{
			Kind:    pipelineerr.KindInvariantViolation,
			Message: fmt.Sprintf("%s: domain_shards references %q, which does not exist under PARQUET_ROOT", collection, relpath),
		})
	}

	unrangedCount, err := shardsWithoutRowGroupCoverage(ctx, db)
	if err != nil {
		return nil, indexed, err
	}

	if unrangedCount > 0 {
		anomalies = append(anomalies, Anomaly{
			Kind: pipelineerr.KindInvariantViolation,
			Message: fmt.Sprintf(
				"%s: %d distinct parquet_relpath in domain_shards have no parquet_rowgroups entry",
				collection, unrangedCount,
			),
		})
	}

	return anomalies, indexed, nil
}

func ghostShards(ctx context.Context, db *sql.DB, parquetRoot string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT parquet_relpath FROM domain_shards`)
	if err != nil {
		return nil, fmt.Errorf("listing referenced shards: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var missing []string

	for rows.Next() {
		var relpath string
		if err := rows.Scan(&relpath); err != nil {
			return nil, fmt.Errorf("scanning parquet_relpath: %w", err)
		}

		if _, err := os.Stat(filepath.Join(parquetRoot, relpath)); err != nil {
			missing = append(missing, relpath)
		}
	}

	return missing, rows.Err()
}

func shardsWithoutRowGroupCoverage(ctx context.Context, db *sql.DB) (int, error) {
	var count int

	query := `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT parquet_relpath FROM domain_shards
			EXCEPT
			SELECT DISTINCT parquet_relpath FROM parquet_rowgroups
		)
	`

	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("checking row-group coverage: %w", err)
	}

	return count, nil
}
