// Package search implements the pruned hierarchical descent from the
// master database down to a parquet shard's row groups that answers "every
// capture of this domain, with its WARC pointer" without scanning bytes
// outside the candidate range.
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalbasit/ccindex/pkg/blobstore"
	"github.com/kalbasit/ccindex/pkg/ccrow"
	"github.com/kalbasit/ccindex/pkg/duckdbconn"
	"github.com/kalbasit/ccindex/pkg/lock"
	"github.com/kalbasit/ccindex/pkg/pipelineerr"

	"github.com/parquet-go/parquet-go"
)

// readLockTTL is the TTL passed to the RWLocker while a meta-index or
// collection DB is open for a query; it exists for interface parity with
// lock.RWLocker's distributed-backend signature and is otherwise advisory
// since pkg/lock/local ignores it.
const readLockTTL = 5 * time.Minute

// Pointer is one WARC pointer yielded by a search, matching the JSONL
// contract the WARC-fetcher collaborator consumes.
type Pointer struct {
	URL          string `json:"url"`
	Timestamp    string `json:"ts"`
	WARCFilename string `json:"warc_filename"`
	WARCOffset   int64  `json:"warc_offset"`
	WARCLength   int64  `json:"warc_length"`
	Collection   string `json:"collection"`
}

// Options configures one domain search.
type Options struct {
	// Prefix matches D and every subdomain of D; false matches D exactly.
	Prefix bool

	// YearFilter restricts the descent to one year ("2024"); empty means
	// every year the master DB references.
	YearFilter string

	// Limit stops the descent after this many pointers have been emitted;
	// zero means unlimited.
	Limit int

	// Ascending orders candidate years oldest-first; the default is
	// newest-first, so recent captures arrive first.
	Ascending bool
}

// Emit receives one matching pointer at a time, in the order shards are
// visited. A non-nil error returned from Emit stops the descent immediately
// -- the caller's mechanism for cooperative cancellation -- and is returned
// from Search unchanged.
type Emit func(Pointer) error

// Engine walks the master -> year -> collection -> shard -> row-group
// hierarchy rooted at a master database.
type Engine struct {
	duckdbRoot  string
	parquetRoot string
	masterPath  string
	locker      lock.RWLocker
	shards      blobstore.RandomAccessStore
}

// New constructs an Engine. masterRelpath is relative to duckdbRoot (the
// on-disk layout places the master database at
// "cc_pointers_master/master.duckdb"). locker may be nil, in which case
// queries proceed without coordinating against concurrent meta-index
// rebuilds -- acceptable for tests and read-only snapshots, not for
// production use against a live ingest. shards, when non-nil, is used to
// open row-group shards for scanning instead of os.Open directly against
// parquetRoot -- passing nil falls back to direct filesystem access, which
// is the only option when PARQUET_ROOT is backed by something that can't
// offer random access (DuckDB itself always reads PARQUET_ROOT by path
// regardless of what shards is set to, since pkg/sorter/pkg/shardindex
// never see this Engine).
func New(duckdbRoot, parquetRoot, masterRelpath string, locker lock.RWLocker, shards blobstore.RandomAccessStore) *Engine {
	return &Engine{
		duckdbRoot:  duckdbRoot,
		parquetRoot: parquetRoot,
		masterPath:  filepath.Join(duckdbRoot, masterRelpath),
		locker:      locker,
		shards:      shards,
	}
}

// Search performs the pruned descent for domain and streams matching
// pointers to emit. Every capture of domain that was ever indexed is
// discoverable, because the sort order and the row-group range metadata
// agree: only row groups whose [host_rev_min, host_rev_max] overlaps
// domain's range are opened.
func (e *Engine) Search(ctx context.Context, domain string, opts Options, emit Emit) error {
	hostRev := ccrow.ReverseHost(domain)
	if hostRev == "" {
		return fmt.Errorf("search: %q normalizes to an empty host_rev", domain)
	}

	low, high := rangeFor(hostRev, opts.Prefix)

	emitted := 0
	limited := func() bool { return opts.Limit > 0 && emitted >= opts.Limit }

	years, err := e.candidateChildren(ctx, e.masterPath, low, high, opts.YearFilter, opts.Ascending)
	if err != nil {
		return fmt.Errorf("descending master: %w", err)
	}

	for _, year := range years {
		if limited() {
			break
		}

		if err := ctx.Err(); err != nil {
			return pipelineerr.Wrap(pipelineerr.KindCancellationRequested, "", "", true, err)
		}

		yearPath := filepath.Join(e.duckdbRoot, year.childRelpath)

		collections, err := e.candidateChildren(ctx, yearPath, low, high, "", opts.Ascending)
		if err != nil {
			return fmt.Errorf("descending year %s: %w", year.year, err)
		}

		for _, coll := range collections {
			if limited() {
				break
			}

			collPath := filepath.Join(e.duckdbRoot, coll.childRelpath)

			n, err := e.searchCollection(ctx, collPath, low, high, opts.Limit-emitted, emit)
			if err != nil {
				return fmt.Errorf("descending collection db %s: %w", collPath, err)
			}

			emitted += n
		}
	}

	return nil
}

// child is one candidate row from a meta_index descent step.
type child struct {
	childRelpath string
	year         string
}

// candidateChildren selects the distinct (child_db_relpath, year) pairs
// from dbPath's meta_index table whose host_rev falls within [low, high],
// optionally restricted to yearFilter, ordered by year ascending or
// descending per opts.Ascending.
func (e *Engine) candidateChildren(
	ctx context.Context, dbPath, low, high, yearFilter string, ascending bool,
) ([]child, error) {
	db, unlock, err := e.openReadLocked(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer db.Close() //nolint:errcheck

	order := "DESC"
	if ascending {
		order = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT child_db_relpath, year
		FROM meta_index
		WHERE host_rev BETWEEN ? AND ?
		%s
		ORDER BY year %s
	`, yearClause(yearFilter), order)

	args := []any{low, high}
	if yearFilter != "" {
		args = append(args, yearFilter)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying meta_index: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []child

	for rows.Next() {
		var c child
		if err := rows.Scan(&c.childRelpath, &c.year); err != nil {
			return nil, fmt.Errorf("scanning meta_index row: %w", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

func yearClause(yearFilter string) string {
	if yearFilter == "" {
		return ""
	}

	return "AND year = ?"
}

// shardRowGroup is one candidate row group inside one candidate shard.
type shardRowGroup struct {
	parquetRelpath string
	collection     string
	rowGroup       int64
	rowStart       int64
	rowEnd         int64
}

// searchCollection selects candidate shards and row groups from a
// collection DB and scans each, emitting matching pointers. It returns the
// number of pointers emitted so the caller can track the overall Limit.
func (e *Engine) searchCollection(ctx context.Context, collDBPath, low, high string, remaining int, emit Emit) (int, error) {
	db, unlock, err := e.openReadLocked(ctx, collDBPath)
	if err != nil {
		return 0, err
	}

	rowGroups, err := e.candidateRowGroups(ctx, db, low, high)

	unlock()
	db.Close() //nolint:errcheck

	if err != nil {
		return 0, err
	}

	emitted := 0

	for _, rg := range rowGroups {
		if remaining > 0 && emitted >= remaining {
			break
		}

		if err := ctx.Err(); err != nil {
			return emitted, pipelineerr.Wrap(pipelineerr.KindCancellationRequested, rg.collection, rg.parquetRelpath, true, err)
		}

		n, err := e.scanRowGroup(ctx, rg, low, high, remaining-emitted, emit)
		if err != nil {
			return emitted, err
		}

		emitted += n
	}

	return emitted, nil
}

// candidateRowGroups joins domain_shards (distinct candidate shards for the
// host_rev range) against parquet_rowgroups (row groups whose range
// overlaps it), returning one entry per candidate row group.
func (e *Engine) candidateRowGroups(ctx context.Context, db *sql.DB, low, high string) ([]shardRowGroup, error) {
	query := `
		SELECT DISTINCT pr.parquet_relpath, ds.collection, pr.row_group, pr.row_start, pr.row_end
		FROM parquet_rowgroups pr
		JOIN domain_shards ds ON ds.parquet_relpath = pr.parquet_relpath
		WHERE pr.host_rev_max >= ? AND pr.host_rev_min <= ?
		  AND ds.host_rev BETWEEN ? AND ?
		ORDER BY pr.parquet_relpath, pr.row_group
	`

	rows, err := db.QueryContext(ctx, query, low, high, low, high)
	if err != nil {
		return nil, fmt.Errorf("querying candidate row groups: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []shardRowGroup

	for rows.Next() {
		var rg shardRowGroup
		if err := rows.Scan(&rg.parquetRelpath, &rg.collection, &rg.rowGroup, &rg.rowStart, &rg.rowEnd); err != nil {
			return nil, fmt.Errorf("scanning candidate row group: %w", err)
		}

		out = append(out, rg)
	}

	return out, rows.Err()
}

// scanRowGroup opens rg's shard, seeks to rg's row span, and scans rows
// satisfying the host predicate, exiting early once a row's host_rev sorts
// past high -- sortedness lets this stop before the row group's end.
func (e *Engine) scanRowGroup(ctx context.Context, rg shardRowGroup, low, high string, remaining int, emit Emit) (int, error) {
	path := filepath.Join(e.parquetRoot, rg.parquetRelpath)

	f, size, closeShard, err := e.openShard(ctx, rg.parquetRelpath, path)
	if err != nil {
		return 0, pipelineerr.Wrap(pipelineerr.KindIndex, rg.collection, rg.parquetRelpath, true,
			fmt.Errorf("opening shard: %w", err))
	}
	defer closeShard() //nolint:errcheck

	pf, err := parquet.OpenFile(f, size)
	if err != nil {
		return 0, fmt.Errorf("opening parquet file %q: %w", path, err)
	}

	reader := parquet.NewGenericReader[ccrow.Row](pf)
	defer reader.Close() //nolint:errcheck

	if err := reader.SeekToRow(rg.rowStart); err != nil {
		return 0, fmt.Errorf("seeking to row %d in %q: %w", rg.rowStart, path, err)
	}

	span := rg.rowEnd - rg.rowStart + 1

	buf := make([]ccrow.Row, 0, 256)
	emitted := 0
	read := int64(0)

	for read < span {
		batchSize := int64(cap(buf))
		if remain := span - read; remain < batchSize {
			batchSize = remain
		}

		buf = buf[:batchSize]

		n, err := reader.Read(buf)
		for i := 0; i < n; i++ {
			row := buf[i]

			if row.HostRev < low {
				continue
			}

			if row.HostRev > high {
				return emitted, nil
			}

			if remaining > 0 && emitted >= remaining {
				return emitted, nil
			}

			if emitErr := emit(Pointer{
				URL:          row.URL,
				Timestamp:    row.Timestamp,
				WARCFilename: row.WARCFilename,
				WARCOffset:   row.WARCOffset,
				WARCLength:   row.WARCLength,
				Collection:   row.Collection,
			}); emitErr != nil {
				return emitted, emitErr
			}

			emitted++
		}

		read += int64(n)

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return emitted, fmt.Errorf("reading rows from %q: %w", path, err)
		}

		if n == 0 {
			break
		}
	}

	return emitted, nil
}

// openShard opens relpath for random-access reads, preferring e.shards (so
// PARQUET_ROOT can be served through the same blobstore abstraction
// CCINDEX_ROOT uses) and falling back to a direct os.Open against path when
// e.shards is nil.
func (e *Engine) openShard(ctx context.Context, relpath, path string) (io.ReaderAt, int64, func() error, error) {
	if e.shards != nil {
		size, r, err := e.shards.OpenReaderAt(ctx, relpath)
		if err != nil {
			return nil, 0, nil, err
		}

		return r, size, r.Close, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("opening shard: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck

		return nil, 0, nil, fmt.Errorf("stating shard: %w", err)
	}

	return f, info.Size(), f.Close, nil
}

// openReadLocked opens dbPath read-only, first taking a read lock keyed by
// dbPath if the Engine has a locker, so a concurrent meta-index rebuild
// never races a query against the same file mid-read. The returned unlock
// function is always safe to call even when locker is nil.
func (e *Engine) openReadLocked(ctx context.Context, dbPath string) (*sql.DB, func(), error) {
	unlock := func() {}

	if e.locker != nil {
		if err := e.locker.RLock(ctx, dbPath, readLockTTL); err != nil {
			return nil, unlock, fmt.Errorf("read-locking %q: %w", dbPath, err)
		}

		unlock = func() {
			if err := e.locker.RUnlock(ctx, dbPath); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("path", dbPath).Msg("failed to release read lock")
			}
		}
	}

	db, err := duckdbconn.OpenReadOnly(ctx, dbPath)
	if err != nil {
		unlock()

		return nil, func() {}, fmt.Errorf("opening %q: %w", dbPath, err)
	}

	return db, unlock, nil
}

// TotalIndexedRows counts the (host_rev, collection) rows the master
// database's meta_index table holds -- a proxy for index scale cheap enough
// to sample on every analytics reporting interval, since it reads one
// table of the master database rather than opening every collection DB to
// sum exact CDX row counts. Satisfies analytics.IndexStatsSource.
func (e *Engine) TotalIndexedRows(ctx context.Context) (int64, error) {
	db, unlock, err := e.openReadLocked(ctx, e.masterPath)
	if err != nil {
		return 0, err
	}
	defer unlock()
	defer db.Close() //nolint:errcheck

	var total int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM meta_index`).Scan(&total); err != nil {
		return 0, fmt.Errorf("counting meta_index rows: %w", err)
	}

	return total, nil
}

// rangeFor derives the [low, high] host_rev scan bound for a query: exact
// match is a degenerate single-point range, prefix match extends high to
// ccrow.PrefixUpperBound so every subdomain of hostRev is included.
func rangeFor(hostRev string, prefix bool) (string, string) {
	if !prefix {
		return hostRev, hostRev
	}

	return hostRev, ccrow.PrefixUpperBound(hostRev)
}
