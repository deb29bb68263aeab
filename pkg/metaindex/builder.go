// Package metaindex aggregates per-collection index
// databases into a per-year database, and per-year databases into the
// master database. Both aggregations share one build routine: only the
// source table queried and the year value stamped on each row differ.
package metaindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/kalbasit/ccindex/pkg/duckdbconn"
)

// Source describes one child database a parent meta-index is built from.
type Source struct {
	// AbsPath is the filesystem path the builder opens to read rows.
	AbsPath string

	// RelPath is recorded in the parent's child_db_relpath column; it is
	// relative to DUCKDB_ROOT so the parent never encodes an absolute path
	// that would break if the tree were relocated.
	RelPath string

	// Collection is non-empty only for collection-DB sources (year build).
	Collection string

	// Year is the year this source belongs to (always known: the caller
	// groups collection DBs by year and year DBs have their own year).
	Year string
}

// BuildYearDB aggregates the domain_shards table of each collection DB in
// sources into yearDBPath's meta_index table, one row per distinct
// (host_rev, collection) pair, each pointing back at its collection DB by
// relative path. yearDBPath is rebuilt only if NeedsRebuild reports true;
// callers are expected to check that first so an unchanged year is a no-op.
func BuildYearDB(ctx context.Context, yearDBPath string, sources []Source) error {
	return build(ctx, yearDBPath, sources, `
		SELECT DISTINCT host_rev, ? AS child_db_relpath, collection, ? AS year
		FROM src.domain_shards
	`)
}

// BuildMasterDB aggregates the meta_index table of each year DB in sources
// into masterDBPath's own meta_index table, one row per distinct
// (host_rev, collection) pair across all years, each pointing back at its
// year DB by relative path.
func BuildMasterDB(ctx context.Context, masterDBPath string, sources []Source) error {
	return build(ctx, masterDBPath, sources, `
		SELECT DISTINCT host_rev, ? AS child_db_relpath, collection, ? AS year
		FROM src.meta_index
	`)
}

// NeedsRebuild reports whether target is missing or stale relative to
// sources: built fresh, rebuilt whenever a source's mtime has advanced past
// its recorded build_sources entry, or whenever the source set itself has
// changed (a collection/year added or removed). This is the "rebuild
// triggered by mtime comparison, not a dirty flag" contract: forcing a
// rebuild is as simple as touching a source file.
func NeedsRebuild(ctx context.Context, target string, sources []Source) (bool, error) {
	if _, err := os.Stat(target); err != nil {
		return true, nil //nolint:nilerr // absent target always needs a first build
	}

	db, err := duckdbconn.OpenReadOnly(ctx, target)
	if err != nil {
		return false, fmt.Errorf("opening %q read-only: %w", target, err)
	}
	defer db.Close() //nolint:errcheck

	recorded, err := recordedMtimes(ctx, db)
	if err != nil {
		return false, err
	}

	if len(recorded) != len(sources) {
		return true, nil
	}

	for _, src := range sources {
		info, err := os.Stat(src.AbsPath)
		if err != nil {
			return false, fmt.Errorf("stat %q: %w", src.AbsPath, err)
		}

		mtimeNS, ok := recorded[src.RelPath]
		if !ok || mtimeNS < info.ModTime().UnixNano() {
			return true, nil
		}
	}

	return false, nil
}

func recordedMtimes(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	out := make(map[string]int64)

	rows, err := db.QueryContext(ctx, `SELECT source_relpath, mtime_ns FROM build_sources`)
	if err != nil {
		return nil, fmt.Errorf("reading build_sources: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			relpath string
			mtimeNS int64
		)

		if err := rows.Scan(&relpath, &mtimeNS); err != nil {
			return nil, fmt.Errorf("scanning build_sources row: %w", err)
		}

		out[relpath] = mtimeNS
	}

	return out, rows.Err()
}

// build writes target to a sibling tempfile by attaching each source
// read-only and projecting selectQuery into meta_index, then atomically
// publishes it over target. A partial or failed build never touches the
// live file: readers mid-search always see either the old target or the
// fully-built new one, never a half-written one.
func build(ctx context.Context, target string, sources []Source, selectQuery string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".build-*")
	if err != nil {
		return fmt.Errorf("creating tempfile: %w", err)
	}

	tmpPath := tmp.Name()
	tmp.Close() //nolint:errcheck
	os.Remove(tmpPath)

	cleanup := func() { os.Remove(tmpPath) } //nolint:errcheck

	db, err := duckdbconn.OpenWriter(ctx, tmpPath)
	if err != nil {
		cleanup()

		return fmt.Errorf("opening build target %q: %w", tmpPath, err)
	}

	if err := buildInto(ctx, db, sources, selectQuery); err != nil {
		db.Close() //nolint:errcheck
		cleanup()

		return err
	}

	if err := db.Close(); err != nil {
		cleanup()

		return fmt.Errorf("closing build target: %w", err)
	}

	if err := fsyncPath(tmpPath); err != nil {
		cleanup()

		return err
	}

	if err := os.Rename(tmpPath, target); err != nil {
		cleanup()

		return fmt.Errorf("publishing %q: %w", target, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("target", target).
		Int("sources", len(sources)).
		Msg("meta-index rebuilt")

	return nil
}

func buildInto(ctx context.Context, db *sql.DB, sources []Source, selectQuery string) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM meta_index"); err != nil {
		return fmt.Errorf("clearing meta_index: %w", err)
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM build_sources"); err != nil {
		return fmt.Errorf("clearing build_sources: %w", err)
	}

	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}

		alias := fmt.Sprintf("src_%d", i)

		if err := attach(ctx, db, src.AbsPath, alias); err != nil {
			return err
		}

		insert := fmt.Sprintf(
			`INSERT INTO meta_index (host_rev, child_db_relpath, collection, year)
			 %s`,
			replaceSourceAlias(selectQuery, alias),
		)

		if _, err := db.ExecContext(ctx, insert, src.RelPath, src.Year); err != nil {
			detach(ctx, db, alias) //nolint:errcheck

			return fmt.Errorf("aggregating %q: %w", src.AbsPath, err)
		}

		if err := detach(ctx, db, alias); err != nil {
			return err
		}

		info, err := os.Stat(src.AbsPath)
		if err != nil {
			return fmt.Errorf("stat %q: %w", src.AbsPath, err)
		}

		if _, err := db.ExecContext(ctx,
			`INSERT INTO build_sources (source_relpath, mtime_ns) VALUES (?, ?)`,
			src.RelPath, info.ModTime().UnixNano(),
		); err != nil {
			return fmt.Errorf("recording build_sources for %q: %w", src.RelPath, err)
		}
	}

	if _, err := db.ExecContext(ctx, indexStatement); err != nil {
		return fmt.Errorf("creating meta_index host_rev index: %w", err)
	}

	return nil
}

// replaceSourceAlias substitutes the literal "src." prefix baked into
// BuildYearDB/BuildMasterDB's queries with this source's unique attach
// alias, since each source is attached and detached in turn rather than all
// attached at once (DuckDB's ATTACH alias namespace is per-connection).
func replaceSourceAlias(query, alias string) string {
	out := make([]byte, 0, len(query))

	for i := 0; i < len(query); i++ {
		if i+4 <= len(query) && query[i:i+4] == "src." {
			out = append(out, alias...)
			out = append(out, '.')
			i += 3

			continue
		}

		out = append(out, query[i])
	}

	return string(out)
}

func attach(ctx context.Context, db *sql.DB, path, alias string) error {
	stmt := fmt.Sprintf("ATTACH %s AS %s (READ_ONLY)", quoteLiteral(path), alias)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("attaching %q as %s: %w", path, alias, err)
	}

	return nil
}

func detach(ctx context.Context, db *sql.DB, alias string) error {
	if _, err := db.ExecContext(ctx, "DETACH "+alias); err != nil {
		return fmt.Errorf("detaching %s: %w", alias, err)
	}

	return nil
}

func fsyncPath(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %q to fsync: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	return f.Sync()
}

func quoteLiteral(path string) string {
	out := make([]byte, 0, len(path)+2)
	out = append(out, '\'')

	for i := 0; i < len(path); i++ {
		if path[i] == '\'' {
			out = append(out, '\'', '\'')

			continue
		}

		out = append(out, path[i])
	}

	out = append(out, '\'')

	return string(out)
}
