// Package duckdbconn centralizes how every pipeline stage and the search
// engine open a DuckDB file: through otelsql so every query is traced, with
// the single-writer contract enforced by the caller (pkg/lock), never by
// the connection pool.
package duckdbconn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"

	_ "github.com/marcboeker/go-duckdb/v2" // registers the "duckdb" database/sql driver
)

// dbSystemAttr tags every connection's spans/metrics with its backing
// engine.
var dbSystemAttr = attribute.String("db.system", "duckdb") //nolint:gochecknoglobals

// OpenWriter opens path for exclusive read-write access. Callers MUST hold
// the corresponding pkg/lock write lock for path before calling this; a
// second writer on the same file produces undefined DuckDB file-lock
// behavior, not a graceful error.
func OpenWriter(ctx context.Context, path string) (*sql.DB, error) {
	db, err := otelsql.Open("duckdb", path, otelsql.WithAttributes(dbSystemAttr))
	if err != nil {
		return nil, fmt.Errorf("opening %q for write: %w", path, err)
	}

	// A single DuckDB file accepts one writer connection; serialize access
	// through one pooled connection instead of DuckDB's own file lock
	// rejecting a second one outright.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck

		return nil, fmt.Errorf("pinging %q: %w", path, err)
	}

	return db, nil
}

// OpenReadOnly opens path read-only. Many readers may hold this
// concurrently with a writer mutating a *different* path, or with other
// readers on the same path, per the meta-index's atomic-rename publish
// contract.
func OpenReadOnly(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path + "?access_mode=read_only"

	db, err := otelsql.Open("duckdb", dsn, otelsql.WithAttributes(dbSystemAttr))
	if err != nil {
		return nil, fmt.Errorf("opening %q read-only: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck

		return nil, fmt.Errorf("pinging %q: %w", path, err)
	}

	return db, nil
}

// OpenInMemory opens a private in-memory DuckDB connection, used by the
// sorter as scratch space for its ORDER BY and by tests.
func OpenInMemory(ctx context.Context) (*sql.DB, error) {
	db, err := otelsql.Open("duckdb", "", otelsql.WithAttributes(dbSystemAttr))
	if err != nil {
		return nil, fmt.Errorf("opening in-memory duckdb: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck

		return nil, fmt.Errorf("pinging in-memory duckdb: %w", err)
	}

	return db, nil
}
