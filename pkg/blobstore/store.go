// Package blobstore defines the storage abstraction CCINDEX_ROOT's raw CDX
// archives and PARQUET_ROOT's columnar shards are both accessed through:
// the orchestrator, the search engine and the validator talk to a Store
// instead of the filesystem directly, so either root can be backed by a
// local disk or (for CCINDEX_ROOT) an S3-compatible bucket without the
// caller changing. DUCKDB_ROOT stays on direct filesystem access, since
// DuckDB opens its database files by path and has no notion of a Store.
//
// Unlike a cache store, nothing here is content-addressed by hash: keys are
// the pipeline's own paths (a collection's shard file name), so Store only
// needs the four CRUD verbs plus a listing walk for the validator's "what
// files actually exist" sweep. RandomAccessStore is the narrower,
// optional capability pkg/search's row-group pruning needs: seeking
// directly to a matched row group requires io.ReaderAt, which a plain
// streaming Get can't offer. Both backends satisfy it, though in practice
// PARQUET_ROOT is served from local disk: DuckDB's own
// read_parquet/parquet_metadata calls against the same tree require a
// local path regardless of what pkg/search uses to read it.
package blobstore

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("blobstore: not found")

	// ErrAlreadyExists is returned by Put when the key is already populated
	// and the store enforces write-once semantics.
	ErrAlreadyExists = errors.New("blobstore: already exists")
)

// Store is the storage contract shared by the local and S3 backends.
type Store interface {
	// Has reports whether key exists.
	Has(ctx context.Context, key string) bool

	// Get returns the size and an open reader for key. The caller must
	// close the returned io.ReadCloser. Returns ErrNotFound if key is
	// absent.
	Get(ctx context.Context, key string) (int64, io.ReadCloser, error)

	// Put writes body to key, replacing any existing content, and returns
	// the number of bytes written. Put is atomic: a reader that calls Get
	// concurrently never observes a partially written value.
	Put(ctx context.Context, key string, body io.Reader) (int64, error)

	// Delete removes key. Returns ErrNotFound if key is absent.
	Delete(ctx context.Context, key string) error

	// Walk calls fn with every key under prefix, in no particular order.
	// A non-nil error from fn stops the walk and is returned unchanged.
	Walk(ctx context.Context, prefix string, fn func(key string) error) error
}

// ReaderAtCloser is what RandomAccessStore.OpenReaderAt returns: a handle
// supporting parquet-go's column/row-group seeks, which needs io.ReaderAt,
// plus Close once the caller is done with it.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

// RandomAccessStore is an optional capability a Store backend can offer
// alongside the base Store contract: random-access reads of key, for a
// caller that needs to seek (parquet-go's row-group pruning) rather than
// stream a key start to finish. pkg/search takes a RandomAccessStore
// directly and opens the shard by local path when none is configured.
type RandomAccessStore interface {
	Store

	// OpenReaderAt opens key for random-access reads, returning its size
	// (parquet.OpenFile needs the length up front) and a handle the caller
	// must Close. Returns ErrNotFound if key is absent.
	OpenReaderAt(ctx context.Context, key string) (size int64, r ReaderAtCloser, err error)
}
